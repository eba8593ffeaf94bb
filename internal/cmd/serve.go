package cmd

import (
	"github.com/spf13/cobra"
)

var (
	serveGroupFlag    string
	serveInstanceFlag int
	servePinFlag      string
)

func addServeCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool supervisor daemon",
		Long: `Run the supervising daemon that owns the DMA buffer pool.

The daemon creates the pool's control region, answers status and stats
queries over a Unix socket, and destroys all shared-memory objects when
it exits. Worker processes can only join the pool while the daemon is
running.

Runs until Ctrl+C or "dmapool status --stop".`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.StringVar(&serveGroupFlag, "group", "", "Pool group name (default: from config)")
	flags.IntVar(&serveInstanceFlag, "instance", -1, "Pool instance id (default: from config)")
	flags.StringVar(&servePinFlag, "pin", "", "Pin mode: none or mlock (default: from config)")

	parent.AddCommand(cmd)
}
