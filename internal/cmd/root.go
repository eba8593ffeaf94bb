package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/strombase/dmapool/internal/config"
)

// ConfigDir is the value of the global --config-dir flag.
var ConfigDir string

var verboseFlag bool

// Execute runs the CLI.
func Execute() error {
	rootCmd := &cobra.Command{
		Use:   "dmapool",
		Short: "Multi-process DMA buffer pool manager",
		Long: `dmapool manages a pool of shared-memory DMA buffer segments.

A supervising daemon (dmapool serve) owns the pool: it creates the
control region, keeps persistent segments alive, and unlinks every
shared-memory object when it shuts down. Worker processes join the
pool through the library and allocate chunks out of the shared
segments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.SetConfigDir(ConfigDir)
			if verboseFlag {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&ConfigDir, "config-dir", "", "Config directory (default: $DMAPOOL_HOME or ~/.dmapool)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	addServeCommand(rootCmd)
	addStatusCommand(rootCmd)
	addTopCommand(rootCmd)
	addSelftestCommand(rootCmd)
	addCleanCommand(rootCmd)
	addConfigCommands(rootCmd)

	return rootCmd.Execute()
}
