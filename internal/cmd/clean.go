package cmd

import (
	"github.com/spf13/cobra"
)

var cleanForceFlag bool

func addCleanCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove residual shared-memory objects",
		Long: `Remove shared-memory objects left behind by a crashed pool.

Objects belonging to a pool whose supervisor is still alive are left
alone unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: runClean,
	}
	cmd.Flags().BoolVar(&cleanForceFlag, "force", false, "Remove objects even if the supervisor appears alive")
	parent.AddCommand(cmd)
}
