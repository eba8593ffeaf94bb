package cmd

import (
	"github.com/spf13/cobra"
)

var selftestIterations int

func addSelftestCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the allocator and verify its invariants",
		Long: `Create a private throwaway pool, run a randomized alloc/realloc/free
workload against it, and sweep the allocator invariants after each
phase: full segment coverage, complete buddy merging, intact chunk
fences, and accurate chunk accounting.

The throwaway pool uses its own shared-memory namespace and is removed
when the test finishes.`,
		Args: cobra.NoArgs,
		RunE: runSelftest,
	}
	cmd.Flags().IntVar(&selftestIterations, "iterations", 1000, "Number of allocations in the first phase")
	parent.AddCommand(cmd)
}
