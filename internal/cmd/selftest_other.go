//go:build !linux

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runSelftest(cmd *cobra.Command, args []string) error {
	return fmt.Errorf("selftest requires Linux")
}
