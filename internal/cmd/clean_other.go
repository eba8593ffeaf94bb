//go:build !linux

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runClean(cmd *cobra.Command, args []string) error {
	return fmt.Errorf("clean requires Linux")
}
