//go:build !linux

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	return fmt.Errorf("the pool daemon requires Linux")
}
