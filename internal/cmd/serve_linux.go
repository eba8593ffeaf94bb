//go:build linux

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strombase/dmapool/internal/config"
	"github.com/strombase/dmapool/internal/monitor"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveGroupFlag != "" {
		cfg.Group = serveGroupFlag
	}
	if serveInstanceFlag >= 0 {
		cfg.InstanceID = serveInstanceFlag
	}
	if servePinFlag != "" {
		cfg.Pin = servePinFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return monitor.NewDaemon(cfg).Run()
}
