//go:build linux

package cmd

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strombase/dmapool/internal/config"
	"github.com/strombase/dmapool/internal/dmabuf"
)

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if !cleanForceFlag {
		pid, err := dmabuf.SupervisorPID(cfg.Group, cfg.InstanceID)
		if err != nil {
			return err
		}
		if pid > 0 && processAlive(pid) {
			return fmt.Errorf("pool %s.%d is owned by live process %d; use --force to remove anyway",
				cfg.Group, cfg.InstanceID, pid)
		}
	}

	n, err := dmabuf.CleanObjects(cfg.Group, cfg.InstanceID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d shared-memory objects for %s.%d\n", n, cfg.Group, cfg.InstanceID)
	return nil
}

// processAlive checks for process existence with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
