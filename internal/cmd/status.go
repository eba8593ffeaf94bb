package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strombase/dmapool/internal/config"
	"github.com/strombase/dmapool/internal/monitor"
)

var (
	statusStopFlag bool
	statusJSONFlag bool
)

func addStatusCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query (or stop) the pool daemon",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().BoolVar(&statusStopFlag, "stop", false, "Ask the daemon to shut down")
	cmd.Flags().BoolVar(&statusJSONFlag, "json", false, "Print status as JSON")
	parent.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if !monitor.Probe(cfg.Group, cfg.InstanceID) {
		if statusJSONFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(&monitor.Status{Running: false})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pool daemon for %s.%d is not running\n", cfg.Group, cfg.InstanceID)
		return nil
	}

	if statusStopFlag {
		if _, err := monitor.Call(cfg.Group, cfg.InstanceID, &monitor.Request{Type: "stop"}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Stop requested")
		return nil
	}

	resp, err := monitor.Call(cfg.Group, cfg.InstanceID, &monitor.Request{Type: "status"})
	if err != nil {
		return err
	}
	st := resp.Status
	if statusJSONFlag {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pool daemon running (pid %d)\n", st.PID)
	fmt.Fprintf(cmd.OutOrStdout(), "  pool:     %s.%d\n", st.Group, st.InstanceID)
	fmt.Fprintf(cmd.OutOrStdout(), "  segments: %d/%d active\n", st.ActiveSegments, st.NumSegments)
	fmt.Fprintf(cmd.OutOrStdout(), "  uptime:   %ds\n", st.UptimeSeconds)
	return nil
}
