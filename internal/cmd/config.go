package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strombase/dmapool/internal/config"
)

func addConfigCommands(rootCmd *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dmapool configuration",
		Long:  "Show, get, and set values in the dmapool config file (~/.dmapool/config.toml).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n", config.Path())
			fmt.Fprintf(out, "group = %s\n", cfg.Group)
			fmt.Fprintf(out, "instance_id = %d\n", cfg.InstanceID)
			fmt.Fprintf(out, "segment_size = %d\n", cfg.SegmentSize)
			fmt.Fprintf(out, "max_segments = %d\n", cfg.MaxSegments)
			fmt.Fprintf(out, "min_segments = %d (effective %d)\n", cfg.MinSegments, cfg.EffectiveMinSegments())
			fmt.Fprintf(out, "device_memory = %d\n", cfg.DeviceMemory)
			fmt.Fprintf(out, "pin = %s\n", cfg.Pin)
			fmt.Fprintf(out, "debug_poison = %v\n", cfg.DebugPoison)
			return nil
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := config.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			return nil
		},
	}

	configPathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.Path())
			return nil
		},
	}

	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
