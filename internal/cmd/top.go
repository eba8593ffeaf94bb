package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/strombase/dmapool/internal/config"
	"github.com/strombase/dmapool/internal/tui"
)

func addTopCommand(parent *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live per-segment pool monitor",
		Long:  "Show a continuously refreshing view of segment occupancy, polling the pool daemon once a second.",
		Args:  cobra.NoArgs,
		RunE:  runTop,
	}
	parent.AddCommand(cmd)
}

func runTop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	model := tui.NewTopScreen(cfg.Group, cfg.InstanceID)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
