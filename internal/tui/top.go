// Package tui implements the live pool monitor behind "dmapool top".
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/strombase/dmapool/internal/dmabuf"
	"github.com/strombase/dmapool/internal/monitor"
)

const statsPollInterval = 1 * time.Second

// StatsLoadedMsg is the message sent when a stats poll completes.
// Exported for testing.
type StatsLoadedMsg struct {
	Stats *dmabuf.Stats
	Err   error
}

// StatsPollTickMsg is the periodic poll tick message. Exported for testing.
type StatsPollTickMsg struct{}

type topKeyMap struct {
	Up   key.Binding
	Down key.Binding
	Help key.Binding
	Quit key.Binding
}

func (k topKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Help, k.Quit}
}

func (k topKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	cursorStyle = lipgloss.NewStyle().Reverse(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// TopScreen polls the pool daemon and renders per-segment occupancy.
type TopScreen struct {
	group      string
	instanceID int

	keys    topKeyMap
	help    help.Model
	stats   *dmabuf.Stats
	cursor  int
	loading bool
	err     error
	width   int
	height  int
}

// NewTopScreen creates the monitor for one pool.
func NewTopScreen(group string, instanceID int) TopScreen {
	return TopScreen{
		group:      group,
		instanceID: instanceID,
		keys: topKeyMap{
			Up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
			Down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
			Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
			Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		help:    help.New(),
		loading: true,
	}
}

func (m TopScreen) Init() tea.Cmd {
	return tea.Batch(m.pollStats(), pollStatsTick())
}

// Stats returns the last polled stats (for testing).
func (m TopScreen) Stats() *dmabuf.Stats {
	return m.stats
}

func (m TopScreen) pollStats() tea.Cmd {
	group, instanceID := m.group, m.instanceID
	return func() tea.Msg {
		resp, err := monitor.Call(group, instanceID, &monitor.Request{Type: "stats"})
		if err != nil {
			return StatsLoadedMsg{Err: err}
		}
		return StatsLoadedMsg{Stats: resp.Stats}
	}
}

func pollStatsTick() tea.Cmd {
	return tea.Tick(statsPollInterval, func(_ time.Time) tea.Msg {
		return StatsPollTickMsg{}
	})
}

func (m TopScreen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case StatsLoadedMsg:
		m.loading = false
		m.err = msg.Err
		if msg.Stats != nil {
			m.stats = msg.Stats
			if n := len(m.stats.Segments); m.cursor >= n && n > 0 {
				m.cursor = n - 1
			}
		}
		return m, nil

	case StatsPollTickMsg:
		return m, tea.Batch(m.pollStats(), pollStatsTick())

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.stats != nil && m.cursor < len(m.stats.Segments)-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m TopScreen) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("dmapool %s.%d", m.group, m.instanceID)))
	b.WriteString("\n\n")

	switch {
	case m.loading:
		b.WriteString(dimStyle.Render("Connecting to pool daemon..."))
	case m.err != nil:
		b.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("Is the daemon running? Try: dmapool serve"))
	case m.stats != nil:
		st := m.stats
		b.WriteString(fmt.Sprintf("segments %d/%d active   chunks %d   used %s / %s\n\n",
			st.ActiveSegments, st.NumSegments, st.TotalChunks,
			formatBytes(st.UsedBytes),
			formatBytes(uint64(st.ActiveSegments)*st.SegmentSize)))

		b.WriteString(headerStyle.Render(fmt.Sprintf("%-4s %-6s %-10s %-7s %-8s %-12s %s",
			"SEG", "STATE", "REVISION", "PERSIST", "CHUNKS", "USED", "UTIL")))
		b.WriteString("\n")
		for i, seg := range st.Segments {
			state := "idle"
			if seg.Active {
				state = "active"
			}
			persist := "-"
			if seg.Persistent {
				persist = "yes"
			}
			util := ""
			if seg.Active && st.SegmentSize > 0 {
				util = renderBar(float64(seg.UsedBytes)/float64(st.SegmentSize), 20)
			}
			line := fmt.Sprintf("%-4d %-6s %-10d %-7s %-8d %-12s %s",
				seg.ID, state, seg.Revision, persist, seg.NumChunks,
				formatBytes(seg.UsedBytes), util)
			if i == m.cursor {
				line = cursorStyle.Render(line)
			} else if !seg.Active {
				line = dimStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// renderBar draws a fixed-width utilization bar.
func renderBar(frac float64, width int) string {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	filled := int(frac*float64(width) + 0.5)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("·", width-filled) + "]" +
		fmt.Sprintf(" %3.0f%%", frac*100)
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
