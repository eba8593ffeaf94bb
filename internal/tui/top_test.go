package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/strombase/dmapool/internal/dmabuf"
)

func sampleStats() *dmabuf.Stats {
	return &dmabuf.Stats{
		Group:          "demo",
		SegmentSize:    1 << 28,
		NumSegments:    2,
		ActiveSegments: 1,
		TotalChunks:    3,
		UsedBytes:      1 << 20,
		Segments: []dmabuf.SegmentStats{
			{ID: 0, Revision: 1, Active: true, Persistent: true, NumChunks: 3, UsedBytes: 1 << 20},
			{ID: 1, Revision: 0},
		},
	}
}

func TestTopScreenShowsStats(t *testing.T) {
	m := NewTopScreen("demo", 0)
	model, _ := m.Update(StatsLoadedMsg{Stats: sampleStats()})
	view := model.View()

	for _, want := range []string{"dmapool demo.0", "segments 1/2 active", "active", "idle"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestTopScreenShowsError(t *testing.T) {
	m := NewTopScreen("demo", 0)
	model, _ := m.Update(StatsLoadedMsg{Err: errors.New("connection refused")})
	view := model.View()
	if !strings.Contains(view, "connection refused") {
		t.Errorf("view missing error:\n%s", view)
	}
	if !strings.Contains(view, "dmapool serve") {
		t.Errorf("view missing hint:\n%s", view)
	}
}

func TestTopScreenCursorClamped(t *testing.T) {
	m := NewTopScreen("demo", 0)
	model, _ := m.Update(StatsLoadedMsg{Stats: sampleStats()})
	m = model.(TopScreen)

	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = model.(TopScreen)
	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = model.(TopScreen)
	if m.cursor != 1 {
		t.Errorf("cursor = %d, want clamped at 1", m.cursor)
	}

	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = model.(TopScreen)
	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = model.(TopScreen)
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want clamped at 0", m.cursor)
	}
}

func TestTopScreenQuit(t *testing.T) {
	m := NewTopScreen("demo", 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q produced no command")
	}
	if msg := cmd(); msg != (tea.QuitMsg{}) {
		t.Errorf("q produced %T, want tea.QuitMsg", msg)
	}
}

func TestRenderBar(t *testing.T) {
	if got := renderBar(0, 10); !strings.Contains(got, "0%") {
		t.Errorf("renderBar(0) = %q", got)
	}
	if got := renderBar(1, 10); !strings.Contains(got, "100%") {
		t.Errorf("renderBar(1) = %q", got)
	}
	if got := renderBar(2, 10); !strings.Contains(got, "100%") {
		t.Errorf("renderBar clamps above 1: %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512B"},
		{2 << 10, "2.0KiB"},
		{3 << 20, "3.0MiB"},
		{1 << 30, "1.0GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
