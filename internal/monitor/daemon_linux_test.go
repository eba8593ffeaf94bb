//go:build linux

package monitor

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/strombase/dmapool/internal/config"
	"github.com/strombase/dmapool/internal/dmabuf"
)

func TestDaemonRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a pool daemon")
	}
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skipf("no /dev/shm: %v", err)
	}

	cfg := config.Defaults()
	cfg.Group = fmt.Sprintf("dmapool-montest-%d", os.Getpid())
	cfg.MaxSegments = 2
	cfg.MinSegments = 0

	d := NewDaemon(cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
		dmabuf.CleanObjects(cfg.Group, cfg.InstanceID)
	})

	// Wait for the socket to come up.
	deadline := time.Now().Add(5 * time.Second)
	for !Probe(cfg.Group, cfg.InstanceID) {
		if time.Now().After(deadline) {
			t.Fatal("daemon socket never appeared")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := Call(cfg.Group, cfg.InstanceID, &Request{Type: "status"})
	if err != nil {
		t.Fatalf("status call: %v", err)
	}
	if resp.Status == nil || !resp.Status.Running {
		t.Fatalf("status = %+v", resp.Status)
	}
	if resp.Status.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", resp.Status.PID, os.Getpid())
	}
	if resp.Status.NumSegments != 2 {
		t.Errorf("segments = %d, want 2", resp.Status.NumSegments)
	}

	resp, err = Call(cfg.Group, cfg.InstanceID, &Request{Type: "stats"})
	if err != nil {
		t.Fatalf("stats call: %v", err)
	}
	if resp.Stats == nil || len(resp.Stats.Segments) != 2 {
		t.Fatalf("stats = %+v", resp.Stats)
	}
	if resp.Stats.ActiveSegments != 0 {
		t.Errorf("fresh pool has %d active segments", resp.Stats.ActiveSegments)
	}

	if _, err := Call(cfg.Group, cfg.InstanceID, &Request{Type: "bogus"}); err == nil {
		t.Error("bogus request type accepted")
	}
}

func TestProbeNotRunning(t *testing.T) {
	if Probe("dmapool-definitely-not-running", 0) {
		t.Error("probe of absent daemon returned true")
	}
}
