//go:build linux

package pin

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMlockRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	var p Pinner = Mlock{}
	if err := p.Pin(buf); err != nil {
		// RLIMIT_MEMLOCK is often 0 in containers.
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EPERM) {
			t.Skipf("mlock not permitted: %v", err)
		}
		t.Fatalf("Pin: %v", err)
	}
	if err := p.Unpin(buf); err != nil {
		t.Errorf("Unpin: %v", err)
	}
}
