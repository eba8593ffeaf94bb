//go:build linux

package pin

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mlock pins segments by locking their pages into RAM. It stands in for
// a real device binding on hosts where DMA registration is just "keep
// the pages resident": the kernel then guarantees stable physical
// addresses for the device driver to map.
type Mlock struct{}

func (Mlock) Pin(buf []byte) error {
	if err := unix.Mlock(buf); err != nil {
		return fmt.Errorf("mlock %d bytes: %w", len(buf), err)
	}
	return nil
}

func (Mlock) Unpin(buf []byte) error {
	if err := unix.Munlock(buf); err != nil {
		return fmt.Errorf("munlock %d bytes: %w", len(buf), err)
	}
	return nil
}
