//go:build !linux

package dmabuf

import "github.com/strombase/dmapool/internal/pin"

// Shared DMA pools need anonymous file-backed shared memory, fixed
// address mapping, and userfaultfd; only the Linux build carries the
// real implementation.

func Open(cfg Config, pinner pin.Pinner) (*Pool, error) {
	return nil, ErrUnsupported
}

func (p *Pool) Close() error { return ErrUnsupported }

func (p *Pool) ensureAttached(segID int) error { return ErrUnsupported }

func (p *Pool) createSegment(segID int) error { return ErrUnsupported }

func (p *Pool) destroySegment(segID int) {}

// CleanObjects is a no-op off Linux.
func CleanObjects(group string, instanceID int) (int, error) {
	return 0, ErrUnsupported
}

// SupervisorPID is a no-op off Linux.
func SupervisorPID(group string, instanceID int) (int, error) {
	return 0, ErrUnsupported
}

// ProbeUffd reports false off Linux.
func ProbeUffd() bool { return false }
