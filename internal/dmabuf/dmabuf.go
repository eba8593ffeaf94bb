// Package dmabuf implements a multi-process, host-pinned DMA buffer pool.
//
// The pool is a set of fixed-size shared-memory segments carved into
// power-of-two chunks by a per-segment buddy allocator. Every participating
// process reserves one contiguous virtual address range at startup and maps
// segments lazily into fixed slots of that range, so a chunk is addressable
// as (segment, offset) from any process. Segment presence is published
// through a per-segment revision counter whose parity encodes whether the
// backing shared-memory object currently exists.
//
// All linkage stored in shared memory (free lists, owner lists, segment
// lists) uses offsets or indices, never absolute pointers, so the layout is
// position independent across processes.
package dmabuf

import (
	"errors"
	"math/bits"
)

// Size classes. A chunk of class m occupies exactly 1<<m bytes and is
// 1<<m aligned within its segment.
const (
	MinClass = 8
	MaxClass = 34
)

// MinSegmentSize and MaxSegmentSize bound the configurable segment size.
// Segment sizes must be powers of two so that buddy alignment holds for
// every class up to the segment itself.
const (
	MinSegmentSize = 1 << 28
	MaxSegmentSize = 1 << MaxClass
)

const (
	// chunkMagic guards both ends of every chunk: the header magic at the
	// start of the chunk region and the tail magic just past the payload.
	chunkMagic uint32 = 0xdbafc0de

	// ctlMagic marks an initialized pool control region.
	ctlMagic uint32 = 0x444d4150 // "DMAP"

	// poisonByte stamps payloads on alloc and free when poisoning is on.
	poisonByte = 0xf5
)

// Errors reported by pool operations. OS-level failures are wrapped with
// their unix.Errno cause and context instead.
var (
	ErrCorrupted     = errors.New("dmabuf: corrupted chunk pointer")
	ErrTooLarge      = errors.New("dmabuf: allocation exceeds segment capacity")
	ErrOutOfSegments = errors.New("dmabuf: no free segments")
	ErrPinFailed     = errors.New("dmabuf: device pinning failed")
	ErrUnsupported   = errors.New("dmabuf: shared DMA pools require Linux")
)

// Config describes one pool instance. Group and InstanceID namespace the
// shared-memory objects so independent pools on one host do not collide.
type Config struct {
	Group       string
	InstanceID  int
	SegmentSize uint64
	MaxSegments int

	// MinSegments is the number of leading segments that are persistent:
	// they are never destroyed when their last chunk is freed.
	MinSegments int

	// Supervisor marks the process that owns the pool lifetime. The
	// supervisor creates the control region and unlinks all residual
	// shared-memory objects when it shuts down.
	Supervisor bool

	// DebugPoison stamps chunk payloads with a poison byte on alloc and
	// free. Expensive for large chunks; intended for tests and selftest.
	DebugPoison bool
}

func (c *Config) validate() error {
	if c.Group == "" {
		return errors.New("dmabuf: empty group name")
	}
	if c.SegmentSize < MinSegmentSize || c.SegmentSize > MaxSegmentSize {
		return errors.New("dmabuf: segment size out of range")
	}
	if c.SegmentSize&(c.SegmentSize-1) != 0 {
		return errors.New("dmabuf: segment size must be a power of two")
	}
	if c.MaxSegments < 1 {
		return errors.New("dmabuf: need at least one segment")
	}
	if c.MinSegments < 0 || c.MinSegments > c.MaxSegments {
		return errors.New("dmabuf: min segments out of range")
	}
	return nil
}

// align8 rounds n up to the next multiple of 8, the payload alignment used
// for the tail magic position.
func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// chunkClass returns the size class for a request of required payload
// bytes: ceil(log2(header + aligned payload + tail)), clamped below to
// MinClass. Returns false if no chunk of any class in a segment of
// segSize bytes can hold the request.
func chunkClass(required, segSize uint64) (int, bool) {
	total := chunkHeadSize + align8(required) + chunkTailSize
	if total > segSize || total < required {
		return 0, false
	}
	m := bits.Len64(total - 1)
	if m < MinClass {
		m = MinClass
	}
	return m, true
}

// maxSegClass is the largest class a segment of segSize bytes can hold.
func maxSegClass(segSize uint64) int {
	m := bits.Len64(segSize) - 1
	if m > MaxClass {
		m = MaxClass
	}
	return m
}

// MaxAllocSize returns the largest payload that fits a single chunk in a
// segment of segSize bytes.
func MaxAllocSize(segSize uint64) uint64 {
	return segSize - chunkHeadSize - chunkTailSize - 4
}
