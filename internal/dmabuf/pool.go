package dmabuf

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/strombase/dmapool/internal/pin"
)

// Pool is the process-local handle to one shared DMA buffer pool. All
// cross-process state lives in the control region and the segments; the
// Pool itself holds the reservation base, the local attachment map, and
// this process's owners.
type Pool struct {
	cfg    Config
	pinner pin.Pinner

	base     uintptr // reservation base; segment i occupies base+i*S
	reserved []byte
	ctlMem   []byte
	table    segTable

	// local[i] is this process's view of segment i: the revision it is
	// currently attached at (odd), or 0 when detached. Read atomically on
	// the fast path, written under attachMu.
	local    []localSeg
	attachMu sync.Mutex

	owners   map[uint64]*Owner
	ownersMu sync.Mutex
	ownerSeq uint64

	// userfaultfd state; fd is -1 when transparent fault attachment is
	// unavailable and attachment happens on API entry only.
	uffd     int
	uffdDone chan struct{}
	uffdWG   sync.WaitGroup
}

type localSeg struct {
	rev    uint32
	pinned bool
}

// SegmentSize returns S, the fixed byte size of every segment.
func (p *Pool) SegmentSize() uint64 { return p.cfg.SegmentSize }

// NumSegments returns N, the number of segment slots.
func (p *Pool) NumSegments() int { return p.cfg.MaxSegments }

// MaxAlloc returns the largest payload a single allocation can request.
func (p *Pool) MaxAlloc() uint64 { return MaxAllocSize(p.cfg.SegmentSize) }

func (p *Pool) segBase(segID int) uintptr {
	return p.base + uintptr(uint64(segID)*p.cfg.SegmentSize)
}

// Alloc carves a chunk with at least required payload bytes out of some
// active segment, creating a segment on demand, and charges it to o.
func (p *Pool) Alloc(o *Owner, required uint64) ([]byte, error) {
	s := p.cfg.SegmentSize
	m, ok := chunkClass(required, s)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, required)
	}

	mu := &p.table.hdr.mutex
	mu.rlock()
	segID, off := p.tryAlloc(m, required)
	mu.runlock()

	if segID < 0 {
		// Another process may create a segment between the drop and the
		// exclusive acquire, so re-walk before spending a slot.
		mu.lock()
		segID, off = p.tryAlloc(m, required)
		if segID < 0 {
			idx := p.table.popHead(&p.table.hdr.inactiveHead)
			if idx == nilSeg {
				mu.unlock()
				return nil, ErrOutOfSegments
			}
			if err := p.createSegment(int(idx)); err != nil {
				p.table.pushHead(&p.table.hdr.inactiveHead, idx)
				mu.unlock()
				return nil, err
			}
			p.table.pushHead(&p.table.hdr.activeHead, idx)
			d := &p.table.descs[idx]
			d.lock.lock()
			off = buddyAllocChunk(d, p.segBase(int(idx)), s, m, required)
			d.lock.unlock()
			segID = int(idx)
		}
		mu.unlock()
	}
	if segID < 0 || off == nilLink {
		return nil, ErrOutOfSegments
	}

	goff := uint64(segID)*s + off
	o.mu.Lock()
	p.ownerPush(o, goff)
	o.mu.Unlock()

	payload := p.base + uintptr(goff+chunkHeadSize)
	if p.cfg.DebugPoison && required > 0 {
		poison(p.base, goff+chunkHeadSize, required)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(payload)), required), nil
}

// tryAlloc walks the active list attempting the allocation in each
// segment. Caller holds the table mutex (shared or exclusive). Returns
// segID -1 on exhaustion.
func (p *Pool) tryAlloc(m int, required uint64) (int, uint64) {
	s := p.cfg.SegmentSize
	for idx := p.table.hdr.activeHead; idx != nilSeg; idx = p.table.descs[idx].next {
		if err := p.ensureAttached(int(idx)); err != nil {
			continue
		}
		d := &p.table.descs[idx]
		d.lock.lock()
		off := buddyAllocChunk(d, p.segBase(int(idx)), s, m, required)
		d.lock.unlock()
		if off != nilLink {
			return int(idx), off
		}
	}
	return -1, nilLink
}

// Free releases a chunk previously returned by Alloc or Realloc. The last
// free in a non-persistent segment destroys the segment's backing object.
func (p *Pool) Free(buf []byte) error {
	return p.freeAddr(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

func (p *Pool) freeAddr(addr uintptr) error {
	segID, off, h, err := p.chunkFromPayload(addr)
	if err != nil {
		return err
	}
	o := p.ownerByID(h.ownerID)
	if o == nil {
		return fmt.Errorf("%w: chunk owner not registered in this process", ErrCorrupted)
	}
	s := p.cfg.SegmentSize
	goff := uint64(segID)*s + off
	o.mu.Lock()
	p.ownerRemove(o, goff)
	o.mu.Unlock()

	d := &p.table.descs[segID]
	base := p.segBase(segID)
	d.lock.lock()
	if d.numChunks == 1 && d.persistent == 0 {
		// Emptying a segment moves it off the active list, which needs
		// the table mutex. Locks must be taken table-first, so drop the
		// spinlock, promote, and re-check.
		d.lock.unlock()
		mu := &p.table.hdr.mutex
		mu.lock()
		d.lock.lock()
		if d.numChunks == 1 {
			buddyFreeChunk(d, base, s, off, p.cfg.DebugPoison)
			p.table.remove(&p.table.hdr.activeHead, uint32(segID))
			p.destroySegment(segID)
			p.table.pushHead(&p.table.hdr.inactiveHead, uint32(segID))
			d.lock.unlock()
			mu.unlock()
			return nil
		}
		// Raced with a concurrent allocator; free normally.
		buddyFreeChunk(d, base, s, off, p.cfg.DebugPoison)
		d.lock.unlock()
		mu.unlock()
		return nil
	}
	buddyFreeChunk(d, base, s, off, p.cfg.DebugPoison)
	d.lock.unlock()
	return nil
}

// Realloc resizes a chunk. Same-class resizes and shrinks happen in
// place; growth allocates a new chunk, copies the payload, and frees the
// old one.
func (p *Pool) Realloc(buf []byte, required uint64) ([]byte, error) {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	segID, off, h, err := p.chunkFromPayload(addr)
	if err != nil {
		return nil, err
	}
	s := p.cfg.SegmentSize
	m2, ok := chunkClass(required, s)
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, required)
	}
	d := &p.table.descs[segID]
	base := p.segBase(segID)
	m := int(h.mclass)

	switch {
	case m2 == m:
		d.lock.lock()
		h.required = required
		h.setTailMagic(base, off)
		d.lock.unlock()
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), required), nil
	case m2 < m:
		d.lock.lock()
		buddyShrinkChunk(d, base, off, m2, required)
		d.lock.unlock()
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), required), nil
	default:
		o := p.ownerByID(h.ownerID)
		if o == nil {
			return nil, fmt.Errorf("%w: chunk owner not registered in this process", ErrCorrupted)
		}
		nbuf, err := p.Alloc(o, required)
		if err != nil {
			return nil, err
		}
		copy(nbuf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), h.required))
		if err := p.freeAddr(addr); err != nil {
			return nil, err
		}
		return nbuf, nil
	}
}

// FreeAll releases every chunk charged to o. The caller must serialize
// against concurrent allocations by the same owner.
func (p *Pool) FreeAll(o *Owner) error {
	for {
		o.mu.Lock()
		goff := o.head
		o.mu.Unlock()
		if goff == nilLink {
			return nil
		}
		if err := p.freeAddr(p.base + uintptr(goff+chunkHeadSize)); err != nil {
			return err
		}
	}
}

// Size returns the required payload size the chunk was last sized to.
func (p *Pool) Size(buf []byte) (uint64, error) {
	_, _, h, err := p.chunkFromPayload(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	if err != nil {
		return 0, err
	}
	return h.required, nil
}

// ChunkSize returns the chunk's full footprint, 1<<class bytes.
func (p *Pool) ChunkSize(buf []byte) (uint64, error) {
	_, _, h, err := p.chunkFromPayload(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	if err != nil {
		return 0, err
	}
	return uint64(1) << h.mclass, nil
}

// Validate reports whether ptr looks like a live payload pointer. Unlike
// Free and Size it never returns an error for garbage input.
func (p *Pool) Validate(buf []byte) bool {
	if buf == nil {
		return false
	}
	_, _, _, err := p.chunkFromPayload(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	return err == nil
}

// GlobalOffset returns the position-independent handle for a payload
// pointer, suitable for handing to another process.
func (p *Pool) GlobalOffset(buf []byte) (uint64, error) {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if _, _, _, err := p.chunkFromPayload(addr); err != nil {
		return 0, err
	}
	return uint64(addr - p.base), nil
}

// At resolves a global offset received from another process back into a
// payload slice in this process's address space, attaching the segment
// if needed.
func (p *Pool) At(goff uint64) ([]byte, error) {
	addr := p.base + uintptr(goff)
	_, _, h, err := p.chunkFromPayload(addr)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), h.required), nil
}

// PayloadAt resolves a global offset to raw payload memory without
// validating or attaching anything. The first dereference of the result
// in a process that has not mapped the segment faults and attaches it
// on demand — this is the zero-copy path for offsets received from a
// peer process. That fault path exists only when userfaultfd is
// available (see ProbeUffd); without it the access does not fault and
// reads the zero-filled reservation placeholder instead of the segment.
// Use At for the validated equivalent.
func (p *Pool) PayloadAt(goff uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p.base+uintptr(goff))), n)
}

// chunkFromPayload maps a payload address to its chunk, validating the
// fences and the active state. Attaches the segment when this process has
// not mapped the current revision yet.
func (p *Pool) chunkFromPayload(addr uintptr) (segID int, off uint64, h *chunkHead, err error) {
	s := p.cfg.SegmentSize
	lo := p.base + uintptr(chunkHeadSize)
	hi := p.base + uintptr(s*uint64(p.cfg.MaxSegments))
	if addr < lo || addr >= hi {
		return 0, 0, nil, fmt.Errorf("%w: address outside pool range", ErrCorrupted)
	}
	goff := uint64(addr-p.base) - chunkHeadSize
	segID = int(goff / s)
	off = goff % s

	d := &p.table.descs[segID]
	if atomic.LoadUint32(&d.revision)%2 == 0 {
		return 0, 0, nil, fmt.Errorf("%w: segment %d has no backing object", ErrCorrupted, segID)
	}
	if err := p.ensureAttached(segID); err != nil {
		return 0, 0, nil, err
	}
	base := p.segBase(segID)
	h = chunkAt(base, off)
	if !h.checkFences(base, off, s) {
		return 0, 0, nil, fmt.Errorf("%w: bad chunk fences at segment %d offset %d", ErrCorrupted, segID, off)
	}
	if h.isFree() {
		return 0, 0, nil, fmt.Errorf("%w: chunk is free", ErrCorrupted)
	}
	return segID, off, h, nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Group          string         `json:"group"`
	SegmentSize    uint64         `json:"segment_size"`
	NumSegments    int            `json:"num_segments"`
	MinSegments    int            `json:"min_segments"`
	ActiveSegments int            `json:"active_segments"`
	TotalChunks    uint64         `json:"total_chunks"`
	UsedBytes      uint64         `json:"used_bytes"`
	Segments       []SegmentStats `json:"segments"`
}

// SegmentStats describes one segment slot.
type SegmentStats struct {
	ID         uint32 `json:"id"`
	Revision   uint32 `json:"revision"`
	Active     bool   `json:"active"`
	Persistent bool   `json:"persistent"`
	NumChunks  uint32 `json:"num_chunks"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// Stats snapshots the segment table. It reads only the control region,
// so it never maps segment memory.
func (p *Pool) Stats() Stats {
	st := Stats{
		Group:       p.cfg.Group,
		SegmentSize: p.cfg.SegmentSize,
		NumSegments: p.cfg.MaxSegments,
		MinSegments: p.cfg.MinSegments,
	}
	mu := &p.table.hdr.mutex
	mu.rlock()
	defer mu.runlock()
	for i := range p.table.descs {
		d := &p.table.descs[i]
		rev := atomic.LoadUint32(&d.revision)
		ss := SegmentStats{
			ID:         d.segmentID,
			Revision:   rev,
			Active:     rev%2 == 1,
			Persistent: d.persistent == 1,
			NumChunks:  d.numChunks,
			UsedBytes:  d.usedBytes,
		}
		if ss.Active {
			st.ActiveSegments++
			st.TotalChunks += uint64(d.numChunks)
			st.UsedBytes += d.usedBytes
		}
		st.Segments = append(st.Segments, ss)
	}
	return st
}

// CheckConsistency walks every active segment and verifies the allocator
// invariants: full coverage, complete buddy merging, intact fences,
// accurate chunk counts, and the active/inactive partition. Intended for
// tests and the selftest command; takes the table mutex exclusively.
func (p *Pool) CheckConsistency() error {
	mu := &p.table.hdr.mutex
	mu.lock()
	defer mu.unlock()

	seen := make([]int, p.cfg.MaxSegments)
	for _, idx := range p.table.walk(p.table.hdr.activeHead) {
		seen[idx]++
		if atomic.LoadUint32(&p.table.descs[idx].revision)%2 != 1 {
			return fmt.Errorf("segment %d on active list with even revision", idx)
		}
	}
	for _, idx := range p.table.walk(p.table.hdr.inactiveHead) {
		seen[idx] += 2
		if atomic.LoadUint32(&p.table.descs[idx].revision)%2 != 0 {
			return fmt.Errorf("segment %d on inactive list with odd revision", idx)
		}
	}
	for i, v := range seen {
		if v != 1 && v != 2 {
			return fmt.Errorf("segment %d not on exactly one list (code %d)", i, v)
		}
	}

	s := p.cfg.SegmentSize
	for _, idx := range p.table.walk(p.table.hdr.activeHead) {
		if err := p.ensureAttached(int(idx)); err != nil {
			return err
		}
		d := &p.table.descs[idx]
		base := p.segBase(int(idx))
		d.lock.lock()
		err := checkSegment(d, base, s)
		d.lock.unlock()
		if err != nil {
			return fmt.Errorf("segment %d: %w", idx, err)
		}
	}
	return nil
}

// checkSegment verifies one attached segment under its spinlock.
func checkSegment(d *segDesc, base uintptr, segSize uint64) error {
	var total, used uint64
	var active uint32
	for off := uint64(0); off < segSize; {
		h := chunkAt(base, off)
		if h.magic != chunkMagic {
			return fmt.Errorf("bad head magic at offset %d", off)
		}
		m := int(h.mclass)
		if m < MinClass || m > maxSegClass(segSize) {
			return fmt.Errorf("bad class %d at offset %d", m, off)
		}
		size := uint64(1) << m
		if off&(size-1) != 0 {
			return fmt.Errorf("misaligned class-%d chunk at offset %d", m, off)
		}
		if h.isFree() {
			buddy := off ^ size
			if buddy+size <= segSize {
				bh := chunkAt(base, buddy)
				if int(bh.mclass) == m && bh.isFree() && m < maxSegClass(segSize) {
					return fmt.Errorf("unmerged free buddies of class %d at offsets %d/%d", m, off, buddy)
				}
			}
		} else {
			if !h.checkFences(base, off, segSize) {
				return fmt.Errorf("bad fences on active chunk at offset %d", off)
			}
			active++
			used += size
		}
		total += size
		off += size
	}
	if total != segSize {
		return fmt.Errorf("chunk sizes sum to %d, want %d", total, segSize)
	}
	if active != d.numChunks {
		return fmt.Errorf("found %d active chunks, descriptor says %d", active, d.numChunks)
	}
	if used != d.usedBytes {
		return fmt.Errorf("found %d used bytes, descriptor says %d", used, d.usedBytes)
	}
	return nil
}
