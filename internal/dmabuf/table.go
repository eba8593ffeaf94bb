package dmabuf

import (
	"sync/atomic"
	"unsafe"
)

// The control region is one small shared-memory object mapped by every
// participating process (at an arbitrary address, unlike segments). It
// holds the segment table: a header plus one descriptor per segment slot.
// Descriptors reference each other by index and reference chunks by
// offset, so the region is position independent.

const ctlVersion = 1

// nilSeg terminates the intrusive segment lists.
const nilSeg = ^uint32(0)

// ctlHeader is the first thing in the control region. magic is stored
// last during initialization and is the readiness signal for processes
// that open an existing region.
type ctlHeader struct {
	magic         uint32
	version       uint32
	mutex         rwLock
	_             uint32
	segmentSize   uint64
	numSegments   uint32
	minSegments   uint32
	activeHead    uint32
	inactiveHead  uint32
	supervisorPID uint32
	_             uint32
}

// segDesc is one segment slot. revision parity encodes presence of the
// backing object: odd means it exists. freeHeads are segment-relative
// chunk offsets (nilLink when empty); the chunks they reach live in the
// segment itself.
type segDesc struct {
	lock       spinLock
	revision   uint32
	segmentID  uint32
	persistent uint32
	numChunks  uint32
	_          uint32
	usedBytes  uint64
	next       uint32
	prev       uint32
	freeHeads  [MaxClass + 1]uint64
}

const (
	ctlHeaderSize = uint64(unsafe.Sizeof(ctlHeader{}))
	segDescSize   = uint64(unsafe.Sizeof(segDesc{}))
)

// ctlSize returns the control object size for n segment slots.
func ctlSize(n int) uint64 {
	return ctlHeaderSize + uint64(n)*segDescSize
}

// segTable is a process-local view over the mapped control region.
type segTable struct {
	hdr   *ctlHeader
	descs []segDesc
}

func tableAt(p unsafe.Pointer, n int) segTable {
	hdr := (*ctlHeader)(p)
	first := (*segDesc)(unsafe.Pointer(uintptr(p) + uintptr(ctlHeaderSize)))
	return segTable{hdr: hdr, descs: unsafe.Slice(first, n)}
}

// initialize formats a freshly created control region: all slots on the
// inactive list in index order, the first minSegments marked persistent.
// The magic store publishes the region to concurrent openers.
func (t segTable) initialize(segmentSize uint64, minSegments int, pid int) {
	h := t.hdr
	h.version = ctlVersion
	h.mutex = rwLock{}
	h.segmentSize = segmentSize
	h.numSegments = uint32(len(t.descs))
	h.minSegments = uint32(minSegments)
	h.activeHead = nilSeg
	h.inactiveHead = nilSeg
	h.supervisorPID = uint32(pid)
	for i := len(t.descs) - 1; i >= 0; i-- {
		d := &t.descs[i]
		*d = segDesc{segmentID: uint32(i), next: nilSeg, prev: nilSeg}
		if i < minSegments {
			d.persistent = 1
		}
		for c := range d.freeHeads {
			d.freeHeads[c] = nilLink
		}
		t.pushHead(&h.inactiveHead, uint32(i))
	}
	atomic.StoreUint32(&h.magic, ctlMagic)
}

// ready reports whether a mapped control region has been initialized.
func (t segTable) ready() bool {
	return atomic.LoadUint32(&t.hdr.magic) == ctlMagic
}

// pushHead links slot idx at the front of the list rooted at head.
// Caller holds the table mutex exclusively.
func (t segTable) pushHead(head *uint32, idx uint32) {
	d := &t.descs[idx]
	d.prev = nilSeg
	d.next = *head
	if *head != nilSeg {
		t.descs[*head].prev = idx
	}
	*head = idx
}

// popHead unlinks and returns the first slot of the list, or nilSeg.
// Caller holds the table mutex exclusively.
func (t segTable) popHead(head *uint32) uint32 {
	idx := *head
	if idx == nilSeg {
		return nilSeg
	}
	t.remove(head, idx)
	return idx
}

// remove unlinks slot idx from the list rooted at head.
// Caller holds the table mutex exclusively.
func (t segTable) remove(head *uint32, idx uint32) {
	d := &t.descs[idx]
	if d.prev != nilSeg {
		t.descs[d.prev].next = d.next
	} else {
		*head = d.next
	}
	if d.next != nilSeg {
		t.descs[d.next].prev = d.prev
	}
	d.next = nilSeg
	d.prev = nilSeg
}

// walk returns the slot indices of a list in order. Caller holds the
// table mutex (shared is enough).
func (t segTable) walk(head uint32) []uint32 {
	var out []uint32
	for idx := head; idx != nilSeg; idx = t.descs[idx].next {
		out = append(out, idx)
	}
	return out
}
