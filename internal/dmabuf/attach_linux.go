//go:build linux

package dmabuf

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/strombase/dmapool/internal/pin"
)

// Open joins (or, for the supervisor, creates) the pool described by
// cfg. The returned Pool has the full virtual range reserved and the
// control region mapped; segments are attached lazily as they are
// touched.
func Open(cfg Config, pinner pin.Pinner) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if pinner == nil {
		pinner = pin.Nop{}
	}

	reserved, err := reserveRange(cfg.SegmentSize * uint64(cfg.MaxSegments))
	if err != nil {
		return nil, err
	}

	ctlName := ctlObjectName(cfg.Group, cfg.InstanceID)
	size := ctlSize(cfg.MaxSegments)
	var fd int
	if cfg.Supervisor {
		// A crashed predecessor leaves objects behind; reclaim the
		// namespace before creating a fresh control region.
		if n, err := CleanObjects(cfg.Group, cfg.InstanceID); err == nil && n > 0 {
			log.WithField("objects", n).Warn("removed residual shared-memory objects")
		}
		fd, err = shmOpen(ctlName, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
		if err == nil {
			err = unix.Ftruncate(fd, int64(size))
			if err != nil {
				unix.Close(fd)
				shmUnlink(ctlName)
				err = fmt.Errorf("sizing control region: %w", err)
			}
		}
	} else {
		fd, err = shmOpen(ctlName, unix.O_RDWR, 0)
		if err != nil && errors.Is(err, unix.ENOENT) {
			err = fmt.Errorf("pool %s.%d is not running: %w", cfg.Group, cfg.InstanceID, err)
		}
	}
	if err != nil {
		unix.Munmap(reserved)
		return nil, err
	}

	ctlMem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		if cfg.Supervisor {
			shmUnlink(ctlName)
		}
		unix.Munmap(reserved)
		return nil, fmt.Errorf("mapping control region: %w", err)
	}

	table := tableAt(unsafe.Pointer(&ctlMem[0]), cfg.MaxSegments)
	if cfg.Supervisor {
		table.initialize(cfg.SegmentSize, cfg.MinSegments, os.Getpid())
	} else {
		// The supervisor publishes the magic word last; wait briefly for
		// a region we may have opened mid-initialization.
		for i := 0; !table.ready(); i++ {
			if i >= 100 {
				unix.Munmap(ctlMem)
				unix.Munmap(reserved)
				return nil, fmt.Errorf("control region for %s.%d never became ready", cfg.Group, cfg.InstanceID)
			}
			time.Sleep(10 * time.Millisecond)
		}
		if table.hdr.version != ctlVersion ||
			table.hdr.segmentSize != cfg.SegmentSize ||
			int(table.hdr.numSegments) != cfg.MaxSegments {
			unix.Munmap(ctlMem)
			unix.Munmap(reserved)
			return nil, fmt.Errorf("pool geometry mismatch: running pool has %d segments of %d bytes",
				table.hdr.numSegments, table.hdr.segmentSize)
		}
		cfg.MinSegments = int(table.hdr.minSegments)
	}

	p := &Pool{
		cfg:      cfg,
		pinner:   pinner,
		base:     uintptr(unsafe.Pointer(&reserved[0])),
		reserved: reserved,
		ctlMem:   ctlMem,
		table:    table,
		local:    make([]localSeg, cfg.MaxSegments),
		owners:   make(map[uint64]*Owner),
		uffd:     -1,
	}
	p.startFaultHandler()
	return p, nil
}

// Close detaches the pool. The supervisor additionally destroys every
// remaining segment and unlinks the control region, which is the orderly
// end of the pool's life; peers that outlive it will fault on their next
// touch and fail.
func (p *Pool) Close() error {
	p.stopFaultHandler()

	if p.cfg.Supervisor {
		mu := &p.table.hdr.mutex
		mu.lock()
		for _, idx := range p.table.walk(p.table.hdr.activeHead) {
			d := &p.table.descs[idx]
			d.lock.lock()
			p.destroySegment(int(idx))
			d.lock.unlock()
			p.table.remove(&p.table.hdr.activeHead, idx)
			p.table.pushHead(&p.table.hdr.inactiveHead, idx)
		}
		mu.unlock()
		shmUnlink(ctlObjectName(p.cfg.Group, p.cfg.InstanceID))
	} else {
		p.attachMu.Lock()
		for i := range p.local {
			p.unpinLocked(i)
		}
		p.attachMu.Unlock()
	}

	var err error
	if e := unix.Munmap(p.ctlMem); e != nil {
		err = fmt.Errorf("unmapping control region: %w", e)
	}
	if e := unix.Munmap(p.reserved); e != nil && err == nil {
		err = fmt.Errorf("unmapping reservation: %w", e)
	}
	return err
}

// ensureAttached makes segment segID resident in this process at the
// revision currently published in its descriptor. The fast path is two
// atomic loads; the slow path replaces whatever occupies the slot (the
// reservation placeholder or a stale ghost) with the current object.
func (p *Pool) ensureAttached(segID int) error {
	d := &p.table.descs[segID]
	rev := atomic.LoadUint32(&d.revision)
	if rev%2 == 1 && atomic.LoadUint32(&p.local[segID].rev) == rev {
		return nil
	}

	p.attachMu.Lock()
	defer p.attachMu.Unlock()
	return p.attachLocked(segID)
}

// attachLocked is ensureAttached with attachMu held.
func (p *Pool) attachLocked(segID int) error {
	d := &p.table.descs[segID]
	rev := atomic.LoadUint32(&d.revision)
	lrev := atomic.LoadUint32(&p.local[segID].rev)
	if rev%2 == 0 {
		if lrev != 0 {
			p.detachLocked(segID)
		}
		return fmt.Errorf("%w: segment %d has no backing object", ErrCorrupted, segID)
	}
	if lrev == rev {
		return nil
	}
	if lrev != 0 {
		// Ghost of a prior incarnation; the fixed mapping below replaces
		// it, but the pin must be released first.
		p.unpinLocked(segID)
	}

	addr := p.segBase(segID)
	s := p.cfg.SegmentSize
	fd, err := shmOpen(p.objectName(segID, rev), unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("attaching segment %d: %w", segID, err)
	}
	if err := mmapFixed(addr, s, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, fd); err != nil {
		unix.Close(fd)
		return fmt.Errorf("attaching segment %d: %w", segID, err)
	}
	unix.Close(fd)

	if err := p.pinner.Pin(slotSlice(addr, s)); err != nil {
		p.detachLocked(segID)
		return fmt.Errorf("%w: segment %d: %v", ErrPinFailed, segID, err)
	}
	p.local[segID].pinned = true
	atomic.StoreUint32(&p.local[segID].rev, rev)
	return nil
}

// detachLocked restores the reservation placeholder over the slot and
// re-arms fault-driven attachment for it. Caller holds attachMu.
func (p *Pool) detachLocked(segID int) {
	p.unpinLocked(segID)
	addr := p.segBase(segID)
	remapPlaceholder(addr, p.cfg.SegmentSize)
	p.registerSlot(segID)
	atomic.StoreUint32(&p.local[segID].rev, 0)
}

// unpinLocked releases the device pin on a segment if one is held.
// Caller holds attachMu.
func (p *Pool) unpinLocked(segID int) {
	if !p.local[segID].pinned {
		return
	}
	if err := p.pinner.Unpin(slotSlice(p.segBase(segID), p.cfg.SegmentSize)); err != nil {
		log.WithError(err).WithField("segment", segID).Warn("unpinning segment")
	}
	p.local[segID].pinned = false
}

// createSegment brings segment segID to life: creates and sizes the
// backing object, maps and pins it, formats the buddy structures, and
// publishes the new odd revision. Caller holds the table mutex
// exclusively and the segment's revision is even.
func (p *Pool) createSegment(segID int) error {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()

	d := &p.table.descs[segID]
	rev := atomic.LoadUint32(&d.revision)
	if atomic.LoadUint32(&p.local[segID].rev) != 0 {
		// Ghost mapping from a destroyed incarnation.
		p.detachLocked(segID)
	}

	name := p.objectName(segID, rev)
	addr := p.segBase(segID)
	s := p.cfg.SegmentSize

	fd, err := shmOpen(name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_TRUNC, 0o600)
	if err != nil && errors.Is(err, unix.EEXIST) {
		// Residue of a crashed process group; reclaim the name.
		shmUnlink(name)
		fd, err = shmOpen(name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR|unix.O_TRUNC, 0o600)
	}
	if err != nil {
		return fmt.Errorf("creating segment %d: %w", segID, err)
	}
	if err := unix.Ftruncate(fd, int64(s)); err != nil {
		unix.Close(fd)
		shmUnlink(name)
		return fmt.Errorf("sizing segment %d: %w", segID, err)
	}
	if err := mmapFixed(addr, s, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, fd); err != nil {
		unix.Close(fd)
		shmUnlink(name)
		return fmt.Errorf("mapping segment %d: %w", segID, err)
	}
	unix.Close(fd)

	if err := p.pinner.Pin(slotSlice(addr, s)); err != nil {
		remapPlaceholder(addr, s)
		p.registerSlot(segID)
		shmUnlink(name)
		return fmt.Errorf("%w: segment %d: %v", ErrPinFailed, segID, err)
	}
	p.local[segID].pinned = true

	formatSegment(d, addr, s)

	// The add publishes the odd (present) state and stamps the local map
	// in one step.
	newRev := atomic.AddUint32(&d.revision, 1)
	atomic.StoreUint32(&p.local[segID].rev, newRev)

	log.WithFields(log.Fields{"segment": segID, "revision": newRev}).Debug("created segment")
	return nil
}

// destroySegment retires an emptied segment: flips the revision to even
// so peers re-read state on their next touch, detaches locally, then
// truncates and unlinks the object so stale peer mappings lose their
// backing. Caller holds the table mutex exclusively and the segment
// spinlock.
func (p *Pool) destroySegment(segID int) {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()

	d := &p.table.descs[segID]
	name := p.objectName(segID, atomic.LoadUint32(&d.revision))
	atomic.AddUint32(&d.revision, 1)

	if atomic.LoadUint32(&p.local[segID].rev) != 0 {
		p.detachLocked(segID)
	}

	if fd, err := shmOpen(name, unix.O_RDWR|unix.O_TRUNC, 0); err == nil {
		unix.Close(fd)
	}
	shmUnlink(name)

	for c := range d.freeHeads {
		d.freeHeads[c] = nilLink
	}
	d.numChunks = 0
	d.usedBytes = 0

	log.WithField("segment", segID).Debug("destroyed segment")
}
