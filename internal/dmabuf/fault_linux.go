//go:build linux

package dmabuf

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Fault-driven attachment. The whole reservation is registered with a
// userfaultfd in missing mode; the first touch of an unattached segment
// slot parks the faulting thread while the handler goroutine maps the
// current revision of the segment into the slot and wakes it. The
// retried access then hits the freshly mapped pages. A touch inside a
// segment whose revision is even is a genuine wild access: the handler
// replaces the faulting page with PROT_NONE so the retry crashes the
// way an ordinary bad pointer does.

// UFFD ioctl numbers for amd64, from linux/userfaultfd.h.
const (
	// UFFDIO_API: _IOWR(0xAA, 0x3F, struct uffdio_api) where sizeof = 24.
	_UFFDIO_API = 0xc018aa3f

	// UFFDIO_REGISTER: _IOWR(0xAA, 0x00, struct uffdio_register) where sizeof = 32.
	_UFFDIO_REGISTER = 0xc020aa00

	// UFFDIO_WAKE: _IOR(0xAA, 0x02, struct uffdio_range) where sizeof = 16.
	_UFFDIO_WAKE = 0x8010aa02
)

const (
	uffdAPIVersion          = 0xaa
	uffdRegisterModeMissing = 1

	// uffdMsgSize is the size of struct uffd_msg (32 bytes on amd64).
	uffdMsgSize = 32

	uffdEventPagefault = 0x12
)

// uffdioAPI matches struct uffdio_api (24 bytes).
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// Compile-time size assertion.
var _ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}

// uffdioRange matches struct uffdio_range (16 bytes).
type uffdioRange struct {
	start  uint64
	length uint64
}

// uffdioRegister matches struct uffdio_register (32 bytes).
type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

// Compile-time size assertion.
var _ [32]byte = [unsafe.Sizeof(uffdioRegister{})]byte{}

// ProbeUffd checks whether userfaultfd(2) is available. Common failure:
// vm.unprivileged_userfaultfd=0 without CAP_SYS_PTRACE.
func ProbeUffd() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

// startFaultHandler arms transparent attachment. On failure the pool
// stays usable — attachment then happens only on API entry — so this
// logs and degrades instead of failing Open.
func (p *Pool) startFaultHandler() {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		log.WithError(errno).Warn("userfaultfd unavailable; segments attach on API entry only")
		return
	}
	api := uffdioAPI{api: uffdAPIVersion}
	if err := uffdIoctl(int(fd), _UFFDIO_API, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		log.WithError(err).Warn("userfaultfd API handshake failed; segments attach on API entry only")
		return
	}
	p.uffd = int(fd)
	if err := p.registerRange(p.base, p.cfg.SegmentSize*uint64(p.cfg.MaxSegments)); err != nil {
		unix.Close(int(fd))
		p.uffd = -1
		log.WithError(err).Warn("userfaultfd registration failed; segments attach on API entry only")
		return
	}

	p.uffdDone = make(chan struct{})
	p.uffdWG.Add(1)
	go p.faultLoop()
}

func (p *Pool) stopFaultHandler() {
	if p.uffd < 0 {
		return
	}
	close(p.uffdDone)
	p.uffdWG.Wait()
	unix.Close(p.uffd)
	p.uffd = -1
}

func uffdIoctl(fd, req int, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// registerRange registers [addr, addr+length) for missing-page faults.
func (p *Pool) registerRange(addr uintptr, length uint64) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(addr), length: length},
		mode: uffdRegisterModeMissing,
	}
	if err := uffdIoctl(p.uffd, _UFFDIO_REGISTER, unsafe.Pointer(&reg)); err != nil {
		return fmt.Errorf("UFFDIO_REGISTER [%#x,+%d): %w", addr, length, err)
	}
	return nil
}

// registerSlot re-arms fault-driven attachment over one segment slot
// after its placeholder has been restored. Caller holds attachMu.
func (p *Pool) registerSlot(segID int) {
	if p.uffd < 0 {
		return
	}
	if err := p.registerRange(p.segBase(segID), p.cfg.SegmentSize); err != nil {
		log.WithError(err).WithField("segment", segID).Warn("re-registering segment slot")
	}
}

// wakeSlot wakes threads parked on a slot's pages. Mapping over the
// range already wakes its waiters; this is belt and suspenders for the
// path where the slot was attached by a racing caller. Errors are
// expected (the range is usually no longer registered) and ignored.
func (p *Pool) wakeSlot(segID int) {
	rng := uffdioRange{
		start:  uint64(p.segBase(segID)),
		length: p.cfg.SegmentSize,
	}
	uffdIoctl(p.uffd, _UFFDIO_WAKE, unsafe.Pointer(&rng))
}

// faultLoop reads fault events until the pool closes. It runs on its own
// goroutine; the faulting thread stays parked in the kernel while this
// loop resolves its address.
func (p *Pool) faultLoop() {
	defer p.uffdWG.Done()

	const maxBatch = 16
	var buf [uffdMsgSize * maxBatch]byte

	for {
		select {
		case <-p.uffdDone:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(p.uffd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(p.uffd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}

		numMsgs := nr / uffdMsgSize
		for i := 0; i < numMsgs; i++ {
			msg := buf[i*uffdMsgSize : (i+1)*uffdMsgSize]
			if msg[0] != uffdEventPagefault {
				continue
			}
			faultAddr := *(*uint64)(unsafe.Pointer(&msg[16]))
			p.resolveFault(uintptr(faultAddr))
		}
	}
}

// resolveFault attaches the segment containing addr, or poisons the
// faulting page when the segment does not exist.
func (p *Pool) resolveFault(addr uintptr) {
	segID := int(uint64(addr-p.base) / p.cfg.SegmentSize)
	d := &p.table.descs[segID]

	if atomic.LoadUint32(&d.revision)%2 == 0 {
		// No backing object: a wild pointer, not a lazy attach. Make the
		// retried access fail for real.
		page := uint64(unix.Getpagesize())
		remapInaccessible(addr&^uintptr(page-1), page)
		return
	}

	p.attachMu.Lock()
	err := p.attachLocked(segID)
	p.attachMu.Unlock()
	if err != nil {
		// Keep this path free of the logging stack: the process is about
		// to observe a crash, say why on stderr.
		fmt.Fprintf(os.Stderr, "dmabuf: fault attach of segment %d failed: %v\n", segID, err)
		page := uint64(unix.Getpagesize())
		remapInaccessible(addr&^uintptr(page-1), page)
		return
	}
	p.wakeSlot(segID)
}
