//go:build linux

package dmabuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Every process reserves one contiguous anonymous range covering all
// segment slots. MAP_NORESERVE keeps the reservation free until a slot
// is actually backed; registering the range with userfaultfd turns the
// first touch of an unbacked slot into an attachment request instead of
// a zero-fill.

// reserveRange maps the N*S byte reservation.
func reserveRange(length uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserving %d bytes: %w", length, err)
	}
	return mem, nil
}

// mmapFixed maps length bytes at exactly addr, replacing whatever was
// there. The stdlib wrapper cannot place mappings, so this goes through
// the raw syscall.
func mmapFixed(addr uintptr, length uint64, prot, flags, fd int) error {
	r0, _, errno := unix.Syscall6(unix.SYS_MMAP,
		addr, uintptr(length), uintptr(prot),
		uintptr(flags|unix.MAP_FIXED), uintptr(fd), 0)
	if errno != 0 {
		return fmt.Errorf("mmap fixed at %#x: %w", addr, errno)
	}
	if r0 != addr {
		// MAP_FIXED either maps at addr or fails; anything else means the
		// address space is no longer coherent.
		panic(fmt.Sprintf("dmabuf: MAP_FIXED returned %#x, want %#x", r0, addr))
	}
	return nil
}

// remapPlaceholder restores the unbacked reservation state over one
// segment slot. A failure here leaves the address space inconsistent, so
// it is fatal.
func remapPlaceholder(addr uintptr, length uint64) {
	err := mmapFixed(addr, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE, -1)
	if err != nil {
		panic(fmt.Sprintf("dmabuf: restoring reservation placeholder: %v", err))
	}
}

// remapInaccessible replaces a page range with PROT_NONE so the next
// access raises SIGSEGV. Used to turn a fault on a nonexistent segment
// back into the crash it is.
func remapInaccessible(addr uintptr, length uint64) {
	err := mmapFixed(addr, length, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, -1)
	if err != nil {
		panic(fmt.Sprintf("dmabuf: poisoning page range: %v", err))
	}
}

// slotSlice views one segment slot as a byte slice (for pinning).
func slotSlice(addr uintptr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
