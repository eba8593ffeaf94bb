//go:build linux

package dmabuf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// POSIX shared-memory objects live as files on the shm tmpfs; opening
// them directly keeps the hot attach path free of cgo. Object names are
// "<group>.<instance>.<segment>:<incarnation>" — revision parity encodes
// liveness, so the incarnation (revision >> 1) uniquely names each life
// of a segment.

const shmDir = "/dev/shm"

func shmOpen(name string, flag int, mode uint32) (int, error) {
	fd, err := unix.Open(filepath.Join(shmDir, name), flag|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, fmt.Errorf("shm_open %s: %w", name, err)
	}
	return fd, nil
}

func shmUnlink(name string) error {
	if err := unix.Unlink(filepath.Join(shmDir, name)); err != nil {
		return fmt.Errorf("shm_unlink %s: %w", name, err)
	}
	return nil
}

// objectName builds the shared-object name for a segment at a revision
// of either parity.
func (p *Pool) objectName(segID int, rev uint32) string {
	return fmt.Sprintf("%s.%d.%d:%d", p.cfg.Group, p.cfg.InstanceID, segID, rev>>1)
}

func ctlObjectName(group string, instanceID int) string {
	return fmt.Sprintf("%s.%d.ctl", group, instanceID)
}

// groupPrefix is the name prefix shared by every object of one pool.
func groupPrefix(group string, instanceID int) string {
	return fmt.Sprintf("%s.%d.", group, instanceID)
}

// CleanObjects unlinks every residual shared-memory object belonging to
// the given pool. Used by the supervisor when it restarts after a crash
// and by the clean command once the owning daemon is gone. Returns the
// number of objects removed.
func CleanObjects(group string, instanceID int) (int, error) {
	entries, err := os.ReadDir(shmDir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", shmDir, err)
	}
	prefix := groupPrefix(group, instanceID)
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := shmUnlink(e.Name()); err == nil {
			removed++
		}
	}
	return removed, nil
}

// SupervisorPID returns the PID recorded in a pool's control region, or
// 0 when the pool does not exist. The clean command uses it to avoid
// unlinking a live pool.
func SupervisorPID(group string, instanceID int) (int, error) {
	fd, err := shmOpen(ctlObjectName(group, instanceID), unix.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, nil
		}
		return 0, err
	}
	defer unix.Close(fd)
	mem, err := unix.Mmap(fd, 0, int(ctlHeaderSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mapping control header: %w", err)
	}
	defer unix.Munmap(mem)
	hdr := (*ctlHeader)(unsafe.Pointer(&mem[0]))
	return int(hdr.supervisorPID), nil
}
