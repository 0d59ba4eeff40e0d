//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-ipc/internal/logger"
)

var fileSeq atomic.Uint64

// CreateFd creates a shared region of size bytes backed by a memfd, or by
// an unlinked file under DevShmDir when memfd_create is unavailable.
func CreateFd(size int) (*Region, error) {
	fd, err := unix.MemfdCreate("plugin-ipc", unix.MFD_CLOEXEC)
	if err != nil {
		logger.Internal.Debugf("memfd_create: %v, falling back to %s", err, DevShmDir)
		fd, err = createDevShmFile(size)
		if err != nil {
			return nil, err
		}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	r, err := MapFd(fd, size)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func createDevShmFile(size int) (int, error) {
	usage, err := disk.Usage(DevShmDir)
	if err != nil {
		return -1, fmt.Errorf("stat %s: %w", DevShmDir, err)
	}
	if usage.Free < uint64(size) {
		return -1, fmt.Errorf("%w: need %d, have %d", ErrNoSpace, size, usage.Free)
	}
	path := filepath.Join(DevShmDir, fmt.Sprintf("plugin-ipc.%d.%d", os.Getpid(), fileSeq.Add(1)))
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, fmt.Errorf("open: %w", err)
	}
	// only the descriptor keeps it alive from here on
	if err := unix.Unlink(path); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("unlink: %w", err)
	}
	return fd, nil
}

// MapFd maps size bytes of fd read-write. On success the Region owns fd.
func MapFd(fd, size int) (*Region, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if st.Size < int64(size) {
		return nil, fmt.Errorf("mmap: object is %d bytes, want %d", st.Size, size)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Region{Data: data, Kind: KindFd, Fd: fd, ShmID: -1}, nil
}

// CreateSysV creates and attaches a private System V segment. It is marked
// for removal at once; the kernel frees it after the last detach.
func CreateSysV(size int) (*Region, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if err != nil {
		return nil, fmt.Errorf("shmget: %w", err)
	}
	r, err := AttachSysV(id, size)
	if err != nil {
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, err
	}
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("shmctl IPC_RMID: %w", err)
	}
	return r, nil
}

// AttachSysV attaches an existing segment and checks it holds size bytes.
func AttachSysV(id, size int) (*Region, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		return nil, fmt.Errorf("shmctl IPC_STAT: %w", err)
	}
	if int(desc.Segsz) < size {
		return nil, fmt.Errorf("shmat: segment is %d bytes, want %d", desc.Segsz, size)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat: %w", err)
	}
	return &Region{Data: data[:size], Kind: KindSysV, Fd: -1, ShmID: id}, nil
}

// Protect changes the protection of n bytes at off. Both must be page
// aligned.
func (r *Region) Protect(off, n int, prot Prot) error {
	if r.Data == nil {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(r.Data) {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, off, off+n, len(r.Data))
	}
	if n == 0 {
		return nil
	}
	if err := unix.Mprotect(r.Data[off:off+n], toUnixProt(prot)); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	return nil
}

func toUnixProt(p Prot) int {
	switch p {
	case ProtRead:
		return unix.PROT_READ
	case ProtReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_NONE
}

// DupHandle returns a new descriptor for the backing object of a KindFd
// region. The caller owns it.
func (r *Region) DupHandle() (int, error) {
	if r.Kind != KindFd {
		return -1, fmt.Errorf("dup: %s region has no descriptor", r.Kind)
	}
	if r.Fd < 0 {
		return -1, ErrClosed
	}
	fd, err := unix.FcntlInt(uintptr(r.Fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return fd, nil
}

// Close unmaps the region and releases the backing handle.
func (r *Region) Close() error {
	if r.Data == nil {
		return ErrClosed
	}
	var errs []error
	switch r.Kind {
	case KindSysV:
		// detach needs the full attachment
		if err := unix.SysvShmDetach(r.Data[:cap(r.Data)]); err != nil {
			errs = append(errs, fmt.Errorf("shmdt: %w", err))
		}
	default:
		if err := unix.Munmap(r.Data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		if r.Fd >= 0 {
			if err := unix.Close(r.Fd); err != nil {
				errs = append(errs, fmt.Errorf("close: %w", err))
			}
			r.Fd = -1
		}
	}
	r.Data = nil
	return errors.Join(errs...)
}

// CloseHandle closes a descriptor received for a region that was never
// mapped.
func CloseHandle(fd int) error {
	return unix.Close(fd)
}
