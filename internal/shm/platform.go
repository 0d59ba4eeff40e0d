// Package shm contains the OS shared-memory primitive used by pkg/shm:
// creating, mapping, protecting and releasing shared regions, backed by a
// memfd (or an unlinked /dev/shm file) or by a System V segment.
package shm

import (
	"errors"
	"os"
)

var (
	ErrNotSupported = errors.New("shared memory not supported on this platform")
	ErrNoSpace      = errors.New("not enough free space in /dev/shm")
	ErrClosed       = errors.New("region already released")
	ErrOutOfRange   = errors.New("protect range outside region")
)

// Kind is the OS object backing a Region.
type Kind int

const (
	KindFd Kind = iota + 1
	KindSysV
)

func (k Kind) String() string {
	switch k {
	case KindFd:
		return "fd"
	case KindSysV:
		return "sysv"
	}
	return "unknown"
}

// Prot is a page protection.
type Prot int

const (
	ProtNone Prot = iota
	ProtRead
	ProtReadWrite
)

// Region is one local mapping of a shared memory object.
type Region struct {
	// Data is the whole mapping.
	Data []byte
	Kind Kind
	// Fd is the backing descriptor for KindFd, -1 otherwise.
	Fd int
	// ShmID is the System V id for KindSysV, -1 otherwise.
	ShmID int
}

// PageSize is the system page size.
func PageSize() int {
	return os.Getpagesize()
}

// PageAligned rounds n up to a whole number of pages.
func PageAligned(n int) int {
	p := PageSize()
	return (n + p - 1) / p * p
}

// DevShmDir is where file-backed regions are created when memfd is not
// available.
var DevShmDir = "/dev/shm"
