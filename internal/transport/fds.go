//go:build unix

// Package transport holds the low-level descriptor plumbing used by the
// socket transport: SCM_RIGHTS encoding and parsing, and fd bookkeeping.
package transport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RightsSpace is the ancillary buffer size needed to receive n descriptors.
func RightsSpace(n int) int {
	return unix.CmsgSpace(n * 4)
}

// Rights encodes fds as one SCM_RIGHTS control message. It returns nil for
// an empty set.
func Rights(fds []int) []byte {
	if len(fds) == 0 {
		return nil
	}
	return unix.UnixRights(fds...)
}

// ParseRights extracts every descriptor carried in oob. Unknown control
// messages are skipped.
func ParseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			CloseFds(fds)
			return nil, fmt.Errorf("parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// CloseFds closes every descriptor, ignoring errors.
func CloseFds(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

// Dup duplicates fd with close-on-exec set.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	return nfd, nil
}

// FdQueue is a FIFO of descriptors received ahead of the frames that
// reference them.
type FdQueue struct {
	fds []int
}

func (q *FdQueue) Push(fds ...int) { q.fds = append(q.fds, fds...) }

func (q *FdQueue) Len() int { return len(q.fds) }

// Pop removes the first n descriptors. ok is false when fewer are queued.
func (q *FdQueue) Pop(n int) ([]int, bool) {
	if n == 0 {
		return nil, true
	}
	if len(q.fds) < n {
		return nil, false
	}
	out := append([]int(nil), q.fds[:n]...)
	q.fds = q.fds[n:]
	return out, true
}

// Drain closes everything still queued.
func (q *FdQueue) Drain() {
	CloseFds(q.fds)
	q.fds = nil
}
