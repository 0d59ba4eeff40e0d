package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	internalshm "github.com/srediag/plugin-ipc/internal/shm"
)

// Layout decides how user bytes sit inside a mapping and what integrity
// data surrounds them.
type Layout interface {
	Name() string
	// MappedSize is the mapping length for n user bytes.
	MappedSize(n int) int
	// Data returns the n user bytes of mapping.
	Data(mapping []byte, n int) []byte
	// Stamp writes the header for n user bytes into a fresh mapping.
	Stamp(mapping []byte, n int)
	// Check panics unless mapping carries the header for n user bytes.
	Check(mapping []byte, n int)
	// Seal revokes access to everything but the user bytes.
	Seal(r *internalshm.Region, n int) error
	// Revoke makes the whole mapping inaccessible.
	Revoke(r *internalshm.Region) error
	// Wipe clears the header before the mapping goes away.
	Wipe(r *internalshm.Region, n int) error
}

var guardMagic = []byte("plugin-ipc/guarded-segment/v1\x00")

// Guarded places one guard page before and after the user pages. The
// front guard holds [size uint64 LE][magic].
type Guarded struct{}

func (Guarded) Name() string { return "guarded" }

func (Guarded) MappedSize(n int) int {
	return internalshm.PageAligned(n) + 2*internalshm.PageSize()
}

func (Guarded) Data(mapping []byte, n int) []byte {
	p := internalshm.PageSize()
	return mapping[p : p+n : p+n]
}

func (Guarded) Stamp(mapping []byte, n int) {
	binary.LittleEndian.PutUint64(mapping[0:8], uint64(n))
	copy(mapping[8:], guardMagic)
}

func (Guarded) Check(mapping []byte, n int) {
	if !bytes.Equal(mapping[8:8+len(guardMagic)], guardMagic) {
		panic(fmt.Errorf("%w: bad magic in front guard", ErrSegmentCorrupted))
	}
	if got := binary.LittleEndian.Uint64(mapping[0:8]); got != uint64(n) {
		panic(fmt.Errorf("%w: header says %d bytes, descriptor says %d", ErrSegmentCorrupted, got, n))
	}
}

func (Guarded) Seal(r *internalshm.Region, n int) error {
	p := internalshm.PageSize()
	if err := r.Protect(0, p, internalshm.ProtNone); err != nil {
		return err
	}
	return r.Protect(p+internalshm.PageAligned(n), p, internalshm.ProtNone)
}

func (Guarded) Revoke(r *internalshm.Region) error {
	return r.Protect(0, len(r.Data), internalshm.ProtNone)
}

func (Guarded) Wipe(r *internalshm.Region, n int) error {
	p := internalshm.PageSize()
	if err := r.Protect(0, p, internalshm.ProtReadWrite); err != nil {
		return err
	}
	clear(r.Data[:8+len(guardMagic)])
	return nil
}

// Minimal keeps no guards. The declared size sits in the last eight bytes
// of the mapping so both ends can still cross-check it.
type Minimal struct{}

func (Minimal) Name() string { return "minimal" }

func (Minimal) MappedSize(n int) int { return internalshm.PageAligned(n + 8) }

func (Minimal) Data(mapping []byte, n int) []byte { return mapping[:n:n] }

func (Minimal) Stamp(mapping []byte, n int) {
	binary.LittleEndian.PutUint64(mapping[len(mapping)-8:], uint64(n))
}

func (Minimal) Check(mapping []byte, n int) {
	if got := binary.LittleEndian.Uint64(mapping[len(mapping)-8:]); got != uint64(n) {
		panic(fmt.Errorf("%w: trailer says %d bytes, descriptor says %d", ErrSegmentCorrupted, got, n))
	}
}

func (Minimal) Seal(*internalshm.Region, int) error { return nil }
func (Minimal) Revoke(*internalshm.Region) error    { return nil }
func (Minimal) Wipe(*internalshm.Region, int) error { return nil }
