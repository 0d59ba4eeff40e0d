package shm

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/srediag/plugin-ipc/internal/logger"
	internalshm "github.com/srediag/plugin-ipc/internal/shm"
)

// ID names a segment within one channel.
type ID int32

// Type is the OS mechanism behind a segment. The value is sent on the wire.
type Type int32

const (
	// TypeBasic is a memfd, or an unlinked /dev/shm file; its handle
	// travels as a file descriptor.
	TypeBasic Type = 1
	// TypeSysV is a System V segment; its handle is the shm id.
	TypeSysV Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeBasic:
		return "basic"
	case TypeSysV:
		return "sysv"
	}
	return fmt.Sprintf("type(%d)", int32(t))
}

func (t Type) valid() bool { return t == TypeBasic || t == TypeSysV }

// MappingState tracks whether this process may touch the user bytes.
type MappingState int

const (
	Unmapped MappingState = iota
	// Mapping: mapped, guards not yet sealed.
	Mapping
	Mapped
)

func (s MappingState) String() string {
	switch s {
	case Unmapped:
		return "unmapped"
	case Mapping:
		return "mapping"
	case Mapped:
		return "mapped"
	}
	return "invalid"
}

// Segment is one local mapping of a shared memory object.
type Segment struct {
	id     ID
	size   int
	typ    Type
	layout Layout

	mu     sync.Mutex
	region *internalshm.Region
	state  MappingState
	shmem  *Shmem
}

// Alloc creates a segment of nbytes usable bytes with DefaultLayout.
func Alloc(id ID, nbytes int, typ Type, protectNow bool) (*Segment, error) {
	return AllocWith(DefaultLayout, id, nbytes, typ, protectNow)
}

// AllocWith is Alloc with an explicit layout.
func AllocWith(layout Layout, id ID, nbytes int, typ Type, protectNow bool) (*Segment, error) {
	if nbytes <= 0 || nbytes > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, nbytes)
	}
	mapped := layout.MappedSize(nbytes)
	var (
		r   *internalshm.Region
		err error
	)
	switch typ {
	case TypeBasic:
		r, err = internalshm.CreateFd(mapped)
	case TypeSysV:
		r, err = internalshm.CreateSysV(mapped)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int32(typ))
	}
	if err != nil {
		return nil, fmt.Errorf("alloc %s segment %d: %w", typ, id, err)
	}

	s := &Segment{id: id, size: nbytes, typ: typ, layout: layout, region: r, state: Mapping}
	layout.Stamp(r.Data, nbytes)
	if protectNow {
		if err := s.seal(); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	logger.Internal.Debugf("allocated %s", s)
	return s, nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment{id:%d size:%d type:%s layout:%s}", s.id, s.size, s.typ, s.layout.Name())
}

func (s *Segment) ID() ID         { return s.id }
func (s *Segment) Size() int      { return s.size }
func (s *Segment) Type() Type     { return s.typ }
func (s *Segment) Layout() Layout { return s.layout }

func (s *Segment) State() MappingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle is the backing descriptor for TypeBasic and the shm id for
// TypeSysV, or -1 once deallocated.
func (s *Segment) Handle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return -1
	}
	if s.typ == TypeSysV {
		return s.region.ShmID
	}
	return s.region.Fd
}

// seal moves a Mapping segment to Mapped. Idempotent.
func (s *Segment) seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealLocked()
}

func (s *Segment) sealLocked() error {
	switch {
	case s.region == nil:
		return ErrDeallocated
	case s.state == Unmapped:
		return ErrSegmentRevoked
	case s.state == Mapped:
		return nil
	}
	if err := s.layout.Seal(s.region, s.size); err != nil {
		return fmt.Errorf("seal %s: %w", s, err)
	}
	s.state = Mapped
	return nil
}

// Shmem returns the data view, sealing the guards first if needed.
func (s *Segment) Shmem() (*Shmem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sealLocked(); err != nil {
		return nil, err
	}
	if s.shmem == nil {
		s.shmem = &Shmem{seg: s, size: s.size, data: s.layout.Data(s.region.Data, s.size)}
	}
	return s.shmem, nil
}

// NewShmem is seg.Shmem().
func NewShmem(seg *Segment) (*Shmem, error) {
	return seg.Shmem()
}

// Dealloc wipes the header, unmaps the segment and releases its handle.
func Dealloc(seg *Segment) error {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.region == nil {
		return ErrDeallocated
	}
	var errs []error
	if err := seg.layout.Wipe(seg.region, seg.size); err != nil {
		errs = append(errs, fmt.Errorf("wipe: %w", err))
	}
	if err := seg.region.Close(); err != nil {
		errs = append(errs, err)
	}
	seg.region = nil
	seg.state = Unmapped
	seg.shmem = nil
	logger.Internal.Debugf("deallocated %s", seg)
	return errors.Join(errs...)
}
