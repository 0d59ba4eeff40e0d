package shm

import (
	"fmt"
	"math"

	"github.com/srediag/plugin-ipc/internal/logger"
	internalshm "github.com/srediag/plugin-ipc/internal/shm"
	"github.com/srediag/plugin-ipc/pkg/message"
)

// Shmem is the data view of a Segment. It does not own the segment.
type Shmem struct {
	seg  *Segment
	size int
	data []byte
}

func (m *Shmem) ID() ID            { return m.seg.id }
func (m *Shmem) Size() int         { return m.size }
func (m *Shmem) Segment() *Segment { return m.seg }

// Bytes is the user area. Touching it after RevokeRights faults.
func (m *Shmem) Bytes() []byte { return m.data }

// ShareTo builds the ShmemCreated message that lets pid open the segment.
// For TypeBasic the message carries a duplicate of the descriptor.
func (m *Shmem) ShareTo(pid int, routingID int32) (*message.Message, error) {
	s := m.seg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return nil, ErrDeallocated
	}

	d := Descriptor{ID: s.id, Size: uint64(s.size), Type: s.typ}
	var handles []int
	switch s.typ {
	case TypeBasic:
		fd, err := s.region.DupHandle()
		if err != nil {
			return nil, fmt.Errorf("share %s: %w", s, err)
		}
		handles = []int{fd}
		d.Handle = 0
	case TypeSysV:
		d.Handle = int32(s.region.ShmID)
	}
	logger.Internal.Debugf("sharing %s with pid %d", s, pid)
	return NewCreatedMessage(routingID, d, handles), nil
}

// UnshareFrom builds the ShmemDestroyed message for pid.
func (m *Shmem) UnshareFrom(pid int, routingID int32) *message.Message {
	logger.Internal.Debugf("unsharing %s from pid %d", m.seg, pid)
	return NewDestroyedMessage(routingID, m.seg.id)
}

// RevokeRights makes the whole segment inaccessible to this process.
// Calling it again is a no-op.
func (m *Shmem) RevokeRights() error {
	s := m.seg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == nil {
		return ErrDeallocated
	}
	if s.state == Unmapped {
		return nil
	}
	if err := s.layout.Revoke(s.region); err != nil {
		return fmt.Errorf("revoke %s: %w", s, err)
	}
	s.state = Unmapped
	return nil
}

// OpenExisting maps the segment described by a ShmemCreated message using
// DefaultLayout. It panics if msg is not a ShmemCreated message or if the
// mapped header disagrees with the descriptor.
func OpenExisting(msg *message.Message) (*Shmem, error) {
	return OpenExistingWith(DefaultLayout, msg)
}

// OpenExistingWith is OpenExisting with an explicit layout. For TypeBasic
// the descriptor in msg.Handles is consumed and replaced with -1.
func OpenExistingWith(layout Layout, msg *message.Message) (*Shmem, error) {
	if msg.Type != message.ShmemCreatedType {
		panic(fmt.Errorf("%w: %s", ErrWrongMessage, msg))
	}
	d, err := ParseCreated(msg)
	if err != nil {
		return nil, err
	}
	if d.Size == 0 || d.Size > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, d.Size)
	}
	size := int(d.Size)
	mapped := layout.MappedSize(size)

	var r *internalshm.Region
	switch d.Type {
	case TypeBasic:
		idx := int(d.Handle)
		if idx < 0 || idx >= len(msg.Handles) || msg.Handles[idx] < 0 {
			return nil, fmt.Errorf("%w: index %d of %d", ErrMissingHandle, idx, len(msg.Handles))
		}
		fd := msg.Handles[idx]
		msg.Handles[idx] = -1
		r, err = internalshm.MapFd(fd, mapped)
		if err != nil {
			_ = internalshm.CloseHandle(fd)
		}
	case TypeSysV:
		r, err = internalshm.AttachSysV(int(d.Handle), mapped)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int32(d.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", d.ID, err)
	}

	s := &Segment{id: d.ID, size: size, typ: d.Type, layout: layout, region: r, state: Mapping}
	checkHeader(s)
	return s.Shmem()
}

func checkHeader(s *Segment) {
	defer func() {
		if p := recover(); p != nil {
			_ = s.region.Close()
			panic(p)
		}
	}()
	s.layout.Check(s.region.Data, s.size)
}
