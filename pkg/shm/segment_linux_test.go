//go:build linux

package shm

import (
	"math"
	"os"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/plugin-ipc/internal/shm"
	"github.com/srediag/plugin-ipc/pkg/message"
)

var sink byte

type SegmentTestSuite struct {
	suite.Suite
	pid int
}

func (s *SegmentTestSuite) SetupSuite() {
	s.pid = os.Getpid()
}

func (s *SegmentTestSuite) allocOrSkip(layout Layout, n int, typ Type, protect bool) *Segment {
	seg, err := AllocWith(layout, ID(1), n, typ, protect)
	if typ == TypeSysV && err != nil {
		s.T().Skipf("sysv shm unavailable: %v", err)
	}
	s.Require().NoError(err)
	return seg
}

// panicErr runs fn and returns the error it panicked with.
func panicErr(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err, _ = p.(error)
		}
	}()
	fn()
	return nil
}

func (s *SegmentTestSuite) roundTrip(layout Layout, typ Type) {
	const n = 10000
	seg := s.allocOrSkip(layout, n, typ, true)
	s.Require().Equal(Mapped, seg.State())
	src, err := seg.Shmem()
	s.Require().NoError(err)
	s.Require().Len(src.Bytes(), n)
	copy(src.Bytes(), "hello from the sender")

	msg, err := src.ShareTo(s.pid, message.RoutingNone)
	s.Require().NoError(err)
	s.Require().Equal(message.ShmemCreatedType, msg.Type)
	d, err := ParseCreated(msg)
	s.Require().NoError(err)
	s.Require().Equal(uint64(n), d.Size)
	s.Require().Equal(typ, d.Type)
	if typ == TypeBasic {
		s.Require().Len(msg.Handles, 1)
		s.Require().Equal(int32(0), d.Handle)
	} else {
		s.Require().Empty(msg.Handles)
	}

	dst, err := OpenExistingWith(layout, msg)
	s.Require().NoError(err)
	s.Require().Equal(src.ID(), dst.ID())
	s.Require().Equal(n, dst.Size())
	s.Require().Equal(Mapped, dst.Segment().State())
	s.Require().Equal("hello from the sender", string(dst.Bytes()[:21]))
	if typ == TypeBasic {
		s.Require().Equal(-1, msg.Handles[0])
	}

	dst.Bytes()[n-1] = 0x5a
	s.Require().Equal(byte(0x5a), src.Bytes()[n-1])

	s.Require().NoError(src.RevokeRights())
	s.Require().NoError(src.RevokeRights())
	s.Require().Equal(Unmapped, seg.State())

	bye := dst.UnshareFrom(s.pid, message.RoutingNone)
	id, err := ParseDestroyed(bye)
	s.Require().NoError(err)
	s.Require().Equal(src.ID(), id)

	s.Require().NoError(Dealloc(dst.Segment()))
	s.Require().NoError(Dealloc(seg))
	s.Require().ErrorIs(Dealloc(seg), ErrDeallocated)
	s.Require().Equal(-1, seg.Handle())
}

func (s *SegmentTestSuite) TestGuardedBasicRoundTrip() { s.roundTrip(Guarded{}, TypeBasic) }
func (s *SegmentTestSuite) TestGuardedSysVRoundTrip()  { s.roundTrip(Guarded{}, TypeSysV) }
func (s *SegmentTestSuite) TestMinimalBasicRoundTrip() { s.roundTrip(Minimal{}, TypeBasic) }
func (s *SegmentTestSuite) TestMinimalSysVRoundTrip()  { s.roundTrip(Minimal{}, TypeSysV) }

func (s *SegmentTestSuite) TestDefaultLayout() {
	seg, err := Alloc(7, 64, TypeBasic, false)
	s.Require().NoError(err)
	defer Dealloc(seg)
	s.Require().Equal(DefaultLayout.Name(), seg.Layout().Name())
	s.Require().Equal(Mapping, seg.State())
	s.Require().GreaterOrEqual(seg.Handle(), 0)

	m, err := NewShmem(seg)
	s.Require().NoError(err)
	s.Require().Equal(Mapped, seg.State())
	again, err := seg.Shmem()
	s.Require().NoError(err)
	s.Require().Same(m, again)
}

func (s *SegmentTestSuite) TestAllocRejectsBadArguments() {
	_, err := Alloc(1, 0, TypeBasic, true)
	s.Require().ErrorIs(err, ErrInvalidSize)
	_, err = Alloc(1, -5, TypeBasic, true)
	s.Require().ErrorIs(err, ErrInvalidSize)
	tooBig := int64(math.MaxInt32) + 1
	_, err = Alloc(1, int(tooBig), TypeBasic, true)
	s.Require().ErrorIs(err, ErrInvalidSize)
	_, err = Alloc(1, 16, Type(42), true)
	s.Require().ErrorIs(err, ErrUnknownType)
}

func (s *SegmentTestSuite) TestLayoutSizes() {
	p := internalshm.PageSize()
	s.Require().Equal(3*p, Guarded{}.MappedSize(1))
	s.Require().Equal(3*p, Guarded{}.MappedSize(p))
	s.Require().Equal(4*p, Guarded{}.MappedSize(p+1))
	s.Require().Equal(p, Minimal{}.MappedSize(p-8))
	s.Require().Equal(2*p, Minimal{}.MappedSize(p-7))
}

func (s *SegmentTestSuite) TestGuardPagesFault() {
	seg := s.allocOrSkip(Guarded{}, 100, TypeBasic, true)
	defer Dealloc(seg)
	m, err := seg.Shmem()
	s.Require().NoError(err)

	p := internalshm.PageSize()
	data := seg.region.Data
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	s.Require().NotPanics(func() { m.Bytes()[99] = 1 })
	s.Require().NotPanics(func() { data[p+p-1] = 1 })
	s.Require().Panics(func() { sink = data[0] })
	s.Require().Panics(func() { sink = data[p-1] })
	s.Require().Panics(func() { sink = data[2*p] })

	s.Require().NoError(m.RevokeRights())
	s.Require().Panics(func() { sink = m.Bytes()[0] })
}

func (s *SegmentTestSuite) TestMinimalRevokeKeepsAccess() {
	seg := s.allocOrSkip(Minimal{}, 100, TypeBasic, true)
	defer Dealloc(seg)
	m, err := seg.Shmem()
	s.Require().NoError(err)
	s.Require().NoError(m.RevokeRights())
	s.Require().Equal(Unmapped, seg.State())
	s.Require().NotPanics(func() { m.Bytes()[0] = 1 })

	_, err = seg.Shmem()
	s.Require().ErrorIs(err, ErrSegmentRevoked)
}

func (s *SegmentTestSuite) TestCorruptedHeaderPanics() {
	for _, layout := range []Layout{Guarded{}, Minimal{}} {
		seg := s.allocOrSkip(layout, 100, TypeBasic, false)
		m := &Shmem{seg: seg, size: seg.size}
		msg, err := m.ShareTo(s.pid, message.RoutingNone)
		s.Require().NoError(err)

		// claim a different size than the header carries
		d, err := ParseCreated(msg)
		s.Require().NoError(err)
		d.Size = 200
		forged := NewCreatedMessage(msg.RoutingID, d, msg.Handles)

		err = panicErr(func() { _, _ = OpenExistingWith(layout, forged) })
		s.Require().ErrorIs(err, ErrSegmentCorrupted, layout.Name())
		s.Require().NoError(Dealloc(seg))
	}
}

func (s *SegmentTestSuite) TestOpenExistingWrongMessagePanics() {
	err := panicErr(func() { _, _ = OpenExisting(message.NewGoodbye()) })
	s.Require().ErrorIs(err, ErrWrongMessage)
}

func (s *SegmentTestSuite) TestOpenExistingMissingHandle() {
	msg := NewCreatedMessage(message.RoutingNone, Descriptor{ID: 3, Size: 64, Type: TypeBasic, Handle: 2}, nil)
	_, err := OpenExisting(msg)
	s.Require().ErrorIs(err, ErrMissingHandle)

	msg = NewCreatedMessage(message.RoutingNone, Descriptor{ID: 3, Size: 0, Type: TypeBasic}, nil)
	_, err = OpenExisting(msg)
	s.Require().ErrorIs(err, ErrInvalidSize)

	msg = NewCreatedMessage(message.RoutingNone, Descriptor{ID: 3, Size: 64, Type: Type(9)}, nil)
	_, err = OpenExisting(msg)
	s.Require().ErrorIs(err, ErrUnknownType)
}

func (s *SegmentTestSuite) TestOpenExistingShortObject() {
	r, err := internalshm.CreateFd(internalshm.PageSize())
	s.Require().NoError(err)
	defer r.Close()
	fd, err := r.DupHandle()
	s.Require().NoError(err)

	msg := NewCreatedMessage(message.RoutingNone, Descriptor{ID: 3, Size: 64, Type: TypeBasic}, []int{fd})
	_, err = OpenExistingWith(Guarded{}, msg)
	s.Require().Error(err)
	s.Require().Equal(-1, msg.Handles[0])
}

func (s *SegmentTestSuite) TestShareAfterDealloc() {
	seg := s.allocOrSkip(Guarded{}, 10, TypeBasic, true)
	m, err := seg.Shmem()
	s.Require().NoError(err)
	s.Require().NoError(Dealloc(seg))
	_, err = m.ShareTo(s.pid, 1)
	s.Require().ErrorIs(err, ErrDeallocated)
	s.Require().ErrorIs(m.RevokeRights(), ErrDeallocated)
}

func (s *SegmentTestSuite) TestWireTruncated() {
	_, err := ParseCreated(&message.Message{Type: message.ShmemCreatedType, Payload: []byte{1, 2, 3}})
	s.Require().ErrorIs(err, message.ErrPayloadTruncated)
	_, err = ParseDestroyed(&message.Message{Type: message.ShmemDestroyedType})
	s.Require().ErrorIs(err, message.ErrPayloadTruncated)
	_, err = ParseDestroyed(message.NewGoodbye())
	s.Require().ErrorIs(err, ErrWrongMessage)
}

func TestSegmentTestSuite(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}
