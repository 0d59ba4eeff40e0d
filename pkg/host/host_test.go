package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/plugin-ipc/pkg/channel"
	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/shm"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

type event struct {
	kind string
	msg  *message.Message
	pid  int32
}

type listener struct{ events chan event }

func newListener() *listener { return &listener{events: make(chan event, 256)} }

func (l *listener) OnMessageReceived(m *message.Message) channel.Result {
	l.events <- event{kind: "msg", msg: m}
	return channel.MsgProcessed
}
func (l *listener) OnChannelConnected(pid int32)       { l.events <- event{kind: "connected", pid: pid} }
func (l *listener) OnChannelError()                    { l.events <- event{kind: "error"} }
func (l *listener) OnChannelClose()                    { l.events <- event{kind: "close"} }
func (l *listener) OnProcessingError(r channel.Result) { l.events <- event{kind: "processing"} }

type segments struct {
	created   chan *shm.Shmem
	destroyed chan shm.ID
}

func newSegments() *segments {
	return &segments{created: make(chan *shm.Shmem, 16), destroyed: make(chan shm.ID, 16)}
}

func (o *segments) OnShmemCreated(m *shm.Shmem) { o.created <- m }
func (o *segments) OnShmemDestroyed(id shm.ID)  { o.destroyed <- id }

type HostTestSuite struct {
	suite.Suite
	h      *Host
	wa, wb *taskloop.Loop
}

func (s *HostTestSuite) SetupTest() {
	var err error
	s.h, err = New(nil)
	s.Require().NoError(err)
	s.wa = taskloop.New("worker-a").Start()
	s.wb = taskloop.New("worker-b").Start()
}

func (s *HostTestSuite) TearDownTest() {
	s.wa.Stop()
	s.wb.Stop()
	_ = s.h.Shutdown()
}

func (s *HostTestSuite) on(l *taskloop.Loop, fn func()) {
	s.Require().NoError(l.Invoke(fn))
}

func wait[T any](s *HostTestSuite, c chan T) T {
	select {
	case v := <-c:
		return v
	case <-time.After(3 * time.Second):
		s.FailNow("timed out")
	}
	var zero T
	return zero
}

func (s *HostTestSuite) expect(l *listener, kind string) event {
	e := wait(s, l.events)
	s.Require().Equal(kind, e.kind)
	return e
}

// transferAndDestroy moves a segment from a to b and destroys it again.
func (s *HostTestSuite) transferAndDestroy(ma *shm.Manager, ob *segments) {
	var (
		seg *shm.Shmem
		err error
	)
	s.on(s.wa, func() {
		seg, err = ma.Alloc(context.Background(), 8192)
		if err == nil {
			copy(seg.Bytes(), "payload in shared memory")
			err = ma.Transfer(context.Background(), seg)
		}
	})
	s.Require().NoError(err)
	s.Require().Equal(shm.Unmapped, seg.Segment().State())

	got := wait(s, ob.created)
	s.Require().Equal(seg.ID(), got.ID())
	s.Require().Equal(8192, got.Size())
	s.Require().Equal("payload in shared memory", string(got.Bytes()[:24]))

	s.on(s.wa, func() { err = ma.Destroy(context.Background(), seg.ID()) })
	s.Require().NoError(err)
	s.Require().Equal(seg.ID(), wait(s, ob.destroyed))
}

func (s *HostTestSuite) TestThreadChannelsMoveSegment() {
	la, lb := newListener(), newListener()
	ca, err := s.h.NewChannel("A", la, s.wa)
	s.Require().NoError(err)
	cb, err := s.h.NewChannel("B", lb, s.wb)
	s.Require().NoError(err)
	ma, err := s.h.NewShmemManager(ca, nil)
	s.Require().NoError(err)
	ob := newSegments()
	_, err = s.h.NewShmemManager(cb, ob)
	s.Require().NoError(err)
	s.Require().Equal(2, s.h.Live())

	var ok bool
	s.on(s.wa, func() { ok = ca.OpenPeer(cb, s.wb, channel.SideParent) })
	s.Require().True(ok)

	s.transferAndDestroy(ma, ob)
	s.Require().ErrorIs(s.h.Shutdown(), ErrChannelsAlive)

	s.on(s.wa, ca.Close)
	s.expect(la, "close")
	s.expect(lb, "close")
	s.Require().Eventually(func() bool { return s.h.Live() == 0 }, time.Second, time.Millisecond)
	s.Require().NoError(s.h.Shutdown())
}

func (s *HostTestSuite) TestSocketChannelsMoveSegment() {
	ta, tb, err := s.h.Pair()
	s.Require().NoError(err)
	la, lb := newListener(), newListener()
	ca, err := s.h.NewChannel("A", la, s.wa)
	s.Require().NoError(err)
	cb, err := s.h.NewChannel("B", lb, s.wb)
	s.Require().NoError(err)
	ma, err := s.h.NewShmemManager(ca, nil)
	s.Require().NoError(err)
	ob := newSegments()
	_, err = s.h.NewShmemManager(cb, ob)
	s.Require().NoError(err)

	var okA, okB bool
	s.on(s.wa, func() { okA = ca.Open(ta, nil, channel.SideParent) })
	s.on(s.wb, func() { okB = cb.Open(tb, s.h.IOLoop(), channel.SideChild) })
	s.Require().True(okA)
	s.Require().True(okB)
	s.Require().Equal(int32(os.Getpid()), s.expect(la, "connected").pid)
	s.expect(lb, "connected")

	s.transferAndDestroy(ma, ob)

	s.on(s.wa, func() { ok := ca.Send(message.New(message.RoutingControl, 1, []byte("after"))); s.True(ok) })
	s.Require().Equal("after", string(s.expect(lb, "msg").msg.Payload))

	s.on(s.wa, ca.Close)
	s.expect(la, "close")
	s.expect(lb, "close")
	s.Require().Eventually(func() bool { return s.h.Live() == 0 }, time.Second, time.Millisecond)

	mfs, err := s.h.Gatherer().Gather()
	s.Require().NoError(err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	s.Require().True(names["ipc_channel_messages_sent_total"])
	s.Require().True(names["ipc_channel_state_transitions_total"])
}

func (s *HostTestSuite) TestDialListen() {
	path := filepath.Join(s.T().TempDir(), "host.sock")
	acc, err := s.h.Listen(path)
	s.Require().NoError(err)
	defer acc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a, err := s.h.Dial(ctx, path)
	s.Require().NoError(err)
	defer a.Close()
	b, err := acc.Accept(s.h.IOLoop())
	s.Require().NoError(err)
	defer b.Close()
}

func (s *HostTestSuite) TestReleaseUnopenedChannel() {
	ch, err := s.h.NewChannel("idle", newListener(), s.wa)
	s.Require().NoError(err)
	s.Require().ErrorIs(s.h.Shutdown(), ErrChannelsAlive)
	s.h.Release(ch)
	s.Require().NoError(s.h.Shutdown())
	s.Require().NoError(s.h.Shutdown())

	_, err = s.h.NewChannel("late", newListener(), s.wa)
	s.Require().ErrorIs(err, ErrShutdown)
}

func (s *HostTestSuite) TestHealthAndMetricsHandlers() {
	get := func(h http.Handler, path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	s.Require().Eventually(func() bool {
		return get(s.h.HealthHandler(), "/live") == http.StatusOK
	}, time.Second, 5*time.Millisecond)
	s.Require().Equal(http.StatusOK, get(s.h.HealthHandler(), "/ready"))
	s.Require().Equal(http.StatusOK, get(s.h.MetricsHandler(), "/metrics"))

	s.Require().NoError(s.h.Shutdown())
	s.Require().Eventually(func() bool {
		return get(s.h.HealthHandler(), "/live") == http.StatusServiceUnavailable
	}, time.Second, 5*time.Millisecond)
}

func (s *HostTestSuite) TestVerifyConfig() {
	s.Require().NoError(VerifyConfig(DefaultConfig()))
	s.Require().Error(VerifyConfig(nil))
	c := DefaultConfig()
	c.ReaderPoolSize = 0
	s.Require().Error(VerifyConfig(c))
	c = DefaultConfig()
	c.ShmType = 7
	s.Require().ErrorIs(VerifyConfig(c), shm.ErrUnknownType)
	c = DefaultConfig()
	c.Transport = nil
	s.Require().Error(VerifyConfig(c))
	_, err := New(c)
	s.Require().Error(err)
}

func TestHostTestSuite(t *testing.T) {
	suite.Run(t, new(HostTestSuite))
}

func TestInitCurrent(t *testing.T) {
	h, err := Init(nil)
	require.NoError(t, err)
	require.Same(t, h, Current())
	_, err = Init(nil)
	require.ErrorIs(t, err, ErrAlreadyInitialized)
	require.NoError(t, h.Shutdown())
	require.Nil(t, Current())
}
