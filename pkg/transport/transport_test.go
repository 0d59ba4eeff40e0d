//go:build unix

package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

type event struct {
	kind string
	msg  *message.Message
	pid  int32
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder { return &recorder{events: make(chan event, 1024)} }

func (r *recorder) OnMessageReceived(m *message.Message) { r.events <- event{kind: "msg", msg: m} }
func (r *recorder) OnChannelConnected(pid int32)         { r.events <- event{kind: "connected", pid: pid} }
func (r *recorder) OnChannelError()                      { r.events <- event{kind: "error"} }

func (r *recorder) next(s *suite.Suite) event {
	select {
	case e := <-r.events:
		return e
	case <-time.After(3 * time.Second):
		s.FailNow("timed out waiting for transport event")
	}
	return event{}
}

func (r *recorder) quiet(s *suite.Suite, d time.Duration) {
	select {
	case e := <-r.events:
		s.FailNow("unexpected event", e.kind)
	case <-time.After(d):
	}
}

type TransportTestSuite struct {
	suite.Suite
	ioA, ioB *taskloop.Loop
}

func (s *TransportTestSuite) SetupTest() {
	s.ioA = taskloop.New("io-a").Start()
	s.ioB = taskloop.New("io-b").Start()
}

func (s *TransportTestSuite) TearDownTest() {
	s.ioA.Stop()
	s.ioB.Stop()
}

func (s *TransportTestSuite) connect(a, b Transport) (*recorder, *recorder) {
	ra, rb := newRecorder(), newRecorder()
	s.Require().Nil(a.SetListener(ra))
	s.Require().Nil(b.SetListener(rb))
	s.Require().NoError(a.Connect())
	s.Require().NoError(a.Connect())
	s.Require().NoError(b.Connect())

	ea, eb := ra.next(&s.Suite), rb.next(&s.Suite)
	s.Require().Equal("connected", ea.kind)
	s.Require().Equal("connected", eb.kind)
	s.Require().Equal(int32(os.Getpid()), ea.pid)
	return ra, rb
}

func (s *TransportTestSuite) TestSocketPairFIFO() {
	fmt.Println("----test socket pair fifo----")
	a, b, err := Pair(s.ioA, s.ioB, nil)
	s.Require().NoError(err)
	defer a.Close()
	defer b.Close()
	_, rb := s.connect(a, b)

	const n = 500
	for i := 0; i < n; i++ {
		w := message.NewWriter(4)
		w.WriteInt32(int32(i))
		s.Require().NoError(a.Send(message.New(7, 1, w.Bytes())))
	}
	for i := 0; i < n; i++ {
		e := rb.next(&s.Suite)
		s.Require().Equal("msg", e.kind)
		v, err := message.NewReader(e.msg.Payload).ReadInt32()
		s.Require().NoError(err)
		s.Require().Equal(int32(i), v)
		s.Require().Equal(int32(7), e.msg.RoutingID)
	}
}

func (s *TransportTestSuite) TestSocketLargeFrame() {
	cfg := DefaultConfig()
	cfg.ReadBufferSize = 4096
	a, b, err := Pair(s.ioA, s.ioB, cfg)
	s.Require().NoError(err)
	defer a.Close()
	defer b.Close()
	_, rb := s.connect(a, b)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	s.Require().NoError(a.Send(message.New(1, 2, payload)))
	e := rb.next(&s.Suite)
	s.Require().Equal("msg", e.kind)
	s.Require().Equal(payload, e.msg.Payload)
}

func (s *TransportTestSuite) TestSocketPassesDescriptors() {
	a, b, err := Pair(s.ioA, s.ioB, nil)
	s.Require().NoError(err)
	defer a.Close()
	defer b.Close()
	_, rb := s.connect(a, b)

	r, w, err := os.Pipe()
	s.Require().NoError(err)
	defer r.Close()
	wfd, err := unix.Dup(int(w.Fd()))
	s.Require().NoError(err)
	w.Close()

	m := message.New(3, 4, []byte("fd"))
	m.Handles = []int{wfd}
	s.Require().NoError(a.Send(m))

	e := rb.next(&s.Suite)
	s.Require().Equal("msg", e.kind)
	s.Require().Len(e.msg.Handles, 1)

	got := os.NewFile(uintptr(e.msg.Handles[0]), "received")
	_, err = got.Write([]byte("through"))
	s.Require().NoError(err)
	got.Close()

	buf := make([]byte, 7)
	_, err = r.Read(buf)
	s.Require().NoError(err)
	s.Require().Equal("through", string(buf))
}

func (s *TransportTestSuite) TestSocketPeerCloseReportsErrorOnce() {
	a, b, err := Pair(s.ioA, s.ioB, nil)
	s.Require().NoError(err)
	ra, rb := s.connect(a, b)

	s.Require().NoError(a.Close())
	s.Require().NoError(a.Close())
	s.Require().Equal("error", rb.next(&s.Suite).kind)
	rb.quiet(&s.Suite, 50*time.Millisecond)
	ra.quiet(&s.Suite, 10*time.Millisecond)

	s.Require().ErrorIs(a.Send(message.New(1, 1, nil)), ErrClosed)
	s.Require().ErrorIs(a.Connect(), ErrClosed)
	b.Close()
}

func (s *TransportTestSuite) TestSendBeforeConnect() {
	a, b, err := Pair(s.ioA, s.ioB, nil)
	s.Require().NoError(err)
	defer a.Close()
	defer b.Close()
	s.Require().ErrorIs(a.Send(message.New(1, 1, nil)), ErrNotConnected)
}

func (s *TransportTestSuite) TestDialListen() {
	path := filepath.Join(s.T().TempDir(), "ipc.sock")
	acc, err := Listen(path, nil)
	s.Require().NoError(err)
	defer acc.Close()
	s.Require().Equal(path, acc.Path())

	accepted := make(chan *Socket, 1)
	go func() {
		sock, err := acc.Accept(s.ioB)
		if err == nil {
			accepted <- sock
		}
		close(accepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a, err := Dial(ctx, path, s.ioA, nil)
	s.Require().NoError(err)
	defer a.Close()

	b, ok := <-accepted
	s.Require().True(ok)
	defer b.Close()

	_, rb := s.connect(a, b)
	s.Require().NoError(a.Send(message.New(9, 9, []byte("dialed"))))
	s.Require().Equal("dialed", string(rb.next(&s.Suite).msg.Payload))
}

func (s *TransportTestSuite) TestDialGivesUp() {
	cfg := DefaultConfig()
	cfg.DialMaxElapsed = 50 * time.Millisecond
	_, err := Dial(context.Background(), filepath.Join(s.T().TempDir(), "missing.sock"), s.ioA, cfg)
	s.Require().Error(err)
}

func (s *TransportTestSuite) TestPipeBacklogAndSever() {
	a, b := NewPipe(s.ioA, s.ioB)
	ra, rb := newRecorder(), newRecorder()
	a.SetListener(ra)
	b.SetListener(rb)

	s.Require().NoError(a.Connect())
	// b has not connected yet; these wait in its backlog
	s.Require().NoError(a.Send(message.New(1, 1, []byte("early-1"))))
	s.Require().NoError(a.Send(message.New(1, 1, []byte("early-2"))))
	s.Require().NoError(b.Connect())

	s.Require().Equal("connected", rb.next(&s.Suite).kind)
	s.Require().Equal("early-1", string(rb.next(&s.Suite).msg.Payload))
	s.Require().Equal("early-2", string(rb.next(&s.Suite).msg.Payload))
	s.Require().Equal("connected", ra.next(&s.Suite).kind)

	a.Sever()
	s.Require().Equal("error", ra.next(&s.Suite).kind)
	s.Require().Equal("error", rb.next(&s.Suite).kind)
	s.Require().ErrorIs(a.Send(message.New(1, 1, nil)), ErrClosed)
	s.Require().ErrorIs(b.Send(message.New(1, 1, nil)), ErrClosed)
	ra.quiet(&s.Suite, 20*time.Millisecond)
}

func (s *TransportTestSuite) TestPipeCloseNotifiesPeer() {
	a, b := NewPipe(s.ioA, s.ioB)
	ra, rb := s.connect(a, b)
	s.Require().NoError(b.Close())
	s.Require().Equal("error", ra.next(&s.Suite).kind)
	rb.quiet(&s.Suite, 20*time.Millisecond)
}

func (s *TransportTestSuite) TestVerifyConfig() {
	c := DefaultConfig()
	s.Require().NoError(VerifyConfig(c))
	c.ReadBufferSize = 1
	s.Require().Error(VerifyConfig(c))
	c = DefaultConfig()
	c.DialMaxElapsed = 0
	s.Require().Error(VerifyConfig(c))
	s.Require().Error(VerifyConfig(nil))
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
