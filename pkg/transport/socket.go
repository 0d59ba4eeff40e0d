//go:build unix

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-ipc/internal/logger"
	itransport "github.com/srediag/plugin-ipc/internal/transport"
	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

// Socket is a Transport over a connected unix stream socket. Frames are
// written with message.AppendFrame; descriptors attached to a message ride
// as SCM_RIGHTS on the first write of its frame.
type Socket struct {
	conn *net.UnixConn
	io   *taskloop.Loop
	cfg  *Config

	mu       sync.Mutex
	listener Listener

	writeMu sync.Mutex

	connected atomic.Bool
	closed    atomic.Bool
	failed    atomic.Bool
}

// NewSocket wraps conn. Callbacks are posted onto ioLoop.
func NewSocket(conn net.Conn, ioLoop *taskloop.Loop, cfg *Config) (*Socket, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotUnixSocket, conn)
	}
	return &Socket{conn: uc, io: ioLoop, cfg: cfg}, nil
}

func (s *Socket) SetListener(l Listener) Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.listener
	s.listener = l
	return prev
}

func (s *Socket) getListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Connect starts the read loop and announces this process with a Hello.
func (s *Socket) Connect() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.connected.CompareAndSwap(false, true) {
		return nil
	}
	if err := submit(s.cfg.Pool, s.readLoop); err != nil {
		s.connected.Store(false)
		return fmt.Errorf("start read loop: %w", err)
	}
	return s.write(message.NewHello(int32(os.Getpid())))
}

func (s *Socket) Send(msg *message.Message) error {
	if s.closed.Load() {
		itransport.CloseFds(msg.Handles)
		return ErrClosed
	}
	if !s.connected.Load() {
		itransport.CloseFds(msg.Handles)
		return ErrNotConnected
	}
	return s.write(msg)
}

func (s *Socket) write(msg *message.Message) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := message.AppendFrame(buf, msg); err != nil {
		itransport.CloseFds(msg.Handles)
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// the kernel holds its own references once sendmsg returns
	defer itransport.CloseFds(msg.Handles)

	b := buf.B
	n, _, err := s.conn.WriteMsgUnix(b, itransport.Rights(msg.Handles), nil)
	for err == nil && n < len(b) {
		b = b[n:]
		n, err = s.conn.Write(b)
	}
	if err != nil {
		logger.Internal.Warnf("socket write %s: %v", msg, err)
		s.fail()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close shuts the socket down. The read loop exits without reporting an
// error.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// fail posts OnChannelError once, unless the socket was closed locally.
func (s *Socket) fail() {
	if s.closed.Load() || !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.io.PostTask(func() {
		if s.closed.Load() {
			return
		}
		if l := s.getListener(); l != nil {
			l.OnChannelError()
		}
	})
}

func (s *Socket) post(fn func(l Listener)) {
	s.io.PostTask(func() {
		if s.closed.Load() {
			return
		}
		if l := s.getListener(); l != nil {
			fn(l)
		}
	})
}

func (s *Socket) readLoop() {
	var (
		fdq     itransport.FdQueue
		pending []byte
		buf     = make([]byte, s.cfg.ReadBufferSize)
		oob     = make([]byte, itransport.RightsSpace(message.MaxHandles))
	)
	defer fdq.Drain()

	for {
		n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			fds, perr := itransport.ParseRights(oob[:oobn])
			if perr != nil {
				logger.Internal.Errorf("socket rights: %v", perr)
				s.fail()
				return
			}
			fdq.Push(fds...)
		}
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var derr error
			pending, derr = s.dispatch(pending, &fdq)
			if derr != nil {
				logger.Internal.Errorf("socket decode: %v", derr)
				s.fail()
				return
			}
		}
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				logger.Internal.Debugf("socket peer hung up")
			} else {
				logger.Internal.Warnf("socket read: %v", err)
			}
			s.fail()
			return
		}
	}
}

// dispatch decodes every complete frame in b and returns the unconsumed
// tail.
func (s *Socket) dispatch(b []byte, fdq *itransport.FdQueue) ([]byte, error) {
	for {
		msg, handles, consumed, err := message.Decode(b)
		if errors.Is(err, message.ErrIncompleteFrame) {
			break
		}
		if err != nil {
			return nil, err
		}
		b = b[consumed:]
		if handles > 0 {
			fds, ok := fdq.Pop(handles)
			if !ok {
				return nil, fmt.Errorf("%w: want %d, have %d", ErrMissingFds, handles, fdq.Len())
			}
			msg.Handles = fds
		}
		if msg.IsSpecial() && msg.Type == message.HelloType {
			pid, err := message.ParseHello(msg)
			if err != nil {
				return nil, err
			}
			s.post(func(l Listener) { l.OnChannelConnected(pid) })
			continue
		}
		s.io.PostTask(func() {
			l := s.getListener()
			if s.closed.Load() || l == nil {
				itransport.CloseFds(msg.Handles)
				return
			}
			l.OnMessageReceived(msg)
		})
	}
	if len(b) == 0 {
		return b[:0], nil
	}
	// compact so the backing array does not grow without bound
	return append([]byte(nil), b...), nil
}
