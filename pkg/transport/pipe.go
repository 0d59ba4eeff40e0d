package transport

import (
	"os"
	"sync"

	"github.com/eapache/queue"

	"github.com/srediag/plugin-ipc/internal/logger"
	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

// Pipe is one end of an in-memory Transport pair. Messages cross by
// reference; handles are passed through unchanged. Sever breaks the pair
// the way a dropped socket would.
type Pipe struct {
	io   *taskloop.Loop
	peer *Pipe
	pid  int32

	mu        sync.Mutex
	listener  Listener
	connected bool
	closed    bool
	failed    bool
	backlog   *queue.Queue
}

// NewPipe returns two connected ends, driven by ioA and ioB.
func NewPipe(ioA, ioB *taskloop.Loop) (*Pipe, *Pipe) {
	pid := int32(os.Getpid())
	a := &Pipe{io: ioA, pid: pid, backlog: queue.New()}
	b := &Pipe{io: ioB, pid: pid, backlog: queue.New()}
	a.peer, b.peer = b, a
	return a, b
}

func (p *Pipe) SetListener(l Listener) Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.listener
	p.listener = l
	return prev
}

// Connect flushes anything the peer sent before now and announces this
// end with a Hello.
func (p *Pipe) Connect() error {
	p.mu.Lock()
	if p.closed || p.failed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = true
	for p.backlog.Length() > 0 {
		p.postLocked(p.backlog.Remove().(*message.Message))
	}
	p.mu.Unlock()

	return p.Send(message.NewHello(p.pid))
}

func (p *Pipe) Send(msg *message.Message) error {
	p.mu.Lock()
	switch {
	case p.closed || p.failed:
		p.mu.Unlock()
		return ErrClosed
	case !p.connected:
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.mu.Unlock()

	if !p.peer.deliver(msg) {
		p.fail()
		return ErrClosed
	}
	return nil
}

// Close detaches this end. The peer sees the equivalent of a hang-up.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.peer.fail()
	return nil
}

// Sever simulates a transport failure. Both ends report an error.
func (p *Pipe) Sever() {
	logger.Internal.Debugf("pipe severed")
	p.fail()
	p.peer.fail()
}

func (p *Pipe) deliver(msg *message.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.failed {
		return false
	}
	if !p.connected {
		p.backlog.Add(msg)
		return true
	}
	p.postLocked(msg)
	return true
}

func (p *Pipe) postLocked(msg *message.Message) {
	if msg.IsSpecial() && msg.Type == message.HelloType {
		pid, err := message.ParseHello(msg)
		if err != nil {
			logger.Internal.Errorf("pipe hello: %v", err)
			return
		}
		p.io.PostTask(func() {
			if l := p.liveListener(); l != nil {
				l.OnChannelConnected(pid)
			}
		})
		return
	}
	p.io.PostTask(func() {
		if l := p.liveListener(); l != nil {
			l.OnMessageReceived(msg)
		}
	})
}

func (p *Pipe) liveListener() Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.listener
}

func (p *Pipe) fail() {
	p.mu.Lock()
	if p.closed || p.failed {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.mu.Unlock()
	p.io.PostTask(func() {
		if l := p.liveListener(); l != nil {
			l.OnChannelError()
		}
	})
}
