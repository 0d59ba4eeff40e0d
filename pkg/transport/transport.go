// Package transport provides the reliable, ordered message connections a
// process-mode channel is driven over: a unix stream socket carrying
// descriptors with SCM_RIGHTS, and an in-memory pipe for tests and
// in-process use.
//
// A Transport is owned by the layer above the channel and is only touched
// from its IO loop. Listener callbacks are always posted onto that loop.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/plugin-ipc/pkg/message"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrNotConnected  = errors.New("transport not connected")
	ErrNotUnixSocket = errors.New("connection is not a unix socket")
	ErrMissingFds    = errors.New("frame references descriptors that did not arrive")
)

// Transport is one reliable, ordered connection.
type Transport interface {
	// Connect starts the connection. It is idempotent.
	Connect() error
	// Close tears the connection down. No listener callback follows,
	// except for messages already queued on the IO loop.
	Close() error
	// Send queues msg. Ownership of msg.Handles moves to the transport.
	Send(msg *message.Message) error
	// SetListener installs l and returns the previous listener.
	SetListener(l Listener) Listener
}

// Listener receives transport events on the IO loop.
type Listener interface {
	OnMessageReceived(msg *message.Message)
	OnChannelConnected(peerPid int32)
	OnChannelError()
}

// Config tunes socket transports.
type Config struct {
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
	// Pool runs the socket read loops. Nil uses the ants default pool.
	Pool *ants.Pool
	// DialInitialInterval and DialMaxElapsed bound Dial retries.
	DialInitialInterval time.Duration
	DialMaxElapsed      time.Duration
}

const (
	defaultReadBufferSize = 64 << 10
	minReadBufferSize     = message.HeaderSize
)

func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:      defaultReadBufferSize,
		DialInitialInterval: 10 * time.Millisecond,
		DialMaxElapsed:      5 * time.Second,
	}
}

func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("transport: nil config")
	}
	if c.ReadBufferSize < minReadBufferSize {
		return fmt.Errorf("transport: ReadBufferSize must be >= %d, got %d", minReadBufferSize, c.ReadBufferSize)
	}
	if c.DialInitialInterval <= 0 {
		return fmt.Errorf("transport: DialInitialInterval must be positive, got %v", c.DialInitialInterval)
	}
	if c.DialMaxElapsed < c.DialInitialInterval {
		return fmt.Errorf("transport: DialMaxElapsed %v is shorter than DialInitialInterval %v",
			c.DialMaxElapsed, c.DialInitialInterval)
	}
	return nil
}

func submit(pool *ants.Pool, fn func()) error {
	if pool != nil {
		return pool.Submit(fn)
	}
	return ants.Submit(fn)
}
