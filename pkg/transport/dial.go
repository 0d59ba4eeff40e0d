//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/prep/socketpair"

	"github.com/srediag/plugin-ipc/internal/logger"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

// Pair returns two connected sockets, the first driven by ioA and the
// second by ioB.
func Pair(ioA, ioB *taskloop.Loop, cfg *Config) (*Socket, *Socket, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	sa, err := NewSocket(a, ioA, cfg)
	if err != nil {
		a.Close()
		b.Close()
		return nil, nil, err
	}
	sb, err := NewSocket(b, ioB, cfg)
	if err != nil {
		a.Close()
		b.Close()
		return nil, nil, err
	}
	return sa, sb, nil
}

// Dial connects to the unix socket at path, retrying with exponential
// backoff until cfg.DialMaxElapsed or ctx ends.
func Dial(ctx context.Context, path string, ioLoop *taskloop.Loop, cfg *Config) (*Socket, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		var d net.Dialer
		c, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.Internal.Debugf("dial %s attempt %d: %v", path, attempt, err)
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.DialInitialInterval
	b.MaxElapsedTime = cfg.DialMaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	s, err := NewSocket(conn, ioLoop, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Acceptor accepts socket transports on a unix socket path.
type Acceptor struct {
	ln   *net.UnixListener
	path string
	cfg  *Config
}

// Listen binds path, replacing a stale socket file left by a previous run.
func Listen(path string, cfg *Config) (*Acceptor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)
	return &Acceptor{ln: ln, path: path, cfg: cfg}, nil
}

func (a *Acceptor) Path() string { return a.path }

// Accept waits for one peer and wraps it in a Socket driven by ioLoop.
func (a *Acceptor) Accept(ioLoop *taskloop.Loop) (*Socket, error) {
	conn, err := a.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return NewSocket(conn, ioLoop, a.cfg)
}

func (a *Acceptor) Close() error {
	return a.ln.Close()
}
