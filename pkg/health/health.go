// Package health exposes liveness and readiness checks over channels,
// task loops and the shared-memory filesystem, in the form
// github.com/heptiolabs/healthcheck handlers understand.
package health

import (
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/disk"

	internalshm "github.com/srediag/plugin-ipc/internal/shm"
	"github.com/srediag/plugin-ipc/pkg/channel"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

var (
	ErrLoopStopped    = errors.New("task loop not running")
	ErrLoopBacklog    = errors.New("task loop backlog too long")
	ErrNotConnected   = errors.New("channel not connected")
	ErrLowSharedSpace = errors.New("shared memory filesystem low on space")
)

// Namespace prefixes the check metrics.
const Namespace = "ipc"

// NewHandler returns a handler whose check results are also exported
// through reg. A nil reg gives a plain handler.
func NewHandler(reg prometheus.Registerer) healthcheck.Handler {
	if reg == nil {
		return healthcheck.NewHandler()
	}
	return healthcheck.NewMetricsHandler(reg, Namespace)
}

// LoopRunning fails once l has stopped.
func LoopRunning(l *taskloop.Loop) healthcheck.Check {
	return func() error {
		if !l.Running() {
			return fmt.Errorf("%w: %s", ErrLoopStopped, l.Name())
		}
		return nil
	}
}

// LoopBacklog fails while more than max tasks wait on l.
func LoopBacklog(l *taskloop.Loop, max int64) healthcheck.Check {
	return func() error {
		if n := l.Pending(); n > max {
			return fmt.Errorf("%w: %s has %d pending, limit %d", ErrLoopBacklog, l.Name(), n, max)
		}
		return nil
	}
}

// ChannelConnected fails unless ch is Connected.
func ChannelConnected(ch *channel.Channel) healthcheck.Check {
	return func() error {
		if st := ch.State(); st != channel.StateConnected {
			return fmt.Errorf("%w: %s is %s", ErrNotConnected, ch, st)
		}
		return nil
	}
}

// SharedSpace fails when the directory used for file-backed segments has
// less than minFree bytes available.
func SharedSpace(minFree uint64) healthcheck.Check {
	return func() error {
		usage, err := disk.Usage(internalshm.DevShmDir)
		if err != nil {
			return err
		}
		if usage.Free < minFree {
			return fmt.Errorf("%w: %d bytes free in %s", ErrLowSharedSpace, usage.Free, internalshm.DevShmDir)
		}
		return nil
	}
}
