// Package host owns the process-wide pieces every channel shares: the IO
// loop driving transports, the pool running socket readers, the metrics
// registry, the health handler and the table of live channels.
//
// A process calls Init once, creates channels through the Host, and calls
// Shutdown after every channel has been closed.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/plugin-ipc/internal/logger"
	"github.com/srediag/plugin-ipc/pkg/channel"
	"github.com/srediag/plugin-ipc/pkg/health"
	"github.com/srediag/plugin-ipc/pkg/shm"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
	"github.com/srediag/plugin-ipc/pkg/transport"
)

var (
	ErrChannelsAlive      = errors.New("host: channels still alive")
	ErrAlreadyInitialized = errors.New("host: already initialized")
	ErrShutdown           = errors.New("host: shut down")
)

// Host is the shared state of one process.
type Host struct {
	cfg      *Config
	tcfg     *transport.Config
	io       *taskloop.Loop
	pool     *ants.Pool
	registry *prometheus.Registry
	metrics  *channel.Metrics
	health   healthcheck.Handler

	channels cmap.ConcurrentMap[string, *channel.Channel]
	closed   atomic.Bool
}

var (
	currentMu sync.Mutex
	current   *Host
)

// Init creates the process host. It fails if one already exists.
func Init(cfg *Config) (*Host, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return nil, ErrAlreadyInitialized
	}
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	current = h
	return h, nil
}

// Current returns the host created by Init, or nil.
func Current() *Host {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// New builds a host that is not registered as Current.
func New(cfg *Config) (*Host, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(cfg.ReaderPoolSize,
		ants.WithExpiryDuration(cfg.ReaderPoolExpiry),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Internal.Errorf("socket reader panicked: %v", p)
		}))
	if err != nil {
		return nil, fmt.Errorf("host: reader pool: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := channel.NewMetrics(reg)
	if err != nil {
		pool.Release()
		return nil, err
	}

	tcfg := *cfg.Transport
	tcfg.Pool = pool

	h := &Host{
		cfg:      cfg,
		tcfg:     &tcfg,
		io:       taskloop.New(cfg.IOLoopName).Start(),
		pool:     pool,
		registry: reg,
		metrics:  metrics,
		health:   health.NewHandler(reg),
		channels: cmap.New[*channel.Channel](),
	}
	h.health.AddLivenessCheck("io-loop", health.LoopRunning(h.io))
	h.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(1<<16))
	h.health.AddReadinessCheck("io-backlog", health.LoopBacklog(h.io, cfg.MaxIOBacklog))
	h.health.AddReadinessCheck("channels", h.channelsHealthy)
	logger.Internal.Debugf("host up, io loop %s", cfg.IOLoopName)
	return h, nil
}

func (h *Host) IOLoop() *taskloop.Loop { return h.io }

// TransportConfig is the transport configuration wired to the reader pool.
func (h *Host) TransportConfig() *transport.Config { return h.tcfg }

// Gatherer exposes the channel, health and runtime metrics.
func (h *Host) Gatherer() prometheus.Gatherer { return h.registry }

// MetricsHandler serves Gatherer in the Prometheus text format.
func (h *Host) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// HealthHandler serves /live and /ready.
func (h *Host) HealthHandler() healthcheck.Handler { return h.health }

// Live is the number of channels not yet cleared.
func (h *Host) Live() int { return h.channels.Count() }

func key(ch *channel.Channel) string { return fmt.Sprintf("%p", ch) }

func (h *Host) channelsHealthy() error {
	var bad []error
	for _, ch := range h.channels.Items() {
		switch st := ch.State(); st {
		case channel.StateError, channel.StateTimeout:
			bad = append(bad, fmt.Errorf("%s is %s", ch, st))
		}
	}
	return errors.Join(bad...)
}

// NewChannel creates a channel on worker that uses the host IO loop and
// metrics. The host tracks it until it is cleared or released.
func (h *Host) NewChannel(name string, l channel.Listener, worker *taskloop.Loop) (*channel.Channel, error) {
	if h.closed.Load() {
		return nil, ErrShutdown
	}
	cfg := channel.DefaultConfig()
	cfg.Name = name
	cfg.DefaultIOLoop = h.io
	cfg.Metrics = h.metrics
	cfg.Tracer = h.cfg.Tracer
	cfg.OnCleared = h.Release
	ch, err := channel.New(l, worker, cfg)
	if err != nil {
		return nil, err
	}
	h.channels.Set(key(ch), ch)
	return ch, nil
}

// Release stops tracking ch. Channels that were never opened must be
// released by hand; the rest are released when cleared.
func (h *Host) Release(ch *channel.Channel) {
	h.channels.Remove(key(ch))
}

// NewShmemManager builds a segment manager for ch and installs it as the
// channel's special message handler. Call it before opening ch.
func (h *Host) NewShmemManager(ch *channel.Channel, o shm.Observer) (*shm.Manager, error) {
	cfg := shm.DefaultConfig()
	cfg.Type = h.cfg.ShmType
	cfg.Observer = o
	cfg.Meter = h.cfg.Meter
	cfg.Tracer = h.cfg.Tracer
	m, err := shm.NewManager(ch, cfg)
	if err != nil {
		return nil, err
	}
	ch.SetSpecialHandler(m)
	return m, nil
}

// Pair returns two connected socket transports driven by the host IO loop.
func (h *Host) Pair() (*transport.Socket, *transport.Socket, error) {
	return transport.Pair(h.io, h.io, h.tcfg)
}

// Dial connects to a Listen socket at path.
func (h *Host) Dial(ctx context.Context, path string) (*transport.Socket, error) {
	return transport.Dial(ctx, path, h.io, h.tcfg)
}

// Listen accepts connections at path.
func (h *Host) Listen(path string) (*transport.Acceptor, error) {
	return transport.Listen(path, h.tcfg)
}

// Shutdown stops the IO loop and the reader pool. It fails while any
// channel is alive.
func (h *Host) Shutdown() error {
	if n := h.Live(); n > 0 {
		return fmt.Errorf("%w: %d", ErrChannelsAlive, n)
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.io.Stop()
	h.pool.Release()

	currentMu.Lock()
	if current == h {
		current = nil
	}
	currentMu.Unlock()
	logger.Internal.Debugf("host down")
	return nil
}
