package shm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-ipc/internal/logger"
	internalshm "github.com/srediag/plugin-ipc/internal/shm"
	"github.com/srediag/plugin-ipc/pkg/message"
)

// Sender is the channel a Manager shares segments over. *channel.Channel
// satisfies it.
type Sender interface {
	Send(msg *message.Message) bool
	PeerPid() int32
	IsChild() bool
}

// Observer hears about segments the peer creates and destroys.
type Observer interface {
	OnShmemCreated(m *Shmem)
	OnShmemDestroyed(id ID)
}

// Manager keeps the segments of one channel: the ones this side allocated
// and the ones the peer shared. Ids allocated by the parent side are
// positive, ids allocated by the child negative.
type Manager struct {
	ch     Sender
	cfg    *Config
	lastID atomic.Int32
	table  cmap.ConcurrentMap[ID, *Shmem]

	tracer    trace.Tracer
	allocated metric.Int64Counter
	shared    metric.Int64Counter
	received  metric.Int64Counter
	live      metric.Int64UpDownCounter
	liveBytes metric.Int64UpDownCounter
}

func shardID(id ID) uint32 {
	// fnv-1a over the four bytes
	h := uint32(2166136261)
	for i := 0; i < 4; i++ {
		h ^= uint32(id>>(8*i)) & 0xff
		h *= 16777619
	}
	return h
}

// NewManager builds a Manager for ch. A nil cfg means DefaultConfig.
func NewManager(ch Sender, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	m := &Manager{
		ch:     ch,
		cfg:    cfg,
		table:  cmap.NewWithCustomShardingFunction[ID, *Shmem](shardID),
		tracer: cfg.Tracer,
	}
	var err error
	if m.allocated, err = cfg.Meter.Int64Counter("ipc.shm.allocated",
		metric.WithDescription("Segments allocated by this side.")); err != nil {
		return nil, err
	}
	if m.shared, err = cfg.Meter.Int64Counter("ipc.shm.shared",
		metric.WithDescription("Segments shared with the peer.")); err != nil {
		return nil, err
	}
	if m.received, err = cfg.Meter.Int64Counter("ipc.shm.received",
		metric.WithDescription("Segments opened from peer messages.")); err != nil {
		return nil, err
	}
	if m.live, err = cfg.Meter.Int64UpDownCounter("ipc.shm.live",
		metric.WithDescription("Segments currently held.")); err != nil {
		return nil, err
	}
	if m.liveBytes, err = cfg.Meter.Int64UpDownCounter("ipc.shm.live_bytes",
		metric.WithUnit("By"),
		metric.WithDescription("User bytes in segments currently held.")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) nextID() ID {
	n := m.lastID.Add(1)
	if m.ch.IsChild() {
		return ID(-n)
	}
	return ID(n)
}

func (m *Manager) attrs(s *Shmem) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("type", s.seg.typ.String()),
		attribute.String("layout", s.seg.layout.Name()),
	)
}

func (m *Manager) track(ctx context.Context, s *Shmem) error {
	if !m.table.SetIfAbsent(s.ID(), s) {
		return fmt.Errorf("%w: %d", ErrDuplicateSegment, s.ID())
	}
	m.live.Add(ctx, 1, m.attrs(s))
	m.liveBytes.Add(ctx, int64(s.Size()), m.attrs(s))
	return nil
}

func (m *Manager) release(ctx context.Context, s *Shmem) error {
	m.live.Add(ctx, -1, m.attrs(s))
	m.liveBytes.Add(ctx, -int64(s.Size()), m.attrs(s))
	return Dealloc(s.seg)
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Alloc creates and tracks a sealed segment of nbytes.
func (m *Manager) Alloc(ctx context.Context, nbytes int) (*Shmem, error) {
	ctx, span := m.tracer.Start(ctx, "shm.Alloc", trace.WithAttributes(
		attribute.Int("bytes", nbytes),
		attribute.String("type", m.cfg.Type.String()),
	))
	defer span.End()

	id := m.nextID()
	seg, err := AllocWith(m.cfg.Layout, id, nbytes, m.cfg.Type, true)
	if err != nil {
		return nil, failSpan(span, err)
	}
	s, err := seg.Shmem()
	if err == nil {
		err = m.track(ctx, s)
	}
	if err != nil {
		_ = Dealloc(seg)
		return nil, failSpan(span, err)
	}
	span.SetAttributes(attribute.Int("segment.id", int(id)))
	m.allocated.Add(ctx, 1, m.attrs(s))
	return s, nil
}

// Share sends s to the peer. This side keeps access.
func (m *Manager) Share(ctx context.Context, s *Shmem) error {
	ctx, span := m.tracer.Start(ctx, "shm.Share", trace.WithAttributes(attribute.Int("segment.id", int(s.ID()))))
	defer span.End()
	if err := m.share(ctx, s); err != nil {
		return failSpan(span, err)
	}
	return nil
}

func (m *Manager) share(ctx context.Context, s *Shmem) error {
	msg, err := s.ShareTo(int(m.ch.PeerPid()), m.cfg.RoutingID)
	if err != nil {
		return err
	}
	if !m.ch.Send(msg) {
		closeHandles(msg)
		return fmt.Errorf("%w: share segment %d", ErrSendFailed, s.ID())
	}
	m.shared.Add(ctx, 1, m.attrs(s))
	return nil
}

// Transfer shares s and then revokes this side's access to it.
func (m *Manager) Transfer(ctx context.Context, s *Shmem) error {
	ctx, span := m.tracer.Start(ctx, "shm.Transfer", trace.WithAttributes(attribute.Int("segment.id", int(s.ID()))))
	defer span.End()
	if err := m.share(ctx, s); err != nil {
		return failSpan(span, err)
	}
	if err := s.RevokeRights(); err != nil {
		return failSpan(span, err)
	}
	return nil
}

// Destroy tells the peer to drop segment id and deallocates it here.
func (m *Manager) Destroy(ctx context.Context, id ID) error {
	ctx, span := m.tracer.Start(ctx, "shm.Destroy", trace.WithAttributes(attribute.Int("segment.id", int(id))))
	defer span.End()

	s, ok := m.table.Pop(id)
	if !ok {
		return failSpan(span, fmt.Errorf("%w: %d", ErrUnknownSegment, id))
	}
	if !m.ch.Send(s.UnshareFrom(int(m.ch.PeerPid()), m.cfg.RoutingID)) {
		logger.Internal.Warnf("segment %d: peer not told about destroy, channel refused", id)
	}
	if err := m.release(ctx, s); err != nil {
		return failSpan(span, err)
	}
	return nil
}

func (m *Manager) Lookup(id ID) (*Shmem, bool) {
	return m.table.Get(id)
}

// Len is the number of tracked segments.
func (m *Manager) Len() int {
	return m.table.Count()
}

// Close deallocates every tracked segment without telling the peer.
func (m *Manager) Close() error {
	ctx := context.Background()
	var errs []error
	for _, id := range m.table.Keys() {
		if s, ok := m.table.Pop(id); ok {
			if err := m.release(ctx, s); err != nil {
				errs = append(errs, fmt.Errorf("segment %d: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// OnSpecialMessage consumes ShmemCreated and ShmemDestroyed from the peer.
// It returns false for other messages and for payloads it cannot decode.
func (m *Manager) OnSpecialMessage(msg *message.Message) bool {
	switch msg.Type {
	case message.ShmemCreatedType:
		return m.onCreated(msg)
	case message.ShmemDestroyedType:
		return m.onDestroyed(msg)
	}
	return false
}

func (m *Manager) onCreated(msg *message.Message) bool {
	ctx, span := m.tracer.Start(context.Background(), "shm.OnShmemCreated")
	defer span.End()
	defer closeHandles(msg)

	if _, err := ParseCreated(msg); err != nil {
		logger.Protocol.Errorf("bad ShmemCreated: %v", err)
		failSpan(span, err)
		return false
	}
	s, err := OpenExistingWith(m.cfg.Layout, msg)
	if err != nil {
		logger.Protocol.Errorf("open shared segment: %v", err)
		failSpan(span, err)
		return true
	}
	span.SetAttributes(attribute.Int("segment.id", int(s.ID())))
	if err := m.track(ctx, s); err != nil {
		logger.Protocol.Errorf("%v", err)
		_ = Dealloc(s.seg)
		failSpan(span, err)
		return true
	}
	m.received.Add(ctx, 1, m.attrs(s))
	if o := m.cfg.Observer; o != nil {
		o.OnShmemCreated(s)
	}
	return true
}

func (m *Manager) onDestroyed(msg *message.Message) bool {
	ctx, span := m.tracer.Start(context.Background(), "shm.OnShmemDestroyed")
	defer span.End()

	id, err := ParseDestroyed(msg)
	if err != nil {
		logger.Protocol.Errorf("bad ShmemDestroyed: %v", err)
		failSpan(span, err)
		return false
	}
	span.SetAttributes(attribute.Int("segment.id", int(id)))
	s, ok := m.table.Pop(id)
	if !ok {
		logger.Protocol.Warnf("peer destroyed unknown segment %d", id)
		return true
	}
	if err := m.release(ctx, s); err != nil {
		logger.Internal.Warnf("dealloc segment %d: %v", id, err)
	}
	if o := m.cfg.Observer; o != nil {
		o.OnShmemDestroyed(id)
	}
	return true
}

func closeHandles(msg *message.Message) {
	for i, fd := range msg.Handles {
		if fd >= 0 {
			_ = internalshm.CloseHandle(fd)
			msg.Handles[i] = -1
		}
	}
}
