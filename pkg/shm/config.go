package shm

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/plugin-ipc/pkg/message"
)

// Config holds Manager options.
type Config struct {
	// Type of segments created by Alloc.
	Type   Type
	Layout Layout
	// RoutingID addresses the ShmemCreated/ShmemDestroyed messages.
	RoutingID int32
	Observer  Observer

	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns basic segments in DefaultLayout, addressed to the
// top-level actor, with no-op telemetry.
func DefaultConfig() *Config {
	return &Config{
		Type:      TypeBasic,
		Layout:    DefaultLayout,
		RoutingID: message.RoutingControl,
		Meter:     metricnoop.NewMeterProvider().Meter("plugin-ipc/shm"),
		Tracer:    tracenoop.NewTracerProvider().Tracer("plugin-ipc/shm"),
	}
}

func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("shm: nil config")
	}
	if !c.Type.valid() {
		return ErrUnknownType
	}
	if c.RoutingID == message.RoutingNone {
		return errors.New("shm: segment messages need a route")
	}
	if c.Layout == nil {
		return errors.New("shm: layout is required")
	}
	if c.Meter == nil || c.Tracer == nil {
		return errors.New("shm: meter and tracer are required")
	}
	return nil
}
