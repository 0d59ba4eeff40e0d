package host

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-ipc/pkg/shm"
	"github.com/srediag/plugin-ipc/pkg/transport"
)

const instrumentationName = "github.com/srediag/plugin-ipc"

// Config holds the process-wide options.
type Config struct {
	// IOLoopName names the shared IO loop.
	IOLoopName string
	// ReaderPoolSize caps concurrent socket read loops.
	ReaderPoolSize int
	// ReaderPoolExpiry is how long an idle reader goroutine is kept.
	ReaderPoolExpiry time.Duration

	Transport *transport.Config
	// ShmType is the segment type handed out by NewShmemManager.
	ShmType shm.Type

	// MaxIOBacklog makes the host unready while more tasks wait on the
	// IO loop.
	MaxIOBacklog int64

	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig uses the global OpenTelemetry providers.
func DefaultConfig() *Config {
	return &Config{
		IOLoopName:       "ipc-io",
		ReaderPoolSize:   256,
		ReaderPoolExpiry: time.Minute,
		Transport:        transport.DefaultConfig(),
		ShmType:          shm.TypeBasic,
		MaxIOBacklog:     10000,
		Meter:            otel.Meter(instrumentationName),
		Tracer:           otel.Tracer(instrumentationName),
	}
}

func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("host: nil config")
	}
	if c.IOLoopName == "" {
		return errors.New("host: IOLoopName is required")
	}
	if c.ReaderPoolSize <= 0 {
		return errors.New("host: ReaderPoolSize must be positive")
	}
	if c.MaxIOBacklog <= 0 {
		return errors.New("host: MaxIOBacklog must be positive")
	}
	if c.Meter == nil || c.Tracer == nil {
		return errors.New("host: meter and tracer are required")
	}
	if c.ShmType != shm.TypeBasic && c.ShmType != shm.TypeSysV {
		return shm.ErrUnknownType
	}
	return transport.VerifyConfig(c.Transport)
}
