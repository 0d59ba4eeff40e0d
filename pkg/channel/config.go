/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package channel

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
)

// Listener receives dispatch and lifecycle callbacks. Every method runs on
// the channel's worker loop.
type Listener interface {
	OnMessageReceived(msg *message.Message) Result
	OnChannelConnected(peerPid int32)
	OnChannelError()
	OnChannelClose()
	OnProcessingError(code Result)
}

// SpecialHandler consumes channel-level control messages: ShmemCreated,
// ShmemDestroyed and anything else routed to message.RoutingNone. It
// returns false for messages it does not understand.
type SpecialHandler interface {
	OnSpecialMessage(msg *message.Message) bool
}

// Config holds the channel options.
type Config struct {
	// Name prefixes diagnostics.
	Name string
	// DefaultIOLoop drives a process link opened without an explicit loop.
	DefaultIOLoop *taskloop.Loop

	Metrics *Metrics
	Tracer  trace.Tracer

	SpecialHandler SpecialHandler

	// DeferErrorNotify postpones the error notification while it returns
	// true, at most MaxErrorNotifyDeferrals times.
	DeferErrorNotify        func() bool
	ErrorNotifyRetryDelay   time.Duration
	MaxErrorNotifyDeferrals int

	// OnStateChange runs with the monitor held and must not call back into
	// the channel.
	OnStateChange func(c *Channel, from, to State)
	// OnCleared runs on the worker loop after the terminal notification.
	OnCleared func(c *Channel)
}

const (
	defaultErrorNotifyRetryDelay   = 10 * time.Millisecond
	defaultMaxErrorNotifyDeferrals = 100
)

func DefaultConfig() *Config {
	return &Config{
		Name:                    "Channel",
		Tracer:                  noop.NewTracerProvider().Tracer("channel"),
		ErrorNotifyRetryDelay:   defaultErrorNotifyRetryDelay,
		MaxErrorNotifyDeferrals: defaultMaxErrorNotifyDeferrals,
	}
}

func VerifyConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("channel: nil config")
	}
	if c.Name == "" {
		return fmt.Errorf("channel: empty Name")
	}
	if c.Tracer == nil {
		return fmt.Errorf("channel: nil Tracer")
	}
	if c.ErrorNotifyRetryDelay <= 0 {
		return fmt.Errorf("channel: ErrorNotifyRetryDelay must be positive, got %v", c.ErrorNotifyRetryDelay)
	}
	if c.MaxErrorNotifyDeferrals < 0 {
		return fmt.Errorf("channel: MaxErrorNotifyDeferrals must not be negative, got %d", c.MaxErrorNotifyDeferrals)
	}
	return nil
}
