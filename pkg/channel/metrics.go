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

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every channel built with the same Config.
type Metrics struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MessagesDropped  prometheus.Counter
	ProcessingErrors *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipc",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Messages handed to a link.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipc",
			Subsystem: "channel",
			Name:      "messages_received_total",
			Help:      "Messages received from a link, control messages included.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ipc",
			Subsystem: "channel",
			Name:      "messages_dropped_total",
			Help:      "Sends refused because the channel was not connected.",
		}),
		ProcessingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Subsystem: "channel",
			Name:      "processing_errors_total",
			Help:      "Listener results other than MsgProcessed.",
		}, []string{"result"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipc",
			Subsystem: "channel",
			Name:      "state_transitions_total",
			Help:      "Channel state changes by target state.",
		}, []string{"state"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.MessagesSent, m.MessagesReceived, m.MessagesDropped, m.ProcessingErrors, m.StateTransitions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register channel metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) sent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.MessagesDropped.Inc()
	}
}

func (m *Metrics) processingError(r Result) {
	if m != nil {
		m.ProcessingErrors.WithLabelValues(r.String()).Inc()
	}
}

func (m *Metrics) transition(to State) {
	if m != nil {
		m.StateTransitions.WithLabelValues(to.String()).Inc()
	}
}
