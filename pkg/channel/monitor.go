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
	"sync"
	"sync/atomic"

	"github.com/srediag/plugin-ipc/internal/logger"
)

// Monitor is the mutex and condition variable guarding a channel's state.
// In thread mode both peers share one Monitor; it is reference counted so
// each side can drop its hold independently.
type Monitor struct {
	mu   sync.Mutex
	cond *sync.Cond
	refs atomic.Int32
}

// NewMonitor returns a Monitor holding one reference.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.cond = sync.NewCond(&m.mu)
	m.refs.Store(1)
	return m
}

func (m *Monitor) Lock()   { m.mu.Lock() }
func (m *Monitor) Unlock() { m.mu.Unlock() }

// Wait must be called with the Monitor held.
func (m *Monitor) Wait()      { m.cond.Wait() }
func (m *Monitor) Notify()    { m.cond.Signal() }
func (m *Monitor) NotifyAll() { m.cond.Broadcast() }

func (m *Monitor) AddRef() { m.refs.Add(1) }

// Release drops one reference and reports whether it was the last.
func (m *Monitor) Release() bool {
	n := m.refs.Add(-1)
	if n < 0 {
		panic(ErrMonitorReleased)
	}
	return n == 0
}

func (m *Monitor) Refs() int32 { return m.refs.Load() }

// assertHeld panics when the Monitor is observably unlocked. It only runs
// in debug mode.
func (m *Monitor) assertHeld() {
	if !logger.DebugMode() {
		return
	}
	if m.mu.TryLock() {
		m.mu.Unlock()
		panic(ErrMonitorNotHeld)
	}
}
