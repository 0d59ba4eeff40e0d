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

// Package taskloop provides the single-goroutine task queue that plays the
// role of a thread's message loop. Every channel endpoint is bound to one
// Loop; its public API and listener callbacks run on that Loop only.
package taskloop

import (
	"errors"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/plugin-ipc/internal/logger"
)

// ErrStopped is returned by Invoke once the loop has been stopped.
var ErrStopped = errors.New("task loop stopped")

// Task is a unit of work posted to a Loop. A cancelled task is skipped
// when its turn comes.
type Task struct {
	fn       func()
	canceled atomic.Bool
	timer    *time.Timer
}

// Cancel prevents the task from running if it has not started yet.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.canceled.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Task) Canceled() bool { return t.canceled.Load() }

// Loop runs posted tasks one at a time in FIFO order.
type Loop struct {
	name    string
	q       *queuepkg.Queue
	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	ran     atomic.Uint64
}

func New(name string) *Loop {
	return &Loop{
		name: name,
		q:    queuepkg.New(64),
		done: make(chan struct{}),
	}
}

func (l *Loop) Name() string { return l.name }

// Start runs the loop on a new goroutine.
func (l *Loop) Start() *Loop {
	go l.Run()
	return l
}

// Run drains the loop on the calling goroutine until Stop.
func (l *Loop) Run() {
	if !l.started.CompareAndSwap(false, true) {
		panic("taskloop: " + l.name + " already running")
	}
	defer close(l.done)
	for {
		items, err := l.q.Get(1)
		if err != nil {
			logger.Internal.Tracef("loop %s exits: %v", l.name, err)
			return
		}
		for _, it := range items {
			t := it.(*Task)
			if t.canceled.Load() {
				continue
			}
			t.fn()
			l.ran.Add(1)
		}
	}
}

// Running reports whether Run has been entered and Stop not yet called.
func (l *Loop) Running() bool {
	return l.started.Load() && !l.stopped.Load()
}

// Stop disposes the queue. Tasks not yet run are dropped. Stop does not
// wait; use Done for that.
func (l *Loop) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	l.q.Dispose()
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Pending is the number of queued tasks.
func (l *Loop) Pending() int64 { return l.q.Len() }

// Executed is the number of tasks run so far.
func (l *Loop) Executed() uint64 { return l.ran.Load() }

// PostTask queues fn. Posting to a stopped loop drops the task.
func (l *Loop) PostTask(fn func()) *Task {
	t := &Task{fn: fn}
	l.put(t)
	return t
}

// PostDelayedTask queues fn after d has elapsed.
func (l *Loop) PostDelayedTask(fn func(), d time.Duration) *Task {
	if d <= 0 {
		return l.PostTask(fn)
	}
	t := &Task{fn: fn}
	t.timer = time.AfterFunc(d, func() {
		if !t.canceled.Load() {
			l.put(t)
		}
	})
	return t
}

func (l *Loop) put(t *Task) {
	if err := l.q.Put(t); err != nil {
		logger.Internal.Debugf("loop %s dropped task: %v", l.name, err)
	}
}

// Invoke runs fn on the loop and waits for it to finish. It must not be
// called from the loop's own goroutine.
func (l *Loop) Invoke(fn func()) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	finished := make(chan struct{})
	l.PostTask(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}
