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

// Package channel implements the asynchronous point-to-point message
// channel. A Channel is bound to one worker loop and reaches its peer
// through a Link: a process link driving a transport on an IO loop, or a
// thread link calling straight into a peer channel under a shared Monitor.
//
// Open and Close block the worker loop until the link reports back. Send
// and Echo never block; delivery to the peer's Listener is always posted
// onto the peer's worker loop.
package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-ipc/internal/logger"
	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
	"github.com/srediag/plugin-ipc/pkg/transport"
)

// Channel is one end of an asynchronous message channel. Apart from the
// link callbacks, every method must be called from the worker loop.
type Channel struct {
	cfg      *Config
	listener Listener
	worker   *taskloop.Loop
	special  SpecialHandler

	// mon is swapped once, by a thread-mode slave, while the old monitor
	// is held. side is written under the monitor and read without it.
	mon  atomic.Pointer[Monitor]
	side atomic.Int32

	// guarded by monitor
	link      Link
	state     State
	peerPid   int32
	opened    bool
	cleared   bool
	errorTask *taskloop.Task

	// worker loop only
	errBackoff backoff.BackOff
}

// New creates a closed channel. listener is not owned.
func New(listener Listener, worker *taskloop.Loop, cfg *Config) (*Channel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, ErrNilListener
	}
	if worker == nil {
		return nil, ErrNilWorker
	}
	c := &Channel{
		cfg:      cfg,
		listener: listener,
		worker:   worker,
		special:  cfg.SpecialHandler,
		peerPid:  -1,
		errBackoff: backoff.WithMaxRetries(
			backoff.NewConstantBackOff(cfg.ErrorNotifyRetryDelay),
			uint64(cfg.MaxErrorNotifyDeferrals)),
	}
	c.mon.Store(NewMonitor())
	return c, nil
}

func (c *Channel) monitor() *Monitor { return c.mon.Load() }

// lock acquires the channel's current monitor and returns it. The pointer
// is re-checked once held, since a thread-mode slave may have moved to its
// master's monitor in between.
func (c *Channel) lock() *Monitor {
	for {
		m := c.mon.Load()
		m.Lock()
		if c.mon.Load() == m {
			return m
		}
		m.Unlock()
	}
}

// SetSpecialHandler replaces the handler from Config. It must be called
// before Open.
func (c *Channel) SetSpecialHandler(h SpecialHandler) {
	c.lock()
	defer c.monitor().Unlock()
	if c.opened {
		panic(fmt.Errorf("%w: special handler set after open", ErrAlreadyOpened))
	}
	c.special = h
}

func (c *Channel) String() string {
	return fmt.Sprintf("[%s][%s]", c.sideName(), c.cfg.Name)
}

func (c *Channel) sideName() string {
	if c.Side() == SideChild {
		return "Child"
	}
	return "Parent"
}

// Open connects over t, driven by ioLoop. The parent side, or a nil
// ioLoop, completes at once in Connected and starts the transport in the
// background. Any other side starts the transport and blocks until the
// peer answers or the link fails. It returns true only if Connected.
func (c *Channel) Open(t transport.Transport, ioLoop *taskloop.Loop, side Side) bool {
	_, span := c.cfg.Tracer.Start(context.Background(), "channel.Open",
		trace.WithAttributes(attribute.String("channel.mode", "process")))
	defer span.End()

	switch {
	case ioLoop == nil:
		ioLoop = c.cfg.DefaultIOLoop
		side = SideParent
	case side == SideUnknown:
		side = SideChild
	}
	if ioLoop == nil {
		panic(ErrNoIOLoop)
	}

	c.markOpened()
	c.lock()
	defer c.monitor().Unlock()
	c.side.Store(int32(side))
	link := newProcessLink(c, t, ioLoop)
	c.link = link

	if side == SideParent {
		c.setState(StateConnected)
		ioLoop.PostTask(link.onTakeConnectedChannel)
	} else {
		ioLoop.PostTask(link.onChannelOpened)
		for c.state == StateClosed || c.state == StateOpening {
			c.monitor().Wait()
		}
	}
	span.SetAttributes(attribute.String("channel.side", side.String()),
		attribute.String("channel.state", c.state.String()))
	return c.state == StateConnected
}

// OpenPeer connects to peer, which lives on peerLoop, in thread mode. The
// two channels share one Monitor from here on. When it returns true the
// peer is already Connected.
func (c *Channel) OpenPeer(peer *Channel, peerLoop *taskloop.Loop, side Side) bool {
	_, span := c.cfg.Tracer.Start(context.Background(), "channel.Open",
		trace.WithAttributes(attribute.String("channel.mode", "thread"),
			attribute.String("channel.side", side.String())))
	defer span.End()

	c.markOpened()
	m := c.lock()
	defer m.Unlock()
	c.side.Store(int32(side))
	c.link = &threadLink{ch: c, peer: peer}
	c.setState(StateOpening)
	peerLoop.PostTask(func() { peer.onOpenAsSlave(c, side.Opposite()) })
	for c.state == StateOpening {
		m.Wait()
	}
	return c.state == StateConnected
}

func (c *Channel) onOpenAsSlave(master *Channel, side Side) {
	c.markOpened()
	shared := master.monitor()
	shared.AddRef()

	mine := c.lock()
	c.side.Store(int32(side))
	c.link = &threadLink{ch: c, peer: master}
	c.mon.Store(shared)
	mine.Unlock()
	mine.Release()

	shared.Lock()
	defer shared.Unlock()
	if master.state != StateOpening {
		panic(fmt.Errorf("%w: %s", ErrNotOpening, master.state))
	}
	c.setState(StateConnected)
	master.setState(StateConnected)
	shared.NotifyAll()
}

// markOpened panics on a second Open.
func (c *Channel) markOpened() {
	c.lock()
	again := c.opened
	c.opened = true
	c.monitor().Unlock()
	if again {
		panic(ErrAlreadyOpened)
	}
}

// Send hands msg to the link. It returns false, and reports MsgDropped
// once, when the channel is not Connected.
func (c *Channel) Send(msg *message.Message) bool {
	return c.send(msg, false)
}

// Echo feeds msg back through this channel's own receive path, so it is
// intercepted and dispatched exactly like a message from the peer.
func (c *Channel) Echo(msg *message.Message) bool {
	return c.send(msg, true)
}

func (c *Channel) send(msg *message.Message, echo bool) bool {
	if msg.RoutingID == message.RoutingNone {
		panic(fmt.Errorf("%w: %s", ErrNoRoute, msg))
	}
	c.lock()
	if c.state != StateConnected {
		st := c.state
		c.monitor().Unlock()
		c.reportConnectionError(st)
		return false
	}
	if echo {
		c.link.EchoMessage(msg)
	} else {
		c.link.SendMessage(msg)
	}
	c.monitor().Unlock()
	c.cfg.Metrics.sent()
	return true
}

// Close shuts the channel down and blocks until the link confirms. A
// Goodbye goes first so the peer sees a deliberate close. On a channel
// that already failed, Close delivers the pending error notification
// instead.
func (c *Channel) Close() {
	_, span := c.cfg.Tracer.Start(context.Background(), "channel.Close")
	defer span.End()

	c.lock()
	st := c.state
	span.SetAttributes(attribute.String("channel.state", st.String()))
	switch st {
	case StateError, StateTimeout:
		c.monitor().Unlock()
		c.notifyMaybeChannelError()
		return
	case StateClosing:
		// the peer said Goodbye first
		c.synchronouslyClose()
	case StateConnected:
		c.link.SendMessage(message.NewGoodbye())
		c.synchronouslyClose()
	default:
		c.monitor().Unlock()
		panic(fmt.Errorf("%w: Close on %s channel", ErrInvalidState, st))
	}
	c.monitor().Unlock()
	c.notifyChannelClosed()
}

// CloseWithError closes a connected channel without a Goodbye and reports
// OnChannelError asynchronously. In any other state it does nothing.
func (c *Channel) CloseWithError() {
	c.closeAbruptly(StateError)
}

// ReportTimeout is for synchronous layers built on top: the connected
// channel is closed and ends in Timeout with one error notification.
func (c *Channel) ReportTimeout() {
	c.closeAbruptly(StateTimeout)
}

func (c *Channel) closeAbruptly(final State) {
	c.lock()
	defer c.monitor().Unlock()
	if c.state != StateConnected {
		return
	}
	c.synchronouslyClose()
	c.setState(final)
	c.postErrorNotifyTask()
}

// synchronouslyClose asks the link to close and waits for it. Monitor held.
func (c *Channel) synchronouslyClose() {
	c.monitor().assertHeld()
	c.link.SendClose()
	for c.state != StateClosed {
		c.monitor().Wait()
	}
}

func (c *Channel) State() State {
	c.lock()
	defer c.monitor().Unlock()
	return c.state
}

func (c *Channel) Connected() bool { return c.State() == StateConnected }

func (c *Channel) IsChild() bool { return c.Side() == SideChild }

func (c *Channel) Side() Side { return Side(c.side.Load()) }

// PeerPid is the pid announced by the peer's transport, or -1.
func (c *Channel) PeerPid() int32 {
	c.lock()
	defer c.monitor().Unlock()
	return c.peerPid
}

func (c *Channel) Worker() *taskloop.Loop { return c.worker }

func (c *Channel) Monitor() *Monitor { return c.monitor() }

// setState records a transition. Monitor held.
func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.cfg.Metrics.transition(s)
	logger.Internal.Tracef("%s %s -> %s", c, from, s)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c, from, s)
	}
}

// onMessageReceivedFromLink runs on the link side with the monitor held.
// Goodbye is consumed here so it is ordered with the traffic before it.
func (c *Channel) onMessageReceivedFromLink(msg *message.Message) {
	c.monitor().assertHeld()
	c.cfg.Metrics.received()
	if message.IsGoodbye(msg) {
		if c.state == StateConnected {
			c.setState(StateClosing)
		}
		logger.Protocol.Infof("%s received Goodbye, closing down", c)
		return
	}
	c.worker.PostTask(func() { c.onDispatchMessage(msg) })
}

func (c *Channel) onDispatchMessage(msg *message.Message) {
	c.lock()
	cleared := c.cleared
	c.monitor().Unlock()
	if cleared {
		logger.Internal.Debugf("%s dropping %s after close", c, msg)
		return
	}

	if msg.IsSpecial() || msg.Type == message.ShmemCreatedType || msg.Type == message.ShmemDestroyedType {
		if h := c.special; h != nil && h.OnSpecialMessage(msg) {
			return
		}
		if msg.IsSpecial() {
			panic(fmt.Errorf("%w: %s", ErrUnhandledSpecial, msg))
		}
	}
	c.maybeHandleError(c.listener.OnMessageReceived(msg))
}

func (c *Channel) maybeHandleError(r Result) bool {
	if r == MsgProcessed {
		return true
	}
	c.printError(r.Describe())
	c.cfg.Metrics.processingError(r)
	c.listener.OnProcessingError(r)
	return false
}

func (c *Channel) reportConnectionError(st State) {
	c.printError(connectionError(st))
	c.cfg.Metrics.dropped()
	c.listener.OnProcessingError(MsgDropped)
}

func (c *Channel) printError(msg string) {
	logger.Protocol.Errorf("%s Error: %s", c, msg)
}

func (c *Channel) dispatchOnChannelConnected(peerPid int32) {
	c.lock()
	cleared := c.cleared
	c.monitor().Unlock()
	if !cleared {
		c.listener.OnChannelConnected(peerPid)
	}
}

// onChannelErrorFromLink runs on the link side with the monitor held.
func (c *Channel) onChannelErrorFromLink() {
	c.monitor().assertHeld()
	if c.cleared || c.state == StateClosed {
		return
	}
	if c.state != StateClosing && c.state != StateTimeout {
		c.setState(StateError)
	}
	c.monitor().NotifyAll()
	c.postErrorNotifyTask()
}

// postErrorNotifyTask schedules at most one pending notification. Monitor
// held.
func (c *Channel) postErrorNotifyTask() {
	c.monitor().assertHeld()
	if c.errorTask != nil {
		return
	}
	c.errorTask = c.worker.PostTask(c.onNotifyMaybeChannelError)
}

func (c *Channel) onNotifyMaybeChannelError() {
	c.lock()
	cleared := c.cleared
	c.monitor().Unlock()
	if cleared {
		return
	}

	if c.cfg.DeferErrorNotify != nil && c.cfg.DeferErrorNotify() {
		if d := c.errBackoff.NextBackOff(); d != backoff.Stop {
			c.lock()
			c.errorTask = c.worker.PostDelayedTask(c.onNotifyMaybeChannelError, d)
			c.monitor().Unlock()
			return
		}
		logger.Internal.Warnf("%s delivering error notification after %d deferrals",
			c, c.cfg.MaxErrorNotifyDeferrals)
	}
	c.notifyMaybeChannelError()
}

// notifyMaybeChannelError delivers the terminal notification: a clean
// close if the peer said Goodbye, an error otherwise.
func (c *Channel) notifyMaybeChannelError() {
	c.lock()
	if c.cleared {
		c.monitor().Unlock()
		return
	}
	if c.state == StateClosing {
		c.setState(StateClosed)
		c.monitor().Unlock()
		c.notifyChannelClosed()
		return
	}
	if c.state != StateTimeout {
		c.setState(StateError)
	}
	c.monitor().Unlock()

	c.listener.OnChannelError()
	c.Clear()
}

func (c *Channel) notifyChannelClosed() {
	c.listener.OnChannelClose()
	c.Clear()
}

// Clear drops the link and any pending notification. The listener gets
// nothing further from this channel.
func (c *Channel) Clear() {
	m := c.lock()
	if c.cleared {
		m.Unlock()
		return
	}
	c.cleared = true
	link := c.link
	c.link = nil
	task := c.errorTask
	c.errorTask = nil
	m.Unlock()

	if link != nil {
		link.teardown()
	}
	task.Cancel()
	m.Release()
	if c.cfg.OnCleared != nil {
		c.cfg.OnCleared(c)
	}
}

// Cleared reports whether the terminal notification has been delivered.
func (c *Channel) Cleared() bool {
	c.lock()
	defer c.monitor().Unlock()
	return c.cleared
}
