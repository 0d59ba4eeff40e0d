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
	"github.com/srediag/plugin-ipc/internal/logger"
	"github.com/srediag/plugin-ipc/pkg/message"
	"github.com/srediag/plugin-ipc/pkg/taskloop"
	"github.com/srediag/plugin-ipc/pkg/transport"
)

// Link is how a Channel reaches its peer. All methods are called with the
// channel's monitor held, except teardown.
type Link interface {
	SendMessage(msg *message.Message)
	EchoMessage(msg *message.Message)
	SendClose()
	teardown()
}

// processLink drives a transport from its IO loop. The transport is owned
// by the caller and outlives the link.
type processLink struct {
	ch   *Channel
	t    transport.Transport
	io   *taskloop.Loop
	prev transport.Listener
}

var _ transport.Listener = (*processLink)(nil)

func newProcessLink(c *Channel, t transport.Transport, io *taskloop.Loop) *processLink {
	l := &processLink{ch: c, t: t, io: io}
	l.prev = t.SetListener(l)
	return l
}

func (l *processLink) SendMessage(msg *message.Message) {
	l.io.PostTask(func() {
		if err := l.t.Send(msg); err != nil {
			logger.Internal.Debugf("%s: transport send %s: %v", l.ch, msg, err)
		}
	})
}

func (l *processLink) EchoMessage(msg *message.Message) {
	l.io.PostTask(func() { l.OnMessageReceived(msg) })
}

func (l *processLink) SendClose() {
	l.io.PostTask(l.onCloseChannel)
}

func (l *processLink) teardown() {
	l.t.SetListener(l.prev)
}

// live reports whether the link still belongs to its channel. Monitor held.
func (l *processLink) live() bool {
	return l.ch.link == Link(l)
}

// onChannelOpened starts the transport for an actively opening side.
func (l *processLink) onChannelOpened() {
	c := l.ch
	c.lock()
	if !l.live() {
		c.monitor().Unlock()
		return
	}
	if c.state == StateClosed {
		c.setState(StateOpening)
	}
	c.monitor().Unlock()
	l.connect()
}

// onTakeConnectedChannel starts the transport for the passive side, which
// is already Connected.
func (l *processLink) onTakeConnectedChannel() {
	l.connect()
}

func (l *processLink) connect() {
	if err := l.t.Connect(); err != nil {
		logger.Internal.Warnf("%s: transport connect: %v", l.ch, err)
		c := l.ch
		c.lock()
		if l.live() {
			c.onChannelErrorFromLink()
		}
		c.monitor().Unlock()
	}
}

func (l *processLink) onCloseChannel() {
	if err := l.t.Close(); err != nil {
		logger.Internal.Debugf("%s: transport close: %v", l.ch, err)
	}
	c := l.ch
	c.lock()
	c.setState(StateClosed)
	c.monitor().NotifyAll()
	c.monitor().Unlock()
}

func (l *processLink) OnMessageReceived(msg *message.Message) {
	c := l.ch
	c.lock()
	defer c.monitor().Unlock()
	if !l.live() {
		return
	}
	c.onMessageReceivedFromLink(msg)
}

func (l *processLink) OnChannelConnected(peerPid int32) {
	c := l.ch
	c.lock()
	if !l.live() {
		c.monitor().Unlock()
		return
	}
	c.peerPid = peerPid
	if c.state == StateOpening {
		c.setState(StateConnected)
	}
	connected := c.state == StateConnected
	c.monitor().NotifyAll()
	c.monitor().Unlock()

	if l.prev != nil {
		l.prev.OnChannelConnected(peerPid)
	}
	if connected {
		c.worker.PostTask(func() { c.dispatchOnChannelConnected(peerPid) })
	}
}

func (l *processLink) OnChannelError() {
	c := l.ch
	c.lock()
	defer c.monitor().Unlock()
	if !l.live() {
		return
	}
	c.onChannelErrorFromLink()
}

// threadLink delivers straight into a peer channel living on another loop.
// Both channels share one monitor, so every call below runs with the peer's
// monitor held as well.
type threadLink struct {
	ch   *Channel
	peer *Channel
}

func (l *threadLink) SendMessage(msg *message.Message) {
	l.ch.monitor().assertHeld()
	if l.peer == nil {
		logger.Internal.Debugf("%s peer gone, dropping %s", l.ch, msg)
		return
	}
	l.peer.onMessageReceivedFromLink(msg)
}

func (l *threadLink) EchoMessage(msg *message.Message) {
	l.ch.monitor().assertHeld()
	l.ch.onMessageReceivedFromLink(msg)
}

// SendClose closes this side and shows the peer what a socket failure
// would look like on its link.
func (l *threadLink) SendClose() {
	l.ch.monitor().assertHeld()
	l.ch.setState(StateClosed)
	l.ch.monitor().NotifyAll()
	if l.peer != nil {
		l.peer.onChannelErrorFromLink()
	}
}

func (l *threadLink) teardown() {
	m := l.ch.lock()
	defer m.Unlock()
	if l.peer != nil {
		if pl, ok := l.peer.link.(*threadLink); ok && pl.peer == l.ch {
			pl.peer = nil
		}
		// the survivor can no longer deliver anything
		if l.peer.state == StateConnected {
			l.peer.onChannelErrorFromLink()
		}
	}
	l.peer = nil
}
