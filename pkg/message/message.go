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

// Package message defines the opaque message envelope carried by channels
// and transports, the reserved control message tags and the wire codec.
package message

import (
	"fmt"
	"math"
)

const (
	// RoutingNone addresses the channel itself rather than an actor.
	RoutingNone int32 = -2
	// RoutingControl is the conventional routing id of the top-level actor.
	RoutingControl int32 = math.MaxInt32
)

// Reserved type tags. Everything at or above firstReservedType is owned by
// the channel and transport layers and never reaches application handlers
// untouched.
const (
	HelloType          uint16 = math.MaxUint16
	GoodbyeType        uint16 = math.MaxUint16 - 1
	ShmemDestroyedType uint16 = math.MaxUint16 - 2
	ShmemCreatedType   uint16 = math.MaxUint16 - 3

	firstReservedType = ShmemCreatedType
)

// IsReservedType reports whether t is one of the reserved control tags.
func IsReservedType(t uint16) bool {
	return t >= firstReservedType
}

// Flags carries the send semantics bits and the priority.
type Flags uint16

const (
	FlagSync Flags = 1 << iota
	FlagRPC
	FlagReply
	FlagReplyError
)

const (
	priorityShift       = 8
	priorityMask  Flags = 0x3 << priorityShift
)

// Priority of a message. Transports in this module deliver in FIFO order
// regardless; the value is carried for the layers above.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Message is an opaque payload addressed to a routing id with a type tag.
// Handles are platform handles (file descriptors) that travel out of band;
// ownership of the descriptors moves with the message.
type Message struct {
	RoutingID int32
	Type      uint16
	Flags     Flags
	Payload   []byte
	Handles   []int
}

// New builds an async message with normal priority.
func New(routingID int32, typ uint16, payload []byte) *Message {
	return &Message{
		RoutingID: routingID,
		Type:      typ,
		Payload:   payload,
	}
}

func (m *Message) IsSync() bool  { return m.Flags&FlagSync != 0 }
func (m *Message) IsRPC() bool   { return m.Flags&FlagRPC != 0 }
func (m *Message) IsReply() bool { return m.Flags&FlagReply != 0 }

// IsSpecial reports whether the message is addressed to the channel itself.
func (m *Message) IsSpecial() bool { return m.RoutingID == RoutingNone }

func (m *Message) Priority() Priority {
	return Priority((m.Flags & priorityMask) >> priorityShift)
}

func (m *Message) SetPriority(p Priority) {
	m.Flags = (m.Flags &^ priorityMask) | (Flags(p)<<priorityShift)&priorityMask
}

// Clone returns a deep copy of the envelope and payload. Handles are
// copied as numbers; the descriptors themselves are shared.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Handles != nil {
		c.Handles = append([]int(nil), m.Handles...)
	}
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("msg{route:%d type:%s flags:%#x len:%d handles:%d}",
		m.RoutingID, TypeName(m.Type), uint16(m.Flags), len(m.Payload), len(m.Handles))
}

// TypeName returns a readable name for reserved tags and the number otherwise.
func TypeName(t uint16) string {
	switch t {
	case HelloType:
		return "Hello"
	case GoodbyeType:
		return "Goodbye"
	case ShmemCreatedType:
		return "ShmemCreated"
	case ShmemDestroyedType:
		return "ShmemDestroyed"
	}
	return fmt.Sprintf("%d", t)
}

// NewGoodbye builds the payload-free message announcing a deliberate close.
func NewGoodbye() *Message {
	return New(RoutingNone, GoodbyeType, nil)
}

// IsGoodbye reports whether m is the channel-wide Goodbye message.
func IsGoodbye(m *Message) bool {
	return m.RoutingID == RoutingNone && m.Type == GoodbyeType
}

// NewHello builds the transport handshake message announcing pid.
func NewHello(pid int32) *Message {
	w := NewWriter(4)
	w.WriteInt32(pid)
	return New(RoutingNone, HelloType, w.Bytes())
}

// ParseHello extracts the peer pid from a Hello message.
func ParseHello(m *Message) (int32, error) {
	if m.RoutingID != RoutingNone || m.Type != HelloType {
		return 0, fmt.Errorf("%w: not a hello message: %s", ErrPayload, m)
	}
	r := NewReader(m.Payload)
	return r.ReadInt32()
}
