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

package message

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Frame layout, little-endian:
//
//	[0:4]   payload length
//	[4:8]   routing id
//	[8:10]  type
//	[10:12] flags
//	[12:16] handle count
//	[16:]   payload
const (
	HeaderSize = 16

	MaxPayloadSize = 128 << 20
	MaxHandles     = 64
)

// Header is the decoded fixed part of a frame.
type Header struct {
	PayloadLen  uint32
	RoutingID   int32
	Type        uint16
	Flags       Flags
	HandleCount uint32
}

// AppendFrame encodes m into buf. Handles are only counted; moving the
// descriptors is the transport's job.
func AppendFrame(buf *bytebufferpool.ByteBuffer, m *Message) error {
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, len(m.Payload))
	}
	if len(m.Handles) > MaxHandles {
		return fmt.Errorf("%w: %d handles", ErrFrameTooLarge, len(m.Handles))
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(m.RoutingID))
	binary.LittleEndian.PutUint16(hdr[8:], m.Type)
	binary.LittleEndian.PutUint16(hdr[10:], uint16(m.Flags))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(m.Handles)))
	_, _ = buf.Write(hdr[:])
	_, _ = buf.Write(m.Payload)
	return nil
}

// Encode returns a standalone copy of the frame for m.
func Encode(m *Message) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := AppendFrame(buf, m); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.B...), nil
}

// DecodeHeader parses the fixed header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrIncompleteFrame
	}
	h := Header{
		PayloadLen:  binary.LittleEndian.Uint32(b[0:]),
		RoutingID:   int32(binary.LittleEndian.Uint32(b[4:])),
		Type:        binary.LittleEndian.Uint16(b[8:]),
		Flags:       Flags(binary.LittleEndian.Uint16(b[10:])),
		HandleCount: binary.LittleEndian.Uint32(b[12:]),
	}
	if h.PayloadLen > MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, h.PayloadLen)
	}
	if h.HandleCount > MaxHandles {
		return Header{}, fmt.Errorf("%w: %d handles", ErrFrameTooLarge, h.HandleCount)
	}
	return h, nil
}

// Decode parses one frame from the start of b. It returns the message, the
// number of handles the sender attached and the bytes consumed. The payload
// is copied out of b. ErrIncompleteFrame means b holds a partial frame.
func Decode(b []byte) (*Message, int, int, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, 0, 0, err
	}
	total := HeaderSize + int(h.PayloadLen)
	if len(b) < total {
		return nil, 0, 0, ErrIncompleteFrame
	}
	m := &Message{
		RoutingID: h.RoutingID,
		Type:      h.Type,
		Flags:     h.Flags,
	}
	if h.PayloadLen > 0 {
		m.Payload = append([]byte(nil), b[HeaderSize:total]...)
	}
	return m, int(h.HandleCount), total, nil
}
