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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservedTypes(t *testing.T) {
	for _, typ := range []uint16{HelloType, GoodbyeType, ShmemCreatedType, ShmemDestroyedType} {
		assert.True(t, IsReservedType(typ), TypeName(typ))
	}
	assert.False(t, IsReservedType(0))
	assert.False(t, IsReservedType(ShmemCreatedType-1))
	assert.Equal(t, "Goodbye", TypeName(GoodbyeType))
	assert.Equal(t, "42", TypeName(42))
}

func TestPriorityFlags(t *testing.T) {
	m := New(1, 7, nil)
	m.Flags |= FlagSync
	assert.Equal(t, PriorityNormal, m.Priority())

	m.SetPriority(PriorityUrgent)
	assert.Equal(t, PriorityUrgent, m.Priority())
	assert.True(t, m.IsSync())
	assert.False(t, m.IsRPC())

	m.SetPriority(PriorityHigh)
	assert.Equal(t, PriorityHigh, m.Priority())
	assert.Equal(t, "high", m.Priority().String())
	assert.True(t, m.IsSync())
}

func TestCloneIsDeep(t *testing.T) {
	m := New(3, 9, []byte("abc"))
	m.Handles = []int{5}
	c := m.Clone()
	c.Payload[0] = 'z'
	c.Handles[0] = 6
	assert.Equal(t, "abc", string(m.Payload))
	assert.Equal(t, 5, m.Handles[0])
}

func TestGoodbyeAndHello(t *testing.T) {
	g := NewGoodbye()
	assert.True(t, IsGoodbye(g))
	assert.True(t, g.IsSpecial())
	assert.Empty(t, g.Payload)

	h := NewHello(4242)
	pid, err := ParseHello(h)
	require.NoError(t, err)
	assert.Equal(t, int32(4242), pid)

	_, err = ParseHello(g)
	assert.True(t, errors.Is(err, ErrPayload))

	h.Payload = h.Payload[:2]
	_, err = ParseHello(h)
	assert.True(t, errors.Is(err, ErrPayloadTruncated))
}

func TestPickleRoundTrip(t *testing.T) {
	w := NewWriter(32)
	w.WriteInt32(-7)
	w.WriteUint64(1 << 40)
	w.WriteUint16(0xBEEF)
	w.WriteBytes([]byte("payload"))

	r := NewReader(w.Bytes())
	i, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i)
	u, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), u)
	s, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), s)
	b, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
	assert.Equal(t, 0, r.Remaining())

	_, err = r.ReadUint32()
	assert.True(t, errors.Is(err, ErrPayloadTruncated))
}

func TestFrameCodec(t *testing.T) {
	m := New(RoutingControl, 17, []byte("hello world"))
	m.SetPriority(PriorityHigh)
	m.Handles = []int{10, 11}

	frame, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+len(m.Payload), len(frame))

	_, _, _, err = Decode(frame[:HeaderSize-1])
	assert.Equal(t, ErrIncompleteFrame, err)
	_, _, _, err = Decode(frame[:len(frame)-1])
	assert.Equal(t, ErrIncompleteFrame, err)

	// two frames back to back
	stream := append(append([]byte(nil), frame...), frame...)
	got, handles, n, err := Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, 2, handles)
	assert.Equal(t, m.RoutingID, got.RoutingID)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Flags, got.Flags)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Nil(t, got.Handles)

	got2, _, n2, err := Decode(stream[n:])
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, got.Payload, got2.Payload)
}

func TestFrameLimits(t *testing.T) {
	m := New(1, 1, nil)
	m.Handles = make([]int, MaxHandles+1)
	_, err := Encode(m)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	bad, err := Encode(New(1, 1, nil))
	require.NoError(t, err)
	bad[0], bad[1], bad[2], bad[3] = 0xff, 0xff, 0xff, 0xff
	_, err = DecodeHeader(bad)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func BenchmarkEncode(b *testing.B) {
	m := New(1, 1, make([]byte, 4096))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(m)
	}
}
