package shm

import (
	"fmt"

	"github.com/srediag/plugin-ipc/pkg/message"
)

// Descriptor is the body of a ShmemCreated message.
type Descriptor struct {
	ID   ID
	Size uint64
	Type Type
	// Handle is an index into the message handles for TypeBasic and the
	// shm id for TypeSysV.
	Handle int32
}

const (
	descriptorSize = 4 + 8 + 4 + 4
	destroyedSize  = 4
)

// NewCreatedMessage encodes d. handles ride out of band.
func NewCreatedMessage(routingID int32, d Descriptor, handles []int) *message.Message {
	w := message.NewWriter(descriptorSize)
	w.WriteInt32(int32(d.ID))
	w.WriteUint64(d.Size)
	w.WriteInt32(int32(d.Type))
	w.WriteInt32(d.Handle)
	m := message.New(routingID, message.ShmemCreatedType, w.Bytes())
	m.Handles = handles
	return m
}

// ParseCreated decodes a ShmemCreated message.
func ParseCreated(m *message.Message) (Descriptor, error) {
	if m.Type != message.ShmemCreatedType {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrWrongMessage, m)
	}
	r := message.NewReader(m.Payload)
	id, err := r.ReadInt32()
	if err != nil {
		return Descriptor{}, err
	}
	size, err := r.ReadUint64()
	if err != nil {
		return Descriptor{}, err
	}
	typ, err := r.ReadInt32()
	if err != nil {
		return Descriptor{}, err
	}
	handle, err := r.ReadInt32()
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{ID: ID(id), Size: size, Type: Type(typ), Handle: handle}, nil
}

// NewDestroyedMessage announces that the sender let go of segment id.
func NewDestroyedMessage(routingID int32, id ID) *message.Message {
	w := message.NewWriter(destroyedSize)
	w.WriteInt32(int32(id))
	return message.New(routingID, message.ShmemDestroyedType, w.Bytes())
}

// ParseDestroyed decodes a ShmemDestroyed message.
func ParseDestroyed(m *message.Message) (ID, error) {
	if m.Type != message.ShmemDestroyedType {
		return 0, fmt.Errorf("%w: %s", ErrWrongMessage, m)
	}
	id, err := message.NewReader(m.Payload).ReadInt32()
	return ID(id), err
}
