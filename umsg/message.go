// Package umsg emulates the UMsg doorbell. The application writes cache lines
// into the UMsg window and a watcher forwards every changed line to the
// simulator.
package umsg

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// UMsg window geometry. Line i starts at i*LineStride.
const (
	NumLines   = 8
	LineSize   = 64
	LineStride = 4096
	WindowSize = NumLines * LineStride
)

// MessageSize is the encoded size of a Message.
const MessageSize = 8 + LineSize

// A Line is the payload of one UMsg line.
type Line [LineSize]byte

// Message carries one forwarded line to the simulator.
type Message struct {
	ID      uint32
	Hint    bool
	Payload Line
}

// Marshal encodes the message.
//
//	0x00 id      uint32
//	0x04 hint    uint32
//	0x08 payload [64]byte
func (m *Message) Marshal() []byte {
	b := make([]byte, MessageSize)

	binary.LittleEndian.PutUint32(b[0:], m.ID)
	if m.Hint {
		binary.LittleEndian.PutUint32(b[4:], 1)
	}
	copy(b[8:], m.Payload[:])

	return b
}

// UnmarshalMessage decodes a message produced by Marshal.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message

	if len(b) < MessageSize {
		return m, errors.Errorf("umsg message needs %d bytes, got %d",
			MessageSize, len(b))
	}

	m.ID = binary.LittleEndian.Uint32(b[0:])
	m.Hint = binary.LittleEndian.Uint32(b[4:]) != 0
	copy(m.Payload[:], b[8:MessageSize])

	if m.ID >= NumLines {
		return m, errors.Errorf("umsg line %d out of range", m.ID)
	}

	return m, nil
}

func (m Message) String() string {
	return fmt.Sprintf("umsg[%d] hint=%t %x", m.ID, m.Hint, m.Payload[:8])
}
