// Package mmio turns synchronous register reads and writes into request and
// response messages exchanged with the simulator, correlated by transaction
// ID through a scoreboard.
package mmio

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Access widths in bits.
const (
	Width32  uint32 = 32
	Width64  uint32 = 64
	Width512 uint32 = 512
)

// Packet is an MMIO request or response.
type Packet struct {
	TID      uint32
	Write    bool
	Width    uint32
	Offset   uint64
	Data     [8]uint64
	Response bool
}

// Packet layout (little-endian):
//
//	0x00 uint32 tid
//	0x04 uint32 flags (bit 0 write, bit 1 response)
//	0x08 uint32 width
//	0x0C uint32 reserved
//	0x10 uint64 offset
//	0x18 [8]uint64 payload
const PacketSize = 0x18 + 8*8

const (
	packetFlagWrite uint32 = 1 << iota
	packetFlagResponse
)

// Marshal encodes the packet.
func (p *Packet) Marshal() []byte {
	b := make([]byte, PacketSize)

	var flags uint32
	if p.Write {
		flags |= packetFlagWrite
	}
	if p.Response {
		flags |= packetFlagResponse
	}

	binary.LittleEndian.PutUint32(b[0x00:], p.TID)
	binary.LittleEndian.PutUint32(b[0x04:], flags)
	binary.LittleEndian.PutUint32(b[0x08:], p.Width)
	binary.LittleEndian.PutUint64(b[0x10:], p.Offset)
	for i, q := range p.Data {
		binary.LittleEndian.PutUint64(b[0x18+8*i:], q)
	}

	return b
}

// UnmarshalPacket decodes a packet.
func UnmarshalPacket(b []byte) (Packet, error) {
	var p Packet

	if len(b) != PacketSize {
		return p, errors.Errorf("MMIO packet has %d bytes, want %d",
			len(b), PacketSize)
	}

	flags := binary.LittleEndian.Uint32(b[0x04:])
	p.TID = binary.LittleEndian.Uint32(b[0x00:])
	p.Write = flags&packetFlagWrite != 0
	p.Response = flags&packetFlagResponse != 0
	p.Width = binary.LittleEndian.Uint32(b[0x08:])
	p.Offset = binary.LittleEndian.Uint64(b[0x10:])
	for i := range p.Data {
		p.Data[i] = binary.LittleEndian.Uint64(b[0x18+8*i:])
	}

	return p, nil
}

func (p Packet) String() string {
	kind := "read"
	if p.Write {
		kind = "write"
	}

	dir := "req"
	if p.Response {
		dir = "rsp"
	}

	return fmt.Sprintf("MMIO %s%d %s tid=%d offset=0x%x data=0x%x",
		kind, p.Width, dir, p.TID, p.Offset, p.Data[0])
}
