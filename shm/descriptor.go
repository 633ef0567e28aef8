package shm

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Descriptor layout (little-endian):
//
//	0x00 int32  index
//	0x04 uint32 flags (valid, mmio, umsg, private, pinned)
//	0x08 uint64 local base
//	0x10 uint64 peer base
//	0x18 uint64 simulated physical address, low
//	0x20 uint64 simulated physical address, high (exclusive)
//	0x28 uint64 size
//	0x30 [64]byte NUL-terminated name
const DescriptorSize = 0x30 + MaxNameLen + 1

const (
	flagValid uint32 = 1 << iota
	flagMMIO
	flagUMsg
	flagPrivate
	flagPinned
)

// MarshalDescriptor encodes the shareable part of r.
func MarshalDescriptor(r *Region) []byte {
	b := make([]byte, DescriptorSize)

	var flags uint32
	setFlag(&flags, flagValid, r.Valid)
	setFlag(&flags, flagMMIO, r.IsMMIO)
	setFlag(&flags, flagUMsg, r.IsUMsg)
	setFlag(&flags, flagPrivate, r.IsPrivate)
	setFlag(&flags, flagPinned, r.IsPinned)

	binary.LittleEndian.PutUint32(b[0x00:], uint32(r.Index))
	binary.LittleEndian.PutUint32(b[0x04:], flags)
	binary.LittleEndian.PutUint64(b[0x08:], r.LocalBase)
	binary.LittleEndian.PutUint64(b[0x10:], r.PeerBase)
	binary.LittleEndian.PutUint64(b[0x18:], r.PhysLo)
	binary.LittleEndian.PutUint64(b[0x20:], r.PhysHi)
	binary.LittleEndian.PutUint64(b[0x28:], r.Size)
	copy(b[0x30:0x30+MaxNameLen], r.Name)

	return b
}

// UnmarshalDescriptor decodes a descriptor into a new, unmapped Region.
func UnmarshalDescriptor(b []byte) (*Region, error) {
	if len(b) != DescriptorSize {
		return nil, errors.Errorf("descriptor has %d bytes, want %d",
			len(b), DescriptorSize)
	}

	flags := binary.LittleEndian.Uint32(b[0x04:])

	name := b[0x30:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	r := &Region{
		Index:     int32(binary.LittleEndian.Uint32(b[0x00:])),
		Valid:     flags&flagValid != 0,
		LocalBase: binary.LittleEndian.Uint64(b[0x08:]),
		PeerBase:  binary.LittleEndian.Uint64(b[0x10:]),
		PhysLo:    binary.LittleEndian.Uint64(b[0x18:]),
		PhysHi:    binary.LittleEndian.Uint64(b[0x20:]),
		Size:      binary.LittleEndian.Uint64(b[0x28:]),
		Name:      string(name),
		IsMMIO:    flags&flagMMIO != 0,
		IsUMsg:    flags&flagUMsg != 0,
		IsPrivate: flags&flagPrivate != 0,
		IsPinned:  flags&flagPinned != 0,
	}

	return r, nil
}

// AdoptPeerView copies the fields the simulator fills in (its base address
// and the simulated physical range) from rsp into r.
func (r *Region) AdoptPeerView(rsp *Region) {
	r.PeerBase = rsp.PeerBase
	r.PhysLo = rsp.PhysLo
	r.PhysHi = rsp.PhysHi
}

func setFlag(flags *uint32, bit uint32, on bool) {
	if on {
		*flags |= bit
	}
}
