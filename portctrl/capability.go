package portctrl

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Magic identifies a capability record written by a compatible simulator.
const Magic uint64 = 0x5350_4143_2d45_5341 // "ASE-CAPS"

// ProtocolVersion is the protocol revision this bridge speaks.
const ProtocolVersion uint32 = 1

// CapabilitySize is the encoded size of a Capability.
const CapabilitySize = 16

const (
	capUMsg uint32 = 1 << iota
	capIntr
	capMMIO512
)

// Capability is the feature record the simulator returns to every port
// control request.
type Capability struct {
	Magic   uint64 `json:"magic"`
	Version uint32 `json:"version"`
	UMsg    bool   `json:"umsg"`
	Intr    bool   `json:"intr"`
	MMIO512 bool   `json:"mmio512"`
}

// Supported returns a valid record with the given features.
func Supported(umsg, intr, mmio512 bool) Capability {
	return Capability{
		Magic:   Magic,
		Version: ProtocolVersion,
		UMsg:    umsg,
		Intr:    intr,
		MMIO512: mmio512,
	}
}

// Marshal encodes the record.
//
//	0x00 magic   uint64
//	0x08 version uint32
//	0x0c flags   uint32
func (c *Capability) Marshal() []byte {
	b := make([]byte, CapabilitySize)

	var flags uint32
	if c.UMsg {
		flags |= capUMsg
	}
	if c.Intr {
		flags |= capIntr
	}
	if c.MMIO512 {
		flags |= capMMIO512
	}

	binary.LittleEndian.PutUint64(b[0x00:], c.Magic)
	binary.LittleEndian.PutUint32(b[0x08:], c.Version)
	binary.LittleEndian.PutUint32(b[0x0c:], flags)

	return b
}

// UnmarshalCapability decodes a record. It does not validate it.
func UnmarshalCapability(b []byte) (Capability, error) {
	var c Capability

	if len(b) < CapabilitySize {
		return c, errors.Errorf("capability record needs %d bytes, got %d",
			CapabilitySize, len(b))
	}

	c.Magic = binary.LittleEndian.Uint64(b[0x00:])
	c.Version = binary.LittleEndian.Uint32(b[0x08:])

	flags := binary.LittleEndian.Uint32(b[0x0c:])
	c.UMsg = flags&capUMsg != 0
	c.Intr = flags&capIntr != 0
	c.MMIO512 = flags&capMMIO512 != 0

	return c, nil
}

// Validate checks the magic and the version. On a mismatch every feature is
// turned off and the reason is returned.
func (c *Capability) Validate() error {
	var err error

	switch {
	case c.Magic != Magic:
		err = errors.Errorf("capability magic 0x%x, want 0x%x", c.Magic, Magic)
	case c.Version != ProtocolVersion:
		err = errors.Errorf("capability version %d, want %d",
			c.Version, ProtocolVersion)
	}

	if err != nil {
		c.UMsg = false
		c.Intr = false
		c.MMIO512 = false
	}

	return err
}

func (c Capability) String() string {
	return fmt.Sprintf("v%d umsg=%t intr=%t mmio512=%t",
		c.Version, c.UMsg, c.Intr, c.MMIO512)
}
