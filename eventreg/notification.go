package eventreg

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// NotificationSize is the encoded size of a Notification.
const NotificationSize = 8

// Notification is what the simulator sends on the interrupt channel when the
// AFU raises an interrupt.
type Notification struct {
	Vector uint32
}

// Marshal encodes the notification.
func (n Notification) Marshal() []byte {
	b := make([]byte, NotificationSize)
	binary.LittleEndian.PutUint32(b, n.Vector)

	return b
}

// UnmarshalNotification decodes a notification.
func UnmarshalNotification(b []byte) (Notification, error) {
	if len(b) < NotificationSize {
		return Notification{}, errors.Errorf(
			"interrupt notification needs %d bytes, got %d",
			NotificationSize, len(b))
	}

	return Notification{Vector: binary.LittleEndian.Uint32(b)}, nil
}
