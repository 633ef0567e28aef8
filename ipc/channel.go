// Package ipc implements the transport channels between the application and
// the simulator. Each channel is a named, unidirectional byte-message pipe
// living in the session working directory.
package ipc

import "fmt"

// Result is the outcome of a non-blocking receive.
type Result int

// The possible outcomes of TryReceive.
const (
	NoMessage Result = iota
	Message
	Failed
)

func (r Result) String() string {
	switch r {
	case NoMessage:
		return "NoMessage"
	case Message:
		return "Message"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// A Channel delivers fixed-size messages in one direction.
type Channel interface {
	// Name returns the channel name.
	Name() string

	// Send writes the whole message. A short write is reported as a
	// *ShortWriteError.
	Send(p []byte) error

	// TryReceive fills p with one message if one is available. It never
	// blocks waiting for a message to arrive.
	TryReceive(p []byte) (Result, error)

	// Close releases the OS handle.
	Close() error
}

// ShortWriteError reports that fewer bytes than requested reached the
// channel. The message stream on that channel is no longer aligned.
type ShortWriteError struct {
	Channel string
	Wrote   int
	Want    int
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("short write on %s: wrote %d of %d bytes",
		e.Channel, e.Wrote, e.Want)
}
