package ipc

import (
	"context"
	"time"
)

// Responses reads the response channel of a request/response pair. A request
// whose wait failed still has a response on the way; Responses keeps count
// and drops that many messages before it hands out the next one. It is not
// safe for concurrent use; callers serialize their exchanges.
type Responses struct {
	ch   Channel
	owed int
}

// NewResponses reads responses from ch.
func NewResponses(ch Channel) *Responses {
	return &Responses{ch: ch}
}

// Channel returns the channel the responses arrive on.
func (r *Responses) Channel() Channel {
	return r.ch
}

// Owed returns how many late responses will be dropped by the next Receive.
func (r *Responses) Owed() int {
	return r.owed
}

// Receive waits for the response to the request just sent, skipping the late
// responses of earlier requests. The timeout applies to each message.
func (r *Responses) Receive(
	ctx context.Context,
	p []byte,
	interval, timeout time.Duration,
) error {
	r.owed++

	for r.owed > 0 {
		if err := Receive(ctx, r.ch, p, interval, timeout); err != nil {
			return err
		}

		r.owed--
	}

	return nil
}
