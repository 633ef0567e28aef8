package ipc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/poll"
)

// Receive polls ch until a message fills p, the context ends or timeout
// elapses. A zero timeout waits as long as the context allows.
func Receive(
	ctx context.Context,
	ch Channel,
	p []byte,
	interval, timeout time.Duration,
) error {
	return poll.UntilErr(ctx, ch.Name(), interval, timeout,
		func() (bool, error) {
			res, err := ch.TryReceive(p)
			switch res {
			case Message:
				return true, nil
			case Failed:
				if err == nil {
					err = errors.New("receive failed")
				}
				return false, errors.Wrapf(err, "receive on %s", ch.Name())
			default:
				return false, nil
			}
		})
}
