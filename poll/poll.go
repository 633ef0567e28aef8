// Package poll provides the bounded spin-wait used wherever the bridge waits
// on its peer: response channels, scoreboard slots and the ready marker.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// DefaultInterval is the sleep between two checks of a condition.
const DefaultInterval = 10 * time.Microsecond

// ErrTimeout is matched by every TimeoutError through errors.Is.
var ErrTimeout = errors.New("timed out")

// TimeoutError reports a wait that gave up before its condition held.
type TimeoutError struct {
	What  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s", e.After, e.What)
}

// Is makes errors.Is(err, ErrTimeout) hold for any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout reports whether err, or any error it wraps, is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Until checks cond every interval until it returns true, the context is done,
// or timeout elapses. A zero timeout waits for as long as the context allows.
func Until(
	ctx context.Context,
	what string,
	interval, timeout time.Duration,
	cond func() bool,
) error {
	if cond() {
		return nil
	}

	if interval <= 0 {
		interval = DefaultInterval
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s", what)
		case <-deadline:
			if cond() {
				return nil
			}
			return &TimeoutError{What: what, After: timeout}
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

// UntilErr is Until for conditions that can fail. The first error returned by
// cond ends the wait.
func UntilErr(
	ctx context.Context,
	what string,
	interval, timeout time.Duration,
	cond func() (bool, error),
) error {
	var condErr error

	err := Until(ctx, what, interval, timeout, func() bool {
		done, err := cond()
		if err != nil {
			condErr = err
			return true
		}
		return done
	})
	if condErr != nil {
		return condErr
	}

	return err
}
