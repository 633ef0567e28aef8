package ipc

import (
	"log"

	"github.com/pkg/errors"
)

// A Set holds the ten session channels.
type Set struct {
	channels [NumChannels]Channel
}

// OpenSet opens every session channel under dir from the given side. If any
// channel fails to open, the ones already opened are closed again.
func OpenSet(dir string, side Side, logger *log.Logger) (*Set, error) {
	s := &Set{}

	for _, spec := range Specs {
		ch, err := OpenFIFO(dir, spec.Name, spec.DirectionFor(side), logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}

		s.channels[spec.ID] = ch
	}

	return s, nil
}

// NewSet wraps already-opened channels. Every ID must be present.
func NewSet(channels map[ID]Channel) (*Set, error) {
	s := &Set{}

	for _, spec := range Specs {
		ch, ok := channels[spec.ID]
		if !ok || ch == nil {
			return nil, errors.Errorf("channel %s missing", spec.Name)
		}

		s.channels[spec.ID] = ch
	}

	return s, nil
}

// Get returns the channel with the given ID.
func (s *Set) Get(id ID) Channel {
	return s.channels[id]
}

// Close closes all channels, continuing past failures. It returns the first
// error seen.
func (s *Set) Close() error {
	var firstErr error

	for i, ch := range s.channels {
		if ch == nil {
			continue
		}

		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		s.channels[i] = nil
	}

	return firstErr
}
