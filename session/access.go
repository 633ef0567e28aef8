package session

import (
	"context"

	"github.com/sarchlab/ase/umsg"
)

// Write32 writes a 32-bit AFU register.
func (s *Session) Write32(ctx context.Context, offset int64, v uint32) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return ErrNotEstablished
	}

	return s.bridge.Write32(ctx, offset, v)
}

// Write64 writes a 64-bit AFU register.
func (s *Session) Write64(ctx context.Context, offset int64, v uint64) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return ErrNotEstablished
	}

	return s.bridge.Write64(ctx, offset, v)
}

// Write512 writes a 64-byte AFU register block.
func (s *Session) Write512(ctx context.Context, offset int64, v [8]uint64) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return ErrNotEstablished
	}

	return s.bridge.Write512(ctx, offset, v)
}

// Read32 reads a 32-bit AFU register.
func (s *Session) Read32(ctx context.Context, offset int64) (uint32, error) {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return 0, ErrNotEstablished
	}

	return s.bridge.Read32(ctx, offset)
}

// Read64 reads a 64-bit AFU register.
func (s *Session) Read64(ctx context.Context, offset int64) (uint64, error) {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return 0, ErrNotEstablished
	}

	return s.bridge.Read64(ctx, offset)
}

// Read512 reads a 64-byte AFU register block.
func (s *Session) Read512(ctx context.Context, offset int64) ([8]uint64, error) {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return [8]uint64{}, ErrNotEstablished
	}

	return s.bridge.Read512(ctx, offset)
}

// SendUMsg writes payload into UMsg line id. The UMsg watcher forwards it to
// the simulator.
func (s *Session) SendUMsg(id uint32, payload umsg.Line) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return ErrNotEstablished
	}

	s.umsgWatcher.Send(id, payload)

	return nil
}
