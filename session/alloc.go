package session

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/shm"
)

// Hook positions of the session.
var (
	// HookPosRegionAlloc triggers after a region is allocated. Item is the
	// *shm.Region.
	HookPosRegionAlloc = &hooking.HookPos{Name: "RegionAlloc"}

	// HookPosRegionFree triggers after a region is released. Item is the
	// *shm.Region.
	HookPosRegionFree = &hooking.HookPos{Name: "RegionFree"}
)

// The MMIO and UMsg windows belong to the session, not to the registry. They
// carry reserved indices so that buffer indices start at zero.
const (
	MMIOIndex int32 = -2
	UMsgIndex int32 = -3
)

// Allocate creates a buffer of size bytes shared with the simulator. It
// establishes the session first if needed.
func (s *Session) Allocate(ctx context.Context, size uint64) (*shm.Region, error) {
	r := shm.NewRegion(shm.RoleBuffer, size)

	if err := s.AllocateRegion(ctx, r); err != nil {
		return nil, err
	}

	return r, nil
}

// AllocateRegion allocates the region described by r. Index, name and the
// addresses are filled in. It establishes the session first if needed.
func (s *Session) AllocateRegion(ctx context.Context, r *shm.Region) error {
	if r.Size == 0 {
		log.Panicf("cannot allocate a zero-size region")
	}

	if r.Role() != shm.RoleBuffer {
		log.Panicf("cannot allocate a %s region", r.Role())
	}

	if !s.Established() {
		if err := s.Init(ctx); err != nil {
			return err
		}
	}

	err := s.allocateShared(ctx, r)

	var fe *fatalError
	if errors.As(err, &fe) {
		s.onFatal(err)
	}

	return err
}

func (s *Session) allocateShared(ctx context.Context, r *shm.Region) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return ErrNotEstablished
	}

	return s.allocate(ctx, r)
}

// allocate creates and maps the region, announces it to the simulator and
// registers buffers. Failing to create the memory, or the simulator failing
// to map it, is a fatal error; a failed exchange releases the memory again.
func (s *Session) allocate(ctx context.Context, r *shm.Region) error {
	switch r.Role() {
	case shm.RoleMMIO:
		r.Index = MMIOIndex
	case shm.RoleUMsg:
		r.Index = UMsgIndex
	default:
		r.Index = s.registry.NextIndex()
	}
	r.Name = shm.NameFor(r.Role(), r.Index, s.timestamp)

	if err := shm.Create(r); err != nil {
		return &fatalError{errors.Wrapf(err, "create region %d", r.Index)}
	}
	r.Valid = true

	rsp, err := s.exchangeDescriptor(ctx, ipc.AllocReq, ipc.AllocRsp, r)
	if err != nil {
		s.discard(r)
		return errors.Wrapf(err, "allocate region %d", r.Index)
	}

	if !rsp.Valid {
		s.discard(r)
		return &fatalError{errors.Errorf(
			"simulator could not map region %d (%s)", r.Index, r.Name)}
	}

	r.AdoptPeerView(rsp)
	if r.Role() == shm.RoleBuffer {
		s.registry.Add(r)
	}
	s.invoke(HookPosRegionAlloc, r)

	return nil
}

// Deallocate releases a region allocated by this session.
func (s *Session) Deallocate(ctx context.Context, r *shm.Region) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	e, ok := s.registry.Claim(r.Index)
	if !ok || e.Region != r {
		return errors.Errorf("region %d is not allocated", r.Index)
	}

	return s.release(ctx, r)
}

// DeallocateByIndex releases the region with the given index. It returns
// false, without any side effect, if no valid region has that index.
func (s *Session) DeallocateByIndex(ctx context.Context, index int32) bool {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	e, ok := s.registry.Claim(index)
	if !ok {
		return false
	}

	if err := s.release(ctx, e.Region); err != nil {
		s.logger.Printf("WARNING: release region %d: %v", index, err)
	}

	return true
}

// release tells the simulator the region is going away, then unmaps and
// removes it whatever the simulator answered.
func (s *Session) release(ctx context.Context, r *shm.Region) error {
	var err error
	if s.channels != nil {
		_, err = s.exchangeDescriptor(ctx, ipc.DeallocReq, ipc.DeallocRsp, r)
	} else {
		err = errors.New("no channels to the simulator")
	}

	s.discard(r)
	s.invoke(HookPosRegionFree, r)

	if err != nil {
		return errors.Wrapf(err, "deallocate region %d", r.Index)
	}

	return nil
}

func (s *Session) discard(r *shm.Region) {
	r.Valid = false

	if err := shm.Unmap(r); err != nil {
		s.logger.Printf("WARNING: %v", err)
	}

	if err := shm.Remove(r.Name); err != nil {
		s.logger.Printf("WARNING: %v", err)
	}
}

func (s *Session) exchangeDescriptor(
	ctx context.Context,
	reqID, rspID ipc.ID,
	r *shm.Region,
) (*shm.Region, error) {
	s.exchange.Lock()
	defer s.exchange.Unlock()

	if err := s.channels.Get(reqID).Send(shm.MarshalDescriptor(r)); err != nil {
		return nil, err
	}

	rsps := s.responses(rspID)
	if n := rsps.Owed(); n > 0 {
		s.logger.Printf("WARNING: dropping %d late response(s) on %s",
			n, rspID)
	}

	buf := make([]byte, shm.DescriptorSize)
	err := rsps.Receive(ctx, buf, s.cfg.PollInterval, s.cfg.ResponseTimeout)
	if err != nil {
		return nil, err
	}

	rsp, err := shm.UnmarshalDescriptor(buf)
	if err != nil {
		return nil, err
	}

	if rsp.Index != r.Index {
		return nil, errors.Errorf("simulator answered for region %d, want %d",
			rsp.Index, r.Index)
	}

	return rsp, nil
}

// responses returns the reader of a descriptor response channel. The caller
// holds the exchange lock.
func (s *Session) responses(id ipc.ID) *ipc.Responses {
	if s.replies == nil {
		s.replies = make(map[ipc.ID]*ipc.Responses)
	}

	r, ok := s.replies[id]
	if !ok || r.Channel() != s.channels.Get(id) {
		r = ipc.NewResponses(s.channels.Get(id))
		s.replies[id] = r
	}

	return r
}

func (s *Session) invoke(pos *hooking.HookPos, r *shm.Region) {
	if s.NumHooks() == 0 {
		return
	}

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    pos,
		Item:   r,
	})
}

// fatalError marks failures that leave the bridge without a usable resource.
type fatalError struct {
	error
}

func (e *fatalError) Unwrap() error {
	return e.error
}
