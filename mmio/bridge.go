package mmio

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/poll"
	"github.com/sarchlab/ase/shm"
)

// Hook positions of the bridge.
var (
	// HookPosIssue triggers when a request has been sent. Item is the
	// request Packet.
	HookPosIssue = &hooking.HookPos{Name: "MMIOIssue"}

	// HookPosComplete triggers when a response has been matched to its
	// request. Item is the response Packet.
	HookPosComplete = &hooking.HookPos{Name: "MMIOComplete"}
)

// ErrWideUnsupported is returned by 512-bit accesses when the simulator does
// not advertise wide MMIO.
var ErrWideUnsupported = errors.New("512-bit MMIO is not supported by the simulator")

// Bridge presents synchronous register accesses on top of the MMIO request
// and response channels.
type Bridge struct {
	*hooking.HookableBase

	name      string
	lock      sync.Mutex
	board     *Scoreboard
	req       ipc.Channel
	window    *shm.Region
	afuOffset uint64
	wide      atomic.Bool

	interval        time.Duration
	responseTimeout time.Duration
}

// Name returns the name of the bridge.
func (b *Bridge) Name() string {
	return b.name
}

// Scoreboard returns the scoreboard of the bridge.
func (b *Bridge) Scoreboard() *Scoreboard {
	return b.board
}

// EnableWide turns 512-bit accesses on or off.
func (b *Bridge) EnableWide(on bool) {
	b.wide.Store(on)
}

// Write32 writes a 32-bit register.
func (b *Bridge) Write32(ctx context.Context, offset int64, v uint32) error {
	off := b.checkOffset(offset, 4)

	p := Packet{Write: true, Width: Width32, Offset: off}
	p.Data[0] = uint64(v)

	if err := b.write(ctx, &p); err != nil {
		return err
	}

	b.window.Store32(b.afuOffset+off, v)

	return nil
}

// Write64 writes a 64-bit register.
func (b *Bridge) Write64(ctx context.Context, offset int64, v uint64) error {
	off := b.checkOffset(offset, 8)

	p := Packet{Write: true, Width: Width64, Offset: off}
	p.Data[0] = v

	if err := b.write(ctx, &p); err != nil {
		return err
	}

	b.window.Store64(b.afuOffset+off, v)

	return nil
}

// Write512 writes a 64-byte register block. The offset must be 64-byte
// aligned.
func (b *Bridge) Write512(ctx context.Context, offset int64, v [8]uint64) error {
	off := b.checkOffset(offset, 64)
	if !b.wide.Load() {
		return ErrWideUnsupported
	}

	p := Packet{Write: true, Width: Width512, Offset: off, Data: v}

	if err := b.write(ctx, &p); err != nil {
		return err
	}

	for i, q := range v {
		b.window.Store64(b.afuOffset+off+uint64(8*i), q)
	}

	return nil
}

// Read32 reads a 32-bit register.
func (b *Bridge) Read32(ctx context.Context, offset int64) (uint32, error) {
	off := b.checkOffset(offset, 4)

	data, err := b.read(ctx, Packet{Width: Width32, Offset: off})
	if err != nil {
		return 0, err
	}

	return uint32(data[0]), nil
}

// Read64 reads a 64-bit register.
func (b *Bridge) Read64(ctx context.Context, offset int64) (uint64, error) {
	off := b.checkOffset(offset, 8)

	data, err := b.read(ctx, Packet{Width: Width64, Offset: off})
	if err != nil {
		return 0, err
	}

	return data[0], nil
}

// Read512 reads a 64-byte register block. The offset must be 64-byte
// aligned.
func (b *Bridge) Read512(ctx context.Context, offset int64) ([8]uint64, error) {
	off := b.checkOffset(offset, 64)
	if !b.wide.Load() {
		return [8]uint64{}, ErrWideUnsupported
	}

	return b.read(ctx, Packet{Width: Width512, Offset: off})
}

// Drain waits until no request is outstanding.
func (b *Bridge) Drain(ctx context.Context) error {
	return poll.Until(ctx, "MMIO drain", b.interval, b.responseTimeout,
		func() bool { return b.board.Outstanding() == 0 })
}

// checkOffset panics on offsets that can only come from a caller bug.
func (b *Bridge) checkOffset(offset int64, width uint64) uint64 {
	if offset < 0 {
		log.Panicf("negative MMIO offset %d", offset)
	}

	off := uint64(offset)
	if off%width != 0 {
		log.Panicf("MMIO offset 0x%x is not aligned to %d bytes", off, width)
	}

	if b.afuOffset+off+width > uint64(len(b.window.Mem)) {
		log.Panicf("MMIO offset 0x%x is outside the %d-byte window",
			off, uint64(len(b.window.Mem))-b.afuOffset)
	}

	return off
}

// reserve claims a scoreboard slot, waiting while all slots are busy. It
// returns with the bridge lock held.
func (b *Bridge) reserve(ctx context.Context, write bool) (int, uint32, error) {
	for {
		b.lock.Lock()

		idx, tid := b.board.reserve(write)
		if idx >= 0 {
			return idx, tid, nil
		}

		b.lock.Unlock()

		err := poll.Until(ctx, "free MMIO slot", b.interval,
			b.responseTimeout, b.board.HasFree)
		if err != nil {
			return -1, 0, err
		}
	}
}

func (b *Bridge) write(ctx context.Context, p *Packet) error {
	idx, tid, err := b.reserve(ctx, true)
	if err != nil {
		return err
	}

	p.TID = tid
	err = b.req.Send(p.Marshal())
	if err != nil {
		b.board.cancel(idx)
	}

	b.lock.Unlock()

	if err != nil {
		return errors.Wrapf(err, "send MMIO write tid %d", tid)
	}

	b.invoke(HookPosIssue, *p)

	return nil
}

func (b *Bridge) read(ctx context.Context, p Packet) ([8]uint64, error) {
	idx, tid, err := b.reserve(ctx, false)
	if err != nil {
		return [8]uint64{}, err
	}
	b.lock.Unlock()

	p.TID = tid
	if err := b.req.Send(p.Marshal()); err != nil {
		b.board.cancel(idx)
		return [8]uint64{}, errors.Wrapf(err, "send MMIO read tid %d", tid)
	}

	b.invoke(HookPosIssue, p)

	err = poll.Until(ctx, "MMIO read response", b.interval,
		b.responseTimeout, func() bool { return b.board.responded(idx) })
	if err != nil {
		b.board.abandon(idx)
		return [8]uint64{}, errors.Wrapf(err, "MMIO read tid %d offset 0x%x",
			tid, p.Offset)
	}

	return b.board.consume(idx), nil
}

// HandleResponse matches a response to its outstanding request. A response
// that matches nothing means the two sides disagree about which transactions
// are in flight; the error is not recoverable.
func (b *Bridge) HandleResponse(p Packet) error {
	idx := b.board.find(p.TID)
	if idx < 0 {
		return errors.Errorf("MMIO response with tid %d matches no request", p.TID)
	}

	b.board.complete(idx, p.Data)
	b.invoke(HookPosComplete, p)

	return nil
}

func (b *Bridge) invoke(pos *hooking.HookPos, p Packet) {
	if b.NumHooks() == 0 {
		return
	}

	b.InvokeHook(hooking.HookCtx{
		Domain: b,
		Pos:    pos,
		Item:   p,
	})
}
