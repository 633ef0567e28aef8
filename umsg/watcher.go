package umsg

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/shm"
)

// HookPosForward triggers after a changed line has been sent. Item is the
// Message.
var HookPosForward = &hooking.HookPos{Name: "UMsgForward"}

// DefaultInterval is the pause between two sweeps of the window.
const DefaultInterval = 100 * time.Microsecond

// Watcher polls the UMsg window and forwards changed lines. Two writes to the
// same line within one sweep are seen as one change.
type Watcher struct {
	*hooking.HookableBase

	window   *shm.Region
	send     ipc.Channel
	interval time.Duration
	onFatal  func(error)

	hintMask atomic.Uint32
	shadow   [NumLines]Line

	ready   chan struct{}
	stop    atomic.Bool
	running sync.WaitGroup
}

// NewWatcher creates a watcher over window that forwards on send.
func NewWatcher(
	window *shm.Region,
	send ipc.Channel,
	interval time.Duration,
	onFatal func(error),
) *Watcher {
	if uint64(len(window.Mem)) < WindowSize {
		log.Panicf("umsg window %s has %d bytes, need %d",
			window.Name, len(window.Mem), WindowSize)
	}

	return &Watcher{
		HookableBase: hooking.NewHookableBase(),
		window:       window,
		send:         send,
		interval:     interval,
		onFatal:      onFatal,
		ready:        make(chan struct{}),
	}
}

// SetHintMask sets which lines are sent with the hint bit.
func (w *Watcher) SetHintMask(mask uint32) {
	w.hintMask.Store(mask)
}

// Start launches the watcher goroutine. The goroutine takes the baseline
// before it reports ready.
func (w *Watcher) Start() {
	w.stop.Store(false)
	w.ready = make(chan struct{})
	w.running.Add(1)

	go w.run(w.ready)
}

// WaitReady blocks until the baseline has been taken.
func (w *Watcher) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for umsg watcher")
	}
}

// Stop asks the watcher to finish and waits for it.
func (w *Watcher) Stop() {
	w.stop.Store(true)
	w.running.Wait()
}

func (w *Watcher) run(ready chan struct{}) {
	defer w.running.Done()

	w.Baseline()
	close(ready)

	for !w.stop.Load() {
		if _, err := w.Sweep(); err != nil {
			if w.onFatal != nil {
				w.onFatal(err)
			}
			return
		}

		time.Sleep(w.interval)
	}
}

// Baseline copies the current window contents into the shadow.
func (w *Watcher) Baseline() {
	for i := range w.shadow {
		w.shadow[i] = w.Load(uint32(i))
	}
}

// Sweep compares every line with its shadow and forwards the ones that
// differ. The shadow is updated only after a successful send, so a failed
// line is retried on the next sweep.
func (w *Watcher) Sweep() (int, error) {
	forwarded := 0

	for i := range w.shadow {
		line := w.Load(uint32(i))
		if line == w.shadow[i] {
			continue
		}

		msg := Message{
			ID:      uint32(i),
			Hint:    w.hintMask.Load()&(1<<i) != 0,
			Payload: line,
		}

		if err := w.send.Send(msg.Marshal()); err != nil {
			return forwarded, errors.Wrapf(err, "forward umsg line %d", i)
		}

		w.shadow[i] = line
		forwarded++

		if w.NumHooks() > 0 {
			w.InvokeHook(hooking.HookCtx{
				Domain: w,
				Pos:    HookPosForward,
				Item:   msg,
			})
		}
	}

	return forwarded, nil
}

// Load reads line id from the window.
func (w *Watcher) Load(id uint32) Line {
	var line Line

	base := lineOffset(id)
	for q := 0; q < LineSize/8; q++ {
		v := w.window.Load64(base + uint64(8*q))
		binary.LittleEndian.PutUint64(line[8*q:], v)
	}

	return line
}

// Send writes payload into line id. The watcher forwards it on its next
// sweep.
func (w *Watcher) Send(id uint32, payload Line) {
	base := lineOffset(id)
	for q := 0; q < LineSize/8; q++ {
		v := binary.LittleEndian.Uint64(payload[8*q:])
		w.window.Store64(base+uint64(8*q), v)
	}
}

func lineOffset(id uint32) uint64 {
	if id >= NumLines {
		log.Panicf("umsg line %d out of range", id)
	}

	return uint64(id) * LineStride
}
