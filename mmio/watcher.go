package mmio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/ipc"
)

// ResponseWatcher is the only reader of the MMIO response channel. It runs in
// its own goroutine until stopped.
type ResponseWatcher struct {
	bridge   *Bridge
	rsp      ipc.Channel
	interval time.Duration
	onFatal  func(error)

	stop    atomic.Bool
	running sync.WaitGroup
}

// NewResponseWatcher creates a watcher that feeds responses from rsp into the
// bridge. Unrecoverable conditions are passed to onFatal and end the watcher.
func NewResponseWatcher(
	bridge *Bridge,
	rsp ipc.Channel,
	interval time.Duration,
	onFatal func(error),
) *ResponseWatcher {
	return &ResponseWatcher{
		bridge:   bridge,
		rsp:      rsp,
		interval: interval,
		onFatal:  onFatal,
	}
}

// Start launches the watcher goroutine.
func (w *ResponseWatcher) Start() {
	w.stop.Store(false)
	w.running.Add(1)

	go w.run()
}

// Stop asks the watcher to finish and waits for it.
func (w *ResponseWatcher) Stop() {
	w.stop.Store(true)
	w.running.Wait()
}

func (w *ResponseWatcher) run() {
	defer w.running.Done()

	buf := make([]byte, PacketSize)

	for !w.stop.Load() {
		progress, err := w.Poll(buf)
		if err != nil {
			w.onFatal(err)
			return
		}

		if !progress {
			time.Sleep(w.interval)
		}
	}
}

// Poll handles at most one pending response. It reports whether a response
// was handled.
func (w *ResponseWatcher) Poll(buf []byte) (bool, error) {
	res, err := w.rsp.TryReceive(buf)

	switch res {
	case ipc.NoMessage:
		return false, nil
	case ipc.Failed:
		return false, errors.Wrap(err, "receive MMIO response")
	}

	p, err := UnmarshalPacket(buf)
	if err != nil {
		return false, err
	}

	if err := w.bridge.HandleResponse(p); err != nil {
		return false, err
	}

	return true, nil
}
