package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/eventreg"
	"github.com/sarchlab/ase/ipc"
)

// interruptWatcher drains the interrupt channel and signals the eventfd
// bound to each raised vector.
type interruptWatcher struct {
	logger   *log.Logger
	interval time.Duration
	onFatal  func(error)

	lock  sync.Mutex
	bound map[uint32]int

	ch      ipc.Channel
	stopped atomic.Bool
	running sync.WaitGroup
	started bool
}

func newInterruptWatcher(
	logger *log.Logger,
	interval time.Duration,
	onFatal func(error),
) *interruptWatcher {
	return &interruptWatcher{
		logger:   logger,
		interval: interval,
		onFatal:  onFatal,
		bound:    make(map[uint32]int),
	}
}

func (w *interruptWatcher) bind(vector uint32, fd int) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.bound[vector] = fd
}

func (w *interruptWatcher) unbind(vector uint32) bool {
	w.lock.Lock()
	defer w.lock.Unlock()

	_, ok := w.bound[vector]
	delete(w.bound, vector)

	return ok
}

func (w *interruptWatcher) start(ch ipc.Channel) {
	w.ch = ch
	w.stopped.Store(false)
	w.started = true
	w.running.Add(1)

	go w.run()
}

func (w *interruptWatcher) stop() {
	if !w.started {
		return
	}

	w.stopped.Store(true)
	w.running.Wait()
	w.started = false
}

func (w *interruptWatcher) run() {
	defer w.running.Done()

	buf := make([]byte, eventreg.NotificationSize)

	for !w.stopped.Load() {
		progress, err := w.poll(buf)
		if err != nil {
			w.onFatal(err)
			return
		}

		if !progress {
			time.Sleep(w.interval)
		}
	}
}

func (w *interruptWatcher) poll(buf []byte) (bool, error) {
	res, err := w.ch.TryReceive(buf)

	switch res {
	case ipc.NoMessage:
		return false, nil
	case ipc.Failed:
		return false, errors.Wrap(err, "receive interrupt notification")
	}

	n, err := eventreg.UnmarshalNotification(buf)
	if err != nil {
		return false, err
	}

	w.lock.Lock()
	fd, ok := w.bound[n.Vector]
	w.lock.Unlock()

	if !ok {
		w.logger.Printf("WARNING: interrupt %d has no registered event", n.Vector)
		return true, nil
	}

	if err := eventreg.SignalEventfd(fd); err != nil {
		w.logger.Printf("WARNING: %v", err)
	}

	return true, nil
}

// RegisterInterrupt binds an eventfd to an interrupt vector. The eventfd is
// signaled every time the simulator raises the vector. Binding a vector
// again replaces the previous eventfd.
func (s *Session) RegisterInterrupt(vector uint32, fd int) error {
	if fd < 0 {
		return errors.Errorf("invalid eventfd %d", fd)
	}

	s.intr.bind(vector, fd)

	return nil
}

// UnregisterInterrupt removes the binding of vector. It reports whether one
// existed.
func (s *Session) UnregisterInterrupt(vector uint32) bool {
	return s.intr.unbind(vector)
}
