package mmio

import (
	"log"
	"time"

	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/poll"
	"github.com/sarchlab/ase/shm"
)

// Builder can build MMIO bridges.
type Builder struct {
	req             ipc.Channel
	window          *shm.Region
	afuOffset       uint64
	interval        time.Duration
	responseTimeout time.Duration
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		interval:        poll.DefaultInterval,
		responseTimeout: 10 * time.Second,
	}
}

// WithRequestChannel sets the channel requests are sent on.
func (b Builder) WithRequestChannel(req ipc.Channel) Builder {
	b.req = req
	return b
}

// WithWindow sets the shared MMIO region that local writes land in.
func (b Builder) WithWindow(window *shm.Region) Builder {
	b.window = window
	return b
}

// WithAFUOffset sets where the AFU register space starts in the window.
func (b Builder) WithAFUOffset(offset uint64) Builder {
	b.afuOffset = offset
	return b
}

// WithPollInterval sets the sleep between two checks for a response.
func (b Builder) WithPollInterval(interval time.Duration) Builder {
	b.interval = interval
	return b
}

// WithResponseTimeout sets how long an access may wait for the simulator.
// Zero waits forever.
func (b Builder) WithResponseTimeout(timeout time.Duration) Builder {
	b.responseTimeout = timeout
	return b
}

// Build creates the bridge.
func (b Builder) Build(name string) *Bridge {
	if b.req == nil {
		log.Panic("MMIO bridge needs a request channel")
	}

	if b.window == nil || !b.window.Mapped() {
		log.Panic("MMIO bridge needs a mapped window")
	}

	if b.afuOffset >= uint64(len(b.window.Mem)) {
		log.Panicf("AFU offset 0x%x is outside the window", b.afuOffset)
	}

	return &Bridge{
		HookableBase:    hooking.NewHookableBase(),
		name:            name,
		board:           NewScoreboard(),
		req:             b.req,
		window:          b.window,
		afuOffset:       b.afuOffset,
		interval:        b.interval,
		responseTimeout: b.responseTimeout,
	}
}
