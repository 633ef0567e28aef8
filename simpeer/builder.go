package simpeer

import (
	"log"
	"os"
	"time"

	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/session"
	"github.com/sarchlab/ase/shm"
)

// Builder can build loopback peers.
type Builder struct {
	workdir   string
	caps      portctrl.Capability
	afuOffset uint64
	interval  time.Duration
	logger    *log.Logger
}

// MakeBuilder creates a builder with default parameters. The default peer
// advertises UMsg and interrupts but not 512-bit MMIO.
func MakeBuilder() Builder {
	return Builder{
		caps:      portctrl.Supported(true, true, false),
		afuOffset: session.MMIOAFUOffset,
		interval:  10 * time.Microsecond,
	}
}

// WithWorkDir sets the session working directory.
func (b Builder) WithWorkDir(dir string) Builder {
	b.workdir = dir
	return b
}

// WithCapability sets the record returned to every port control request.
func (b Builder) WithCapability(caps portctrl.Capability) Builder {
	b.caps = caps
	return b
}

// WithAFUOffset sets where the AFU registers start in the MMIO window.
func (b Builder) WithAFUOffset(offset uint64) Builder {
	b.afuOffset = offset
	return b
}

// WithPollInterval sets the sleep between two idle polls.
func (b Builder) WithPollInterval(interval time.Duration) Builder {
	b.interval = interval
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a peer. Nothing is opened until Start.
func (b Builder) Build(name string) *Peer {
	if b.workdir == "" {
		log.Panicf("peer %s has no working directory", name)
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stderr, "  [SIM]  ", log.LstdFlags)
	}

	return &Peer{
		name:      name,
		workdir:   b.workdir,
		caps:      b.caps,
		afuOffset: b.afuOffset,
		interval:  b.interval,
		logger:    logger,
		regions:   make(map[int32]*shm.Region),
		nextPhys:  physBase,
	}
}
