// Package session owns the application side of a simulation session: the
// channels to the simulator, the handshake, the MMIO and UMsg windows, the
// watchers and every allocated region.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/ipc"
	"github.com/sarchlab/ase/mmio"
	"github.com/sarchlab/ase/poll"
	"github.com/sarchlab/ase/portctrl"
	"github.com/sarchlab/ase/shm"
	"github.com/sarchlab/ase/umsg"
	"github.com/sarchlab/ase/workspace"
	"github.com/tebeka/atexit"
)

// ReadyMarkerName is the file the simulator writes once it has finished its
// own initialization. It holds the session timestamp.
const ReadyMarkerName = ".ase_timestamp"

// MMIO window geometry.
const (
	MMIOLength    = 512 * 1024
	MMIOAFUOffset = 256 * 1024
)

// State is the lifecycle state of a session.
type State int32

// Session states.
const (
	NotEstablished State = iota
	Established
)

func (s State) String() string {
	if s == Established {
		return "Established"
	}

	return "NotEstablished"
}

// ErrNotEstablished is returned by operations that need a running session.
var ErrNotEstablished = errors.New("session is not established")

// Session is the application side of one simulation session.
type Session struct {
	*hooking.HookableBase

	name          string
	cfg           Config
	logger        *log.Logger
	onFatal       func(error)
	handleSignals bool
	hintMask      uint32

	lifecycle sync.RWMutex
	state     atomic.Int32
	locked    bool

	// exchange serializes request/response pairs on the allocation
	// channels.
	exchange sync.Mutex
	replies  map[ipc.ID]*ipc.Responses

	registry *workspace.Registry

	channels    *ipc.Set
	control     *portctrl.Client
	bridge      *mmio.Bridge
	rspWatcher  *mmio.ResponseWatcher
	umsgWatcher *umsg.Watcher
	intr        *interruptWatcher
	signals     *signalHandler
	exitOnce    sync.Once

	timestamp  string
	mmioRegion *shm.Region
	umsgRegion *shm.Region
}

// Name returns the name of the session.
func (s *Session) Name() string {
	return s.name
}

// Config returns the configuration of the session.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Established reports whether the session is up.
func (s *Session) Established() bool {
	return s.State() == Established
}

// Registry returns the region registry.
func (s *Session) Registry() *workspace.Registry {
	return s.registry
}

// Bridge returns the MMIO bridge, or nil before the first Init.
func (s *Session) Bridge() *mmio.Bridge {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	return s.bridge
}

// Init establishes the session. Calling it on an established session does
// nothing. A failure is passed to the fatal handler before it is returned.
func (s *Session) Init(ctx context.Context) error {
	err := s.establish(ctx)
	if err != nil {
		s.onFatal(err)
	}

	return err
}

func (s *Session) establish(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Established() {
		return nil
	}

	if err := s.start(ctx); err != nil {
		s.stop()
		return err
	}

	s.state.Store(int32(Established))
	s.logger.Printf("session established in %s (timestamp %s)",
		s.cfg.WorkDir, s.timestamp)

	return nil
}

func (s *Session) start(ctx context.Context) error {
	if s.cfg.WorkDir == "" {
		return errors.Errorf("%s is not set", EnvWorkDir)
	}

	info, err := os.Stat(s.cfg.WorkDir)
	if err != nil {
		return errors.Wrap(err, "resolve working directory")
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", s.cfg.WorkDir)
	}

	if err := acquireLock(s.cfg.WorkDir); err != nil {
		return err
	}
	s.locked = true

	s.exitOnce.Do(func() {
		atexit.Register(s.Deinit)
	})

	if s.handleSignals {
		s.signals = installSignals(s)
	}

	if err := ipc.MakeFIFOs(s.cfg.WorkDir); err != nil {
		return err
	}

	s.channels, err = ipc.OpenSet(s.cfg.WorkDir, ipc.AppSide, s.logger)
	if err != nil {
		return err
	}

	s.control = portctrl.NewClient(
		s.channels.Get(ipc.PortCtrlReq), s.channels.Get(ipc.PortCtrlRsp),
		s.cfg.PollInterval, s.cfg.ResponseTimeout, s.logger)

	if err := s.control.Reset(ctx); err != nil {
		return errors.Wrap(err, "soft reset")
	}

	if _, err := s.control.Do(ctx, portctrl.ASEInit, int64(os.Getpid())); err != nil {
		return errors.Wrap(err, "init handshake")
	}

	s.timestamp, err = s.waitReady(ctx)
	if err != nil {
		return err
	}

	if err := s.openMMIO(ctx); err != nil {
		return err
	}

	if err := s.openUMsg(ctx); err != nil {
		return err
	}

	return s.startWatchers(ctx)
}

// waitReady polls for the ready marker and returns the timestamp in it.
func (s *Session) waitReady(ctx context.Context) (string, error) {
	path := filepath.Join(s.cfg.WorkDir, ReadyMarkerName)

	var ts string
	err := poll.Until(ctx, "ready marker "+path, time.Millisecond,
		s.cfg.ReadyTimeout, func() bool {
			b, err := os.ReadFile(path)
			if err != nil {
				return false
			}
			ts = strings.TrimSpace(string(b))
			return ts != ""
		})
	if err != nil {
		return "", err
	}

	return ts, nil
}

func (s *Session) openMMIO(ctx context.Context) error {
	s.mmioRegion = shm.NewRegion(shm.RoleMMIO, MMIOLength)
	if err := s.allocate(ctx, s.mmioRegion); err != nil {
		s.mmioRegion = nil
		return errors.Wrap(err, "allocate MMIO window")
	}

	s.bridge = mmio.MakeBuilder().
		WithRequestChannel(s.channels.Get(ipc.MMIOReq)).
		WithWindow(s.mmioRegion).
		WithAFUOffset(MMIOAFUOffset).
		WithPollInterval(s.cfg.PollInterval).
		WithResponseTimeout(s.cfg.ResponseTimeout).
		Build(s.name + ".MMIO")
	s.bridge.AcceptHook(hooking.HookFunc(s.forwardHook))
	s.bridge.EnableWide(s.control.Capabilities().MMIO512)

	return nil
}

func (s *Session) openUMsg(ctx context.Context) error {
	s.umsgRegion = shm.NewRegion(shm.RoleUMsg, umsg.WindowSize)
	if err := s.allocate(ctx, s.umsgRegion); err != nil {
		s.umsgRegion = nil
		return errors.Wrap(err, "allocate UMsg window")
	}

	_, err := s.control.Do(ctx, portctrl.UMsgMode, int64(s.hintMask))
	if err != nil {
		return errors.Wrap(err, "configure UMsg mode")
	}

	s.umsgWatcher = umsg.NewWatcher(s.umsgRegion,
		s.channels.Get(ipc.UMsgSend), umsg.DefaultInterval, s.watcherFailed)
	s.umsgWatcher.SetHintMask(s.hintMask)
	s.umsgWatcher.AcceptHook(hooking.HookFunc(s.forwardHook))

	return nil
}

func (s *Session) startWatchers(ctx context.Context) error {
	s.rspWatcher = mmio.NewResponseWatcher(s.bridge,
		s.channels.Get(ipc.MMIORsp), s.cfg.PollInterval, s.watcherFailed)
	s.rspWatcher.Start()

	s.umsgWatcher.Start()

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	if err := s.umsgWatcher.WaitReady(readyCtx); err != nil {
		return err
	}

	if s.control.Capabilities().Intr {
		s.intr.start(s.channels.Get(ipc.IntrNotify))
	}

	s.bridge.Scoreboard().Reset()

	return nil
}

// Deinit tears the session down. Every step is attempted; failures are
// logged. Calling it on a torn-down session does nothing.
func (s *Session) Deinit() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.Established() {
		return
	}

	s.state.Store(int32(NotEstablished))
	s.stop()

	s.logger.Printf("session in %s closed", s.cfg.WorkDir)
}

// stop releases whatever start managed to set up. The caller holds the
// lifecycle lock.
func (s *Session) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ResponseTimeout)
	defer cancel()

	if s.umsgWatcher != nil {
		s.umsgWatcher.Stop()
		s.umsgWatcher = nil
	}

	s.intr.stop()

	s.releaseAll(ctx)

	if s.rspWatcher != nil {
		s.rspWatcher.Stop()
		s.rspWatcher = nil
	}

	if s.control != nil {
		if _, err := s.control.Do(ctx, portctrl.ASESimKill, 0); err != nil {
			s.logger.Printf("WARNING: simulator kill: %v", err)
		}
		s.control.Forget()
		s.control = nil
	}

	if s.channels != nil {
		if err := s.channels.Close(); err != nil {
			s.logger.Printf("WARNING: close channels: %v", err)
		}
		s.channels = nil
	}

	if s.signals != nil {
		s.signals.stop()
		s.signals = nil
	}

	if s.locked {
		if err := releaseLock(s.cfg.WorkDir); err != nil {
			s.logger.Printf("WARNING: release lock: %v", err)
		}
		s.locked = false
	}
}

// releaseAll frees user buffers first, then the UMsg and MMIO windows.
func (s *Session) releaseAll(ctx context.Context) {
	for _, e := range s.registry.Entries() {
		if _, ok := s.registry.Claim(e.Index); ok {
			s.releaseLogged(ctx, e.Region)
		}
	}

	for _, r := range []*shm.Region{s.umsgRegion, s.mmioRegion} {
		if r != nil && r.Valid {
			s.releaseLogged(ctx, r)
		}
	}

	s.umsgRegion = nil
	s.mmioRegion = nil
}

func (s *Session) releaseLogged(ctx context.Context, r *shm.Region) {
	if err := s.release(ctx, r); err != nil {
		s.logger.Printf("WARNING: release region %d (%s): %v",
			r.Index, r.Name, err)
	}
}

// Reset drains outstanding MMIO and pulses the AFU reset.
func (s *Session) Reset(ctx context.Context) error {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if !s.Established() {
		return ErrNotEstablished
	}

	if err := s.bridge.Drain(ctx); err != nil {
		return err
	}

	return s.control.Reset(ctx)
}

// Timestamp returns the session timestamp shared with the simulator.
func (s *Session) Timestamp() string {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	return s.timestamp
}

// Capabilities returns the feature record adopted at init.
func (s *Session) Capabilities() portctrl.Capability {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.control == nil {
		return portctrl.Capability{}
	}

	return s.control.Capabilities()
}

// MMIOBase returns the local address of the AFU register space.
func (s *Session) MMIOBase() uint64 {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.mmioRegion == nil || !s.mmioRegion.Mapped() {
		return 0
	}

	return s.mmioRegion.LocalBase + MMIOAFUOffset
}

// PeerMMIOBase returns the simulator's address of the AFU register space.
func (s *Session) PeerMMIOBase() uint64 {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	if s.mmioRegion == nil {
		return 0
	}

	return s.mmioRegion.PeerBase + MMIOAFUOffset
}

// watcherFailed hands a watcher failure to the fatal handler on a fresh
// goroutine, so that a handler that tears the session down can join the
// watcher.
func (s *Session) watcherFailed(err error) {
	go s.onFatal(err)
}

func (s *Session) forwardHook(ctx hooking.HookCtx) {
	if s.NumHooks() > 0 {
		s.InvokeHook(ctx)
	}
}

func defaultFatal(logger *log.Logger) func(error) {
	return func(err error) {
		logger.Printf("FATAL: %v", err)
		atexit.Exit(1)
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("%s[%s %s]", s.name, s.cfg.WorkDir, s.State())
}
