package session

import (
	"log"
	"os"

	"github.com/sarchlab/ase/hooking"
	"github.com/sarchlab/ase/workspace"
)

// LogPrefix marks the bridge's log lines.
const LogPrefix = "  [APP]  "

// Builder can build sessions.
type Builder struct {
	cfg           Config
	logger        *log.Logger
	onFatal       func(error)
	handleSignals bool
	hintMask      uint32
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		cfg:           DefaultConfig(),
		handleSignals: true,
	}
}

// WithConfig sets the whole configuration.
func (b Builder) WithConfig(cfg Config) Builder {
	b.cfg = cfg
	return b
}

// WithWorkDir sets the session working directory.
func (b Builder) WithWorkDir(dir string) Builder {
	b.cfg.WorkDir = dir
	return b
}

// WithLogger sets the logger. By default the session logs to stderr with the
// bridge prefix.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// WithFatalHandler sets what happens on a fatal condition. By default the
// error is logged and the process exits with status 1 after the exit hooks
// ran.
func (b Builder) WithFatalHandler(f func(error)) Builder {
	b.onFatal = f
	return b
}

// WithoutSignalHandling leaves the process's signal dispositions alone.
func (b Builder) WithoutSignalHandling() Builder {
	b.handleSignals = false
	return b
}

// WithUMsgHintMask sets the lines whose UMsgs carry the hint bit.
func (b Builder) WithUMsgHintMask(mask uint32) Builder {
	b.hintMask = mask
	return b
}

// Build creates a session. Nothing is opened until Init.
func (b Builder) Build(name string) *Session {
	if b.cfg.WorkDir == "" {
		log.Panicf("session %s has no working directory", name)
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(os.Stderr, LogPrefix, log.LstdFlags)
	}

	s := &Session{
		HookableBase:  hooking.NewHookableBase(),
		name:          name,
		cfg:           b.cfg,
		logger:        logger,
		onFatal:       b.onFatal,
		handleSignals: b.handleSignals,
		hintMask:      b.hintMask,
		registry:      workspace.NewRegistry(),
	}

	if s.onFatal == nil {
		s.onFatal = defaultFatal(logger)
	}

	s.intr = newInterruptWatcher(logger, b.cfg.PollInterval, s.watcherFailed)

	return s
}
