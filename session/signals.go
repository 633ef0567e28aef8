package session

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/tebeka/atexit"
	"golang.org/x/sys/unix"
)

var (
	terminationSignals = []os.Signal{
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP,
	}
	faultSignals = []os.Signal{
		syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT,
	}
)

type signalHandler struct {
	s    *Session
	term chan os.Signal
	halt chan os.Signal
	done chan struct{}
}

// installSignals routes termination signals to an orderly teardown and fault
// signals to a stack dump. SIGPIPE is ignored so that writing to a dead peer
// shows up as EPIPE.
func installSignals(s *Session) *signalHandler {
	h := &signalHandler{
		s:    s,
		term: make(chan os.Signal, 1),
		halt: make(chan os.Signal, 1),
		done: make(chan struct{}),
	}

	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(h.term, terminationSignals...)
	signal.Notify(h.halt, faultSignals...)

	go h.loop()

	return h
}

func (h *signalHandler) loop() {
	select {
	case sig := <-h.term:
		h.s.logger.Printf("caught %v, shutting down", sig)
		h.s.Deinit()
		atexit.Exit(0)
	case sig := <-h.halt:
		dumpStacks(sig)
		signal.Reset(sig)
		_ = unix.Kill(os.Getpid(), sig.(syscall.Signal))
	case <-h.done:
	}
}

func (h *signalHandler) stop() {
	signal.Stop(h.term)
	signal.Stop(h.halt)
	close(h.done)
}

func dumpStacks(sig os.Signal) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)

	fmt.Fprintf(os.Stderr, "caught %v, goroutine dump:\n%s\n", sig, buf[:n])
}
