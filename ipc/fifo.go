package ipc

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// partialReadLimit bounds how long TryReceive waits for the tail of a message
// whose head has already been read.
const partialReadLimit = time.Second

// FIFO is a Channel backed by a named pipe.
type FIFO struct {
	name   string
	path   string
	dir    Direction
	logger *log.Logger

	lock sync.Mutex
	fd   int
}

// OpenFIFO opens the named pipe called name under dir. The pipe must already
// exist (see MakeFIFOs).
//
// Opening a pipe write-only blocks until a reader exists. To avoid that, a
// non-blocking reader is opened first and closed once the writer is open.
func OpenFIFO(
	dir, name string,
	direction Direction,
	logger *log.Logger,
) (*FIFO, error) {
	if logger == nil {
		logger = log.Default()
	}

	path := filepath.Join(dir, name)
	f := &FIFO{name: name, path: path, dir: direction, logger: logger, fd: -1}

	switch direction {
	case ReadOnly:
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s for reading", path)
		}
		f.fd = fd
	case WriteOnly:
		dummy, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "open dummy reader on %s", path)
		}

		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
		unix.Close(dummy)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s for writing", path)
		}
		f.fd = fd
	default:
		return nil, errors.Errorf("unknown direction %d", direction)
	}

	return f, nil
}

// Name returns the pipe name.
func (f *FIFO) Name() string {
	return f.name
}

// Send writes p to the pipe. Messages no larger than PIPE_BUF are written
// atomically by the kernel.
func (f *FIFO) Send(p []byte) error {
	if f.dir != WriteOnly {
		return errors.Errorf("%s is not open for writing", f.name)
	}

	fd := f.handle()
	if fd < 0 {
		return errors.Errorf("%s is closed", f.name)
	}

	var (
		n   int
		err error
	)
	for {
		n, err = unix.Write(fd, p)
		if err != unix.EINTR {
			break
		}
	}

	if err != nil {
		return errors.Wrapf(err, "write %s", f.name)
	}

	if n != len(p) {
		f.logger.Printf("WARNING: short write on %s, %d of %d bytes", f.name, n, len(p))
		return &ShortWriteError{Channel: f.name, Wrote: n, Want: len(p)}
	}

	return nil
}

// TryReceive reads one message of len(p) bytes if one is available.
func (f *FIFO) TryReceive(p []byte) (Result, error) {
	if f.dir != ReadOnly {
		return Failed, errors.Errorf("%s is not open for reading", f.name)
	}

	fd := f.handle()
	if fd < 0 {
		return Failed, errors.Errorf("%s is closed", f.name)
	}

	n, err := readOnce(fd, p)
	switch {
	case err == unix.EAGAIN:
		return NoMessage, nil
	case err != nil:
		return Failed, errors.Wrapf(err, "read %s", f.name)
	case n == 0:
		// No writer attached yet.
		return NoMessage, nil
	case n == len(p):
		return Message, nil
	}

	if err := f.readRest(fd, p[n:]); err != nil {
		return Failed, err
	}

	return Message, nil
}

func (f *FIFO) readRest(fd int, rest []byte) error {
	deadline := time.Now().Add(partialReadLimit)

	for len(rest) > 0 {
		n, err := readOnce(fd, rest)
		switch {
		case err == unix.EAGAIN || (err == nil && n == 0):
			if time.Now().After(deadline) {
				return errors.Errorf("truncated message on %s, %d bytes missing",
					f.name, len(rest))
			}
			time.Sleep(time.Microsecond)
		case err != nil:
			return errors.Wrapf(err, "read %s", f.name)
		default:
			rest = rest[n:]
		}
	}

	return nil
}

func readOnce(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Close releases the pipe handle. Closing twice is harmless.
func (f *FIFO) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.fd < 0 {
		return nil
	}

	err := unix.Close(f.fd)
	f.fd = -1
	if err != nil {
		return errors.Wrapf(err, "close %s", f.name)
	}

	return nil
}

func (f *FIFO) handle() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.fd
}

// MakeFIFOs creates the session pipes in dir. Pipes that already exist are
// left alone, so both sides may call it.
func MakeFIFOs(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	for _, s := range Specs {
		path := filepath.Join(dir, s.Name)

		err := unix.Mkfifo(path, 0o600)
		if err != nil && err != unix.EEXIST {
			return errors.Wrapf(err, "mkfifo %s", path)
		}
	}

	return nil
}

// RemoveFIFOs deletes the session pipes from dir.
func RemoveFIFOs(dir string) error {
	var firstErr error

	for _, s := range Specs {
		err := os.Remove(filepath.Join(dir, s.Name))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
