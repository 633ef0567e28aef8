package eventreg

import (
	"encoding/binary"
	"log"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Broker is the receiving end of the event socket. It keeps one descriptor
// per vector and signals it on request.
type Broker struct {
	listener *net.UnixListener
	logger   *log.Logger

	lock sync.Mutex
	fds  map[uint32]int

	running sync.WaitGroup
}

// Listen creates the broker socket of workdir, replacing a stale one.
func Listen(workdir string, logger *log.Logger) (*Broker, error) {
	if logger == nil {
		logger = log.Default()
	}

	path := SocketPath(workdir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", path)
	}

	b := &Broker{
		listener: l,
		logger:   logger,
		fds:      make(map[uint32]int),
	}

	b.running.Add(1)
	go b.serve()

	return b, nil
}

func (b *Broker) serve() {
	defer b.running.Done()

	for {
		conn, err := b.listener.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.logger.Printf("event broker: %v", err)
			}
			return
		}

		if err := b.handle(conn); err != nil {
			b.logger.Printf("event broker: %v", err)
		}
		conn.Close()
	}
}

func (b *Broker) handle(conn *net.UnixConn) error {
	buf := make([]byte, RequestSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return errors.Wrap(err, "read event request")
	}

	req, err := UnmarshalRequest(buf[:n])
	if err != nil {
		return err
	}

	fd, err := parseRights(oob[:oobn])
	if err != nil {
		return err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	switch req.Type {
	case Register:
		if old, ok := b.fds[req.Flags]; ok {
			unix.Close(old)
		}
		b.fds[req.Flags] = fd
	case Unregister:
		unix.Close(fd)
		if old, ok := b.fds[req.Flags]; ok {
			unix.Close(old)
			delete(b.fds, req.Flags)
		}
	default:
		unix.Close(fd)
		return errors.Errorf("unknown event request type %d", req.Type)
	}

	return nil
}

func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, errors.Wrap(err, "parse control message")
	}

	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}

		for _, extra := range fds[1:] {
			unix.Close(extra)
		}

		if len(fds) > 0 {
			return fds[0], nil
		}
	}

	return -1, errors.New("event request carries no descriptor")
}

// Registered reports whether a descriptor is held for vector.
func (b *Broker) Registered(vector uint32) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	_, ok := b.fds[vector]

	return ok
}

// Signal adds one to the eventfd registered for vector.
func (b *Broker) Signal(vector uint32) error {
	b.lock.Lock()
	fd, ok := b.fds[vector]
	b.lock.Unlock()

	if !ok {
		return errors.Errorf("no event registered for vector %d", vector)
	}

	return SignalEventfd(fd)
}

// Close stops the broker and releases every held descriptor.
func (b *Broker) Close() error {
	err := b.listener.Close()
	b.running.Wait()

	b.lock.Lock()
	for v, fd := range b.fds {
		unix.Close(fd)
		delete(b.fds, v)
	}
	b.lock.Unlock()

	return err
}

// SignalEventfd adds one to an eventfd counter.
func SignalEventfd(fd int) error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)

	for {
		_, err := unix.Write(fd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "signal eventfd %d", fd)
		}

		return nil
	}
}
