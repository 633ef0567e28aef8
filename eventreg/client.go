// Package eventreg hands eventfds to the interrupt event broker over a UNIX
// domain socket, so that the broker can signal them when an interrupt fires.
package eventreg

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SocketName is the broker socket inside the session working directory.
const SocketName = "ase_event_server"

// RequestType tells the broker what to do with the passed descriptor.
type RequestType uint32

// Request types.
const (
	Register   RequestType = 1
	Unregister RequestType = 2
)

// RequestSize is the encoded size of a request.
const RequestSize = 8

// Request is sent together with the descriptor it is about.
type Request struct {
	Type  RequestType
	Flags uint32
}

// Marshal encodes the request.
func (r Request) Marshal() []byte {
	b := make([]byte, RequestSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Type))
	binary.LittleEndian.PutUint32(b[4:], r.Flags)

	return b
}

// UnmarshalRequest decodes a request.
func UnmarshalRequest(b []byte) (Request, error) {
	if len(b) < RequestSize {
		return Request{}, errors.Errorf("event request needs %d bytes, got %d",
			RequestSize, len(b))
	}

	return Request{
		Type:  RequestType(binary.LittleEndian.Uint32(b[0:])),
		Flags: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// SocketPath returns the broker socket of a working directory.
func SocketPath(workdir string) string {
	return filepath.Join(workdir, SocketName)
}

// Client registers descriptors with the broker. Failures are returned to the
// caller; the session keeps running without interrupt delivery.
type Client struct {
	path    string
	timeout time.Duration

	lock  sync.Mutex
	flags map[int]uint32
}

// NewClient creates a client for the broker of workdir.
func NewClient(workdir string) *Client {
	return &Client{
		path:    SocketPath(workdir),
		timeout: time.Second,
		flags:   make(map[int]uint32),
	}
}

// Register passes fd to the broker. Flags usually carry the interrupt
// vector.
func (c *Client) Register(fd int, flags uint32) error {
	err := c.send(fd, Request{Type: Register, Flags: flags})
	if err != nil {
		return err
	}

	c.lock.Lock()
	c.flags[fd] = flags
	c.lock.Unlock()

	return nil
}

// Unregister withdraws fd, using the flags it was registered with.
func (c *Client) Unregister(fd int) error {
	c.lock.Lock()
	flags := c.flags[fd]
	c.lock.Unlock()

	err := c.send(fd, Request{Type: Unregister, Flags: flags})
	if err != nil {
		return err
	}

	c.lock.Lock()
	delete(c.flags, fd)
	c.lock.Unlock()

	return nil
}

func (c *Client) send(fd int, req Request) error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return errors.Wrapf(err, "connect to event broker %s", c.path)
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.Errorf("%s is not a unix socket", c.path)
	}

	if err := uc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, "set event broker deadline")
	}

	_, _, err = uc.WriteMsgUnix(req.Marshal(), unix.UnixRights(fd), nil)
	if err != nil {
		return errors.Wrapf(err, "send event request to %s", c.path)
	}

	return nil
}
