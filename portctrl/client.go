package portctrl

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sarchlab/ase/ipc"
)

// ResetDelay is the time the reset stays asserted.
const ResetDelay = time.Millisecond

// Client performs port control exchanges. Exchanges are serialized.
type Client struct {
	req    ipc.Channel
	rsp    *ipc.Responses
	logger *log.Logger

	interval time.Duration
	timeout  time.Duration

	lock sync.Mutex
	caps Capability
}

// NewClient creates a client over the port control channels. Responses are
// polled every interval and given up on after timeout.
func NewClient(
	req, rsp ipc.Channel,
	interval, timeout time.Duration,
	logger *log.Logger,
) *Client {
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		req:      req,
		rsp:      ipc.NewResponses(rsp),
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Do sends cmd with value and waits for the response. Responses that arrive
// after their own Do gave up are skipped. Only the response to ASEInit
// replaces the adopted capability record, and only after validation.
func (c *Client) Do(
	ctx context.Context,
	cmd Command,
	value int64,
) (Capability, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.req.Send(EncodeRequest(cmd, value)); err != nil {
		return Capability{}, errors.Wrapf(err, "send %s", cmd)
	}

	if n := c.rsp.Owed(); n > 0 {
		c.logger.Printf("WARNING: dropping %d late response(s) on %s",
			n, c.rsp.Channel().Name())
	}

	buf := make([]byte, CapabilitySize)
	err := c.rsp.Receive(ctx, buf, c.interval, c.timeout)
	if err != nil {
		return Capability{}, errors.Wrapf(err, "response to %s", cmd)
	}

	caps, err := UnmarshalCapability(buf)
	if err != nil {
		return Capability{}, err
	}

	if cmd == ASEInit {
		if err := caps.Validate(); err != nil {
			c.logger.Printf("WARNING: %v; all optional features disabled", err)
		}
		c.caps = caps
	}

	return caps, nil
}

// Reset asserts and then releases the AFU reset.
func (c *Client) Reset(ctx context.Context) error {
	if _, err := c.Do(ctx, AFUReset, 1); err != nil {
		return err
	}

	time.Sleep(ResetDelay)

	_, err := c.Do(ctx, AFUReset, 0)

	return err
}

// Capabilities returns the adopted capability record.
func (c *Client) Capabilities() Capability {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.caps
}

// Forget drops the adopted capability record.
func (c *Client) Forget() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.caps = Capability{}
}
