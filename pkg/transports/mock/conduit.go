package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fabulalabs/fabula/pkg/frames"
	"github.com/fabulalabs/fabula/pkg/transports"
)

// Conduit is an in-memory conduit for local testing and integration.
// It implements the transports.Conduit interface without any network
// dependency. Inbound frames are injected with Push; outbound frames are
// observable on Sent.
type Conduit struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame

	mu        sync.Mutex
	detectErr error
	openErr   error
	sendErr   error

	opened atomic.Bool
	closed atomic.Bool
	closes atomic.Int32
}

func New() *Conduit {
	return &Conduit{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (c *Conduit) Name() string { return "mock" }

// SetDetectErr makes Detect fail, simulating a missing capability.
func (c *Conduit) SetDetectErr(err error) {
	c.mu.Lock()
	c.detectErr = err
	c.mu.Unlock()
}

// SetOpenErr makes Open fail after a passing capability check.
func (c *Conduit) SetOpenErr(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

// SetSendErr makes subsequent Sends fail, simulating a wire fault.
func (c *Conduit) SetSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conduit) Detect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detectErr
}

func (c *Conduit) Open(ctx context.Context) error {
	c.mu.Lock()
	err := c.openErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.opened.Store(true)
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return nil
}

func (c *Conduit) Close() error {
	c.closes.Add(1)
	if c.closed.CompareAndSwap(false, true) {
		close(c.recvCh)
	}
	return nil
}

func (c *Conduit) Recv() <-chan frames.Frame { return c.recvCh }

func (c *Conduit) Send(f frames.Frame) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.New("conduit closed")
	}
	select {
	case c.sentCh <- f:
	default:
	}
	return nil
}

// Push injects an inbound frame into the conduit.
func (c *Conduit) Push(f frames.Frame) {
	if c.closed.Load() {
		return
	}
	select {
	case c.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (c *Conduit) Sent() <-chan frames.Frame { return c.sentCh }

// Opened reports whether Open ever succeeded.
func (c *Conduit) Opened() bool { return c.opened.Load() }

// CloseCount reports how many times Close was invoked.
func (c *Conduit) CloseCount() int { return int(c.closes.Load()) }

var _ transports.Conduit = (*Conduit)(nil)
