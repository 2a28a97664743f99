// Package nus drives one connection to a Nordic UART Service peripheral
// from discovery through subscription to teardown.
package nus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/nus-bridge/internal/ble"
	"github.com/chaz8081/nus-bridge/internal/ble/protocol"
)

// Sink accepts lines of text. *queue.Queue satisfies it.
type Sink interface {
	Push(item string)
}

// Options configures a Connection.
type Options struct {
	Profile ble.Profile
	// Logs receives a human-readable line for every step.
	Logs Sink
	// Inbound receives each decoded notification.
	Inbound Sink
	// ScanTimeout bounds device discovery. Zero waits indefinitely.
	ScanTimeout time.Duration
}

// Connection is a single attempt to reach the peripheral. It is built fresh
// for every attempt and is not reused once Closed or Error.
//
// Lines are never pushed to the sinks while mu is held: a sink may hand the
// line straight to a reader that calls back into the Connection.
type Connection struct {
	adapter ble.Adapter
	opts    Options

	mu         sync.Mutex
	state      State
	err        error
	session    ble.Session
	writeChar  ble.Characteristic
	notifyChar ble.Characteristic
	teardown   func()
	lost       bool // link dropped before Ready
}

// New creates an idle Connection. Panics if adapter or a sink is nil
// (programmer error).
func New(adapter ble.Adapter, opts Options) *Connection {
	if adapter == nil || opts.Logs == nil || opts.Inbound == nil {
		panic("nus: New called with nil adapter or sink")
	}
	return &Connection{adapter: adapter, opts: opts}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the reason the last Establish failed, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	slog.Info("[NUS] " + line)
	c.opts.Logs.Push(line)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	slog.Debug("[NUS] state", "state", s)
}

// Establish runs discovery, connect, resolution and subscription in order and
// returns nil once the connection is Ready. Any failure leaves the
// Connection in Error with nothing left allocated. There is no way to abort
// a running attempt; ctx is only passed down to the transport.
func (c *Connection) Establish(ctx context.Context) error {
	if s := c.State(); s != Idle {
		return fmt.Errorf("nus: establish called in state %s", s)
	}

	if !c.adapter.Available() {
		c.logf("Bluetooth adapter is not available.")
		c.mu.Lock()
		c.err = ErrTransportUnavailable
		c.mu.Unlock()
		return ErrTransportUnavailable
	}

	c.setState(Discovering)
	c.logf("Requesting Bluetooth device...")
	scanCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.opts.ScanTimeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, c.opts.ScanTimeout)
	}
	device, err := c.adapter.RequestDevice(scanCtx, c.opts.Profile.Service)
	cancel()
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrDeviceSelectionFailed, err))
	}
	c.logf("Selected device %q (%s)", device.Name(), device.Address())

	// Bound before connecting so a drop at any later point is observed.
	device.OnDisconnect(c.onDisconnect)

	c.setState(Connecting)
	c.logf("Connecting to GATT server...")
	session, err := device.Connect(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("%w: connect: %w", ErrResolutionFailed, err))
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.setState(ResolvingService)
	c.logf("Getting service...")
	svc, err := session.Service(ctx, c.opts.Profile.Service)
	if err != nil {
		return c.fail(fmt.Errorf("%w: service: %w", ErrResolutionFailed, err))
	}

	c.setState(ResolvingCharacteristics)
	c.logf("Getting characteristics...")
	var writeChar, notifyChar ble.Characteristic
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := svc.Characteristic(gctx, c.opts.Profile.Notify)
		if err != nil {
			return fmt.Errorf("notify characteristic: %w", err)
		}
		notifyChar = ch
		c.logf("Notify characteristic obtained")
		return nil
	})
	g.Go(func() error {
		ch, err := svc.Characteristic(gctx, c.opts.Profile.Write)
		if err != nil {
			return fmt.Errorf("write characteristic: %w", err)
		}
		writeChar = ch
		c.logf("Write characteristic obtained")
		return nil
	})
	if err := g.Wait(); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrResolutionFailed, err))
	}

	c.setState(Subscribing)
	if err := notifyChar.StartNotifications(c.onValue); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrSubscriptionFailed, err))
	}
	c.logf("Notifications started")

	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		_ = notifyChar.StopNotifications()
		return c.fail(fmt.Errorf("%w: peripheral disconnected during setup", ErrSubscriptionFailed))
	}
	c.writeChar = writeChar
	c.notifyChar = notifyChar
	c.teardown = c.releaser(session, notifyChar)
	c.state = Ready
	c.mu.Unlock()

	c.logf("Connection ready")
	return nil
}

// fail moves to Error and drops whatever part of the link was opened.
func (c *Connection) fail(err error) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.state = Error
	c.err = err
	c.mu.Unlock()

	if s != nil && s.Connected() {
		c.logf("Disconnecting from device...")
		if derr := s.Disconnect(); derr != nil {
			slog.Warn("[NUS] disconnect after failed setup", "error", derr)
		}
	}
	return err
}

// releaser builds the teardown routine for a Ready connection. It captures
// exactly the resources that must be released.
func (c *Connection) releaser(session ble.Session, notifyChar ble.Characteristic) func() {
	return func() {
		c.logf("Stopping notifications...")
		if err := notifyChar.StopNotifications(); err != nil {
			c.logf("Stopping notifications failed: %v", err)
		}
		c.mu.Lock()
		c.notifyChar = nil
		c.mu.Unlock()

		c.logf("Releasing write characteristic...")
		c.mu.Lock()
		c.writeChar = nil
		c.mu.Unlock()

		if session.Connected() {
			c.logf("Disconnecting from device...")
			if err := session.Disconnect(); err != nil {
				c.logf("Disconnect failed: %v", err)
			}
		}
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		c.logf("Connection closed")
	}
}

// takeTeardown clears and returns the stored routine. Whoever gets a non-nil
// routine owns the move to Closed; everyone else gets nil.
func (c *Connection) takeTeardown() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	td := c.teardown
	c.teardown = nil
	if td != nil {
		c.state = Closed
	}
	return td
}

// Close tears the connection down. It is a no-op unless the connection is
// Ready, so calling it after an unsolicited disconnect does nothing.
func (c *Connection) Close() {
	td := c.takeTeardown()
	if td == nil {
		return
	}
	c.logf("Closing connection to device...")
	td()
}

// onDisconnect handles the transport's connect-lost signal.
func (c *Connection) onDisconnect() {
	if td := c.takeTeardown(); td != nil {
		c.logf("Device disconnected")
		td()
		return
	}

	c.mu.Lock()
	s := c.state
	setup := s != Idle && !s.Terminal()
	if setup {
		c.lost = true
	}
	c.mu.Unlock()
	if setup {
		c.logf("Device disconnected during setup (%s)", s)
	}
}

// onValue decodes a notification and queues it for the host.
func (c *Connection) onValue(data []byte) {
	c.opts.Inbound.Push(protocol.Decode(data))
}

// Write encodes text and writes it to the write characteristic. It reports
// false without doing anything unless the connection is Ready. Transport
// errors are logged, not returned.
func (c *Connection) Write(text string) bool {
	c.mu.Lock()
	ch := c.writeChar
	ready := c.state == Ready
	c.mu.Unlock()
	if !ready || ch == nil {
		return false
	}

	c.logf("Sending string via write characteristic...")
	if err := ch.Write(protocol.Encode(text)); err != nil {
		slog.Warn("[NUS] write failed", "error", err)
		c.logf("Write failed: %v", err)
	}
	return true
}
