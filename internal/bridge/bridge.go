// Package bridge exposes a connection to a UART-style BLE peripheral to a
// host that can only call functions and poll for results. Setup progress and
// diagnostics flow through the Logs queue; decoded notifications flow
// through the Inbound queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/nus-bridge/internal/ble"
	"github.com/chaz8081/nus-bridge/internal/nus"
	"github.com/chaz8081/nus-bridge/internal/queue"
)

var (
	// ErrAffordanceMissing means no UI element matched the selector.
	ErrAffordanceMissing = errors.New("bridge: affordance not found")
	// ErrBusy means a connection attempt is armed or running already.
	ErrBusy = errors.New("bridge: connection attempt already in progress")
)

// Affordance is a UI element the user activates to start connecting.
type Affordance interface {
	// OnActivate registers fn to run when the element is activated and
	// returns a function that removes the registration.
	OnActivate(fn func()) (detach func())
}

// Affordances finds UI elements by selector.
type Affordances interface {
	Lookup(selector string) (Affordance, bool)
}

// Options configures a Bridge.
type Options struct {
	Profile     ble.Profile
	ScanTimeout time.Duration
}

// Bridge owns at most one nus.Connection at a time.
type Bridge struct {
	adapter ble.Adapter
	ui      Affordances
	opts    Options

	// Logs carries human-readable progress and error lines.
	Logs *queue.Queue
	// Inbound carries decoded notifications from the peripheral.
	Inbound *queue.Queue

	mu     sync.Mutex
	armed  bool
	disarm func() // set while armed and not yet activated
	conn   *nus.Connection
}

// New creates a Bridge. Panics if adapter or ui is nil (programmer error).
func New(adapter ble.Adapter, ui Affordances, opts Options) *Bridge {
	if adapter == nil || ui == nil {
		panic("bridge: New called with nil adapter or affordances")
	}
	return &Bridge{
		adapter: adapter,
		ui:      ui,
		opts:    opts,
		Logs:    queue.New(),
		Inbound: queue.New(),
	}
}

func (b *Bridge) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	slog.Info("[NUS] " + line)
	b.Logs.Push(line)
}

// current returns the live connection, or nil.
func (b *Bridge) current() *nus.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// State reports the state of the current connection, Idle if there is none.
func (b *Bridge) State() nus.State {
	if c := b.current(); c != nil {
		return c.State()
	}
	return nus.Idle
}

// TriggerConnect arms the affordance named by selector. The first activation
// detaches the listener and runs one connection attempt; done receives true
// once the connection is ready and false on any failure. done(false) is also
// delivered immediately when the adapter is unavailable, the affordance is
// missing, or another attempt is armed or not yet finished.
func (b *Bridge) TriggerConnect(selector string, done func(ok bool)) {
	if err := b.arm(selector, done); err != nil {
		slog.Warn("[NUS] trigger not armed", "selector", selector, "error", err)
		done(false)
	}
}

func (b *Bridge) arm(selector string, done func(ok bool)) error {
	if !b.adapter.Available() {
		b.logf("Bluetooth adapter is not available.")
		return nus.ErrTransportUnavailable
	}
	aff, ok := b.ui.Lookup(selector)
	if !ok {
		b.logf("Could not find trigger with selector: %s", selector)
		return fmt.Errorf("%w: %q", ErrAffordanceMissing, selector)
	}

	b.mu.Lock()
	busy := b.armed || (b.conn != nil && !b.conn.State().Terminal())
	if !busy {
		b.armed = true
	}
	b.mu.Unlock()
	if busy {
		b.logf("A connection attempt is already in progress")
		return ErrBusy
	}

	// Activation and cancellation race; whichever comes first decides.
	decided := make(chan bool, 1)
	var once sync.Once
	decide := func(activate bool) {
		once.Do(func() { decided <- activate })
	}
	b.mu.Lock()
	b.disarm = func() { decide(false) }
	b.mu.Unlock()

	detach := aff.OnActivate(func() { decide(true) })
	go func() {
		activate := <-decided
		detach()
		b.mu.Lock()
		b.disarm = nil
		if !activate {
			b.armed = false
		}
		b.mu.Unlock()
		if !activate {
			b.logf("Connection trigger cancelled")
			done(false)
			return
		}
		done(b.connect())
	}()
	return nil
}

// CancelTrigger detaches an armed affordance that has not been activated
// yet; its completion resolves false. It reports whether a trigger was armed.
func (b *Bridge) CancelTrigger() bool {
	b.mu.Lock()
	disarm := b.disarm
	b.mu.Unlock()
	if disarm == nil {
		return false
	}
	disarm()
	return true
}

// connect runs one attempt on a fresh Connection.
func (b *Bridge) connect() bool {
	conn := nus.New(b.adapter, nus.Options{
		Profile:     b.opts.Profile,
		Logs:        b.Logs,
		Inbound:     b.Inbound,
		ScanTimeout: b.opts.ScanTimeout,
	})
	b.mu.Lock()
	b.conn = conn
	b.armed = false
	b.mu.Unlock()

	if err := conn.Establish(context.Background()); err != nil {
		// An attempt rejected before discovery stays Idle; drop it so it
		// does not hold the slot.
		if conn.State() == nus.Idle {
			b.mu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.mu.Unlock()
		}
		b.logf("Connecting to device failed: %v", err)
		return false
	}
	return true
}

// PollLog returns the next log line immediately when one is queued.
// Otherwise r receives the next line later. Polling again before r fires
// returns queue.ErrProtocolViolation.
func (b *Bridge) PollLog(r queue.Reader) (string, bool, error) {
	return b.Logs.Poll(r)
}

// PollInbound is PollLog for decoded notifications.
func (b *Bridge) PollInbound(r queue.Reader) (string, bool, error) {
	return b.Inbound.Poll(r)
}

// UnreadLog puts back a log line whose reader could not deliver it.
func (b *Bridge) UnreadLog(line string) {
	b.Logs.Unread(line)
}

// UnreadInbound puts back a notification whose reader could not deliver it.
func (b *Bridge) UnreadInbound(item string) {
	b.Inbound.Unread(item)
}

// Send writes message to the peripheral. It does nothing unless a connection
// is ready, and write failures only show up in the log queue.
func (b *Bridge) Send(message string) {
	if !b.adapter.Available() {
		return
	}
	if c := b.current(); c != nil {
		c.Write(message)
	}
}

// Close tears down a ready connection; otherwise it does nothing.
func (b *Bridge) Close() {
	c := b.current()
	if c == nil || c.State() != nus.Ready {
		return
	}
	c.Close()
}

// CancelPolls drops any pending log and inbound readers. A host calls it
// when the session that issued the polls goes away.
func (b *Bridge) CancelPolls() {
	b.Logs.Cancel()
	b.Inbound.Cancel()
}
