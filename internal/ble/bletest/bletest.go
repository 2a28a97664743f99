// Package bletest provides an in-memory ble.Adapter whose every step can be
// made to fail, for exercising connection setup and teardown without a radio.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/nus-bridge/internal/ble"
	"github.com/chaz8081/nus-bridge/internal/ble/protocol"
)

// ErrInjected is returned by steps configured to fail.
var ErrInjected = errors.New("bletest: injected failure")

// Characteristic records writes and lets tests push notifications.
type Characteristic struct {
	mu        sync.Mutex
	writes    [][]byte
	callback  func([]byte)
	stopCalls int

	WriteErr error
	StartErr error
	StopErr  error

	// OnWrite, if set, receives a copy of every successful write after it
	// is recorded. It runs on the writer's goroutine.
	OnWrite func(data []byte)
}

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.WriteErr != nil {
		c.mu.Unlock()
		return c.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	onWrite := c.OnWrite
	c.mu.Unlock()
	if onWrite != nil {
		onWrite(cp)
	}
	return nil
}

func (c *Characteristic) StartNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.callback = cb
	return nil
}

func (c *Characteristic) StopNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	c.callback = nil
	return c.StopErr
}

// Writes returns a copy of everything written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// StopCalls reports how many times StopNotifications ran.
func (c *Characteristic) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls
}

// Subscribed reports whether a notification callback is attached.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *Characteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// Service hands out the two profile characteristics.
type Service struct {
	Chars map[uuid.UUID]*Characteristic
}

func (s *Service) Characteristic(_ context.Context, id uuid.UUID) (ble.Characteristic, error) {
	c, ok := s.Chars[id]
	if !ok {
		return nil, fmt.Errorf("bletest: characteristic %s: %w", id, ErrInjected)
	}
	return c, nil
}

// Session simulates a GATT connection.
type Session struct {
	mu              sync.Mutex
	up              bool
	disconnectCalls int

	services map[uuid.UUID]*Service
}

func (s *Session) Service(_ context.Context, id uuid.UUID) (ble.Service, error) {
	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("bletest: service %s: %w", id, ErrInjected)
	}
	return svc, nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectCalls++
	s.up = false
	return nil
}

// DisconnectCalls reports how many times Disconnect ran.
func (s *Session) DisconnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectCalls
}

// Device simulates a discovered peripheral.
type Device struct {
	owner *Adapter

	mu           sync.Mutex
	disconnectCb func()
	session      *Session
}

func (d *Device) Name() string    { return "bletest-uart" }
func (d *Device) Address() string { return "AA:BB:CC:DD:EE:FF" }

func (d *Device) OnDisconnect(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectCb = cb
}

func (d *Device) Connect(_ context.Context) (ble.Session, error) {
	a := d.owner
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	s := &Session{up: true, services: make(map[uuid.UUID]*Service)}
	if !a.MissingService {
		chars := make(map[uuid.UUID]*Characteristic)
		if !a.MissingWrite {
			chars[a.Profile.Write] = a.WriteChar
		}
		if !a.MissingNotify {
			chars[a.Profile.Notify] = a.NotifyChar
		}
		s.services[a.Profile.Service] = &Service{Chars: chars}
	}
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	if a.OnConnect != nil {
		a.OnConnect(d)
	}
	return s, nil
}

// Session returns the most recent session, or nil.
func (d *Device) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// SimulateDisconnect drops the link the way a peripheral walking out of
// range would: the session goes down, then the callback fires.
func (d *Device) SimulateDisconnect() {
	d.mu.Lock()
	cb := d.disconnectCb
	s := d.session
	d.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.up = false
		s.mu.Unlock()
	}
	if cb != nil {
		cb()
	}
}

// Adapter is a scriptable ble.Adapter. Zero-value failure fields mean every
// step succeeds.
type Adapter struct {
	Profile    ble.Profile
	WriteChar  *Characteristic
	NotifyChar *Characteristic

	Unavailable    bool
	RequestErr     error
	ConnectErr     error
	MissingService bool
	MissingWrite   bool
	MissingNotify  bool

	// OnConnect, if set, runs after Connect succeeds; tests use it to
	// interleave events with setup.
	OnConnect func(d *Device)

	mu       sync.Mutex
	requests int
	device   *Device
}

// NewAdapter returns an adapter serving the default NUS profile.
func NewAdapter() *Adapter {
	return &Adapter{
		Profile:    ble.DefaultProfile(),
		WriteChar:  &Characteristic{},
		NotifyChar: &Characteristic{},
	}
}

// NewLoopback returns an adapter whose peripheral answers every write with
// reply(written). Replies are delivered asynchronously, like a real radio.
func NewLoopback(reply func(written []byte) []byte) *Adapter {
	a := NewAdapter()
	a.WriteChar.OnWrite = func(data []byte) {
		go a.NotifyChar.SimulateNotification(reply(data))
	}
	return a
}

// Compile-time check that Adapter implements ble.Adapter.
var _ ble.Adapter = (*Adapter)(nil)

func (a *Adapter) Available() bool { return !a.Unavailable }

func (a *Adapter) RequestDevice(ctx context.Context, service uuid.UUID) (ble.Device, error) {
	a.mu.Lock()
	a.requests++
	a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.RequestErr != nil {
		return nil, a.RequestErr
	}
	if service != a.Profile.Service {
		return nil, fmt.Errorf("bletest: no device advertises %s", service)
	}
	d := &Device{owner: a}
	a.mu.Lock()
	a.device = d
	a.mu.Unlock()
	return d, nil
}

// Requests reports how many times RequestDevice was called.
func (a *Adapter) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// LatestDevice returns the most recently requested device (thread-safe).
func (a *Adapter) LatestDevice() *Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.device
}

// Firmware answers the commands a UART probe firmware understands and
// echoes anything else. Use it as the reply function of NewLoopback.
func Firmware(written []byte) []byte {
	switch protocol.Decode(written) {
	case protocol.CommandID:
		return protocol.Encode("bletest-uart")
	case protocol.CommandGetIP:
		return protocol.Encode("127.0.0.1")
	case protocol.CommandStatus:
		return protocol.Encode("OK")
	}
	return written
}
