package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Adapter on top of tinygo-org/bluetooth, which
// drives BlueZ on Linux, CoreBluetooth on macOS and WinRT on Windows.
// On macOS device addresses are CoreBluetooth UUIDs rather than MACs.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// NameFilter, when set, restricts RequestDevice to peripherals whose
	// advertised local name contains it (case-insensitive).
	NameFilter string

	enableOnce sync.Once
	enableErr  error

	// mu protects devices.
	mu      sync.Mutex
	devices map[string]*tinyGoDevice // keyed by address
}

// NewTinyGoAdapter creates an adapter over the default system radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		devices: make(map[string]*tinyGoDevice),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

// Available powers on the radio the first time it is called and reports
// whether that succeeded.
func (a *TinyGoAdapter) Available() bool {
	a.enableOnce.Do(func() {
		a.enableErr = a.adapter.Enable()
		if a.enableErr != nil {
			slog.Warn("[BLE] adapter unavailable", "error", a.enableErr)
			return
		}
		// The adapter-level handler is the only place tinygo reports a
		// dropped link, so route it to the owning device.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			a.mu.Lock()
			d, ok := a.devices[device.Address.String()]
			a.mu.Unlock()
			if ok {
				d.lost()
			}
		})
	})
	return a.enableErr == nil
}

// RequestDevice scans until the first peripheral advertising service (and
// matching NameFilter, if set) shows up.
func (a *TinyGoAdapter) RequestDevice(ctx context.Context, service uuid.UUID) (Device, error) {
	if !a.Available() {
		return nil, fmt.Errorf("ble: enable adapter: %w", a.enableErr)
	}
	svc, err := toUUID(service)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	var (
		found  bluetooth.ScanResult
		picked bool
	)
	filter := strings.ToLower(a.NameFilter)
	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if picked || !result.HasServiceUUID(svc) {
			return
		}
		if filter != "" && !strings.Contains(strings.ToLower(result.LocalName()), filter) {
			return
		}
		found = result
		picked = true
		_ = adapter.StopScan()
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	if !picked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ble: scan: %w", ctx.Err())
		}
		return nil, errors.New("ble: no matching device")
	}

	slog.Debug("[BLE] device found", "name", found.LocalName(), "address", found.Address.String(), "rssi", found.RSSI)
	return &tinyGoDevice{
		owner:   a,
		address: found.Address,
		name:    found.LocalName(),
	}, nil
}

// toUUID converts to the tinygo representation.
func toUUID(id uuid.UUID) (bluetooth.UUID, error) {
	u, err := bluetooth.ParseUUID(id.String())
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %s: %w", id, err)
	}
	return u, nil
}

type tinyGoDevice struct {
	owner   *TinyGoAdapter
	address bluetooth.Address
	name    string

	mu           sync.Mutex
	disconnectCb func()
	session      *tinyGoSession
}

func (d *tinyGoDevice) Name() string    { return d.name }
func (d *tinyGoDevice) Address() string { return d.address.String() }

func (d *tinyGoDevice) OnDisconnect(cb func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectCb = cb
}

// lost marks the session down and fires the disconnect callback.
func (d *tinyGoDevice) lost() {
	d.mu.Lock()
	cb := d.disconnectCb
	s := d.session
	d.mu.Unlock()
	if s != nil {
		s.markDown()
	}
	if cb != nil {
		cb()
	}
}

func (d *tinyGoDevice) Connect(ctx context.Context) (Session, error) {
	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := d.owner.adapter.Connect(d.address, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", d.Address(), ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", d.Address(), result.err)
		}
		s := &tinyGoSession{device: result.device, up: true}

		d.mu.Lock()
		d.session = s
		d.mu.Unlock()

		d.owner.mu.Lock()
		d.owner.devices[d.Address()] = d
		d.owner.mu.Unlock()
		return s, nil
	}
}

type tinyGoSession struct {
	device bluetooth.Device

	mu sync.Mutex
	up bool
}

func (s *tinyGoSession) markDown() {
	s.mu.Lock()
	s.up = false
	s.mu.Unlock()
}

func (s *tinyGoSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

func (s *tinyGoSession) Disconnect() error {
	s.markDown()
	return s.device.Disconnect()
}

func (s *tinyGoSession) Service(_ context.Context, id uuid.UUID) (Service, error) {
	svcUUID, err := toUUID(id)
	if err != nil {
		return nil, err
	}
	svcs, err := s.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", id)
	}
	return &tinyGoService{svc: svcs[0]}, nil
}

type tinyGoService struct {
	// mu serializes DiscoverCharacteristics; the backends allow one
	// discovery per service at a time.
	mu  sync.Mutex
	svc bluetooth.DeviceService
}

func (s *tinyGoService) Characteristic(_ context.Context, id uuid.UUID) (Characteristic, error) {
	charUUID, err := toUUID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", id)
	}
	return &tinyGoCharacteristic{char: chars[0]}, nil
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) StartNotifications(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// buf is reused by some backends.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

// StopNotifications disables notifications; tinygo treats a nil callback
// as a request to unsubscribe.
func (c *tinyGoCharacteristic) StopNotifications() error {
	return c.char.EnableNotifications(nil)
}
