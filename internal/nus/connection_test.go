package nus

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chaz8081/nus-bridge/internal/ble"
	"github.com/chaz8081/nus-bridge/internal/ble/bletest"
)

// lines is a Sink that records everything pushed to it.
type lines struct {
	mu    sync.Mutex
	items []string
}

func (l *lines) Push(item string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, item)
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func (l *lines) count(substr string) int {
	n := 0
	for _, s := range l.all() {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func newTestConnection(adapter ble.Adapter) (*Connection, *lines, *lines) {
	logs, inbound := &lines{}, &lines{}
	conn := New(adapter, Options{
		Profile: ble.DefaultProfile(),
		Logs:    logs,
		Inbound: inbound,
	})
	return conn, logs, inbound
}

func TestEstablishReachesReady(t *testing.T) {
	adapter := bletest.NewAdapter()
	conn, logs, _ := newTestConnection(adapter)

	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if conn.State() != Ready {
		t.Errorf("State() = %s, want %s", conn.State(), Ready)
	}
	if !adapter.NotifyChar.Subscribed() {
		t.Error("notify characteristic not subscribed")
	}

	for _, want := range []string{
		"Requesting Bluetooth device...",
		"Connecting to GATT server...",
		"Getting service...",
		"Getting characteristics...",
		"Notifications started",
		"Connection ready",
	} {
		if logs.count(want) != 1 {
			t.Errorf("log line %q seen %d times, want 1 (logs: %q)", want, logs.count(want), logs.all())
		}
	}
}

func TestEstablishTransportUnavailable(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.Unavailable = true
	conn, logs, _ := newTestConnection(adapter)

	err := conn.Establish(context.Background())
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("Establish() error = %v, want ErrTransportUnavailable", err)
	}
	if conn.State() != Idle {
		t.Errorf("State() = %s, want %s", conn.State(), Idle)
	}
	if adapter.Requests() != 0 {
		t.Errorf("RequestDevice called %d times, want 0", adapter.Requests())
	}
	if logs.count("not available") != 1 {
		t.Errorf("logs = %q, want an unavailable line", logs.all())
	}
}

func TestEstablishFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(a *bletest.Adapter)
		want    error
		session bool // a session was opened and must be released
	}{
		{
			name:  "user cancelled selection",
			setup: func(a *bletest.Adapter) { a.RequestErr = context.Canceled },
			want:  ErrDeviceSelectionFailed,
		},
		{
			name:  "connect fails",
			setup: func(a *bletest.Adapter) { a.ConnectErr = bletest.ErrInjected },
			want:  ErrResolutionFailed,
		},
		{
			name:    "service missing",
			setup:   func(a *bletest.Adapter) { a.MissingService = true },
			want:    ErrResolutionFailed,
			session: true,
		},
		{
			name:    "write characteristic missing",
			setup:   func(a *bletest.Adapter) { a.MissingWrite = true },
			want:    ErrResolutionFailed,
			session: true,
		},
		{
			name:    "notify characteristic missing",
			setup:   func(a *bletest.Adapter) { a.MissingNotify = true },
			want:    ErrResolutionFailed,
			session: true,
		},
		{
			name:    "start notifications fails",
			setup:   func(a *bletest.Adapter) { a.NotifyChar.StartErr = bletest.ErrInjected },
			want:    ErrSubscriptionFailed,
			session: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := bletest.NewAdapter()
			tt.setup(adapter)
			conn, _, _ := newTestConnection(adapter)

			err := conn.Establish(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Establish() error = %v, want %v", err, tt.want)
			}
			if conn.State() != Error {
				t.Errorf("State() = %s, want %s", conn.State(), Error)
			}
			if !errors.Is(conn.Err(), tt.want) {
				t.Errorf("Err() = %v, want %v", conn.Err(), tt.want)
			}

			if d := adapter.LatestDevice(); d != nil && tt.session {
				s := d.Session()
				if s.Connected() {
					t.Error("session still connected after failed setup")
				}
				if s.DisconnectCalls() != 1 {
					t.Errorf("Disconnect called %d times, want 1", s.DisconnectCalls())
				}
			}

			// Nothing to tear down.
			conn.Close()
			if conn.State() != Error {
				t.Errorf("State() after Close = %s, want %s", conn.State(), Error)
			}
		})
	}
}

func TestEstablishOnlyOnce(t *testing.T) {
	conn, _, _ := newTestConnection(bletest.NewAdapter())
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if err := conn.Establish(context.Background()); err == nil {
		t.Error("second Establish() error = nil, want error")
	}
}

func TestWriteEncodesText(t *testing.T) {
	adapter := bletest.NewAdapter()
	conn, _, _ := newTestConnection(adapter)
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	if !conn.Write("ID") {
		t.Fatal("Write() = false while ready")
	}
	writes := adapter.WriteChar.Writes()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if !bytes.Equal(writes[0], []byte{0x49, 0x44}) {
		t.Errorf("write = % x, want 49 44", writes[0])
	}
}

func TestWriteNotReadyIsNoop(t *testing.T) {
	adapter := bletest.NewAdapter()
	conn, _, _ := newTestConnection(adapter)
	if conn.Write("ID") {
		t.Error("Write() = true before Establish")
	}
	if len(adapter.WriteChar.Writes()) != 0 {
		t.Error("write reached the characteristic before Establish")
	}
}

func TestWriteErrorIsSwallowed(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.WriteChar.WriteErr = bletest.ErrInjected
	conn, logs, _ := newTestConnection(adapter)
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if !conn.Write("Status") {
		t.Error("Write() = false, want true (attempted)")
	}
	if logs.count("Write failed") != 1 {
		t.Errorf("logs = %q, want one write failure line", logs.all())
	}
	if conn.State() != Ready {
		t.Errorf("State() = %s after failed write, want %s", conn.State(), Ready)
	}
}

func TestNotificationsAreDecoded(t *testing.T) {
	adapter := bletest.NewAdapter()
	conn, _, inbound := newTestConnection(adapter)
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	adapter.NotifyChar.SimulateNotification([]byte{0x4f, 0x4b})
	adapter.NotifyChar.SimulateNotification([]byte("192.168.1.7"))

	got := inbound.all()
	if len(got) != 2 || got[0] != "OK" || got[1] != "192.168.1.7" {
		t.Errorf("inbound = %q, want [OK 192.168.1.7]", got)
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	adapter := bletest.NewAdapter()
	conn, logs, _ := newTestConnection(adapter)
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	device := adapter.LatestDevice()

	conn.Close()
	// A late connect-lost signal for our own disconnect must be ignored.
	device.SimulateDisconnect()
	conn.Close()

	if conn.State() != Closed {
		t.Errorf("State() = %s, want %s", conn.State(), Closed)
	}
	if n := adapter.NotifyChar.StopCalls(); n != 1 {
		t.Errorf("StopNotifications called %d times, want 1", n)
	}
	if n := device.Session().DisconnectCalls(); n != 1 {
		t.Errorf("Disconnect called %d times, want 1", n)
	}
	if logs.count("Closing connection") != 1 {
		t.Errorf("logs = %q, want one closing line", logs.all())
	}
	if logs.count("Device disconnected") != 0 {
		t.Errorf("logs = %q, want no unsolicited disconnect line", logs.all())
	}
	if conn.Write("ID") {
		t.Error("Write() = true after Close")
	}
}

func TestUnsolicitedDisconnectThenClose(t *testing.T) {
	adapter := bletest.NewAdapter()
	conn, logs, _ := newTestConnection(adapter)
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	device := adapter.LatestDevice()

	device.SimulateDisconnect()
	conn.Close()
	device.SimulateDisconnect()

	if conn.State() != Closed {
		t.Errorf("State() = %s, want %s", conn.State(), Closed)
	}
	if n := adapter.NotifyChar.StopCalls(); n != 1 {
		t.Errorf("StopNotifications called %d times, want 1", n)
	}
	// The link was already down, so teardown must not disconnect again.
	if n := device.Session().DisconnectCalls(); n != 0 {
		t.Errorf("Disconnect called %d times, want 0", n)
	}
	if n := logs.count("Device disconnected"); n != 1 {
		t.Errorf("disconnect logged %d times, want 1 (logs: %q)", n, logs.all())
	}
	if logs.count("Closing connection") != 0 {
		t.Errorf("logs = %q, Close after disconnect must be a no-op", logs.all())
	}
}

func TestStopNotificationsErrorDoesNotAbortTeardown(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.NotifyChar.StopErr = bletest.ErrInjected
	conn, logs, _ := newTestConnection(adapter)
	if err := conn.Establish(context.Background()); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	conn.Close()

	if logs.count("Stopping notifications failed") != 1 {
		t.Errorf("logs = %q, want the stop failure logged", logs.all())
	}
	if adapter.LatestDevice().Session().Connected() {
		t.Error("session still connected after Close")
	}
}

func TestDisconnectDuringSetupFails(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.OnConnect = func(d *bletest.Device) {
		// The link drops right after connect, before resolution.
		d.SimulateDisconnect()
	}
	conn, logs, _ := newTestConnection(adapter)

	err := conn.Establish(context.Background())
	if !errors.Is(err, ErrSubscriptionFailed) {
		t.Fatalf("Establish() error = %v, want ErrSubscriptionFailed", err)
	}
	if conn.State() != Error {
		t.Errorf("State() = %s, want %s", conn.State(), Error)
	}
	if adapter.NotifyChar.Subscribed() {
		t.Error("notify subscription left attached after failed setup")
	}
	if logs.count("during setup") != 1 {
		t.Errorf("logs = %q, want one setup disconnect line", logs.all())
	}
}

func TestNewPanicsOnNilDependencies(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New() with nil adapter did not panic")
		}
	}()
	New(nil, Options{Logs: &lines{}, Inbound: &lines{}})
}
