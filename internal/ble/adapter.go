// Package ble abstracts the Bluetooth Low Energy transport used to reach a
// peripheral exposing a Nordic UART Service style profile: one characteristic
// the central writes to and one it receives notifications from.
package ble

import (
	"context"

	"github.com/google/uuid"
)

// Nordic UART Service UUIDs. The peripheral notifies on NotifyCharUUID and
// accepts writes on WriteCharUUID.
const (
	ServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Profile names the service and the two characteristics of a UART-like
// peripheral.
type Profile struct {
	Service uuid.UUID
	Write   uuid.UUID
	Notify  uuid.UUID
}

// DefaultProfile returns the Nordic UART Service profile.
func DefaultProfile() Profile {
	return Profile{
		Service: uuid.MustParse(ServiceUUID),
		Write:   uuid.MustParse(WriteCharUUID),
		Notify:  uuid.MustParse(NotifyCharUUID),
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// StartNotifications enables notifications and delivers each value
	// change to callback.
	StartNotifications(callback func(data []byte)) error
	// StopNotifications detaches the value-change callback.
	StopNotifications() error
}

// Service is a resolved primary GATT service.
type Service interface {
	// Characteristic resolves a characteristic of this service by UUID.
	Characteristic(ctx context.Context, id uuid.UUID) (Characteristic, error)
}

// Session is a live GATT connection to a peripheral.
type Session interface {
	// Service resolves a primary service by UUID.
	Service(ctx context.Context, id uuid.UUID) (Service, error)
	// Connected reports whether the link is still up.
	Connected() bool
	// Disconnect terminates the connection.
	Disconnect() error
}

// Device is a peripheral chosen by RequestDevice.
type Device interface {
	// Name returns the advertised local name, possibly empty.
	Name() string
	// Address returns the platform address string of the peripheral.
	Address() string
	// OnDisconnect registers the callback invoked when the link drops.
	// Only the most recent callback is kept.
	OnDisconnect(callback func())
	// Connect opens a GATT session.
	Connect(ctx context.Context) (Session, error)
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Available reports whether the adapter can be used at all.
	Available() bool
	// RequestDevice blocks until one peripheral advertising service is
	// found or ctx is done.
	RequestDevice(ctx context.Context, service uuid.UUID) (Device, error)
}

// Radio describes a local Bluetooth controller.
type Radio struct {
	ID      string // BlueZ object path, e.g. /org/bluez/hci0
	Address string
	Name    string
	Powered bool
}
