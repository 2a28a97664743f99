package ble

import (
	"context"
	"fmt"
	"sort"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	getManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Radios lists the BlueZ adapters on the system bus, sorted by object path.
func Radios(ctx context.Context) ([]Radio, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connecting to system D-Bus: %w", err)
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := conn.Object(bluezBusName, "/")
	if err := obj.CallWithContext(ctx, getManagedObjects, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: listing BlueZ objects: %w", err)
	}
	return parseRadios(objects), nil
}

func parseRadios(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []Radio {
	var radios []Radio
	for path, ifaces := range objects {
		props, ok := ifaces[bluezAdapterIface]
		if !ok {
			continue
		}
		r := Radio{ID: string(path)}
		if v, ok := props["Address"]; ok {
			r.Address, _ = v.Value().(string)
		}
		if v, ok := props["Alias"]; ok {
			r.Name, _ = v.Value().(string)
		}
		if v, ok := props["Powered"]; ok {
			r.Powered, _ = v.Value().(bool)
		}
		radios = append(radios, r)
	}
	sort.Slice(radios, func(i, j int) bool { return radios[i].ID < radios[j].ID })
	return radios
}
