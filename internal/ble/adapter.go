// Package ble abstracts the host Bluetooth Low Energy stack behind small
// interfaces so the ring link can run against real hardware in production
// and an in-memory fake in tests. Peripheral ids are whatever the platform
// uses to address a device: a MAC address on Linux and Windows, a
// CoreBluetooth UUID string on macOS. Everything above this package treats
// them as opaque identity.
package ble

import (
	"context"
	"strings"
)

// ScanResult is a single advertisement sighting reported during a scan.
// The same peripheral is reported again on every advertisement, with the
// RSSI of that sighting.
type ScanResult struct {
	ID   string
	Name string
	RSSI int16 // dBm
}

// Filter selects ring-like peripherals during a scan. A sighting matches
// when it advertises ServiceUUID or when its local name starts with one of
// NamePrefixes. A zero Filter matches everything.
type Filter struct {
	ServiceUUID  string
	NamePrefixes []string
}

// match reports whether a sighting with the given local name passes the
// filter. hasService must already reflect whether the advertisement
// carries the filter's service UUID.
func (f Filter) match(name string, hasService bool) bool {
	if f.ServiceUUID == "" && len(f.NamePrefixes) == 0 {
		return true
	}
	if hasService {
		return true
	}
	for _, prefix := range f.NamePrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Characteristic is a subscribable GATT characteristic.
type Characteristic interface {
	// Read fetches the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notification delivery.
	Unsubscribe() error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan streams matching advertisement sightings to onResult until ctx
	// is cancelled. It blocks for the duration of the scan.
	Scan(ctx context.Context, filter Filter, onResult func(ScanResult)) error
	// Connect establishes a connection to the peripheral with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}
