// Package ble provides the BLE transport used to provision PINME RFID
// readers (ESP32). It handles discovery, connection management, and the
// write/notify characteristic pair the provisioning protocol runs over.
package ble

import (
	"context"
	"strings"
)

// PINME reader GATT layout. The firmware exposes 16-bit UUIDs on the
// Bluetooth base UUID.
const (
	ServiceUUID      = "0000fff0-0000-1000-8000-00805f9b34fb"
	WriteCharUUID    = "0000fff1-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID   = "0000fff2-0000-1000-8000-00805f9b34fb"
	DeviceIDCharUUID = "0000fff3-0000-1000-8000-00805f9b34fb"

	// DefaultNamePrefix is the advertised name prefix of reader firmware.
	DefaultNamePrefix = "PINME"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the peer's
	// acknowledgement.
	Write(data []byte) error
	// Read returns the current characteristic value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// ScanFilter selects which advertisements Scan reports. A device matches if
// it advertises ServiceUUID or its name starts with NamePrefix
// (case-insensitive). An empty filter matches everything.
type ScanFilter struct {
	ServiceUUID string
	NamePrefix  string
}

// Match reports whether an advertisement passes the filter.
func (f ScanFilter) Match(name string, hasService bool) bool {
	if f.ServiceUUID == "" && f.NamePrefix == "" {
		return true
	}
	if f.ServiceUUID != "" && hasService {
		return true
	}
	return f.NamePrefix != "" && len(name) >= len(f.NamePrefix) &&
		strings.EqualFold(name[:len(f.NamePrefix)], f.NamePrefix)
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
	// Scan discovers BLE peripherals matching filter until ctx is done.
	// Cancelling ctx stops the radio scan.
	Scan(ctx context.Context, filter ScanFilter) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
