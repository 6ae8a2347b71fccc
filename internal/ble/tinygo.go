package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows). On macOS, BLE device addresses are CoreBluetooth
// UUIDs (not MAC addresses); the "MAC" field in Device stores that string.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by device address
}

// NewTinyGoAdapter creates a BLE adapter backed by the default host adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter ScanFilter) ([]Device, error) {
	var svc bluetooth.UUID
	if filter.ServiceUUID != "" {
		var err error
		svc, err = bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		hasService := filter.ServiceUUID != "" && result.HasServiceUUID(svc)
		name := result.LocalName()
		if !filter.Match(name, hasService) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: name,
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed. We
		// can't cancel it from here, but we return immediately.
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinyGoConnection{device: &result.device}

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: &chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// readBufSize covers the largest value an ATT read returns at the maximum
// negotiated MTU.
const readBufSize = 512

// Write and Read live in tinygo_gatt_<os>.go: the bluetooth package
// exposes a different subset of GATT calls per backend.
type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

var _ Characteristic = (*tinyGoCharacteristic)(nil)

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The backend may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
