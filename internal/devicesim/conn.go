package devicesim

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chaz8081/toytrack/internal/ble"
)

// ErrNotReadable is returned by reads of the write and notify characteristics.
var ErrNotReadable = errors.New("devicesim: characteristic not readable")

type connection struct {
	reader *Reader

	mu           sync.Mutex
	onDisconnect []func()
	closed       bool
}

func (c *connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if !strings.EqualFold(serviceUUID, ble.ServiceUUID) {
		return nil, fmt.Errorf("devicesim: unknown service %s", serviceUUID)
	}
	switch strings.ToLower(charUUID) {
	case ble.WriteCharUUID:
		return writeChar{c: c}, nil
	case ble.NotifyCharUUID:
		return notifyChar{c: c}, nil
	case ble.DeviceIDCharUUID:
		return idChar{c: c}, nil
	}
	return nil, fmt.Errorf("devicesim: characteristic %s not found", charUUID)
}

func (c *connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.reader.disconnect()
	return nil
}

func (c *connection) OnDisconnect(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, callback)
}

// drop ends the connection from the peripheral side.
func (c *connection) drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cbs := c.onDisconnect
	c.mu.Unlock()

	c.reader.disconnect()
	for _, cb := range cbs {
		cb()
	}
}

func (c *connection) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("devicesim: not connected")
	}
	return nil
}

type writeChar struct{ c *connection }

func (w writeChar) Write(data []byte) error {
	if err := w.c.live(); err != nil {
		return err
	}
	w.c.reader.handle(data)
	return nil
}

func (writeChar) Read() ([]byte, error) { return nil, ErrNotReadable }
func (writeChar) Subscribe(func(data []byte)) error { return errors.New("devicesim: write characteristic has no notifications") }
func (writeChar) Unsubscribe() error { return nil }

type notifyChar struct{ c *connection }

func (notifyChar) Write([]byte) error { return errors.New("devicesim: notify characteristic is not writable") }
func (notifyChar) Read() ([]byte, error) { return nil, ErrNotReadable }

func (n notifyChar) Subscribe(callback func(data []byte)) error {
	if err := n.c.live(); err != nil {
		return err
	}
	n.c.reader.setNotify(callback)
	return nil
}

func (n notifyChar) Unsubscribe() error {
	n.c.reader.setNotify(nil)
	return nil
}

type idChar struct{ c *connection }

func (idChar) Write([]byte) error { return errors.New("devicesim: device id is read-only") }

func (i idChar) Read() ([]byte, error) {
	if err := i.c.live(); err != nil {
		return nil, err
	}
	return []byte(i.c.reader.DeviceID), nil
}

func (idChar) Subscribe(func(data []byte)) error { return errors.New("devicesim: device id has no notifications") }
func (idChar) Unsubscribe() error { return nil }
