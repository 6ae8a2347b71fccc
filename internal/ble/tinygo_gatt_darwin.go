//go:build darwin

package ble

import "errors"

// errReadUnsupported is returned by Read on macOS, where the bluetooth
// package has no characteristic read. ReadDeviceID then falls back to the
// notify characteristic, and from there to the advertised name.
var errReadUnsupported = errors.New("ble: characteristic read not supported on macOS")

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	return nil, errReadUnsupported
}
