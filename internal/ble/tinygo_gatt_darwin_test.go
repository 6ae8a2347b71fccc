//go:build darwin

package ble

import (
	"errors"
	"testing"
)

func TestTinyGoReadUnsupportedOnDarwin(t *testing.T) {
	var c Characteristic = &tinyGoCharacteristic{}
	if _, err := c.Read(); !errors.Is(err, errReadUnsupported) {
		t.Errorf("Read() error = %v, want %v", err, errReadUnsupported)
	}
}
