package devicesim

import (
	"context"
	"fmt"
	"strings"

	"github.com/chaz8081/toytrack/internal/ble"
)

// Adapter is a ble.Adapter whose radio only sees the simulated readers.
type Adapter struct {
	readers []*Reader
}

// NewAdapter returns an adapter in range of readers.
func NewAdapter(readers ...*Reader) *Adapter {
	return &Adapter{readers: readers}
}

// Enable is a no-op.
func (a *Adapter) Enable() error { return nil }

// Scan reports every reader passing filter once ctx ends.
func (a *Adapter) Scan(ctx context.Context, filter ble.ScanFilter) ([]ble.Device, error) {
	advertisesService := strings.EqualFold(filter.ServiceUUID, ble.ServiceUUID)
	var found []ble.Device
	for _, r := range a.readers {
		if filter.Match(r.Name(), advertisesService) {
			found = append(found, ble.Device{Name: r.Name(), MAC: r.MAC, RSSI: r.RSSI})
		}
	}
	<-ctx.Done()
	return found, nil
}

// Connect attaches to the reader with address mac.
func (a *Adapter) Connect(ctx context.Context, mac string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, r := range a.readers {
		if strings.EqualFold(r.MAC, mac) {
			conn, err := r.connect()
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	return nil, fmt.Errorf("devicesim: no reader at %s", mac)
}
