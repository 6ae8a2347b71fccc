package ble

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// ReaderFilter matches PINME readers by service UUID or advertised name.
func ReaderFilter(namePrefix string) ScanFilter {
	if namePrefix == "" {
		namePrefix = DefaultNamePrefix
	}
	return ScanFilter{ServiceUUID: ServiceUUID, NamePrefix: namePrefix}
}

// ScanForReaders scans for timeout (or until ctx is done) and returns the
// matching devices, strongest signal first. The radio scan is always stopped
// before ScanForReaders returns.
func ScanForReaders(ctx context.Context, adapter Adapter, filter ScanFilter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("[BLE] scanning", "timeout", timeout, "prefix", filter.NamePrefix)
	devices, err := adapter.Scan(scanCtx, filter)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(devices, func(a, b Device) int {
		return cmp.Compare(b.RSSI, a.RSSI)
	})
	slog.Info("[BLE] scan finished", "found", len(devices))
	return devices, nil
}
