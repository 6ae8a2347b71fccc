package provision

import (
	"context"
	"log/slog"
	"time"
)

// ConfirmOnline polls src every interval until the device reports online or
// window elapses. The result is advisory. Poll errors are logged and the
// last one is returned only if no poll ever succeeded.
func ConfirmOnline(ctx context.Context, src StatusSource, deviceID string, interval, window time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	succeeded := false
	for {
		online, err := src.DeviceOnline(ctx, deviceID)
		switch {
		case err != nil && ctx.Err() == nil:
			lastErr = err
			slog.Debug("[PROVISION] online check failed", "device", deviceID, "error", err)
		case err == nil:
			succeeded = true
			if online {
				slog.Info("[PROVISION] device online", "device", deviceID)
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			if !succeeded && lastErr != nil {
				return false, lastErr
			}
			return false, nil
		case <-ticker.C:
		}
	}
}
