package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

// ErrNoTick is returned when the reader does not confirm a heartbeat.
var ErrNoTick = errors.New("provision: reader did not confirm heartbeat")

// DefaultKeepAliveInterval is the BLE liveness ping period.
const DefaultKeepAliveInterval = 30 * time.Second

// Heartbeat asks the reader for an immediate backend heartbeat and waits up
// to timeout for its tick.
func Heartbeat(ctx context.Context, link Link, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticked := make(chan struct{}, 1)
	unsubscribe, err := link.Subscribe(func(msg string) {
		if protocol.Classify(msg).Kind == protocol.EventTick {
			select {
			case ticked <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("provision: heartbeat: %w", err)
	}
	defer unsubscribe()

	if err := link.Send(ctx, protocol.CmdHeartbeatNow); err != nil {
		return fmt.Errorf("provision: heartbeat: %w", err)
	}
	select {
	case <-ticked:
		slog.Info("[PROVISION] heartbeat confirmed")
		return nil
	case <-link.Disconnected():
		return fmt.Errorf("provision: heartbeat: %w", ErrTransport)
	case <-ctx.Done():
		return ErrNoTick
	}
}

// KeepAlive writes PING every interval until ctx is done, keeping the
// reader's BLE side active while a user stays on a device screen. It
// returns nil when ctx ends and the write error otherwise.
func KeepAlive(ctx context.Context, link Link, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	pings := 0
	unsubscribe, err := link.Subscribe(func(msg string) {
		if protocol.Classify(msg).Kind == protocol.EventAckPing {
			slog.Debug("[PROVISION] ping acknowledged")
		}
	})
	if err != nil {
		return fmt.Errorf("provision: keepalive: %w", err)
	}
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("[PROVISION] keepalive stopped", "pings", pings)
			return nil
		case <-link.Disconnected():
			return fmt.Errorf("provision: keepalive: %w", ErrTransport)
		case <-ticker.C:
			if err := link.Send(ctx, protocol.CmdPing); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("provision: keepalive: %w", err)
			}
			pings++
		}
	}
}
