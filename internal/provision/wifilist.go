package provision

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

// ErrNoNetworks is returned when the reader reports no Wi-Fi networks.
var ErrNoNetworks = errors.New("provision: no wifi networks found")

// ListOptions configures ScanNetworks.
type ListOptions struct {
	Timeout     time.Duration // overall bound, default 15s
	RescanDelay time.Duration // pause before the single rescan of an empty list, default 1.5s
}

// ScanNetworks asks the reader to scan for Wi-Fi networks and collects the
// reported list. Items are deduplicated by SSID (the latest report wins)
// and sorted by signal strength. An empty list is rescanned once.
func ScanNetworks(ctx context.Context, link Link, opts ListOptions) ([]protocol.WifiNetwork, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RescanDelay <= 0 {
		opts.RescanDelay = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	notes := make(chan string, 64)
	unsubscribe, err := link.Subscribe(func(msg string) {
		select {
		case notes <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("provision: wifi list: %w", err)
	}
	defer unsubscribe()

	if err := link.Send(ctx, protocol.CmdWifiList); err != nil {
		return nil, fmt.Errorf("provision: wifi list: %w", err)
	}
	slog.Info("[PROVISION] wifi list requested")

	found := make(map[string]protocol.WifiNetwork)
	rescanned := false
	var rescan <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if len(found) > 0 {
				return sortNetworks(found), nil
			}
			return nil, fmt.Errorf("%w while listing wifi networks", ErrNoResponse)

		case <-rescan:
			rescan = nil
			if err := link.Send(ctx, protocol.CmdWifiList); err != nil {
				return nil, fmt.Errorf("provision: wifi rescan: %w", err)
			}
			slog.Info("[PROVISION] wifi list requested again")

		case msg := <-notes:
			ev := protocol.Classify(msg)
			switch ev.Kind {
			case protocol.EventListBegin:
				clear(found)
			case protocol.EventListItem:
				if ev.Item != nil {
					found[ev.Item.SSID] = *ev.Item
				}
			case protocol.EventListEnd, protocol.EventListNone:
				// Firmware ends an empty scan with NONE instead of END.
				if len(found) > 0 {
					return sortNetworks(found), nil
				}
				if rescanned {
					return nil, ErrNoNetworks
				}
				rescanned = true
				rescan = time.After(opts.RescanDelay)
			}
		}
	}
}

func sortNetworks(found map[string]protocol.WifiNetwork) []protocol.WifiNetwork {
	out := make([]protocol.WifiNetwork, 0, len(found))
	for _, n := range found {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b protocol.WifiNetwork) int {
		if c := cmp.Compare(b.RSSI, a.RSSI); c != 0 {
			return c
		}
		return cmp.Compare(a.SSID, b.SSID)
	})
	return out
}
