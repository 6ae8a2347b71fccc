package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const devicesPath = "/rest/v1/devices"

// DeviceStatus is the subset of a devices row the reader updates itself.
type DeviceStatus struct {
	Status     string   `json:"status"`
	WifiSignal *float64 `json:"wifi_signal"`
	WifiSSID   string   `json:"wifi_ssid"`
	LastSeen   string   `json:"last_seen"`
	UpdatedAt  string   `json:"updated_at"`
}

// Online reports whether the reader has checked in: an "online" status or
// any reported Wi-Fi signal.
func (s DeviceStatus) Online() bool {
	return strings.EqualFold(s.Status, "online") || s.WifiSignal != nil
}

// DeviceRecord is the row written when a reader is registered.
type DeviceRecord struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	Status    string `json:"status"`
	UserID    string `json:"user_id"`
	UpdatedAt string `json:"updated_at"`
}

// Device defaults applied when registering without a name or location.
const (
	DefaultDeviceName     = "Toy Reader"
	DefaultDeviceLocation = "Unknown"
)

// DeviceStatus fetches the status row of deviceID. found is false when no
// row exists.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (status DeviceStatus, found bool, err error) {
	q := url.Values{}
	q.Set("select", "last_seen,status,wifi_signal,wifi_ssid,updated_at")
	q.Set("device_id", "eq."+deviceID)
	q.Set("limit", "1")

	var rows []DeviceStatus
	if err := c.do(ctx, request{method: http.MethodGet, path: devicesPath, query: q}, &rows); err != nil {
		return DeviceStatus{}, false, err
	}
	if len(rows) == 0 {
		return DeviceStatus{}, false, nil
	}
	return rows[0], true, nil
}

// DeviceOnline implements the provisioning status source.
func (c *Client) DeviceOnline(ctx context.Context, deviceID string) (bool, error) {
	status, found, err := c.DeviceStatus(ctx, deviceID)
	if err != nil || !found {
		return false, err
	}
	return status.Online(), nil
}

// UpsertDevice inserts rec or merges it into the existing row with the
// same device_id.
func (c *Client) UpsertDevice(ctx context.Context, rec DeviceRecord) error {
	body, err := jsonBody([]DeviceRecord{rec})
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("on_conflict", "device_id")
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        devicesPath,
		query:       q,
		body:        body,
		contentType: "application/json",
		header:      http.Header{"Prefer": {"resolution=merge-duplicates,return=minimal"}},
	}, nil)
}

// RegisterDevice records deviceID as an offline reader owned by the
// signed-in user.
func (c *Client) RegisterDevice(ctx context.Context, deviceID, name string) error {
	uid, err := c.UserID()
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultDeviceName
	}
	rec := DeviceRecord{
		DeviceID:  deviceID,
		Name:      name,
		Location:  DefaultDeviceLocation,
		Status:    "offline",
		UserID:    uid,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.UpsertDevice(ctx, rec); err != nil {
		return fmt.Errorf("backend: register %s: %w", deviceID, err)
	}
	slog.Info("[BACKEND] device registered", "device", deviceID, "user", uid)
	return nil
}
