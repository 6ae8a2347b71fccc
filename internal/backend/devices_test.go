package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestDeviceOnline(t *testing.T) {
	tests := []struct {
		name string
		rows string
		want bool
	}{
		{"status online", `[{"status":"Online"}]`, true},
		{"signal reported", `[{"status":"offline","wifi_signal":-61}]`, true},
		{"offline", `[{"status":"offline","wifi_signal":null}]`, false},
		{"no row", `[]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBackend(t)
			f.router.HandleFunc("/rest/v1/devices", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.rows))
			}).Methods(http.MethodGet)

			got, err := f.client("user").DeviceOnline(context.Background(), "ESP32_A1B2C3")
			if err != nil {
				t.Fatalf("DeviceOnline() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DeviceOnline() = %v, want %v", got, tt.want)
			}

			q := f.seen()[0].Query
			if q["device_id"][0] != "eq.ESP32_A1B2C3" {
				t.Errorf("device_id filter = %q", q["device_id"])
			}
			if q["select"][0] != "last_seen,status,wifi_signal,wifi_ssid,updated_at" {
				t.Errorf("select = %q", q["select"])
			}
		})
	}
}

func TestRegisterDevice(t *testing.T) {
	f := newFakeBackend(t)
	f.router.HandleFunc("/rest/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)

	c := f.client(userToken(t, "user-42"))
	if err := c.RegisterDevice(context.Background(), "ESP32_A1B2C3", "  "); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}

	req := f.seen()[0]
	if req.Query["on_conflict"][0] != "device_id" {
		t.Errorf("on_conflict = %q", req.Query["on_conflict"])
	}
	if got := req.Header.Get("Prefer"); got != "resolution=merge-duplicates,return=minimal" {
		t.Errorf("Prefer = %q", got)
	}
	var rows []DeviceRecord
	if err := json.Unmarshal(req.Body, &rows); err != nil || len(rows) != 1 {
		t.Fatalf("body = %s (%v)", req.Body, err)
	}
	rec := rows[0]
	if rec.DeviceID != "ESP32_A1B2C3" || rec.UserID != "user-42" || rec.Status != "offline" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Name != DefaultDeviceName || rec.Location != DefaultDeviceLocation {
		t.Errorf("blank name should fall back to defaults, got %+v", rec)
	}
	if rec.UpdatedAt == "" {
		t.Error("updated_at must be set")
	}
}

func TestRegisterDeviceRequiresUser(t *testing.T) {
	f := newFakeBackend(t)
	err := f.client("").RegisterDevice(context.Background(), "ESP32_A1B2C3", "Kitchen")
	if !errors.Is(err, ErrNoUser) {
		t.Errorf("RegisterDevice() error = %v, want %v", err, ErrNoUser)
	}
	if len(f.seen()) != 0 {
		t.Error("no request should be sent without a signed-in user")
	}
}

func TestRegisterDeviceHTTPError(t *testing.T) {
	f := newFakeBackend(t)
	f.router.HandleFunc("/rest/v1/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "JWT expired"})
	})

	err := f.client(userToken(t, "user-42")).RegisterDevice(context.Background(), "ESP32_A1B2C3", "Kitchen")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("RegisterDevice() error = %v, want HTTP 401", err)
	}
}
