package backend

import (
	"errors"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"
)

func deviceToken(t *testing.T, deviceID string, exp time.Time) string {
	t.Helper()
	return signToken(t,
		jwt.Claims{Subject: deviceID, Expiry: jwt.NewNumericDate(exp)},
		map[string]any{"device_id": deviceID, "role": "authenticated"},
	)
}

func TestInspectDeviceToken(t *testing.T) {
	exp := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	claims, err := InspectDeviceToken(deviceToken(t, "ESP32_A1B2C3", exp))
	if err != nil {
		t.Fatalf("InspectDeviceToken() error = %v", err)
	}
	if claims.DeviceID != "ESP32_A1B2C3" || claims.Role != "authenticated" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.Expiry.Time().Equal(exp) {
		t.Errorf("expiry = %v, want %v", claims.Expiry.Time(), exp)
	}
}

func TestInspectDeviceTokenGarbage(t *testing.T) {
	if _, err := InspectDeviceToken("not-a-token"); err == nil {
		t.Error("InspectDeviceToken() should reject malformed input")
	}
}

func TestCheckDeviceToken(t *testing.T) {
	now := time.Now()
	valid := deviceToken(t, "ESP32_A1B2C3", now.Add(time.Hour))
	expired := deviceToken(t, "ESP32_A1B2C3", now.Add(-time.Minute))
	subjectOnly := signToken(t, jwt.Claims{Subject: "ESP32_A1B2C3"})

	tests := []struct {
		name     string
		token    string
		deviceID string
		want     error
	}{
		{"valid", valid, "ESP32_A1B2C3", nil},
		{"case insensitive", valid, "esp32_a1b2c3", nil},
		{"other device", valid, "ESP32_FFFFFF", ErrTokenDeviceMismatch},
		{"expired", expired, "ESP32_A1B2C3", ErrTokenExpired},
		{"subject fallback", subjectOnly, "ESP32_A1B2C3", nil},
		{"subject mismatch", subjectOnly, "ESP32_000000", ErrTokenDeviceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkDeviceToken(tt.token, tt.deviceID, now)
			if tt.want == nil {
				if err != nil {
					t.Errorf("checkDeviceToken() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("checkDeviceToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientUserID(t *testing.T) {
	c, err := NewClient(Options{URL: "https://abc.supabase.co", AccessToken: userToken(t, "user-42")})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	uid, err := c.UserID()
	if err != nil || uid != "user-42" {
		t.Errorf("UserID() = %q, %v", uid, err)
	}

	anon, _ := NewClient(Options{URL: "https://abc.supabase.co"})
	if _, err := anon.UserID(); !errors.Is(err, ErrNoUser) {
		t.Errorf("UserID() without session error = %v, want %v", err, ErrNoUser)
	}
}
