package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Direct (non-chunked) commands understood by the reader firmware.
const (
	CmdWifiSet        = "WIFI_SET"
	CmdWifiList       = "WIFI_LIST"
	CmdWifiDisconnect = "WIFI_DISCONNECT"
	CmdHeartbeatNow   = "HEARTBEAT_NOW"
	CmdPing           = "PING"
	CmdDevInsecureOn  = "DEV_INSECURE_ON"
)

// ErrEmptySSID is returned when building WIFI_SET without a network name.
var ErrEmptySSID = errors.New("protocol: ssid must not be empty")

// ErrEmptyConfig is returned when a SupabaseConfig has no fields to send.
var ErrEmptyConfig = errors.New("protocol: backend config has neither url nor anon key")

type wifiCredentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// WifiSet builds `WIFI_SET {"ssid":"…","password":"…"}`. Only the two fields
// are sent; the firmware's JSON buffer is small.
func WifiSet(ssid, password string) (string, error) {
	ssid = strings.TrimSpace(ssid)
	if ssid == "" {
		return "", ErrEmptySSID
	}
	b, err := marshalJSON(wifiCredentials{SSID: ssid, Password: strings.TrimSpace(password)})
	if err != nil {
		return "", fmt.Errorf("protocol: marshal wifi credentials: %w", err)
	}
	return CmdWifiSet + " " + b, nil
}

// SupabaseConfig is the SUPA_CFG payload.
type SupabaseConfig struct {
	Anon string `json:"anon,omitempty"`
	URL  string `json:"supabase_url,omitempty"`
}

// Payload returns the JSON for the SUPA_CFG message. Values are cleaned of
// surrounding whitespace and quotes, which otherwise end up in the device's
// apikey header and break authentication.
func (c SupabaseConfig) Payload() (string, error) {
	c.Anon = cleanValue(c.Anon)
	c.URL = cleanValue(c.URL)
	if c.Anon == "" && c.URL == "" {
		return "", ErrEmptyConfig
	}
	b, err := marshalJSON(c)
	if err != nil {
		return "", fmt.Errorf("protocol: marshal backend config: %w", err)
	}
	return b, nil
}

// AuthTokenPayload returns the JWT_SET payload for token.
func AuthTokenPayload(token string) (string, error) {
	b, err := marshalJSON(struct {
		JWT string `json:"jwt"`
	}{JWT: token})
	if err != nil {
		return "", fmt.Errorf("protocol: marshal token: %w", err)
	}
	return b, nil
}

func cleanValue(s string) string {
	return strings.Trim(strings.TrimSpace(s), "'\"` \t")
}

// marshalJSON encodes v without HTML escaping so the firmware sees the same
// bytes a JavaScript client would send.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
