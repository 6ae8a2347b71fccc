package ble

import "testing"

func TestNormalizeDeviceID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ESP32_a1b2c3", "ESP32_A1B2C3"},
		{"esp32_A1B2C3", "ESP32_A1B2C3"},
		{"  ESP32_A1B2C3\n", "ESP32_A1B2C3"},
		{"a1b2c3", "ESP32_A1B2C3"},
		{"PINME-ff00aa", "ESP32_FF00AA"},
		{"ESP32_0123456789", "ESP32_456789"},
		{"ab-c", "ESP32_AB-C"},
		{"", ""},
		{"   ", ""},
		{"ESP32_", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := NormalizeDeviceID(tt.raw); got != tt.want {
				t.Errorf("NormalizeDeviceID(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDisplaySuffix(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"PINME-a1b2c3", "A1B2C3", true},
		{"PINMEA1B2C3", "A1B2C3", true},
		{"pinme-ESP32_ff00aa", "FF00AA", true},
		{"PINME-ESP32 (FC:01:2C:CF:CE:85)", "CFCE85", true},
		{"Reader (fc:01:2c:cf:ce:85)", "CFCE85", true},
		{"PINME", "", false},
		{"Headphones", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DisplaySuffix(tt.name)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("DisplaySuffix(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDeviceIDFromName(t *testing.T) {
	if got := DeviceIDFromName("PINME-ESP32 (FC:01:2C:CF:CE:85)"); got != "ESP32_CFCE85" {
		t.Errorf("DeviceIDFromName() = %q, want %q", got, "ESP32_CFCE85")
	}
	if got := DeviceIDFromName("Speaker"); got != "" {
		t.Errorf("DeviceIDFromName(%q) = %q, want empty", "Speaker", got)
	}
}
