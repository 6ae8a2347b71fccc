package ble

import (
	"regexp"
	"strings"
)

// DeviceIDPrefix prefixes every normalized reader identifier.
const DeviceIDPrefix = "ESP32_"

var (
	trailingAlnum = regexp.MustCompile(`([A-Za-z0-9]{6})$`)
	nameSuffix    = regexp.MustCompile(`(?i)pinme-?(?:ESP32_)?([A-Za-z0-9]{6})`)
	nameMAC       = regexp.MustCompile(`\(([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})\)$`)
)

// NormalizeDeviceID maps a raw identifier (characteristic value, advertised
// suffix or user input) to the canonical ESP32_XXXXXX form: the last six
// alphanumeric characters, uppercased. It returns "" for blank input.
func NormalizeDeviceID(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len(DeviceIDPrefix) && strings.EqualFold(s[:len(DeviceIDPrefix)], DeviceIDPrefix) {
		s = s[len(DeviceIDPrefix):]
	}
	if s == "" {
		return ""
	}

	suffix := strings.ToUpper(s)
	if m := trailingAlnum.FindStringSubmatch(s); m != nil {
		suffix = strings.ToUpper(m[1])
	}
	if r := []rune(suffix); len(r) > 6 {
		suffix = string(r[len(r)-6:])
	}
	return DeviceIDPrefix + suffix
}

// DisplaySuffix extracts the six-character reader suffix from an advertised
// name. Supported forms are "PINME-XXXXXX", "PINMEXXXXXX",
// "PINME-ESP32_XXXXXX" and names ending in a parenthesised MAC address, in
// which case the last three bytes are used.
func DisplaySuffix(name string) (string, bool) {
	if m := nameSuffix.FindStringSubmatch(name); m != nil {
		return strings.ToUpper(m[1]), true
	}
	if m := nameMAC.FindStringSubmatch(name); m != nil {
		bytes := strings.Split(m[1], ":")
		return strings.ToUpper(bytes[3] + bytes[4] + bytes[5]), true
	}
	return "", false
}

// DeviceIDFromName derives the normalized identifier from an advertised
// name, or "" when the name carries no recognizable suffix.
func DeviceIDFromName(name string) string {
	suffix, ok := DisplaySuffix(name)
	if !ok {
		return ""
	}
	return NormalizeDeviceID(suffix)
}
