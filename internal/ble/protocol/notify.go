package protocol

import (
	"strconv"
	"strings"
)

// EventKind is the recognized meaning of a notification from the reader.
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventWifiOK
	EventWifiStaConnected
	EventWifiFail
	EventWifiDisconnected // WIFI_DISCONNECTED_REASON_<reason>
	EventAPNotFound
	EventAuthFail
	EventBusy
	EventConnecting
	EventListBegin
	EventListItem
	EventListNone
	EventListEnd
	EventAckRxLen
	EventDataReceived
	EventAckJWT
	EventJWTSaved
	EventAckPing
	EventTick
)

var eventNames = map[EventKind]string{
	EventUnrecognized:     "unrecognized",
	EventWifiOK:           "wifi-ok",
	EventWifiStaConnected: "wifi-sta-connected",
	EventWifiFail:         "wifi-fail",
	EventWifiDisconnected: "wifi-disconnected",
	EventAPNotFound:       "ap-not-found",
	EventAuthFail:         "auth-fail",
	EventBusy:             "busy",
	EventConnecting:       "connecting",
	EventListBegin:        "list-begin",
	EventListItem:         "list-item",
	EventListNone:         "list-none",
	EventListEnd:          "list-end",
	EventAckRxLen:         "ack-rx-len",
	EventDataReceived:     "data-received",
	EventAckJWT:           "ack-jwt",
	EventJWTSaved:         "jwt-saved",
	EventAckPing:          "ack-ping",
	EventTick:             "tick",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// Joined reports whether the event confirms the reader joined the network.
func (k EventKind) Joined() bool {
	return k == EventWifiOK || k == EventWifiStaConnected
}

// Event is a classified notification.
type Event struct {
	Kind   EventKind
	Raw    string       // trimmed notification text
	Reason string       // for EventWifiDisconnected
	Item   *WifiNetwork // for EventListItem
}

// WifiNetwork is one entry of a WIFI_LIST scan.
type WifiNetwork struct {
	SSID       string
	RSSI       int
	Encryption string
}

const (
	disconnectedPrefix = "WIFI_DISCONNECTED_REASON_"
	itemPrefix         = "WIFI_ITEM "
	compactItemPrefix  = "W:" // newer firmware saves 8 bytes per item
)

// classifier order matters: several tokens overlap ("WIFI_LIST_END" vs a
// generic "_END", "WIFI_AUTH_FAIL" vs "FAIL"), so more specific tokens are
// checked first and the loose "tick" last.
var classifier = []struct {
	token string
	kind  EventKind
}{
	{"WIFI_LIST_BEGIN", EventListBegin},
	{"WIFI_LIST_NONE", EventListNone},
	{"WIFI_LIST_END", EventListEnd},
	{"WIFI_AUTH_FAIL", EventAuthFail},
	{"WIFI_AP_NOT_FOUND", EventAPNotFound},
	{disconnectedPrefix, EventWifiDisconnected},
	{"WIFI_FAIL", EventWifiFail},
	{"WIFI_BUSY", EventBusy},
	{"WIFI_STA_CONNECTED", EventWifiStaConnected},
	{"WIFI_OK", EventWifiOK},
	{"WIFI_CONNECTING", EventConnecting},
	{"ACK_RX_LEN", EventAckRxLen},
	{"DATA_RECEIVED", EventDataReceived},
	{"ACK_JWT", EventAckJWT},
	{"JWT_SAVED", EventJWTSaved},
	{"ACK_PING", EventAckPing},
	{"TICK", EventTick},
}

// Classify maps a notification string to an Event. It is total: anything it
// does not recognize comes back as EventUnrecognized with Raw set.
func Classify(msg string) Event {
	msg = strings.TrimSpace(msg)
	ev := Event{Raw: msg}
	upper := strings.ToUpper(msg)

	// WIFI_ITEM carries a free-form SSID that could contain any token below.
	if strings.HasPrefix(upper, itemPrefix) || strings.HasPrefix(upper, compactItemPrefix) {
		if item, ok := ParseWifiItem(msg); ok {
			ev.Kind = EventListItem
			ev.Item = &item
			return ev
		}
	}

	for _, c := range classifier {
		i := strings.Index(upper, c.token)
		if i < 0 {
			continue
		}
		ev.Kind = c.kind
		if c.kind == EventWifiDisconnected {
			ev.Reason = upper[i+len(c.token):]
		}
		return ev
	}
	return ev
}

// ParseWifiItem parses "WIFI_ITEM <ssid>|<rssi>|<enc>" or the compact
// "W:<ssid>|<rssi>|<enc>". The rssi and encryption fields are taken from the
// right so an SSID may contain '|'. A missing or non-numeric rssi reads as 0.
func ParseWifiItem(msg string) (WifiNetwork, bool) {
	msg = strings.TrimSpace(msg)
	var body string
	switch {
	case hasPrefixFold(msg, itemPrefix):
		body = msg[len(itemPrefix):]
	case hasPrefixFold(msg, compactItemPrefix):
		body = msg[len(compactItemPrefix):]
	default:
		return WifiNetwork{}, false
	}
	parts := strings.Split(body, "|")
	var n WifiNetwork
	switch len(parts) {
	case 1:
		n.SSID = parts[0]
	case 2:
		n.SSID = parts[0]
		n.RSSI, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	default:
		last := len(parts) - 1
		n.SSID = strings.Join(parts[:last-1], "|")
		n.RSSI, _ = strconv.Atoi(strings.TrimSpace(parts[last-1]))
		n.Encryption = parts[last]
	}
	return n, n.SSID != ""
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
