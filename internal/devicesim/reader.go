// Package devicesim simulates PINME reader firmware behind the ble
// interfaces, for tests and for running the CLI without hardware.
package devicesim

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/toytrack/internal/ble"
	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

// Network is an access point in range of the simulated reader.
type Network struct {
	SSID     string
	Password string // empty for open networks
	RSSI     int
}

// State is what the simulated reader has stored so far.
type State struct {
	JoinedSSID  string
	SupabaseURL string
	AnonKey     string
	DeviceJWT   string
	CABundle    string
	Insecure    bool
	Heartbeats  int
	WifiSets    int
	Pings       int
}

// Reader is one simulated reader. Configure the exported fields before
// connecting.
type Reader struct {
	DeviceID string // e.g. "ESP32_A1B2C3"
	MAC      string
	RSSI     int
	Networks []Network

	// JoinDelay is how long a Wi-Fi join takes before WIFI_OK or a failure.
	JoinDelay time.Duration
	// BusyReplies answers the first n WIFI_SET writes with WIFI_BUSY.
	BusyReplies int
	// Silent drops every Wi-Fi result, as a reader stuck mid-join would.
	Silent bool
	// CompactList emits "W:" list items like newer firmware.
	CompactList bool

	mu        sync.Mutex
	state     State
	reasm     *protocol.Reassembler
	outbox    chan string
	stop      chan struct{}
	conn      *connection
	joinTimer *time.Timer

	// cbMu guards notifyCb separately so delivery never waits on mu.
	cbMu     sync.Mutex
	notifyCb func([]byte)
}

// NewReader returns a reader advertising as PINME-<last six of deviceID>.
func NewReader(deviceID, mac string, networks ...Network) *Reader {
	return &Reader{
		DeviceID:  deviceID,
		MAC:       mac,
		RSSI:      -50,
		Networks:  networks,
		JoinDelay: 50 * time.Millisecond,
	}
}

// Name is the advertised local name.
func (r *Reader) Name() string {
	id := r.DeviceID
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return ble.DefaultNamePrefix + "-" + id
}

// State returns a snapshot of what the reader has stored.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Drop simulates the reader going out of range.
func (r *Reader) Drop() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.drop()
	}
}

func (r *Reader) connect() (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil, fmt.Errorf("devicesim: %s already connected", r.MAC)
	}
	r.reasm = protocol.NewReassembler()
	r.outbox = make(chan string, 64)
	r.stop = make(chan struct{})
	r.conn = &connection{reader: r}
	go r.emit(r.outbox, r.stop)
	slog.Debug("[SIM] central connected", "device", r.DeviceID)
	return r.conn, nil
}

func (r *Reader) disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return
	}
	close(r.stop)
	if r.joinTimer != nil {
		r.joinTimer.Stop()
		r.joinTimer = nil
	}
	r.conn = nil
	r.setNotify(nil)
}

func (r *Reader) setNotify(cb func([]byte)) {
	r.cbMu.Lock()
	r.notifyCb = cb
	r.cbMu.Unlock()
}

// emit delivers queued notifications in order, off the writer's goroutine.
func (r *Reader) emit(outbox <-chan string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-outbox:
			r.cbMu.Lock()
			cb := r.notifyCb
			r.cbMu.Unlock()
			if cb != nil {
				cb([]byte(msg))
			}
		}
	}
}

// notify queues msg. Callers hold r.mu.
func (r *Reader) notify(msg string) {
	if r.conn == nil {
		return
	}
	select {
	case r.outbox <- msg:
	case <-r.stop:
	}
}

// handle is the firmware's write callback.
func (r *Reader) handle(data []byte) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, payload, complete, ok, err := r.reasm.Feed(s); ok {
		r.handleChunk(s, payload, complete, err)
		return
	}

	switch {
	case s == protocol.CmdPing:
		r.state.Pings++
		r.notify("ACK_PING")
	case s == protocol.CmdHeartbeatNow:
		r.state.Heartbeats++
		r.notify("ACK LEN")
		r.notify("tick")
	case s == protocol.CmdDevInsecureOn:
		r.state.Insecure = true
	case s == protocol.CmdWifiList:
		r.listNetworks()
	case s == protocol.CmdWifiDisconnect:
		r.state.JoinedSSID = ""
	case strings.HasPrefix(s, protocol.CmdWifiSet+" "):
		r.wifiSet(strings.TrimPrefix(s, protocol.CmdWifiSet+" "))
	default:
		slog.Debug("[SIM] unknown command", "cmd", s)
	}
}

func (r *Reader) handleChunk(frame, payload string, complete bool, err error) {
	if err != nil {
		slog.Warn("[SIM] chunk rejected", "frame", frame, "error", err)
		return
	}
	head, _, _ := strings.Cut(frame, " ")
	switch {
	case strings.HasSuffix(head, "_BEGIN"):
		r.notify("ACK_RX_LEN")
		return
	case !complete:
		return
	}

	r.notify("DATA_RECEIVED")
	switch {
	case strings.HasPrefix(head, string(protocol.TagSupabaseConfig)):
		var cfg struct {
			URL  string `json:"supabase_url"`
			Anon string `json:"anon"`
		}
		if json.Unmarshal([]byte(payload), &cfg) == nil {
			r.state.SupabaseURL, r.state.AnonKey = cfg.URL, cfg.Anon
		}
	case strings.HasPrefix(head, string(protocol.TagAuthToken)):
		var tok struct {
			JWT string `json:"jwt"`
		}
		if json.Unmarshal([]byte(payload), &tok) == nil {
			r.state.DeviceJWT = tok.JWT
			r.notify("ACK_JWT")
			r.notify("JWT_SAVED")
		}
	case strings.HasPrefix(head, string(protocol.TagCertificate)):
		r.state.CABundle = payload
	}
}

// maxListed matches the firmware's top-N scan buffer.
const maxListed = 10

func (r *Reader) listNetworks() {
	r.notify("WIFI_LIST_BEGIN")
	visible := slices.Clone(r.Networks)
	slices.SortStableFunc(visible, func(a, b Network) int { return cmp.Compare(b.RSSI, a.RSSI) })
	if len(visible) > maxListed {
		visible = visible[:maxListed]
	}
	for _, n := range visible {
		enc := "ENC"
		if n.Password == "" {
			enc = "OPEN"
		}
		prefix := "WIFI_ITEM "
		if r.CompactList {
			prefix = "W:"
		}
		r.notify(prefix + n.SSID + "|" + strconv.Itoa(n.RSSI) + "|" + enc)
	}
	if len(r.Networks) == 0 {
		r.notify("WIFI_LIST_NONE")
		return
	}
	r.notify("WIFI_LIST_END")
}

func (r *Reader) wifiSet(body string) {
	var creds struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(body), &creds); err != nil {
		slog.Warn("[SIM] bad WIFI_SET body", "error", err)
		return
	}
	r.state.WifiSets++
	if r.state.WifiSets <= r.BusyReplies {
		r.notify("WIFI_BUSY")
		return
	}
	r.notify("WIFI_CONNECTING")
	if r.Silent {
		return
	}

	result := "WIFI_AP_NOT_FOUND"
	for _, n := range r.Networks {
		if n.SSID != creds.SSID {
			continue
		}
		result = "WIFI_AUTH_FAIL"
		if n.Password == creds.Password {
			result = "WIFI_OK"
		}
		break
	}

	if r.joinTimer != nil {
		r.joinTimer.Stop()
	}
	stop := r.stop
	r.joinTimer = time.AfterFunc(r.JoinDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		select {
		case <-stop:
			return
		default:
		}
		if result == "WIFI_OK" {
			r.state.JoinedSSID = creds.SSID
		}
		r.notify(result)
	})
}
