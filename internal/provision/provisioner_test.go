package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

type fakeIssuer struct {
	mu    sync.Mutex
	calls []string
	token string
	err   error
	block bool // wait for ctx instead of answering
}

func (f *fakeIssuer) IssueDeviceToken(ctx context.Context, deviceID string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, deviceID)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.token, f.err
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRegistry struct {
	mu      sync.Mutex
	devices []string
	err     error
}

func (f *fakeRegistry) RegisterDevice(_ context.Context, deviceID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, deviceID)
	return f.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Policy.BusyRetryDelay = 5 * time.Millisecond
	cfg.Policy.FailRetryDelay = 5 * time.Millisecond
	cfg.Policy.WifiTimeout = time.Second
	cfg.TokenTimeout = 50 * time.Millisecond
	cfg.Backend = protocol.SupabaseConfig{Anon: "anon-key", URL: "https://x.supabase.co"}
	cfg.ConfirmOnline = false
	return cfg
}

func testRequest() Request {
	return Request{DeviceID: "ESP32_A1B2C3", SSID: "home", Password: "s3cret"}
}

func TestRunSuccessPushesOnce(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_CONNECTING", "WIFI_OK", "WIFI_OK"}))
	tokens := &fakeIssuer{token: "header.payload.sig"}
	var statuses []string
	req := testRequest()
	req.OnStatus = func(msg string) { statuses = append(statuses, msg) }

	p := New(testConfig(), Deps{Tokens: tokens})
	res, err := p.Run(context.Background(), link, req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Session.State != StateDone {
		t.Errorf("state = %v, want %v", res.Session.State, StateDone)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %q, want none", res.Warnings)
	}

	writes := link.written()
	if writes[0] != `WIFI_SET {"ssid":"home","password":"s3cret"}` {
		t.Errorf("first write = %q", writes[0])
	}
	if n := link.count("WIFI_SET "); n != 1 {
		t.Errorf("WIFI_SET writes = %d, want 1", n)
	}
	if n := link.count("SUPA_CFG_BEGIN"); n != 1 {
		t.Errorf("SUPA_CFG_BEGIN writes = %d, want 1", n)
	}
	if n := link.count("JWT_SET_END"); n != 1 {
		t.Errorf("JWT_SET_END writes = %d, want 1", n)
	}
	if n := link.count("HEARTBEAT_NOW"); n != 1 {
		t.Errorf("HEARTBEAT_NOW writes = %d, want 1", n)
	}
	if link.count("CA_SET") != 0 || link.count("DEV_INSECURE_ON") != 0 {
		t.Error("CA_SET/DEV_INSECURE_ON sent without being configured")
	}
	if writes[len(writes)-1] != "HEARTBEAT_NOW" {
		t.Errorf("last write = %q, want HEARTBEAT_NOW", writes[len(writes)-1])
	}
	if tokens.calls[0] != "ESP32_A1B2C3" {
		t.Errorf("token requested for %q", tokens.calls[0])
	}
	if link.active() != 0 {
		t.Errorf("%d subscriptions left after success", link.active())
	}
	if statuses[len(statuses)-1] != "Device provisioned" {
		t.Errorf("statuses = %q", statuses)
	}
}

func TestRunPushOrder(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_STA_CONNECTED"}))
	cfg := testConfig()
	cfg.CABundle = "-----BEGIN CERTIFICATE-----"
	cfg.TLSInsecure = true

	p := New(cfg, Deps{Tokens: &fakeIssuer{token: "tok"}})
	if _, err := p.Run(context.Background(), link, testRequest()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var order []string
	for _, w := range link.written() {
		switch {
		case strings.HasPrefix(w, "WIFI_SET "):
			order = append(order, "WIFI_SET")
		case strings.HasSuffix(verb(w), "_BEGIN"):
			order = append(order, verb(w))
		case w == protocol.CmdDevInsecureOn || w == protocol.CmdHeartbeatNow:
			order = append(order, w)
		}
	}
	want := []string{"WIFI_SET", "SUPA_CFG_BEGIN", "JWT_SET_BEGIN", "CA_SET_BEGIN", "DEV_INSECURE_ON", "HEARTBEAT_NOW"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func verb(cmd string) string {
	v, _, _ := strings.Cut(cmd, " ")
	return v
}

func TestRunBusyThenOK(t *testing.T) {
	link := newFakeLink(onWifiSet(
		[]string{"WIFI_BUSY"},
		[]string{"WIFI_BUSY"},
		[]string{"WIFI_OK"},
	))
	p := New(testConfig(), Deps{})
	res, err := p.Run(context.Background(), link, testRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := link.count("WIFI_SET "); n != 3 {
		t.Errorf("WIFI_SET writes = %d, want 3", n)
	}
	if res.Session.BusyRetries != 2 {
		t.Errorf("BusyRetries = %d, want 2", res.Session.BusyRetries)
	}
	// No token issuer configured: joined, with a warning.
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "token") {
		t.Errorf("warnings = %q, want one token warning", res.Warnings)
	}
}

func TestRunBusyExhausted(t *testing.T) {
	busy := []string{"WIFI_BUSY"}
	link := newFakeLink(onWifiSet(busy, busy, busy, busy))
	p := New(testConfig(), Deps{})

	_, err := p.Run(context.Background(), link, testRequest())
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Run() error = %v, want %v", err, ErrDeviceBusy)
	}
	if n := link.count("WIFI_SET "); n != 3 {
		t.Errorf("WIFI_SET writes = %d, want 3 (initial + 2 resends)", n)
	}
	if link.active() != 0 {
		t.Errorf("%d subscriptions left after failure", link.active())
	}
}

func TestRunFailRetriedOnce(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_FAIL"}, []string{"WIFI_OK"}))
	p := New(testConfig(), Deps{})
	res, err := p.Run(context.Background(), link, testRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Session.Attempt != 2 || !res.Session.FailRetried {
		t.Errorf("attempt = %d failRetried = %v", res.Session.Attempt, res.Session.FailRetried)
	}
}

func TestRunAuthFailure(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_AUTH_FAIL"}, []string{"WIFI_OK"}))
	var statuses []string
	req := testRequest()
	req.OnStatus = func(msg string) { statuses = append(statuses, msg) }

	p := New(testConfig(), Deps{})
	_, err := p.Run(context.Background(), link, req)

	var f *Failure
	if !errors.As(err, &f) || !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Run() error = %v, want *Failure wrapping %v", err, ErrAuthFailed)
	}
	if f.Detail != "WIFI_AUTH_FAIL" {
		t.Errorf("Detail = %q", f.Detail)
	}
	time.Sleep(20 * time.Millisecond)
	if n := link.count("WIFI_SET "); n != 1 {
		t.Errorf("WIFI_SET writes = %d, want 1", n)
	}
	if statuses[len(statuses)-1] != "Wi-Fi password is incorrect" {
		t.Errorf("last status = %q", statuses[len(statuses)-1])
	}
	if link.active() != 0 {
		t.Errorf("%d subscriptions left after failure", link.active())
	}
}

func TestRunTimeout(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_CONNECTING", "WIFI_AP_NOT_FOUND"}))
	cfg := testConfig()
	cfg.Policy.WifiTimeout = 30 * time.Millisecond

	p := New(cfg, Deps{})
	_, err := p.Run(context.Background(), link, testRequest())
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Run() error = %v, want %v", err, ErrNoResponse)
	}
	if link.active() != 0 {
		t.Errorf("%d subscriptions left after timeout", link.active())
	}
}

func TestRunCancelClearsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := newFakeLink(func(cmd string) []string {
		if strings.HasPrefix(cmd, "WIFI_SET ") {
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
			return []string{"WIFI_FAIL"}
		}
		return nil
	})
	cfg := testConfig()
	cfg.Policy.FailRetryDelay = 50 * time.Millisecond

	p := New(cfg, Deps{})
	_, err := p.Run(ctx, link, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if link.active() != 0 {
		t.Errorf("%d subscriptions left after cancel", link.active())
	}

	// The retry that was pending at cancel time must never fire.
	time.Sleep(100 * time.Millisecond)
	if n := link.count("WIFI_SET "); n != 1 {
		t.Errorf("WIFI_SET writes = %d, want 1", n)
	}
}

func TestRunWriteError(t *testing.T) {
	link := newFakeLink(nil)
	link.writeErr = errors.New("att error")

	p := New(testConfig(), Deps{})
	_, err := p.Run(context.Background(), link, testRequest())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() error = %v, want %v", err, ErrTransport)
	}
	if link.active() != 0 {
		t.Errorf("%d subscriptions left after write error", link.active())
	}
}

func TestRunDisconnect(t *testing.T) {
	var link *fakeLink
	link = newFakeLink(func(cmd string) []string {
		if strings.HasPrefix(cmd, "WIFI_SET ") {
			close(link.dropped)
		}
		return nil
	})

	p := New(testConfig(), Deps{})
	_, err := p.Run(context.Background(), link, testRequest())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Run() error = %v, want %v", err, ErrTransport)
	}
}

func TestRunEmptySSID(t *testing.T) {
	link := newFakeLink(nil)
	p := New(testConfig(), Deps{})
	req := testRequest()
	req.SSID = " "
	if _, err := p.Run(context.Background(), link, req); !errors.Is(err, protocol.ErrEmptySSID) {
		t.Errorf("Run() error = %v, want %v", err, protocol.ErrEmptySSID)
	}
	if len(link.written()) != 0 {
		t.Error("nothing should be written for an invalid request")
	}
}

func TestRunRegistersDevice(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_OK"}))
	registry := &fakeRegistry{err: errors.New("409 conflict")}

	p := New(testConfig(), Deps{Tokens: &fakeIssuer{token: "tok"}, Registry: registry})
	res, err := p.Run(context.Background(), link, testRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(registry.devices) != 1 || registry.devices[0] != "ESP32_A1B2C3" {
		t.Errorf("registered = %v", registry.devices)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "register") {
		t.Errorf("warnings = %q, want one registration warning", res.Warnings)
	}
}

func TestRunPushFailuresAreWarnings(t *testing.T) {
	var link *fakeLink
	link = newFakeLink(func(cmd string) []string {
		if strings.HasPrefix(cmd, "WIFI_SET ") {
			// Break the link for every write after the join.
			link.mu.Lock()
			link.writeErr = errors.New("att error")
			link.mu.Unlock()
			return []string{"WIFI_OK"}
		}
		return nil
	})

	p := New(testConfig(), Deps{Tokens: &fakeIssuer{token: "tok"}})
	res, err := p.Run(context.Background(), link, testRequest())
	if err != nil {
		t.Fatalf("Run() error = %v, want success with warnings", err)
	}
	if res.Session.State != StateDone {
		t.Errorf("state = %v, want %v", res.Session.State, StateDone)
	}
	// config, token and heartbeat each failed
	if len(res.Warnings) != 3 {
		t.Errorf("warnings = %q, want 3", res.Warnings)
	}
}

type fakeStatus struct {
	mu     sync.Mutex
	polls  int
	online int // poll number (1-based) that first reports online; 0 never
}

func (f *fakeStatus) DeviceOnline(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.online > 0 && f.polls >= f.online, nil
}

func TestRunConfirmsOnline(t *testing.T) {
	link := newFakeLink(onWifiSet([]string{"WIFI_OK"}))
	cfg := testConfig()
	cfg.ConfirmOnline = true
	cfg.OnlinePollInterval = 5 * time.Millisecond
	cfg.OnlinePollWindow = time.Second
	status := &fakeStatus{online: 2}

	p := New(cfg, Deps{Tokens: &fakeIssuer{token: "tok"}, Status: status})
	res, err := p.Run(context.Background(), link, testRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Online {
		t.Error("Online = false, want true")
	}
}
