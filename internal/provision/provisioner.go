package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

// Link is the reader channel a session runs over. *ble.Link implements it.
type Link interface {
	Send(ctx context.Context, cmd string) error
	SendAll(ctx context.Context, cmds []string) error
	Subscribe(fn func(msg string)) (unsubscribe func(), err error)
	Disconnected() <-chan struct{}
}

// TokenIssuer mints a device-scoped auth token.
type TokenIssuer interface {
	IssueDeviceToken(ctx context.Context, deviceID string) (string, error)
}

// DeviceRegistrar records a device for the current user before it joins.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, deviceID, name string) error
}

// StatusSource reports whether a device has checked in with the backend.
type StatusSource interface {
	DeviceOnline(ctx context.Context, deviceID string) (bool, error)
}

// Config configures a Provisioner.
type Config struct {
	Policy       Policy
	ChunkSize    int
	TokenTimeout time.Duration

	// Backend is pushed to the reader as SUPA_CFG once Wi-Fi is joined.
	Backend protocol.SupabaseConfig
	// CABundle, when non-empty, is pushed as CA_SET.
	CABundle string
	// TLSInsecure sends DEV_INSECURE_ON after the credentials.
	TLSInsecure bool

	// ConfirmOnline polls the StatusSource after a successful push.
	ConfirmOnline      bool
	OnlinePollInterval time.Duration
	OnlinePollWindow   time.Duration
}

// DefaultConfig returns the defaults the reader firmware is tuned for.
func DefaultConfig() Config {
	return Config{
		Policy:             DefaultPolicy(),
		ChunkSize:          protocol.DefaultChunkSize,
		TokenTimeout:       9 * time.Second,
		ConfirmOnline:      true,
		OnlinePollInterval: 2 * time.Second,
		OnlinePollWindow:   20 * time.Second,
	}
}

// Deps are the backend collaborators. Any of them may be nil; the matching
// step is then skipped with a warning.
type Deps struct {
	Tokens      TokenIssuer
	DebugTokens TokenIssuer // fallback when Tokens times out
	CheckToken  func(token, deviceID string) error
	Registry    DeviceRegistrar
	Status      StatusSource
}

// Request describes one provisioning attempt.
type Request struct {
	DeviceID   string
	DeviceName string
	SSID       string
	Password   string
	// OnStatus, if set, receives user-facing progress messages.
	OnStatus func(msg string)
}

// Result is returned when the reader joined Wi-Fi.
type Result struct {
	Session  Session
	Warnings []string // non-fatal post-join problems
	Online   bool     // device reported online within the poll window
}

// Provisioner runs provisioning sessions.
type Provisioner struct {
	cfg  Config
	deps Deps
}

// New creates a Provisioner. Zero config values fall back to DefaultConfig.
func New(cfg Config, deps Deps) *Provisioner {
	d := DefaultConfig()
	if cfg.Policy.BusyRetryDelay <= 0 {
		cfg.Policy.BusyRetryDelay = d.Policy.BusyRetryDelay
	}
	if cfg.Policy.BusyMaxRetries < 0 {
		cfg.Policy.BusyMaxRetries = 0
	}
	if cfg.Policy.FailRetryDelay <= 0 {
		cfg.Policy.FailRetryDelay = d.Policy.FailRetryDelay
	}
	if cfg.Policy.WifiTimeout <= 0 {
		cfg.Policy.WifiTimeout = d.Policy.WifiTimeout
	}
	if cfg.Policy.APNotFound == "" {
		cfg.Policy.APNotFound = d.Policy.APNotFound
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = d.ChunkSize
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = d.TokenTimeout
	}
	if cfg.OnlinePollInterval <= 0 {
		cfg.OnlinePollInterval = d.OnlinePollInterval
	}
	if cfg.OnlinePollWindow <= 0 {
		cfg.OnlinePollWindow = d.OnlinePollWindow
	}
	return &Provisioner{cfg: cfg, deps: deps}
}

// run holds the resources one Run call owns. Only the event loop goroutine
// touches the timers and the session.
type run struct {
	p        *Provisioner
	ctx      context.Context
	link     Link
	req      Request
	wifiCmd  string
	session  Session
	warnings []string

	retry    *time.Timer
	retryC   <-chan time.Time
	timeout  *time.Timer
	timeoutC <-chan time.Time

	done      chan struct{}
	writeErrs chan error
	pushDone  chan []string

	unsubscribe  func()
	teardownOnce sync.Once
}

// Run provisions the reader behind link. It returns a *Result once the
// reader joined Wi-Fi (post-join problems are reported as warnings) or a
// *Failure when the join failed. Cancelling ctx abandons the session.
// Every exit path releases the notification subscription and stops all
// timers.
func (p *Provisioner) Run(ctx context.Context, link Link, req Request) (*Result, error) {
	wifiCmd, err := protocol.WifiSet(req.SSID, req.Password)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}

	r := &run{
		p:         p,
		ctx:       ctx,
		link:      link,
		req:       req,
		wifiCmd:   wifiCmd,
		session:   NewSession(uuid.NewString(), req.DeviceID, req.SSID, req.Password, p.cfg.Policy),
		done:      make(chan struct{}),
		writeErrs: make(chan error, 1),
		pushDone:  make(chan []string, 1),
	}
	defer r.teardown()

	r.register()

	notes := make(chan string, 32)
	unsubscribe, err := link.Subscribe(func(msg string) {
		select {
		case notes <- msg:
		case <-r.done:
		}
	})
	if err != nil {
		r.session, _ = TransportFailed(Connected(r.session, ""), err)
		r.status(r.session.Failure.Message())
		return nil, r.session.Failure
	}
	r.unsubscribe = unsubscribe

	r.session = Connected(r.session, "")
	slog.Info("[PROVISION] session started", "session", r.session.ID, "device", r.session.DeviceID, "ssid", r.session.SSID)
	r.step(Begin(r.session))

	disconnected := link.Disconnected()
	for !r.session.State.Terminal() {
		select {
		case <-ctx.Done():
			slog.Info("[PROVISION] session cancelled", "session", r.session.ID, "state", r.session.State)
			return nil, ctx.Err()

		case <-disconnected:
			disconnected = nil
			r.step(TransportFailed(r.session, errors.New("peripheral disconnected")))

		case msg := <-notes:
			ev := protocol.Classify(msg)
			slog.Debug("[PROVISION] notification", "session", r.session.ID, "kind", ev.Kind, "msg", ev.Raw)
			r.step(Transition(r.session, ev))

		case <-r.retryC:
			r.retryC = nil
			r.step(RetryDue(r.session))

		case <-r.timeoutC:
			r.timeoutC = nil
			r.step(Expire(r.session))

		case err := <-r.writeErrs:
			r.step(TransportFailed(r.session, err))

		case w := <-r.pushDone:
			r.warnings = append(r.warnings, w...)
			r.step(PushFinished(r.session))
		}
	}

	if r.session.State == StateFailed {
		slog.Warn("[PROVISION] session failed", "session", r.session.ID, "error", r.session.Failure)
		return nil, r.session.Failure
	}

	r.teardown()
	res := &Result{Session: r.session, Warnings: r.warnings}
	if p.cfg.ConfirmOnline && p.deps.Status != nil && r.session.DeviceID != "" {
		r.status("Waiting for the device to come online")
		online, err := ConfirmOnline(ctx, p.deps.Status, r.session.DeviceID, p.cfg.OnlinePollInterval, p.cfg.OnlinePollWindow)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("online check: %v", err))
		}
		res.Online = online
		if online {
			r.status("Device is online")
		} else {
			r.status("Device has not reported online yet")
		}
	}
	slog.Info("[PROVISION] session done", "session", r.session.ID, "attempts", r.session.Attempt, "warnings", len(res.Warnings))
	return res, nil
}

// step stores the new session and executes its effects.
func (r *run) step(s Session, effects []Effect) {
	if s.State != r.session.State {
		slog.Debug("[PROVISION] state", "session", s.ID, "from", r.session.State, "to", s.State)
	}
	r.session = s

	for _, e := range effects {
		switch e.Kind {
		case EffectSendWifiSet:
			r.sendWifiSet()
		case EffectScheduleRetry:
			r.stopRetry()
			slog.Info("[PROVISION] retry scheduled", "session", s.ID, "delay", e.Delay, "attempt", s.Attempt+1)
			r.retry = time.NewTimer(e.Delay)
			r.retryC = r.retry.C
		case EffectCancelRetry:
			r.stopRetry()
		case EffectStartPush:
			r.stopTimeout()
			r.startPush()
		case EffectFail:
			r.stopRetry()
			r.stopTimeout()
		case EffectStatus:
			r.status(e.Message)
		}
	}
}

// sendWifiSet writes WIFI_SET off the event loop so notifications arriving
// mid-write are handled immediately, and restarts the Wi-Fi timeout.
func (r *run) sendWifiSet() {
	r.stopTimeout()
	r.timeout = time.NewTimer(r.session.Policy.WifiTimeout)
	r.timeoutC = r.timeout.C

	slog.Info("[PROVISION] sending WIFI_SET", "session", r.session.ID, "attempt", r.session.Attempt)
	go func() {
		if err := r.link.Send(r.ctx, r.wifiCmd); err != nil {
			select {
			case r.writeErrs <- err:
			case <-r.done:
			}
		}
	}()
}

func (r *run) startPush() {
	deviceID := r.session.DeviceID
	go func() {
		warnings := r.p.push(r.ctx, r.link, deviceID)
		select {
		case r.pushDone <- warnings:
		case <-r.done:
		}
	}()
}

func (r *run) register() {
	if r.p.deps.Registry == nil || r.req.DeviceID == "" {
		return
	}
	if err := r.p.deps.Registry.RegisterDevice(r.ctx, r.req.DeviceID, r.req.DeviceName); err != nil {
		slog.Warn("[PROVISION] device registration failed", "device", r.req.DeviceID, "error", err)
		r.warnings = append(r.warnings, fmt.Sprintf("register device: %v", err))
	}
}

func (r *run) status(msg string) {
	slog.Info("[PROVISION] "+msg, "session", r.session.ID)
	if r.req.OnStatus != nil {
		r.req.OnStatus(msg)
	}
}

func (r *run) stopRetry() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	r.retryC = nil
}

func (r *run) stopTimeout() {
	if r.timeout != nil {
		r.timeout.Stop()
		r.timeout = nil
	}
	r.timeoutC = nil
}

// teardown releases the subscription and timers. Safe to call repeatedly.
func (r *run) teardown() {
	r.teardownOnce.Do(func() {
		close(r.done)
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.stopRetry()
		r.stopTimeout()
	})
}
