// Package provision drives a PINME reader through Wi-Fi credential exchange
// and backend credential delivery over a BLE link.
//
// The protocol logic lives in pure transition functions over a Session
// value; Provisioner executes the resulting effects (writes, timers, the
// post-join push) from a single event loop.
package provision

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

// State is a provisioning session's protocol state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnected
	StateAwaitingWifiResult
	StateWifiConfirmed
	StatePushingConfig
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateScanning:           "scanning",
	StateConnected:          "connected",
	StateAwaitingWifiResult: "awaiting-wifi-result",
	StateWifiConfirmed:      "wifi-confirmed",
	StatePushingConfig:      "pushing-config",
	StateDone:               "done",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// APNotFoundPolicy selects how WIFI_AP_NOT_FOUND is handled.
type APNotFoundPolicy string

const (
	// APNotFoundWait suppresses the notification and keeps waiting for a
	// later result; the firmware keeps retrying internally. The Wi-Fi
	// timeout still bounds the wait.
	APNotFoundWait APNotFoundPolicy = "wait"
	// APNotFoundRetry treats the notification like WIFI_FAIL.
	APNotFoundRetry APNotFoundPolicy = "retry"
)

// Policy holds the retry ceilings and delays of the Wi-Fi exchange.
type Policy struct {
	BusyRetryDelay time.Duration
	BusyMaxRetries int
	FailRetryDelay time.Duration
	WifiTimeout    time.Duration // measured from the most recent WIFI_SET write
	APNotFound     APNotFoundPolicy
}

// DefaultPolicy returns the delays and ceilings the reader firmware is tuned for.
func DefaultPolicy() Policy {
	return Policy{
		BusyRetryDelay: 1200 * time.Millisecond,
		BusyMaxRetries: 2,
		FailRetryDelay: 2 * time.Second,
		WifiTimeout:    20 * time.Second,
		APNotFound:     APNotFoundWait,
	}
}

// Session is the state of one provisioning interaction. It is a value:
// transition functions return an updated copy and never mutate their input.
type Session struct {
	ID       string
	DeviceID string
	SSID     string
	Password string
	Token    string

	State        State
	Attempt      int  // WIFI_SET writes issued so far
	BusyRetries  int  // resends triggered by WIFI_BUSY
	FailRetried  bool // the single failure retry has been used
	RetryPending bool // a timed WIFI_SET resend is scheduled
	PushStarted  bool // post-join push launched; never launched twice
	Failure      *Failure

	Policy Policy
}

// NewSession returns an idle session for the given credentials.
func NewSession(id, deviceID, ssid, password string, policy Policy) Session {
	return Session{
		ID:       id,
		DeviceID: deviceID,
		SSID:     ssid,
		Password: password,
		State:    StateIdle,
		Policy:   policy,
	}
}

// EffectKind enumerates side effects requested by a transition.
type EffectKind int

const (
	// EffectSendWifiSet writes the session's WIFI_SET command and restarts
	// the Wi-Fi timeout.
	EffectSendWifiSet EffectKind = iota
	// EffectScheduleRetry arms the retry timer for Delay; RetryDue fires it.
	EffectScheduleRetry
	// EffectCancelRetry disarms the retry timer.
	EffectCancelRetry
	// EffectStartPush launches the post-join config/token push.
	EffectStartPush
	// EffectFail ends the session with Err.
	EffectFail
	// EffectStatus reports Message to the user.
	EffectStatus
)

var effectNames = [...]string{
	EffectSendWifiSet:   "send-wifi-set",
	EffectScheduleRetry: "schedule-retry",
	EffectCancelRetry:   "cancel-retry",
	EffectStartPush:     "start-push",
	EffectFail:          "fail",
	EffectStatus:        "status",
}

func (k EffectKind) String() string {
	if k >= 0 && int(k) < len(effectNames) {
		return effectNames[k]
	}
	return fmt.Sprintf("EffectKind(%d)", int(k))
}

// Effect is one side effect for the runner to execute.
type Effect struct {
	Kind    EffectKind
	Delay   time.Duration // EffectScheduleRetry
	Message string        // EffectStatus
	Err     error         // EffectFail
}

// Scanning moves an idle session into device discovery.
func Scanning(s Session) Session {
	if s.State == StateIdle {
		s.State = StateScanning
	}
	return s
}

// Connected records the reader the session is bound to.
func Connected(s Session, deviceID string) Session {
	if s.State == StateIdle || s.State == StateScanning {
		s.State = StateConnected
		if deviceID != "" {
			s.DeviceID = deviceID
		}
	}
	return s
}

// Begin sends the first WIFI_SET of a connected session.
func Begin(s Session) (Session, []Effect) {
	if s.State != StateConnected {
		return s, nil
	}
	s.State = StateAwaitingWifiResult
	s.Attempt = 1
	return s, []Effect{
		{Kind: EffectStatus, Message: "Sending Wi-Fi credentials"},
		{Kind: EffectSendWifiSet},
	}
}

// Transition applies one classified notification. Notifications outside
// StateAwaitingWifiResult are ignored, so a duplicated WIFI_OK never starts
// a second push.
func Transition(s Session, ev protocol.Event) (Session, []Effect) {
	if s.State != StateAwaitingWifiResult {
		return s, nil
	}

	switch ev.Kind {
	case protocol.EventWifiOK, protocol.EventWifiStaConnected:
		return joined(s)

	case protocol.EventBusy:
		if s.RetryPending {
			return s, nil
		}
		if s.BusyRetries >= s.Policy.BusyMaxRetries {
			return fail(s, &Failure{Reason: ErrDeviceBusy, Detail: ev.Raw})
		}
		s.BusyRetries++
		s.RetryPending = true
		return s, []Effect{
			{Kind: EffectScheduleRetry, Delay: s.Policy.BusyRetryDelay},
		}

	case protocol.EventAPNotFound:
		if s.Policy.APNotFound != APNotFoundRetry {
			slog.Debug("[PROVISION] access point not found yet, waiting", "session", s.ID)
			return s, nil
		}
		return failedJoin(s, ev)

	case protocol.EventWifiFail, protocol.EventWifiDisconnected:
		return failedJoin(s, ev)

	case protocol.EventAuthFail:
		return fail(s, &Failure{Reason: ErrAuthFailed, Detail: ev.Raw})

	default:
		return s, nil
	}
}

func joined(s Session) (Session, []Effect) {
	var effects []Effect
	if s.RetryPending {
		s.RetryPending = false
		effects = append(effects, Effect{Kind: EffectCancelRetry})
	}
	s.State = StateWifiConfirmed
	effects = append(effects, Effect{Kind: EffectStatus, Message: "Wi-Fi connected"})
	if !s.PushStarted {
		s.PushStarted = true
		s.State = StatePushingConfig
		effects = append(effects, Effect{Kind: EffectStartPush})
	}
	return s, effects
}

// failedJoin retries once after the failure delay, then fails. The retry
// budget is shared by every failure pattern.
func failedJoin(s Session, ev protocol.Event) (Session, []Effect) {
	if s.RetryPending {
		return s, nil
	}
	if s.FailRetried {
		return fail(s, &Failure{Reason: ErrNetworkUnreachable, Detail: ev.Raw})
	}
	s.FailRetried = true
	s.RetryPending = true
	return s, []Effect{
		{Kind: EffectStatus, Message: "Wi-Fi join failed, retrying"},
		{Kind: EffectScheduleRetry, Delay: s.Policy.FailRetryDelay},
	}
}

// RetryDue fires a scheduled resend.
func RetryDue(s Session) (Session, []Effect) {
	if s.State != StateAwaitingWifiResult || !s.RetryPending {
		return s, nil
	}
	s.RetryPending = false
	s.Attempt++
	return s, []Effect{{Kind: EffectSendWifiSet}}
}

// Expire fails a session that got no terminal notification within the
// Wi-Fi timeout.
func Expire(s Session) (Session, []Effect) {
	if s.State != StateAwaitingWifiResult {
		return s, nil
	}
	return fail(s, &Failure{Reason: ErrNoResponse})
}

// TransportFailed fails a session whose WIFI_SET write or connection broke.
// Failures after the join are not session-fatal and are ignored here.
func TransportFailed(s Session, err error) (Session, []Effect) {
	if s.State != StateAwaitingWifiResult && s.State != StateConnected {
		return s, nil
	}
	return fail(s, &Failure{Reason: ErrTransport, Err: err})
}

// PushFinished completes a session whose post-join push has returned.
func PushFinished(s Session) (Session, []Effect) {
	if s.State != StatePushingConfig {
		return s, nil
	}
	s.State = StateDone
	return s, []Effect{{Kind: EffectStatus, Message: "Device provisioned"}}
}

func fail(s Session, f *Failure) (Session, []Effect) {
	var effects []Effect
	if s.RetryPending {
		s.RetryPending = false
		effects = append(effects, Effect{Kind: EffectCancelRetry})
	}
	s.State = StateFailed
	s.Failure = f
	return s, append(effects,
		Effect{Kind: EffectStatus, Message: f.Message()},
		Effect{Kind: EffectFail, Err: f},
	)
}
