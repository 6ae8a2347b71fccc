package provision

import (
	"errors"
	"fmt"
)

// Terminal failure classes. A *Failure wraps exactly one of these.
var (
	ErrAuthFailed         = errors.New("provision: wifi authentication failed")
	ErrNetworkUnreachable = errors.New("provision: wifi network not found or unreachable")
	ErrDeviceBusy         = errors.New("provision: device busy")
	ErrNoResponse         = errors.New("provision: device did not respond")
	ErrTransport          = errors.New("provision: bluetooth transport error")
)

// Failure describes why a provisioning session ended in StateFailed.
type Failure struct {
	Reason error  // one of the Err* classes above
	Detail string // triggering notification, when there was one
	Err    error  // underlying cause, when there was one
}

func (f *Failure) Error() string {
	switch {
	case f.Err != nil:
		return fmt.Sprintf("%v: %v", f.Reason, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%v (%s)", f.Reason, f.Detail)
	default:
		return f.Reason.Error()
	}
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Reason}
	}
	return []error{f.Reason, f.Err}
}

// Message is the single user-facing status line for this failure.
func (f *Failure) Message() string {
	switch f.Reason {
	case ErrAuthFailed:
		return "Wi-Fi password is incorrect"
	case ErrNetworkUnreachable:
		return "Wi-Fi network not found or unreachable"
	case ErrDeviceBusy:
		return "Device is busy, try again in a moment"
	case ErrNoResponse:
		return "Device did not respond"
	case ErrTransport:
		return "Bluetooth connection problem, try again"
	default:
		return "Provisioning failed"
	}
}
