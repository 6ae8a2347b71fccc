package provision

import (
	"context"
	"errors"
	"log/slog"

	"go.uber.org/multierr"
)

var (
	// ErrNoTokenIssuer is returned when no token issuer is configured.
	ErrNoTokenIssuer = errors.New("provision: no token issuer configured")
	// ErrEmptyToken is returned when an issuer succeeds without a token.
	ErrEmptyToken = errors.New("provision: issuer returned an empty token")
)

// issueToken asks the primary issuer for a device token, bounded by the
// token timeout. A timeout or gateway timeout falls back to the debug issuer
// once; any other error is returned as is.
func (p *Provisioner) issueToken(ctx context.Context, deviceID string) (string, error) {
	if p.deps.Tokens == nil {
		return "", ErrNoTokenIssuer
	}

	token, err := p.callIssuer(ctx, p.deps.Tokens, deviceID)
	if err == nil {
		return token, nil
	}
	if p.deps.DebugTokens == nil || !shouldFallback(err) || ctx.Err() != nil {
		return "", err
	}

	slog.Warn("[PROVISION] token issuer timed out, trying debug issuer", "device", deviceID, "error", err)
	token, ferr := p.callIssuer(ctx, p.deps.DebugTokens, deviceID)
	if ferr != nil {
		return "", multierr.Combine(err, ferr)
	}
	return token, nil
}

func (p *Provisioner) callIssuer(ctx context.Context, issuer TokenIssuer, deviceID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TokenTimeout)
	defer cancel()

	token, err := issuer.IssueDeviceToken(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// shouldFallback reports whether err is a timeout-class failure.
func shouldFallback(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var gateway interface{ GatewayTimeout() bool }
	return errors.As(err, &gateway) && gateway.GatewayTimeout()
}
