package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"
)

var (
	// ErrTokenDeviceMismatch is returned when a token is scoped to another device.
	ErrTokenDeviceMismatch = errors.New("backend: token issued for a different device")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("backend: token expired")
	// ErrNoUser is returned when the access token carries no subject.
	ErrNoUser = errors.New("backend: no signed-in user")
)

// DeviceClaims are the claims of a device-scoped token.
type DeviceClaims struct {
	jwt.Claims
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
}

// InspectDeviceToken decodes the claims of token without verifying its
// signature. The reader verifies nothing either; this only catches tokens
// that were minted for the wrong device or have already expired.
func InspectDeviceToken(token string) (*DeviceClaims, error) {
	parsed, err := jwt.ParseSigned(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("backend: parse token: %w", err)
	}
	var claims DeviceClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("backend: decode token claims: %w", err)
	}
	return &claims, nil
}

// CheckDeviceToken reports whether token is usable by deviceID right now.
func CheckDeviceToken(token, deviceID string) error {
	return checkDeviceToken(token, deviceID, time.Now())
}

func checkDeviceToken(token, deviceID string, now time.Time) error {
	claims, err := InspectDeviceToken(token)
	if err != nil {
		return err
	}
	scoped := claims.DeviceID
	if scoped == "" {
		scoped = claims.Subject
	}
	if deviceID != "" && scoped != "" && !strings.EqualFold(scoped, deviceID) {
		return fmt.Errorf("%w: %s", ErrTokenDeviceMismatch, scoped)
	}
	if claims.Expiry != nil && !now.Before(claims.Expiry.Time()) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.Expiry.Time().UTC().Format(time.RFC3339))
	}
	return nil
}

// UserID returns the subject of the client's access token.
func (c *Client) UserID() (string, error) {
	if c.accessToken == "" {
		return "", ErrNoUser
	}
	parsed, err := jwt.ParseSigned(c.accessToken)
	if err != nil {
		return "", fmt.Errorf("backend: parse access token: %w", err)
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return "", fmt.Errorf("backend: decode access token: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrNoUser
	}
	return claims.Subject, nil
}
