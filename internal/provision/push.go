package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/toytrack/internal/ble/protocol"
)

// push delivers backend config, the device token and optional TLS settings,
// then asks the reader for an immediate heartbeat. It runs once per session
// after the Wi-Fi join. Every failure is reported as a warning.
func (p *Provisioner) push(ctx context.Context, link Link, deviceID string) []string {
	var warnings []string
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		slog.Warn("[PROVISION] " + msg)
		warnings = append(warnings, msg)
	}

	payload, err := p.cfg.Backend.Payload()
	if err != nil {
		warn("backend config skipped: %v", err)
	} else if err := p.sendChunked(ctx, link, protocol.TagSupabaseConfig, payload); err != nil {
		warn("backend config push failed: %v", err)
	} else {
		slog.Info("[PROVISION] backend config sent", "device", deviceID)
	}

	token, err := p.issueToken(ctx, deviceID)
	if err != nil {
		warn("device token unavailable: %v", err)
	}
	if token != "" {
		if p.deps.CheckToken != nil {
			if err := p.deps.CheckToken(token, deviceID); err != nil {
				warn("device token: %v", err)
			}
		}
		tokenPayload, err := protocol.AuthTokenPayload(token)
		if err != nil {
			warn("device token encode failed: %v", err)
		} else if err := p.sendChunked(ctx, link, protocol.TagAuthToken, tokenPayload); err != nil {
			warn("device token push failed: %v", err)
		} else {
			slog.Info("[PROVISION] device token sent", "device", deviceID)
		}
	}

	if bundle := strings.TrimSpace(p.cfg.CABundle); bundle != "" {
		if err := p.sendChunked(ctx, link, protocol.TagCertificate, bundle); err != nil {
			warn("CA bundle push failed: %v", err)
		}
	}
	if p.cfg.TLSInsecure {
		if err := link.Send(ctx, protocol.CmdDevInsecureOn); err != nil {
			warn("%s failed: %v", protocol.CmdDevInsecureOn, err)
		}
	}

	if err := link.Send(ctx, protocol.CmdHeartbeatNow); err != nil {
		warn("%s failed: %v", protocol.CmdHeartbeatNow, err)
	}
	return warnings
}

func (p *Provisioner) sendChunked(ctx context.Context, link Link, tag protocol.Tag, text string) error {
	// Each write is trimmed on the reader, so parts must not end in whitespace.
	frames := protocol.EncodeTrimSafe(tag, text, p.cfg.ChunkSize)
	slog.Debug("[PROVISION] sending chunked message", "tag", tag, "frames", len(frames))
	return link.SendAll(ctx, frames)
}
