package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Object is one payload bound for the photo bucket.
type Object struct {
	Path        string // "<user>/<name>"
	Data        []byte
	ContentType string
}

// Strategy uploads an object and returns its public URL.
type Strategy interface {
	Upload(ctx context.Context, obj Object) (string, error)
}

// Task is one save operation's payload.
type Task struct {
	UserID      string
	Data        []byte
	ContentType string
}

// Options configures an Uploader.
type Options struct {
	HedgeDelay time.Duration
	Ladder     []Rung
}

// Uploader hedges a primary strategy (direct signed upload) with a
// secondary one (server proxy) and walks the degradation ladder when both
// time out.
type Uploader struct {
	primary   Strategy
	secondary Strategy
	opts      Options
}

// NewUploader creates an Uploader. Zero options fall back to
// DefaultHedgeDelay and DefaultLadder.
func NewUploader(primary, secondary Strategy, opts Options) *Uploader {
	if opts.HedgeDelay <= 0 {
		opts.HedgeDelay = DefaultHedgeDelay
	}
	if len(opts.Ladder) == 0 {
		opts.Ladder = DefaultLadder
	}
	return &Uploader{primary: primary, secondary: secondary, opts: opts}
}

// Upload stores task and returns exactly one public URL. A timed-out
// attempt is retried once per remaining rung with a re-encoded payload;
// any other failure, or running out of rungs, returns the last error.
func (u *Uploader) Upload(ctx context.Context, task Task) (string, error) {
	if len(task.Data) == 0 {
		return "", errors.New("upload: empty payload")
	}
	if task.UserID == "" {
		return "", errors.New("upload: missing user id")
	}

	var lastErr error
	for i, rung := range u.opts.Ladder {
		obj, err := u.prepare(task, rung)
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("upload: %w (re-encode for %s failed: %v)", lastErr, rung, err)
			}
			return "", err
		}

		slog.Info("[UPLOAD] uploading", "path", obj.Path, "bytes", len(obj.Data), "rung", rung.String())
		url, err := FirstSuccessful(ctx,
			func(ctx context.Context) (string, error) { return u.primary.Upload(ctx, obj) },
			func(ctx context.Context) (string, error) { return u.secondary.Upload(ctx, obj) },
			u.opts.HedgeDelay,
		)
		if err == nil {
			return url, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTimeout(err) {
			return "", fmt.Errorf("upload: %w", err)
		}
		if i < len(u.opts.Ladder)-1 {
			slog.Warn("[UPLOAD] upload timed out, degrading", "next", u.opts.Ladder[i+1].String())
		}
	}
	return "", fmt.Errorf("upload: ladder exhausted: %w", lastErr)
}

func (u *Uploader) prepare(task Task, rung Rung) (Object, error) {
	data, contentType := task.Data, task.ContentType
	if !rung.Original() {
		var err error
		data, err = Reencode(task.Data, rung)
		if err != nil {
			return Object{}, err
		}
		contentType = "image/jpeg"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Object{
		Path:        task.UserID + "/" + uuid.NewString() + "." + extension(contentType),
		Data:        data,
		ContentType: contentType,
	}, nil
}

func extension(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return "png"
	case strings.Contains(contentType, "webp"):
		return "webp"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return "jpg"
	default:
		return "bin"
	}
}

// IsTimeout reports whether err, or any error it combines, is a timeout.
func IsTimeout(err error) bool {
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
