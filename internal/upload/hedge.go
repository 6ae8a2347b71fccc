// Package upload obtains a public URL for a binary payload by racing two
// upload strategies and degrading image quality when uploads time out.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

// DefaultHedgeDelay is how long the primary strategy runs alone.
const DefaultHedgeDelay = 1500 * time.Millisecond

// Func is one cancellable attempt producing a value.
type Func[T any] func(ctx context.Context) (T, error)

// FirstSuccessful runs primary immediately and starts secondary once
// hedgeDelay elapses without primary settling, or as soon as primary fails.
// The first success wins and the other attempt's context is cancelled; its
// late result is discarded. If both fail, the returned error combines both
// failures.
func FirstSuccessful[T any](ctx context.Context, primary, secondary Func[T], hedgeDelay time.Duration) (T, error) {
	var zero T
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		val  T
		err  error
		name string
	}
	// Buffered so an abandoned attempt never blocks on send.
	results := make(chan outcome, 2)
	launch := func(name string, f Func[T]) {
		go func() {
			v, err := f(ctx)
			results <- outcome{val: v, err: err, name: name}
		}()
	}

	launch("primary", primary)
	running := 1
	hedged := false

	timer := time.NewTimer(hedgeDelay)
	defer timer.Stop()
	hedgeC := timer.C

	var errs error
	for {
		select {
		case <-hedgeC:
			hedgeC = nil
			if !hedged {
				hedged = true
				slog.Info("[UPLOAD] primary slow, starting secondary", "delay", hedgeDelay)
				launch("secondary", secondary)
				running++
			}

		case r := <-results:
			running--
			if r.err == nil {
				slog.Debug("[UPLOAD] attempt won", "strategy", r.name)
				return r.val, nil
			}
			slog.Warn("[UPLOAD] attempt failed", "strategy", r.name, "error", r.err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			if !hedged {
				hedged = true
				hedgeC = nil
				launch("secondary", secondary)
				running++
				continue
			}
			if running == 0 {
				return zero, errs
			}

		case <-ctx.Done():
			return zero, multierr.Append(errs, ctx.Err())
		}
	}
}
