package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/five82/keel/internal/diag"
)

const (
	defaultPollInterval = 5 * time.Second
	maxBackoff          = 30 * time.Second
)

// StartPoller launches a background goroutine that calls refetch at a fixed
// cadence, backing off while it keeps failing. It returns immediately; the
// returned channel is closed once the goroutine has exited after ctx ends.
func StartPoller(ctx context.Context, name string, refetch func(context.Context) error, interval time.Duration, reporter diag.Reporter) <-chan struct{} {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if reporter == nil {
		reporter = diag.Nop()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := time.NewTimer(interval)
		defer timer.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			if err := refetch(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				reporter.Report(diag.Warn, "poll failed", err,
					zap.String("watch", name), zap.Int("failures", failures))
			} else {
				failures = 0
			}
			timer.Reset(calculateBackoff(failures, interval))
		}
	}()
	return done
}

// calculateBackoff doubles base for every consecutive failure, capped at
// maxBackoff.
func calculateBackoff(failures int, base time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	if failures >= 32 {
		return maxBackoff
	}
	d := base << failures
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}
