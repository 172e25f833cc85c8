package verifykit

import (
	"context"
	"time"
)

// Clock supplies the time source and sleep used by poll loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sleepWithin sleeps for interval, clipped so it never runs past deadline.
func sleepWithin(ctx context.Context, c Clock, interval time.Duration, deadline time.Time) error {
	if remaining := deadline.Sub(c.Now()); remaining < interval {
		interval = remaining
	}
	return c.Sleep(ctx, interval)
}
