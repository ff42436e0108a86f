package fetcher

import (
	"context"
	"math/rand/v2"
	"time"
)

// Delay waits a uniformly random duration in [min, max]. It returns early
// with ctx.Err() on cancellation and is a no-op when max <= 0.
func Delay(ctx context.Context, min, max time.Duration) error {
	if max <= 0 {
		return ctx.Err()
	}
	if min < 0 {
		min = 0
	}
	d := min
	if max > min {
		d += time.Duration(rand.Int64N(int64(max-min) + 1))
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
