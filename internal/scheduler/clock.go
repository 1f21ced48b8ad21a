package scheduler

import (
	"context"
	"time"
)

// Clock is the time source the worker schedules against. The wall
// reading can come from somewhere other than the host (an offset
// clock), which is why waits are measured against it rather than
// time.Now.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
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

// SystemClock returns the host clock.
func SystemClock() Clock { return systemClock{} }

// OffsetClock shifts the host clock by a fixed amount, for hosts whose
// wall time is known to be wrong against a trusted reference.
func OffsetClock(offset time.Duration) Clock {
	return offsetClock{offset: offset}
}

type offsetClock struct {
	offset time.Duration
}

func (c offsetClock) Now() time.Time { return time.Now().Add(c.offset) }

func (c offsetClock) Sleep(ctx context.Context, d time.Duration) error {
	return systemClock{}.Sleep(ctx, d)
}
