package job

import (
	"context"
	"time"
)

// Think returns a step that blocks for d, the off-cpu part of a task's
// cycle. It gives up early when ctx is done.
func Think(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
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
}

// waitUntil polls cond every poll until it holds or ctx is done.
func waitUntil(ctx context.Context, poll time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if cond() {
				return nil
			}
		}
	}
}
