package crawler

import (
	"context"
	"time"
)

// PauseController abstracts how the crawler backs off between attempts.
type PauseController interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauseController sleeps on a timer, returning early on cancellation.
type TimerPauseController struct{}

// Pause waits for delay or until ctx is done, whichever comes first.
func (TimerPauseController) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
