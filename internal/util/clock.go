package util

import (
	"context"
	"fmt"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Call duration clock
// ──────────────────────────────────────────────────────────────────────────────

// FormatDuration renders an elapsed call duration as "m:ss", switching to
// "h:mm:ss" once the call passes the hour mark.
func FormatDuration(d time.Duration) string {
	s := int(d.Seconds())
	h, m, sec := s/3600, (s%3600)/60, s%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}

// StartCallClock launches a goroutine that invokes report once per second
// with the elapsed time since start. It stops when ctx is cancelled.
func StartCallClock(ctx context.Context, start time.Time, report func(elapsed time.Duration)) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				report(time.Since(start).Truncate(time.Second))
			case <-ctx.Done():
				return
			}
		}
	}()
}
