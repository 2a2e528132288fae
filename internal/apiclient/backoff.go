package apiclient

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// retryDelay computes the exponential backoff for the given retry index
// (0 for the first retry), capped at maxDelay, with symmetric jitter so
// many clients hitting the same outage do not retry in lockstep.
func retryDelay(baseDelay time.Duration, maxDelay time.Duration, retryIndex int, jitterFraction float64) time.Duration {
	delay := baseDelay << uint(retryIndex)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}
	if jitterFraction > 0 {
		spread := (rand.Float64()*2 - 1) * jitterFraction
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// retryAfterDelay extracts the server-mandated wait from a 429 response,
// supporting both delta-seconds and HTTP-date forms. The boolean reports
// whether the header was present and usable.
func retryAfterDelay(header http.Header, now time.Time) (time.Duration, bool) {
	value := header.Get("Retry-After")
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := when.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

// sleepContext waits for the delay, aborting promptly on cancellation
// rather than after the full backoff elapses.
func sleepContext(ctx context.Context, delay time.Duration) error {
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
