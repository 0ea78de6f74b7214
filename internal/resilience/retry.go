// Package resilience provides retry with exponential backoff for
// outbound deliveries. Webhook receivers come and go; a transient
// failure should not drop a notification the loop only sends once.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// Policy controls retry behavior.
type Policy struct {
	// MaxAttempts counts the first try. 1 means no retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Multiplier scales the delay after each attempt.
	Multiplier float64

	// Jitter spreads the delay by ±Jitter fraction so synchronized
	// callers don't hammer a recovering receiver in lockstep.
	Jitter float64
}

// DefaultPolicy suits short-lived HTTP deliveries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
	}
}

// Transient marks an error as safe to retry.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// MarkTransient wraps err so Do will retry it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Err: err}
}

// IsTransient reports whether err is worth retrying: either explicitly
// marked, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *Transient
	if errors.As(err, &t) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryableStatus reports whether an HTTP status code indicates a
// transient server-side condition.
func RetryableStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Do runs fn until it succeeds, returns a non-transient error, the
// attempts are exhausted, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.Jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
