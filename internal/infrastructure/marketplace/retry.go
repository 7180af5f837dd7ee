package marketplace

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy is the single backoff policy applied to every outbound marketplace call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// BaseDelay is the delay before the first retry; it doubles per attempt
	BaseDelay time.Duration
	// MaxDelay caps the computed delay
	MaxDelay time.Duration
	// JitterFraction adds uniform jitter in [0, JitterFraction*delay)
	JitterFraction float64
}

// DefaultRetryPolicy returns 3 retries starting at 500ms, capped at 30s, with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// normalized fills zero fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// BaseBackoff returns base * 2^attempt capped at MaxDelay, without jitter.
// attempt is zero-based: attempt 0 is the delay before the first retry.
func (p RetryPolicy) BaseBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Delay returns the wait before retry number attempt. A server supplied
// retryAfter wins when it is longer than the computed backoff.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	delay := p.BaseBackoff(attempt)
	if p.JitterFraction > 0 {
		if span := int64(float64(delay) * p.JitterFraction); span > 0 {
			delay += time.Duration(rand.Int64N(span))
		}
	}
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after attempt (zero-based).
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// parseRetryAfter reads a Retry-After header given either in seconds or as an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(v, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
