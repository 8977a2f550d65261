// Package ratelimit provides the retry timing shared by the remote client and
// the sync engine: Retry-After parsing and exponential backoff.
package ratelimit

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Policy computes exponential backoff delays.
type Policy struct {
	// BaseDelay is the delay after the first failure.
	// Default: 30 seconds
	BaseDelay time.Duration

	// MaxDelay caps the delay.
	// Default: 1 hour
	MaxDelay time.Duration

	// EnableJitter scales each delay by a random factor in [0.8, 1.2).
	EnableJitter bool

	// rand returns a value in [0, 1). Nil means math/rand.
	rand func() float64
}

// DefaultPolicy returns the outbox retry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    30 * time.Second,
		MaxDelay:     time.Hour,
		EnableJitter: true,
	}
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped at MaxDelay, with optional jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := p.MaxDelay
	// 2^attempt overflows Duration long before 62 doublings matter
	if attempt < 62 {
		if scaled := float64(p.BaseDelay) * math.Pow(2, float64(attempt)); scaled < float64(p.MaxDelay) {
			delay = time.Duration(scaled)
		}
	}

	if p.EnableJitter {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay = time.Duration(float64(delay) * (0.8 + r()*0.4))
	}
	return delay
}

// RetryDelay returns how long to wait before retrying a rate-limited request.
// A server supplied Retry-After wins over the computed backoff.
func (p Policy) RetryDelay(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}
	return p.Backoff(attempt)
}

// RateLimitError is returned when 429 retries are exhausted.
type RateLimitError struct {
	Endpoint    string
	RetryAfter  time.Duration
	MaxAttempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	endpoint := e.Endpoint
	if endpoint == "" {
		endpoint = "API"
	}
	msg := endpoint + " rate limit exceeded"
	if e.MaxAttempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.MaxAttempts)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// ParseRetryAfter parses the Retry-After header value.
// It supports both seconds format (integer) and HTTP-date format.
// Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	return parseRetryAfterAt(value, time.Now())
}

func parseRetryAfterAt(value string, now time.Time) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks rate limit events seen by the remote client.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = time.Now()
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}
