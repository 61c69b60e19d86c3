package gqlink

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/gqlink/internal/backoff"
)

// RetryPolicy decides whether a failed request/response operation is tried
// again and how long to wait first. attempt starts at 0. Mutations are never
// offered to the policy.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay curve of DefaultRetryPolicy.
type BackoffStrategy int

const (
	ExponentialJitter BackoffStrategy = iota
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "ExponentialJitter"
	case DecorrelatedJitter:
		return "DecorrelatedJitter"
	default:
		return "Unknown"
	}
}

// DefaultRetryPolicy retries transient failures (network errors, timeouts,
// 5xx and 429) up to maxRetries times, honouring Retry-After.
type DefaultRetryPolicy struct {
	maxRetries int
	params     backoff.Params
	strategy   BackoffStrategy
	curve      backoff.Strategy
}

// NewDefaultRetryPolicy creates a retry policy using exponential backoff with jitter.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	policy := &DefaultRetryPolicy{
		maxRetries: maxRetries,
		params: backoff.Params{
			Initial:    initialBackoff,
			Max:        maxBackoff,
			Multiplier: multiplier,
			Jitter:     jitter,
		},
		strategy: strategy,
		curve:    backoff.Exponential{},
	}
	if strategy == DecorrelatedJitter {
		policy.curve = backoff.Decorrelated{}
	}
	return policy
}

// MaxRetries returns the retry limit.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.maxRetries {
		return 0, false
	}
	if !IsTransient(err) {
		return 0, false
	}

	var delay time.Duration
	if clientErr, ok := asClientError(err); ok && clientErr.RetryAfter > 0 {
		delay = clientErr.RetryAfter
	}
	if delay == 0 {
		delay = p.calculateBackoff(attempt)
	}
	return delay, true
}

func (p *DefaultRetryPolicy) calculateBackoff(attempt int) time.Duration {
	return p.curve.Delay(attempt, p.params)
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds > 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > time.Hour {
				delay = time.Hour
			}
			return delay
		}
		return 0
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// RetryBudget limits retries across all operations of a client to
// maxRetries per window.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// GetStats returns current retry budget statistics.
func (rb *RetryBudget) GetStats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
