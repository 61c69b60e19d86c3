package gqlink

import (
	"errors"
	"time"

	"github.com/ambiyansyah-risyal/gqlink/internal/backoff"
)

// ReconnectPolicy decides whether and when a dropped stream is reopened.
// attempt is 1 for the first reopen after a healthy connection and grows
// with every consecutive failure.
type ReconnectPolicy interface {
	ReopenWhen(cause error, attempt int) (time.Duration, bool)
}

// ReconnectPolicyFunc adapts a function to ReconnectPolicy.
type ReconnectPolicyFunc func(cause error, attempt int) (time.Duration, bool)

func (f ReconnectPolicyFunc) ReopenWhen(cause error, attempt int) (time.Duration, bool) {
	return f(cause, attempt)
}

// LinearReconnectPolicy waits attempt*Step before reopening. MaxDelay caps
// the delay and MaxAttempts gives up after that many attempts; zero means
// uncapped and unlimited.
type LinearReconnectPolicy struct {
	Step        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy reopens forever, one more second per attempt.
func DefaultReconnectPolicy() *LinearReconnectPolicy {
	return &LinearReconnectPolicy{Step: time.Second}
}

func (p *LinearReconnectPolicy) ReopenWhen(_ error, attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	return backoff.Linear{}.Delay(attempt, backoff.Params{Initial: p.Step, Max: p.MaxDelay}), true
}

// Validate rejects a non-positive Step, which would reopen without waiting,
// and negative caps.
func (p *LinearReconnectPolicy) Validate() error {
	if p.Step <= 0 {
		return errors.New("reconnect step must be positive")
	}
	if p.MaxDelay < 0 || p.MaxAttempts < 0 {
		return errors.New("reconnect caps must be non-negative")
	}
	return nil
}
