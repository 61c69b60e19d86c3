// Package backoff computes wait times between repeated attempts. Request
// retries use the exponential and decorrelated curves; stream reconnects use
// the linear one.
package backoff

import (
	"math/rand"
	"time"
)

const maxDuration = time.Duration(1<<63 - 1)

// Params describes a delay curve. Max caps every delay; Linear treats a
// non-positive Max as uncapped. Jitter is a fraction in [0, 1] of the delay
// added at random.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy maps an attempt number to a delay.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential waits Initial*Multiplier^attempt, starting at attempt 0.
type Exponential struct{}

func (Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(p.Initial) * pow(p.Multiplier, attempt))
	if d < 0 || d > p.Max {
		d = p.Max
	}
	return addJitter(d, p.Max, p.Jitter)
}

// Decorrelated picks uniformly between Initial and min(Max, Initial*3^attempt).
// Attempt 0 always waits exactly Initial.
type Decorrelated struct{}

func (Decorrelated) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * pow(3, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > p.Max {
		d = p.Max
	}
	return d
}

// Linear waits attempt*Initial, treating attempts below 1 as 1. Multiplier is
// ignored.
type Linear struct{}

func (Linear) Delay(attempt int, p Params) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Initial <= 0 {
		return 0
	}

	limit := p.Max
	if limit <= 0 {
		limit = maxDuration
	}
	if time.Duration(attempt) > limit/p.Initial {
		return limit
	}
	return addJitter(time.Duration(attempt)*p.Initial, limit, p.Jitter)
}

// addJitter lengthens d by up to jitter*d without passing limit.
func addJitter(d, limit time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	extra := time.Duration(float64(d) * jitter * rand.Float64())
	if extra > limit-d {
		return limit
	}
	return d + extra
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
