package backoff

import (
	"math/rand"
	"time"
)

// JitterType selects how NewJitterFunc spreads a base interval, for
// client-side retries of transient failures.
type JitterType int

const (
	// NoJitter returns the interval unchanged.
	NoJitter JitterType = iota
	// FullJitter returns a uniform random value in [0, interval].
	FullJitter
	// Jitter returns a uniform random value in [interval/2, interval*1.5].
	Jitter
)

// NewJitterFunc returns a function applying the named jitter strategy to
// a base interval. The returned func is safe for concurrent use.
func NewJitterFunc(jt JitterType) func(time.Duration) time.Duration {
	switch jt {
	case FullJitter:
		return func(interval time.Duration) time.Duration {
			if interval <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(interval) + 1))
		}
	case Jitter:
		return func(interval time.Duration) time.Duration {
			if interval <= 0 {
				return 0
			}
			half := interval / 2
			return half + time.Duration(rand.Int63n(int64(interval)+1))
		}
	default:
		return func(interval time.Duration) time.Duration {
			if interval <= 0 {
				return 0
			}
			return interval
		}
	}
}

// jitteredPolicy wraps a RetryPolicy, applying a JitterType to every
// computed interval before returning it.
type jitteredPolicy struct {
	base   RetryPolicy
	jitter func(time.Duration) time.Duration
}

// WithJitter wraps base so every computed interval is passed through
// the named jitter strategy, for any of the three base policies in this
// package.
func WithJitter(base RetryPolicy, jt JitterType) RetryPolicy {
	return &jitteredPolicy{base: base, jitter: NewJitterFunc(jt)}
}

func (p *jitteredPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.base.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return p.jitter(interval), nil
}
