// Package retry computes exponential backoff delays and tracks attempt budgets.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// maxShift caps the exponent so large attempt numbers cannot overflow a Duration.
const maxShift = 30

// MaxDelay is the longest un-jittered delay. Half of the Duration range leaves room for
// a full jitter on top.
const MaxDelay = time.Duration(math.MaxInt64 / 2)

// Policy describes a bounded exponential backoff: Base, Base*2, Base*4, ...
type Policy struct {
	// Base is the delay after the first attempt.
	Base time.Duration
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int
	// Jitter adds up to Jitter*delay of random extra wait. 0 disables jitter.
	Jitter float64
	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// Delay returns the wait that follows attempt number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.base(attempt)
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += time.Duration(float64(d) * math.Min(p.Jitter, 1) * r())
	}
	return d
}

// base is Base*2^attempt, saturating at MaxDelay.
func (p Policy) base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	if p.Base <= 0 {
		return 0
	}
	if p.Base > MaxDelay>>uint(attempt) {
		return MaxDelay
	}
	return p.Base << uint(attempt)
}

// Attempts returns the total number of transmissions the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Budget returns the sum of all delays without jitter, i.e. how long a call can take
// when every attempt goes unanswered.
func (p Policy) Budget(perAttempt time.Duration) time.Duration {
	var total time.Duration
	for i := 0; i < p.Attempts(); i++ {
		step := perAttempt + p.base(i)
		if step < 0 || total > MaxDelay-step {
			return MaxDelay
		}
		total += step
	}
	return total
}

// Tracker counts attempts against a Policy for one operation.
type Tracker struct {
	policy   Policy
	attempts int
}

// NewTracker starts a tracker with no attempts recorded.
func NewTracker(p Policy) *Tracker {
	return &Tracker{policy: p}
}

// Record registers an attempt and returns the wait before the outcome of that
// attempt should be judged.
func (t *Tracker) Record() time.Duration {
	d := t.policy.Delay(t.attempts)
	t.attempts++
	return d
}

// Attempts returns how many attempts were recorded.
func (t *Tracker) Attempts() int {
	return t.attempts
}

// Exhausted reports whether no attempt is left.
func (t *Tracker) Exhausted() bool {
	return t.attempts >= t.policy.Attempts()
}
