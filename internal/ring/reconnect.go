package ring

import (
	"math"
	"time"
)

// Policy paces and caps reconnection after an unexpected disconnect:
// attempt n waits BaseDelay * Multiplier^(n-1), capped at MaxDelay, and
// attempts beyond MaxAttempts are abandoned.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns the shipping reconnect schedule: five attempts at
// 1s, 2s, 4s, 8s and 16s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Decision is the outcome of consulting the policy for one attempt:
// either wait Delay and try again, or give up.
type Decision struct {
	GiveUp bool
	Delay  time.Duration
}

// Decide returns the schedule for reconnect attempt n (1-based). It is a
// pure function of the policy and n; the caller owns any timers.
func (p Policy) Decide(attempt int) Decision {
	if attempt < 1 || attempt > p.MaxAttempts {
		return Decision{GiveUp: true}
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return Decision{Delay: p.MaxDelay}
	}
	return Decision{Delay: time.Duration(delay)}
}
