package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls retry timing and retention.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool
	Interval    time.Duration
	// History bounds the abandoned list.
	History int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   30 * time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Minute,
		MaxAttempts: 5,
		Interval:    5 * time.Second,
		History:     50,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.History <= 0 {
		p.History = def.History
	}
	return p
}

// Delay returns the wait before retry attempt N (1-based).
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
