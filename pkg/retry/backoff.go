package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls backoff growth for failed ingestion jobs.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// DefaultPolicy matches the scheduling contract for failed sync jobs:
// first retry due five minutes after failure, doubling up to an hour.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 5 * time.Minute,
		MaxBackoff:     time.Hour,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Backoff calculates retry delays for a policy.
type Backoff struct {
	policy Policy
	rng    *rand.Rand
}

// NewBackoff creates a new backoff calculator.
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Calculate computes the delay before the given attempt number (1-based).
func (b *Backoff) Calculate(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := float64(b.policy.InitialBackoff) * math.Pow(b.policy.Multiplier, float64(attempt-1))

	if b.policy.MaxBackoff > 0 && backoff > float64(b.policy.MaxBackoff) {
		backoff = float64(b.policy.MaxBackoff)
	}

	if b.policy.Jitter > 0 {
		jitter := backoff * b.policy.Jitter
		backoff = backoff - jitter + (b.rng.Float64() * 2 * jitter)
	}

	return time.Duration(backoff)
}
