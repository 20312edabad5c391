// Package backoff computes the pauses between retries of transient
// backend failures: exponential growth with jitter, capped at a maximum.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes one retry schedule. The zero value is unusable;
// start from Default.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor multiplies the delay on each successive attempt.
	Factor float64
	// Jitter is the fraction of the base delay added randomly, in [0, 1].
	Jitter float64
}

// Default is the schedule used for backend stream retries: 1s initial,
// doubling, 10% jitter, capped at 30s.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the pause before retry number attempt. Attempts count
// from 1; values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep blocks for the policy's delay at attempt, returning ctx.Err()
// if the context ends first.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
