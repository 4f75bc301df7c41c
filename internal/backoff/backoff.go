// Package backoff computes jittered exponential reconnect delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule. The delay before
// attempt n is min(2^n * DelayFactor * jitter, MaxDelay), where jitter is
// drawn uniformly from [1-RandomizationFactor, 1+RandomizationFactor].
type Policy struct {
	DelayFactor         time.Duration
	RandomizationFactor float64
	MaxDelay            time.Duration
}

// Delay returns the sleep duration before the given attempt. Attempt 0 is
// the initial attempt and gets no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.DelayFactor) * math.Pow(2, float64(attempt))

	if p.RandomizationFactor > 0 {
		jitter := 1 - p.RandomizationFactor + rand.Float64()*2*p.RandomizationFactor
		delay *= jitter
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	return time.Duration(delay)
}
