package main

import (
	"math/rand"
	"time"
)

// minCycleGap keeps a fully jittered schedule from running cycles back to back.
const minCycleGap = time.Second

// schedule spaces the cycles of `run --interval`. Each pause is the interval
// spread by up to ±jitter of it.
type schedule struct {
	interval time.Duration
	jitter   float64
	rng      *rand.Rand
}

func newSchedule(interval time.Duration, jitter float64, seed int64) *schedule {
	return &schedule{
		interval: interval,
		jitter:   min(max(jitter, 0), 1),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (s *schedule) next() time.Duration {
	return s.at(s.rng.Float64())
}

// at maps sample in [0, 1] onto interval*(1-jitter) .. interval*(1+jitter).
func (s *schedule) at(sample float64) time.Duration {
	if s.interval <= 0 || s.jitter == 0 {
		return s.interval
	}
	factor := 1 + (2*min(max(sample, 0), 1)-1)*s.jitter
	return max(time.Duration(float64(s.interval)*factor), minCycleGap)
}
