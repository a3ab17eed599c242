package transport

import (
	"math/rand"
	"time"
)

// ReconnectPolicy controls the exponential-backoff-with-jitter delay
// between outbound reconnect attempts (spec.md §4.2).
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 = unbounded
}

// DefaultReconnectPolicy matches the spec.md §6 defaults: 1s base,
// 30s max, unbounded attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 0,
	}
}

// NextDelay returns the delay before the (attempt+1)-th reconnect try,
// attempt being 0-indexed. delay = min(base * 2^attempt, max) scaled by
// jitter uniformly drawn from [0.5, 1.5).
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	mult := int64(1) << uint(minInt(attempt, 32))
	delay := base * time.Duration(mult)
	if delay > max || delay <= 0 {
		delay = max
	}

	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Exhausted reports whether attempt (0-indexed, about to be made) has
// exceeded MaxAttempts. MaxAttempts of 0 means unbounded.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
