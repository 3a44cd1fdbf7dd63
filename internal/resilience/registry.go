package resilience

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// CircuitBreakerRegistry keeps one circuit breaker per named operation.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry whose breakers share config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns or creates the circuit breaker for name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// AllStats returns statistics for all circuit breakers, sorted by name.
func (r *CircuitBreakerRegistry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Retry is a bounded retry loop with exponential backoff.
type Retry struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration // 0 disables the cap
	Multiplier   float64
	// Retryable decides whether a failed attempt is tried again. nil retries every error.
	Retryable func(error) bool
}

// Delay returns the wait after the given 1-based failed attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (r Retry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(r.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// Do calls fn with the 1-based attempt number until it succeeds, returns a
// non-retryable error, or MaxAttempts is reached. It returns the number of
// attempts made and the last error.
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	max := r.MaxAttempts
	if max < 1 {
		max = 1
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if r.Retryable != nil && !r.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == max {
			break
		}

		timer := time.NewTimer(r.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return max, lastErr
}
