package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against consecutive losses
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trips after maxConsecutiveLosses losing trades in a row and clears by itself
// once the cooldown has elapsed. Daily-loss and drawdown halts live in Manager
// because they must not auto-clear.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	// Configuration
	maxConsecutiveLosses int
	cooldownDuration     time.Duration

	// State
	consecutiveLosses int
	tripped           bool
	trippedAt         time.Time
	trips             int
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxLosses int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxConsecutiveLosses: maxLosses,
		cooldownDuration:     cooldown,
	}
}

// Check returns true while trading should be halted. A trip older than the
// cooldown is cleared.
func (cb *CircuitBreaker) Check(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return false
	}
	if now.Sub(cb.trippedAt) >= cb.cooldownDuration {
		cb.tripped = false
		cb.consecutiveLosses = 0
		log.Info().Msg("✅ Circuit breaker reset after cooldown")
		return false
	}
	return true
}

// RecordResult feeds one closed trade into the breaker
func (cb *CircuitBreaker) RecordResult(won bool, now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if won {
		cb.consecutiveLosses = 0
		return
	}

	cb.consecutiveLosses++
	if cb.maxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.maxConsecutiveLosses && !cb.tripped {
		cb.tripped = true
		cb.trippedAt = now
		cb.trips++
		log.Warn().
			Int("consecutive_losses", cb.consecutiveLosses).
			Dur("cooldown", cb.cooldownDuration).
			Msg("🚨 CIRCUIT BREAKER TRIPPED")
	}
}

// Reset clears the breaker state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveLosses = 0
	cb.tripped = false
	cb.trippedAt = time.Time{}
}

// IsTripped reports the trip state without applying the cooldown
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// Remaining returns how long the current trip still lasts
func (cb *CircuitBreaker) Remaining(now time.Time) time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if !cb.tripped {
		return 0
	}
	left := cb.cooldownDuration - now.Sub(cb.trippedAt)
	if left < 0 {
		return 0
	}
	return left
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() (consecutiveLosses int, tripped bool, trips int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveLosses, cb.tripped, cb.trips
}
