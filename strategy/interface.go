package strategy

import (
	"sync"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// All strategies implement this interface:
//   Analyze(*Features) *Signal
//
// The engine calls Analyze once per cycle for every eligible strategy whose
// cooldown has elapsed; the strategy returns nil or a Signal.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the interface all trading strategies must implement
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// Analyze inspects the cycle's features and returns a signal (or nil)
	Analyze(f *types.Features) *types.Signal

	// CanTrade reports whether the cooldown has elapsed
	CanTrade(now time.Time) bool

	// RecordTrade restarts the cooldown after an entry
	RecordTrade(now time.Time)
}

// cooldown is embedded by strategies to throttle repeated entries
type cooldown struct {
	mu     sync.Mutex
	period time.Duration
	last   time.Time
}

// CanTrade reports whether the cooldown has elapsed
func (c *cooldown) CanTrade(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.IsZero() || now.Sub(c.last) >= c.period
}

// RecordTrade restarts the cooldown
func (c *cooldown) RecordTrade(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = now
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL BUILDER - Helper for creating signals
// ═══════════════════════════════════════════════════════════════════════════════

// SignalBuilder helps construct signals with validation
type SignalBuilder struct {
	signal *types.Signal
}

// NewSignal creates a new signal builder
func NewSignal() *SignalBuilder {
	return &SignalBuilder{
		signal: &types.Signal{
			Confidence: 0.5,
		},
	}
}

// Strategy sets the source strategy name
func (sb *SignalBuilder) Strategy(name string) *SignalBuilder {
	sb.signal.StrategyID = name
	return sb
}

// Side sets UP or DOWN
func (sb *SignalBuilder) Side(side types.Side) *SignalBuilder {
	sb.signal.Side = side
	return sb
}

// Confidence sets the confidence level, clamped to [0,1]
func (sb *SignalBuilder) Confidence(conf float64) *SignalBuilder {
	sb.signal.Confidence = clamp(conf, 0, 1)
	return sb
}

// Features attaches the feature snapshot the signal was derived from
func (sb *SignalBuilder) Features(f *types.Features) *SignalBuilder {
	sb.signal.Features = f.Snapshot()
	return sb
}

// Reason sets the signal reason
func (sb *SignalBuilder) Reason(reason string) *SignalBuilder {
	sb.signal.Reason = reason
	return sb
}

// Build returns the completed signal, nil if it is not well-formed
func (sb *SignalBuilder) Build() *types.Signal {
	if !sb.signal.Side.Valid() || sb.signal.StrategyID == "" {
		return nil
	}
	return sb.signal
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sideOf(positive bool) types.Side {
	if positive {
		return types.SideUp
	}
	return types.SideDown
}
