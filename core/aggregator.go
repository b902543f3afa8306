package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysignal/strategy"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGGREGATOR - Many noisy signals → one decision
// ═══════════════════════════════════════════════════════════════════════════════
//
//   mass(side)    = Σ confidence_i × weight_i
//   conflict      = 2 × min(mass_up, mass_down) / (mass_up + mass_down)
//   confidence    = weighted avg of the winning side
//                 + min(bonus × agreeing, maxBonus)
//                 − penalty × conflict
//
// Weights come from live rolling performance, boosts from the regime table.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidAggregatorConfig is returned for unusable aggregation thresholds
var ErrInvalidAggregatorConfig = errors.New("invalid aggregator config")

// WeightSource supplies per-strategy weights
type WeightSource interface {
	GetWeight(strategyID string) float64
}

// AggregatorConfig holds aggregation thresholds
type AggregatorConfig struct {
	MinSignalConfidence  float64
	MinStrategiesToTrade int
	ConflictThreshold    float64

	AgreementBonusPerSignal float64
	MaxAgreementBonus       float64
	ConflictPenalty         float64

	MinConfidence float64
	MaxConfidence float64

	StrongConfidence float64
	StrongAgreement  int
	GoodConfidence   float64
	GoodAgreement    int
	WeakConfidence   float64
}

// DefaultAggregatorConfig returns the standard thresholds
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MinSignalConfidence:     0.55,
		MinStrategiesToTrade:    2,
		ConflictThreshold:       0.4,
		AgreementBonusPerSignal: 0.04,
		MaxAgreementBonus:       0.12,
		ConflictPenalty:         0.2,
		MinConfidence:           0.5,
		MaxConfidence:           0.95,
		StrongConfidence:        0.80,
		StrongAgreement:         3,
		GoodConfidence:          0.70,
		GoodAgreement:           2,
		WeakConfidence:          0.60,
	}
}

// Validate rejects thresholds that would make the gate meaningless
func (c AggregatorConfig) Validate() error {
	switch {
	case c.MinSignalConfidence < 0 || c.MinSignalConfidence > 1:
		return fmt.Errorf("%w: min signal confidence must be within [0,1]", ErrInvalidAggregatorConfig)
	case c.MinStrategiesToTrade < 1:
		return fmt.Errorf("%w: min strategies to trade must be >= 1", ErrInvalidAggregatorConfig)
	case c.ConflictThreshold < 0 || c.ConflictThreshold >= 1:
		return fmt.Errorf("%w: conflict threshold must be within [0,1)", ErrInvalidAggregatorConfig)
	case c.AgreementBonusPerSignal < 0 || c.MaxAgreementBonus < 0 || c.ConflictPenalty < 0:
		return fmt.Errorf("%w: bonus and penalty must be >= 0", ErrInvalidAggregatorConfig)
	case c.MinConfidence < 0 || c.MaxConfidence > 1 || c.MinConfidence > c.MaxConfidence:
		return fmt.Errorf("%w: confidence bounds [%.2f,%.2f]", ErrInvalidAggregatorConfig, c.MinConfidence, c.MaxConfidence)
	case !(c.StrongConfidence >= c.GoodConfidence && c.GoodConfidence >= c.WeakConfidence):
		return fmt.Errorf("%w: strength thresholds must descend strong >= good >= weak", ErrInvalidAggregatorConfig)
	case c.StrongAgreement < c.GoodAgreement || c.GoodAgreement < 1:
		return fmt.Errorf("%w: agreement thresholds", ErrInvalidAggregatorConfig)
	}
	return nil
}

// Aggregator turns per-strategy signals into a decision
type Aggregator struct {
	cfg     AggregatorConfig
	router  *RegimeRouter
	weights WeightSource
}

// NewAggregator creates an aggregator
func NewAggregator(cfg AggregatorConfig, router *RegimeRouter, weights WeightSource) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if router == nil || weights == nil {
		return nil, fmt.Errorf("%w: router and weight source are required", ErrInvalidAggregatorConfig)
	}
	return &Aggregator{cfg: cfg, router: router, weights: weights}, nil
}

// Collect asks every eligible, unthrottled strategy for a signal
func (a *Aggregator) Collect(strategies []strategy.Strategy, features *types.Features, regime types.Regime, now time.Time) []types.Signal {
	if features == nil {
		return nil
	}

	route := a.router.Route(regime, strategies)
	signals := make([]types.Signal, 0, len(route.Eligible))

	for _, strat := range route.Eligible {
		if !strat.CanTrade(now) {
			continue
		}
		sig := strat.Analyze(features)
		if sig == nil || !sig.Side.Valid() {
			continue
		}
		if sig.StrategyID == "" {
			sig.StrategyID = strat.Name()
		}
		if sig.Confidence < a.cfg.MinSignalConfidence {
			continue
		}
		if sig.Features == nil {
			sig.Features = features.Snapshot()
		}
		signals = append(signals, *sig)
	}

	return signals
}

// Aggregate resolves signals into one decision
func (a *Aggregator) Aggregate(signals []types.Signal, regime types.Regime) types.Decision {
	dec := types.Decision{
		Action:   types.ActionNoTrade,
		Strength: types.StrengthInsufficient,
		Regime:   regime,
	}

	// 1. filter
	seen := make(map[string]bool, len(signals))
	var valid []types.Signal
	for _, sig := range signals {
		if !sig.Side.Valid() || seen[sig.StrategyID] {
			continue
		}
		if !a.router.IsEligible(regime, sig.StrategyID) {
			continue
		}
		if sig.Confidence < a.cfg.MinSignalConfidence {
			continue
		}
		seen[sig.StrategyID] = true

		// 2. boost and weight
		sig.RegimeBoost = a.router.Boost(regime, sig.StrategyID)
		sig.Confidence = clamp(sig.Confidence+sig.RegimeBoost, 0, 1)
		sig.Weight = math.Max(0, a.weights.GetWeight(sig.StrategyID))
		valid = append(valid, sig)
	}
	dec.Considered = len(valid)

	if len(valid) == 0 {
		dec.Reason = types.RejectNoSignals
		return dec
	}

	// 3. masses
	for _, sig := range valid {
		if sig.Side == types.SideUp {
			dec.MassUp += sig.Confidence * sig.Weight
		} else {
			dec.MassDown += sig.Confidence * sig.Weight
		}
	}
	if total := dec.MassUp + dec.MassDown; total > 0 {
		dec.ConflictLevel = 2 * math.Min(dec.MassUp/total, dec.MassDown/total)
	}

	// 4. gates
	if len(valid) < a.cfg.MinStrategiesToTrade {
		dec.Reason = types.RejectTooFewSignals
		return dec
	}
	if dec.ConflictLevel > a.cfg.ConflictThreshold {
		dec.Reason = types.RejectConflict
		log.Debug().
			Float64("conflict", dec.ConflictLevel).
			Float64("mass_up", dec.MassUp).
			Float64("mass_down", dec.MassDown).
			Msg("Conflict gate")
		return dec
	}

	// 5. majority side and confidence
	dec.Side = types.SideUp
	if dec.MassDown > dec.MassUp {
		dec.Side = types.SideDown
	}

	var sumCW, sumW, sumC float64
	for _, sig := range valid {
		if sig.Side != dec.Side {
			continue
		}
		dec.Signals = append(dec.Signals, sig)
		sumCW += sig.Confidence * sig.Weight
		sumW += sig.Weight
		sumC += sig.Confidence
	}
	dec.AgreementCount = len(dec.Signals)
	if dec.AgreementCount == 0 {
		dec.Reason = types.RejectNoSignals
		return dec
	}

	avg := sumC / float64(dec.AgreementCount)
	if sumW > 0 {
		avg = sumCW / sumW
	}
	bonus := math.Min(a.cfg.AgreementBonusPerSignal*float64(dec.AgreementCount), a.cfg.MaxAgreementBonus)
	dec.Confidence = clamp(avg+bonus-a.cfg.ConflictPenalty*dec.ConflictLevel, a.cfg.MinConfidence, a.cfg.MaxConfidence)

	// 6. strength
	dec.Strength = a.classify(dec.Confidence, dec.AgreementCount)
	if dec.Strength == types.StrengthInsufficient {
		dec.Reason = types.RejectWeakDecision
		return dec
	}

	dec.Action = types.ActionEnter
	return dec
}

func (a *Aggregator) classify(conf float64, agreeing int) types.Strength {
	c := a.cfg
	switch {
	case conf >= c.StrongConfidence && agreeing >= c.StrongAgreement:
		return types.StrengthStrong
	case conf >= c.GoodConfidence && agreeing >= c.GoodAgreement:
		return types.StrengthGood
	case conf >= c.WeakConfidence:
		return types.StrengthWeak
	default:
		return types.StrengthInsufficient
	}
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
