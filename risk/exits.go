package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Exit state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per open position, first match wins:
//   1. take profit   price ≥ entry × TakeProfitMultiple or ≥ ceiling   → full
//   2. stop loss     price ≤ entry × (1 − StopLossFraction) or ≤ floor → full
//   3. scale out     first crossed ladder level not yet fired        → partial
//   4. time decay    cumulative reduction target by time remaining   → increment
//
// Ladder levels fire at most once per (position, level), even if price
// re-crosses later. Anything else rides to resolution.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ScaleOutLevel closes Fraction of the original stake at entry × Multiple
type ScaleOutLevel struct {
	Multiple decimal.Decimal
	Fraction decimal.Decimal
}

// TimeDecayStep reduces the position to Target (cumulative, of original) once
// time to resolution is at or below Remaining
type TimeDecayStep struct {
	Remaining time.Duration
	Target    decimal.Decimal
}

// ExitConfig holds exit thresholds
type ExitConfig struct {
	TakeProfitMultiple decimal.Decimal
	TakeProfitCeiling  decimal.Decimal
	StopLossFraction   decimal.Decimal
	StopLossFloor      decimal.Decimal
	ScaleOutLevels     []ScaleOutLevel
	TimeDecay          []TimeDecayStep
}

// DefaultExitConfig returns the standard exit ladder
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		TakeProfitMultiple: decimal.NewFromFloat(1.8),
		TakeProfitCeiling:  decimal.NewFromFloat(0.95),
		StopLossFraction:   decimal.NewFromFloat(0.40),
		StopLossFloor:      decimal.NewFromFloat(0.05),
		ScaleOutLevels: []ScaleOutLevel{
			{Multiple: decimal.NewFromFloat(1.3), Fraction: decimal.NewFromFloat(0.25)},
			{Multiple: decimal.NewFromFloat(1.5), Fraction: decimal.NewFromFloat(0.25)},
		},
		TimeDecay: []TimeDecayStep{
			{Remaining: 3 * time.Minute, Target: decimal.NewFromFloat(0.5)},
			{Remaining: 1 * time.Minute, Target: decimal.NewFromInt(1)},
		},
	}
}

// Validate rejects exit thresholds that cannot fire sensibly
func (c ExitConfig) Validate() error {
	switch {
	case c.TakeProfitMultiple.LessThanOrEqual(one):
		return fmt.Errorf("%w: take profit multiple must be > 1", ErrInvalidConfig)
	case !c.TakeProfitCeiling.IsPositive() || c.TakeProfitCeiling.GreaterThan(one):
		return fmt.Errorf("%w: take profit ceiling must be in (0,1]", ErrInvalidConfig)
	case !c.StopLossFraction.IsPositive() || c.StopLossFraction.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: stop loss fraction must be in (0,1)", ErrInvalidConfig)
	case c.StopLossFloor.IsNegative() || c.StopLossFloor.GreaterThanOrEqual(c.TakeProfitCeiling):
		return fmt.Errorf("%w: stop loss floor must be within [0, ceiling)", ErrInvalidConfig)
	}

	prev := one
	for i, lvl := range c.ScaleOutLevels {
		if lvl.Multiple.LessThanOrEqual(prev) || lvl.Multiple.GreaterThanOrEqual(c.TakeProfitMultiple) {
			return fmt.Errorf("%w: scale-out level %d multiple must ascend within (1, take profit)", ErrInvalidConfig, i)
		}
		if !lvl.Fraction.IsPositive() || lvl.Fraction.GreaterThan(one) {
			return fmt.Errorf("%w: scale-out level %d fraction must be in (0,1]", ErrInvalidConfig, i)
		}
		prev = lvl.Multiple
	}

	for i, step := range c.TimeDecay {
		if step.Remaining <= 0 {
			return fmt.Errorf("%w: time decay step %d remaining must be > 0", ErrInvalidConfig, i)
		}
		if !step.Target.IsPositive() || step.Target.GreaterThan(one) {
			return fmt.Errorf("%w: time decay step %d target must be in (0,1]", ErrInvalidConfig, i)
		}
	}
	return nil
}

// ExitKind identifies which rule fired
type ExitKind string

const (
	ExitNone       ExitKind = ""
	ExitTakeProfit ExitKind = types.ExitTakeProfit
	ExitStopLoss   ExitKind = types.ExitStopLoss
	ExitScaleOut   ExitKind = types.ExitScaleOut
	ExitTimeDecay  ExitKind = types.ExitTimeDecay
)

// Exit is a recommendation for one position
type Exit struct {
	PositionID string
	MarketID   string
	Kind       ExitKind
	Full       bool
	Fraction   decimal.Decimal // of the original stake when partial
	Price      decimal.Decimal
	Level      int // ladder index, -1 otherwise
	Reason     string
}

// PositionBook is the ledger surface exits execute through
type PositionBook interface {
	OpenForMarket(marketID string) []types.Position
	ClosePositionEarly(id string, price decimal.Decimal, reason string, ts time.Time) (types.ClosedTrade, error)
	ScaleOutPosition(id string, fraction, price decimal.Decimal, reason string, ts time.Time) (types.ClosedTrade, *types.Position, error)
}

type ladderKey struct {
	marketID   string
	positionID string
	level      int
}

// PositionManager evaluates and executes exits
type PositionManager struct {
	mu    sync.RWMutex
	cfg   ExitConfig
	fired map[ladderKey]bool
}

// NewPositionManager creates an exit manager
func NewPositionManager(cfg ExitConfig) (*PositionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	decay := append([]TimeDecayStep(nil), cfg.TimeDecay...)
	sort.Slice(decay, func(i, j int) bool { return decay[i].Remaining > decay[j].Remaining })
	cfg.TimeDecay = decay

	return &PositionManager{
		cfg:   cfg,
		fired: make(map[ladderKey]bool),
	}, nil
}

// Evaluate returns the first exit rule matching the position. It never
// mutates state.
func (pm *PositionManager) Evaluate(pos types.Position, price decimal.Decimal, remaining time.Duration) (Exit, bool) {
	exit := Exit{PositionID: pos.ID, MarketID: pos.MarketID, Price: price, Level: -1}
	entry := pos.EntryPrice
	c := pm.cfg

	if tp := entry.Mul(c.TakeProfitMultiple); price.GreaterThanOrEqual(tp) || price.GreaterThanOrEqual(c.TakeProfitCeiling) {
		exit.Kind, exit.Full, exit.Fraction = ExitTakeProfit, true, one
		exit.Reason = fmt.Sprintf("price %s >= target %s", price.StringFixed(3), decimal.Min(tp, c.TakeProfitCeiling).StringFixed(3))
		return exit, true
	}

	if sl := entry.Mul(one.Sub(c.StopLossFraction)); price.LessThanOrEqual(sl) || price.LessThanOrEqual(c.StopLossFloor) {
		exit.Kind, exit.Full, exit.Fraction = ExitStopLoss, true, one
		exit.Reason = fmt.Sprintf("price %s <= stop %s", price.StringFixed(3), decimal.Max(sl, c.StopLossFloor).StringFixed(3))
		return exit, true
	}

	pm.mu.RLock()
	for i, lvl := range c.ScaleOutLevels {
		if price.LessThan(entry.Mul(lvl.Multiple)) {
			break
		}
		if pm.fired[ladderKey{marketID: pos.MarketID, positionID: pos.ID, level: i}] {
			continue
		}
		pm.mu.RUnlock()
		exit.Kind, exit.Level, exit.Fraction = ExitScaleOut, i, lvl.Fraction
		exit.Full = pos.ScaledOutPercent.Add(lvl.Fraction).GreaterThanOrEqual(one)
		exit.Reason = fmt.Sprintf("level %d (%sx) crossed", i+1, lvl.Multiple.StringFixed(2))
		return exit, true
	}
	pm.mu.RUnlock()

	target := decimal.Zero
	for _, step := range c.TimeDecay {
		if remaining <= step.Remaining && step.Target.GreaterThan(target) {
			target = step.Target
		}
	}
	if target.IsPositive() {
		if target.GreaterThanOrEqual(one) {
			exit.Kind, exit.Full, exit.Fraction = ExitTimeDecay, true, one
			exit.Reason = fmt.Sprintf("%s to resolution, full exit", remaining.Round(time.Second))
			return exit, true
		}
		if pos.ScaledOutPercent.LessThan(target) {
			exit.Kind, exit.Fraction = ExitTimeDecay, target.Sub(pos.ScaledOutPercent)
			exit.Reason = fmt.Sprintf("%s to resolution, reduce to %s%%", remaining.Round(time.Second), one.Sub(target).Mul(decimal.NewFromInt(100)).StringFixed(0))
			return exit, true
		}
	}

	return exit, false
}

// Manage evaluates every open position of the market and executes exits
// through the book. Ladder keys are marked only after a successful close.
func (pm *PositionManager) Manage(book PositionBook, market *types.Market, now time.Time) ([]types.ClosedTrade, error) {
	if market == nil {
		return nil, nil
	}

	var (
		trades []types.ClosedTrade
		errs   []error
	)
	remaining := market.TimeRemaining(now)

	for _, pos := range book.OpenForMarket(market.ID) {
		price := market.PriceFor(pos.Side)
		if !price.IsPositive() {
			continue
		}

		exit, ok := pm.Evaluate(pos, price, remaining)
		if !ok {
			continue
		}

		var (
			trade types.ClosedTrade
			err   error
		)
		if exit.Full && exit.Kind != ExitScaleOut {
			trade, err = book.ClosePositionEarly(pos.ID, price, string(exit.Kind), now)
		} else {
			trade, _, err = book.ScaleOutPosition(pos.ID, exit.Fraction, price, string(exit.Kind), now)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s exit for %s: %w", exit.Kind, pos.ID, err))
			continue
		}

		if exit.Kind == ExitScaleOut {
			pm.mu.Lock()
			pm.fired[ladderKey{marketID: pos.MarketID, positionID: pos.ID, level: exit.Level}] = true
			pm.mu.Unlock()
		}

		log.Info().
			Str("position", pos.ID).
			Str("kind", string(exit.Kind)).
			Str("reason", exit.Reason).
			Str("pnl", trade.PnL.StringFixed(2)).
			Msg("🚪 Exit executed")

		trades = append(trades, trade)
	}

	return trades, errors.Join(errs...)
}

// ClearMarket drops the ladder keys of a resolved market
func (pm *PositionManager) ClearMarket(marketID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for k := range pm.fired {
		if k.marketID == marketID {
			delete(pm.fired, k)
		}
	}
}

// Fired reports whether a ladder level already executed for a position
func (pm *PositionManager) Fired(marketID, positionID string, level int) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.fired[ladderKey{marketID: marketID, positionID: positionID, level: level}]
}
