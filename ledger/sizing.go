package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BET SIZING - Confidence scaled, performance and streak adjusted
// ═══════════════════════════════════════════════════════════════════════════════
//
// size = balance × risk% × performance × drawdown
//
//   risk%        linear from MinRiskPercent (conf 0.5) to MaxRiskPercent (conf 1.0)
//   performance  0.5 + winRate, clamped, 1.0 until enough closed trades
//   drawdown     1 − penalty × consecutiveLosses, floored
//
// The result is clamped by the single-position cap, the exposure headroom and
// available balance, then floored at MinBet.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidConfig is returned for thresholds that cannot be used
var ErrInvalidConfig = errors.New("invalid ledger config")

// Config holds ledger and sizing thresholds
type Config struct {
	InitialBalance decimal.Decimal

	MinRiskPercent decimal.Decimal
	MaxRiskPercent decimal.Decimal
	MinBet         decimal.Decimal

	MaxSinglePositionFraction decimal.Decimal
	MaxTotalExposureFraction  decimal.Decimal

	LossStreakPenalty     decimal.Decimal
	MinDrawdownMultiplier decimal.Decimal

	MinPerformanceMultiplier decimal.Decimal
	MaxPerformanceMultiplier decimal.Decimal
	MinTradesForPerformance  int
}

// DefaultConfig returns sensible defaults for a small paper account
func DefaultConfig() Config {
	return Config{
		InitialBalance:            decimal.NewFromInt(500),
		MinRiskPercent:            decimal.NewFromFloat(0.01),
		MaxRiskPercent:            decimal.NewFromFloat(0.05),
		MinBet:                    decimal.NewFromInt(1),
		MaxSinglePositionFraction: decimal.NewFromFloat(0.10),
		MaxTotalExposureFraction:  decimal.NewFromFloat(0.30),
		LossStreakPenalty:         decimal.NewFromFloat(0.15),
		MinDrawdownMultiplier:     decimal.NewFromFloat(0.25),
		MinPerformanceMultiplier:  decimal.NewFromFloat(0.5),
		MaxPerformanceMultiplier:  decimal.NewFromFloat(1.5),
		MinTradesForPerformance:   5,
	}
}

// Validate rejects thresholds that would make sizing meaningless
func (c Config) Validate() error {
	switch {
	case !c.InitialBalance.IsPositive():
		return fmt.Errorf("%w: initial balance must be > 0", ErrInvalidConfig)
	case c.MinRiskPercent.IsNegative() || c.MaxRiskPercent.GreaterThan(one):
		return fmt.Errorf("%w: risk percent must be within [0,1]", ErrInvalidConfig)
	case c.MinRiskPercent.GreaterThan(c.MaxRiskPercent):
		return fmt.Errorf("%w: min risk %s > max risk %s", ErrInvalidConfig, c.MinRiskPercent, c.MaxRiskPercent)
	case c.MinBet.IsNegative():
		return fmt.Errorf("%w: min bet must be >= 0", ErrInvalidConfig)
	case !fractionOK(c.MaxSinglePositionFraction):
		return fmt.Errorf("%w: max single position fraction must be in (0,1]", ErrInvalidConfig)
	case !fractionOK(c.MaxTotalExposureFraction):
		return fmt.Errorf("%w: max total exposure fraction must be in (0,1]", ErrInvalidConfig)
	case c.LossStreakPenalty.IsNegative() || c.LossStreakPenalty.GreaterThan(one):
		return fmt.Errorf("%w: loss streak penalty must be within [0,1]", ErrInvalidConfig)
	case !fractionOK(c.MinDrawdownMultiplier):
		return fmt.Errorf("%w: min drawdown multiplier must be in (0,1]", ErrInvalidConfig)
	case !c.MinPerformanceMultiplier.IsPositive() || c.MinPerformanceMultiplier.GreaterThan(c.MaxPerformanceMultiplier):
		return fmt.Errorf("%w: performance multiplier bounds", ErrInvalidConfig)
	case c.MinTradesForPerformance < 0:
		return fmt.Errorf("%w: min trades for performance must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func fractionOK(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThanOrEqual(one)
}

// CalculateBetSize proposes a stake for a decision of the given confidence.
// Zero means the headroom cannot fit a minimum bet.
func (l *Ledger) CalculateBetSize(confidence float64, strategyID string) decimal.Decimal {
	c := l.cfg
	balance := l.state.Balance
	if !balance.IsPositive() {
		return decimal.Zero
	}

	conf := confidence
	if conf < 0.5 {
		conf = 0.5
	}
	if conf > 1 {
		conf = 1
	}
	t := decimal.NewFromFloat((conf - 0.5) / 0.5)
	risk := c.MinRiskPercent.Add(c.MaxRiskPercent.Sub(c.MinRiskPercent).Mul(t))

	size := balance.Mul(risk).
		Mul(l.performanceMultiplier(strategyID)).
		Mul(l.drawdownMultiplier())

	limit := l.SizeLimit()
	if size.GreaterThan(limit) {
		size = limit
	}

	if size.LessThan(c.MinBet) {
		if limit.LessThan(c.MinBet) {
			return decimal.Zero
		}
		size = c.MinBet
	}

	return size.Truncate(2)
}

// SizeLimit is the largest stake allowed by the position cap, exposure
// headroom and available balance
func (l *Ledger) SizeLimit() decimal.Decimal {
	balance := l.state.Balance
	single := balance.Mul(l.cfg.MaxSinglePositionFraction)
	headroom := balance.Mul(l.cfg.MaxTotalExposureFraction).Sub(l.Exposure())

	limit := decimal.Min(single, headroom, l.AvailableBalance())
	if limit.IsNegative() {
		return decimal.Zero
	}
	return limit
}

func (l *Ledger) performanceMultiplier(strategyID string) decimal.Decimal {
	st, ok := l.stats[strategyID]
	if !ok || st.Trades < l.cfg.MinTradesForPerformance || st.Trades == 0 {
		return one
	}
	m := decimal.NewFromFloat(0.5 + st.WinRate())
	if m.LessThan(l.cfg.MinPerformanceMultiplier) {
		return l.cfg.MinPerformanceMultiplier
	}
	if m.GreaterThan(l.cfg.MaxPerformanceMultiplier) {
		return l.cfg.MaxPerformanceMultiplier
	}
	return m
}

func (l *Ledger) drawdownMultiplier() decimal.Decimal {
	losses := decimal.NewFromInt(int64(l.state.ConsecutiveLosses))
	m := one.Sub(l.cfg.LossStreakPenalty.Mul(losses))
	if m.LessThan(l.cfg.MinDrawdownMultiplier) {
		return l.cfg.MinDrawdownMultiplier
	}
	return m
}
