package feeds

import (
	"math"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REGIME DETECTOR - Trend / range / chop classification
// ═══════════════════════════════════════════════════════════════════════════════
//
//   spread     = (EMA fast − EMA slow) / price
//   crossings  = sign changes of (close − mean) over the recent closes
//
//   |spread| ≥ trend threshold and return agrees   → TREND_UP / TREND_DOWN
//   volatility ≥ chop volatility or many crossings  → CHOP
//   otherwise                                        → RANGE
//
// ═══════════════════════════════════════════════════════════════════════════════

// RegimeConfig holds detector thresholds
type RegimeConfig struct {
	TrendThreshold float64 // EMA spread as a fraction of price
	ChopVolatility float64 // ATR / price
	ChopCrossings  int     // mean crossings within CrossingWindow
	CrossingWindow int
}

// DefaultRegimeConfig returns thresholds tuned for 1m BTC candles
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		TrendThreshold: 0.0008,
		ChopVolatility: 0.004,
		ChopCrossings:  8,
		CrossingWindow: 20,
	}
}

// RegimeDetector classifies features into a regime
type RegimeDetector struct {
	cfg RegimeConfig
}

// NewRegimeDetector creates a detector
func NewRegimeDetector(cfg RegimeConfig) *RegimeDetector {
	return &RegimeDetector{cfg: cfg}
}

// Detect returns the regime for a feature snapshot
func (d *RegimeDetector) Detect(f *types.Features) types.Regime {
	if f == nil || f.Price <= 0 {
		return types.RegimeChop
	}

	spread := (f.EMAFast - f.EMASlow) / f.Price
	if math.Abs(spread) >= d.cfg.TrendThreshold {
		if spread > 0 && f.Return >= 0 {
			return types.RegimeTrendUp
		}
		if spread < 0 && f.Return <= 0 {
			return types.RegimeTrendDown
		}
	}

	if d.cfg.ChopVolatility > 0 && f.Volatility >= d.cfg.ChopVolatility {
		return types.RegimeChop
	}
	if d.cfg.ChopCrossings > 0 && meanCrossings(f.Closes, d.cfg.CrossingWindow) >= d.cfg.ChopCrossings {
		return types.RegimeChop
	}
	return types.RegimeRange
}

func meanCrossings(closes []float64, window int) int {
	if window > 0 && len(closes) > window {
		closes = closes[len(closes)-window:]
	}
	if len(closes) < 3 {
		return 0
	}

	var mean float64
	for _, c := range closes {
		mean += c
	}
	mean /= float64(len(closes))

	crossings := 0
	prev := closes[0] - mean
	for _, c := range closes[1:] {
		cur := c - mean
		if cur != 0 && prev != 0 && (cur > 0) != (prev > 0) {
			crossings++
		}
		if cur != 0 {
			prev = cur
		}
	}
	return crossings
}
