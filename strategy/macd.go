package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MACD - Histogram direction, scaled by volatility
// ═══════════════════════════════════════════════════════════════════════════════

// MACDConfig holds MACD thresholds
type MACDConfig struct {
	MinHistogramATR float64 // |histogram| / ATR needed to fire
	BaseConfidence  float64
	MaxConfidence   float64
	Cooldown        time.Duration
}

// DefaultMACDConfig returns standard MACD thresholds
func DefaultMACDConfig() MACDConfig {
	return MACDConfig{
		MinHistogramATR: 0.05,
		BaseConfidence:  0.57,
		MaxConfidence:   0.82,
		Cooldown:        5 * time.Minute,
	}
}

type MACD struct {
	cooldown
	cfg MACDConfig
}

// NewMACD creates the MACD strategy
func NewMACD(cfg MACDConfig) *MACD {
	return &MACD{cooldown: cooldown{period: cfg.Cooldown}, cfg: cfg}
}

func (m *MACD) Name() string { return "MACD" }

func (m *MACD) Analyze(f *types.Features) *types.Signal {
	if f == nil || f.ATR <= 0 || f.MACDHistogram == 0 {
		return nil
	}

	norm := math.Abs(f.MACDHistogram) / f.ATR
	if norm < m.cfg.MinHistogramATR {
		return nil
	}

	up := f.MACDHistogram > 0
	// the MACD line itself must be on the same side of zero
	if up != (f.MACD > 0) {
		return nil
	}

	conf := m.cfg.BaseConfidence + 0.5*(norm-m.cfg.MinHistogramATR)

	return NewSignal().
		Strategy(m.Name()).
		Side(sideOf(up)).
		Confidence(clamp(conf, m.cfg.BaseConfidence, m.cfg.MaxConfidence)).
		Features(f).
		Reason(fmt.Sprintf("histogram %.4f (%.2f ATR)", f.MACDHistogram, norm)).
		Build()
}
