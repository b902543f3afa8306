package strategy

import (
	"fmt"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RSI - Mean reversion from overbought / oversold
// ═══════════════════════════════════════════════════════════════════════════════

// RSIConfig holds RSI thresholds
type RSIConfig struct {
	Oversold       float64
	Overbought     float64
	BaseConfidence float64
	MaxConfidence  float64
	Cooldown       time.Duration
}

// DefaultRSIConfig returns standard RSI thresholds
func DefaultRSIConfig() RSIConfig {
	return RSIConfig{
		Oversold:       30,
		Overbought:     70,
		BaseConfidence: 0.56,
		MaxConfidence:  0.80,
		Cooldown:       5 * time.Minute,
	}
}

type RSI struct {
	cooldown
	cfg RSIConfig
}

// NewRSI creates the RSI strategy
func NewRSI(cfg RSIConfig) *RSI {
	return &RSI{cooldown: cooldown{period: cfg.Cooldown}, cfg: cfg}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Analyze(f *types.Features) *types.Signal {
	if f == nil || f.RSI <= 0 {
		return nil
	}

	var (
		side  types.Side
		depth float64
	)
	switch {
	case f.RSI <= r.cfg.Oversold && r.cfg.Oversold > 0:
		side, depth = types.SideUp, (r.cfg.Oversold-f.RSI)/r.cfg.Oversold
	case f.RSI >= r.cfg.Overbought && r.cfg.Overbought < 100:
		side, depth = types.SideDown, (f.RSI-r.cfg.Overbought)/(100-r.cfg.Overbought)
	default:
		return nil
	}

	conf := r.cfg.BaseConfidence + (r.cfg.MaxConfidence-r.cfg.BaseConfidence)*depth

	return NewSignal().
		Strategy(r.Name()).
		Side(side).
		Confidence(clamp(conf, r.cfg.BaseConfidence, r.cfg.MaxConfidence)).
		Features(f).
		Reason(fmt.Sprintf("RSI %.1f", f.RSI)).
		Build()
}
