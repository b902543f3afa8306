package strategy

import (
	"fmt"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOLLINGER - Band breakout in the direction of the break
// ═══════════════════════════════════════════════════════════════════════════════

// BollingerConfig holds breakout thresholds
type BollingerConfig struct {
	Margin         float64 // %B beyond [0,1] needed to fire
	BaseConfidence float64
	MaxConfidence  float64
	Cooldown       time.Duration
}

// DefaultBollingerConfig returns standard breakout thresholds
func DefaultBollingerConfig() BollingerConfig {
	return BollingerConfig{
		Margin:         0.0,
		BaseConfidence: 0.58,
		MaxConfidence:  0.82,
		Cooldown:       5 * time.Minute,
	}
}

type Bollinger struct {
	cooldown
	cfg BollingerConfig
}

// NewBollinger creates the band breakout strategy
func NewBollinger(cfg BollingerConfig) *Bollinger {
	return &Bollinger{cooldown: cooldown{period: cfg.Cooldown}, cfg: cfg}
}

func (b *Bollinger) Name() string { return "BOLLINGER" }

func (b *Bollinger) Analyze(f *types.Features) *types.Signal {
	if f == nil || f.BollingerUp <= f.BollingerLow {
		return nil
	}

	var (
		side   types.Side
		excess float64
	)
	switch {
	case f.PercentB > 1+b.cfg.Margin:
		side, excess = types.SideUp, f.PercentB-1
	case f.PercentB < -b.cfg.Margin:
		side, excess = types.SideDown, -f.PercentB
	default:
		return nil
	}

	conf := b.cfg.BaseConfidence + 0.5*excess

	return NewSignal().
		Strategy(b.Name()).
		Side(side).
		Confidence(clamp(conf, b.cfg.BaseConfidence, b.cfg.MaxConfidence)).
		Features(f).
		Reason(fmt.Sprintf("%%B %.2f", f.PercentB)).
		Build()
}
