package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MOMENTUM - Follow the short-term move when the EMAs agree
// ═══════════════════════════════════════════════════════════════════════════════

// MomentumConfig holds momentum thresholds
type MomentumConfig struct {
	MinReturn      float64 // fractional move over the lookback
	BaseConfidence float64
	MaxConfidence  float64
	Cooldown       time.Duration
}

// DefaultMomentumConfig returns standard momentum thresholds
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		MinReturn:      0.0015,
		BaseConfidence: 0.58,
		MaxConfidence:  0.85,
		Cooldown:       5 * time.Minute,
	}
}

type Momentum struct {
	cooldown
	cfg MomentumConfig
}

// NewMomentum creates the momentum strategy
func NewMomentum(cfg MomentumConfig) *Momentum {
	return &Momentum{cooldown: cooldown{period: cfg.Cooldown}, cfg: cfg}
}

func (m *Momentum) Name() string { return "MOMENTUM" }

func (m *Momentum) Analyze(f *types.Features) *types.Signal {
	if f == nil || f.EMASlow == 0 || m.cfg.MinReturn <= 0 {
		return nil
	}
	if math.Abs(f.Return) < m.cfg.MinReturn {
		return nil
	}

	up := f.Return > 0
	// EMAs must point the same way as the move
	if up != (f.EMAFast > f.EMASlow) {
		return nil
	}

	strength := math.Abs(f.Return) / m.cfg.MinReturn
	conf := m.cfg.BaseConfidence + 0.05*(strength-1)

	return NewSignal().
		Strategy(m.Name()).
		Side(sideOf(up)).
		Confidence(clamp(conf, m.cfg.BaseConfidence, m.cfg.MaxConfidence)).
		Features(f).
		Reason(fmt.Sprintf("return %.3f%% with EMA %s", f.Return*100, sideOf(up))).
		Build()
}
