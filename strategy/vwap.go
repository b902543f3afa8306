package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VWAP - Price holding away from volume-weighted average
// ═══════════════════════════════════════════════════════════════════════════════

// VWAPConfig holds deviation thresholds
type VWAPConfig struct {
	MinDeviation   float64 // fractional distance from VWAP
	BaseConfidence float64
	MaxConfidence  float64
	Cooldown       time.Duration
}

// DefaultVWAPConfig returns standard deviation thresholds
func DefaultVWAPConfig() VWAPConfig {
	return VWAPConfig{
		MinDeviation:   0.001,
		BaseConfidence: 0.56,
		MaxConfidence:  0.78,
		Cooldown:       5 * time.Minute,
	}
}

type VWAP struct {
	cooldown
	cfg VWAPConfig
}

// NewVWAP creates the VWAP deviation strategy
func NewVWAP(cfg VWAPConfig) *VWAP {
	return &VWAP{cooldown: cooldown{period: cfg.Cooldown}, cfg: cfg}
}

func (v *VWAP) Name() string { return "VWAP" }

func (v *VWAP) Analyze(f *types.Features) *types.Signal {
	if f == nil || f.VWAP <= 0 || f.Price <= 0 || v.cfg.MinDeviation <= 0 {
		return nil
	}

	dev := (f.Price - f.VWAP) / f.VWAP
	if math.Abs(dev) < v.cfg.MinDeviation {
		return nil
	}

	up := dev > 0
	conf := v.cfg.BaseConfidence + 0.04*(math.Abs(dev)/v.cfg.MinDeviation-1)

	return NewSignal().
		Strategy(v.Name()).
		Side(sideOf(up)).
		Confidence(clamp(conf, v.cfg.BaseConfidence, v.cfg.MaxConfidence)).
		Features(f).
		Reason(fmt.Sprintf("%.3f%% from VWAP", dev*100)).
		Build()
}
