package feeds

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Candles → feature snapshot
// ═══════════════════════════════════════════════════════════════════════════════
//
//   EMA fast/slow, RSI, MACD line/signal/histogram   (cinar trend, momentum)
//   Bollinger bands + %B, ATR                        (cinar volatility)
//   VWAP over typical price, return over N bars
//
// The regime detector runs last and stamps Features.Regime.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotEnoughCandles is returned until the buffer covers the slowest indicator
var ErrNotEnoughCandles = errors.New("not enough candles")

// IndicatorConfig holds indicator periods
type IndicatorConfig struct {
	EMAFast         int
	EMASlow         int
	RSIPeriod       int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerPeriod int
	ATRPeriod       int
	VWAPPeriod      int
	ReturnLookback  int
	KeepCloses      int
}

// DefaultIndicatorConfig returns the standard periods for 1m candles
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		EMAFast:         9,
		EMASlow:         21,
		RSIPeriod:       14,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerPeriod: 20,
		ATRPeriod:       14,
		VWAPPeriod:      30,
		ReturnLookback:  5,
		KeepCloses:      60,
	}
}

// MinCandles is the shortest history every indicator can be computed on
func (c IndicatorConfig) MinCandles() int {
	n := c.MACDSlow + c.MACDSignal
	for _, p := range []int{c.EMASlow, c.RSIPeriod + 1, c.BollingerPeriod, c.ATRPeriod + 1, c.ReturnLookback + 1} {
		if p > n {
			n = p
		}
	}
	return n
}

// Validate rejects non-positive periods
func (c IndicatorConfig) Validate() error {
	periods := map[string]int{
		"ema_fast": c.EMAFast, "ema_slow": c.EMASlow, "rsi": c.RSIPeriod,
		"macd_fast": c.MACDFast, "macd_slow": c.MACDSlow, "macd_signal": c.MACDSignal,
		"bollinger": c.BollingerPeriod, "atr": c.ATRPeriod, "vwap": c.VWAPPeriod,
		"return": c.ReturnLookback,
	}
	for name, p := range periods {
		if p < 1 {
			return fmt.Errorf("indicator period %s must be >= 1, got %d", name, p)
		}
	}
	if c.EMAFast >= c.EMASlow || c.MACDFast >= c.MACDSlow {
		return fmt.Errorf("fast periods must be shorter than slow periods")
	}
	return nil
}

// FeatureBuilder computes features from a candle history
type FeatureBuilder struct {
	cfg      IndicatorConfig
	detector *RegimeDetector
}

// NewFeatureBuilder creates a builder
func NewFeatureBuilder(cfg IndicatorConfig, detector *RegimeDetector) (*FeatureBuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		detector = NewRegimeDetector(DefaultRegimeConfig())
	}
	return &FeatureBuilder{cfg: cfg, detector: detector}, nil
}

// Build computes the snapshot for the most recent candle
func (b *FeatureBuilder) Build(asset string, candles []types.Candle) (*types.Features, error) {
	c := b.cfg
	if len(candles) < c.MinCandles() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughCandles, len(candles), c.MinCandles())
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, k := range candles {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}

	price := closes[n-1]
	f := &types.Features{
		Asset:     asset,
		Timestamp: candles[n-1].OpenTime,
		Price:     price,
	}

	f.EMAFast = last(ema(closes, c.EMAFast))
	f.EMASlow = last(ema(closes, c.EMASlow))
	f.RSI = last(rsi(closes, c.RSIPeriod))
	if math.IsNaN(f.RSI) {
		// flat history: no gains and no losses
		f.RSI = 50
	}

	macdLine, signalLine := macd(closes, c.MACDFast, c.MACDSlow, c.MACDSignal)
	f.MACD = last(macdLine)
	f.MACDSignal = last(signalLine)
	f.MACDHistogram = f.MACD - f.MACDSignal

	upper, middle, lower := bollinger(closes, c.BollingerPeriod)
	f.BollingerUp, f.BollingerMid, f.BollingerLow = last(upper), last(middle), last(lower)
	f.PercentB = 0.5
	if width := f.BollingerUp - f.BollingerLow; width > 0 {
		f.PercentB = (price - f.BollingerLow) / width
	}

	f.ATR = last(atr(highs, lows, closes, c.ATRPeriod))
	if price > 0 {
		f.Volatility = f.ATR / price
	}
	f.VWAP = vwap(candles, c.VWAPPeriod)

	if ref := closes[n-1-c.ReturnLookback]; ref > 0 {
		f.Return = (price - ref) / ref
	}

	keep := c.KeepCloses
	if keep <= 0 || keep > n {
		keep = n
	}
	f.Closes = append([]float64(nil), closes[n-keep:]...)

	if !finite(f.EMAFast, f.EMASlow, f.RSI, f.MACD, f.MACDSignal, f.PercentB, f.ATR, f.VWAP, f.Return) {
		return nil, fmt.Errorf("indicator produced a non-finite value")
	}

	f.Regime = b.detector.Detect(f)
	return f, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func ema(values []float64, period int) []float64 {
	return helper.ChanToSlice(trend.NewEmaWithPeriod[float64](period).Compute(helper.SliceToChan(values)))
}

func rsi(values []float64, period int) []float64 {
	return helper.ChanToSlice(momentum.NewRsiWithPeriod[float64](period).Compute(helper.SliceToChan(values)))
}

func atr(highs, lows, closes []float64, period int) []float64 {
	a := volatility.NewAtrWithPeriod[float64](period)
	return helper.ChanToSlice(a.Compute(helper.SliceToChan(highs), helper.SliceToChan(lows), helper.SliceToChan(closes)))
}

// macd drains both outputs concurrently; the indicator's channels are unbuffered
func macd(values []float64, fast, slow, signal int) ([]float64, []float64) {
	m := trend.NewMacdWithPeriod[float64](fast, slow, signal)
	lineCh, signalCh := m.Compute(helper.SliceToChan(values))

	var line, sig []float64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		line = helper.ChanToSlice(lineCh)
	}()
	go func() {
		defer wg.Done()
		sig = helper.ChanToSlice(signalCh)
	}()
	wg.Wait()
	return line, sig
}

func bollinger(values []float64, period int) ([]float64, []float64, []float64) {
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upperCh, middleCh, lowerCh := bb.Compute(helper.SliceToChan(values))

	var upper, middle, lower []float64
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		upper = helper.ChanToSlice(upperCh)
	}()
	go func() {
		defer wg.Done()
		middle = helper.ChanToSlice(middleCh)
	}()
	go func() {
		defer wg.Done()
		lower = helper.ChanToSlice(lowerCh)
	}()
	wg.Wait()
	return upper, middle, lower
}

// vwap is the volume weighted typical price over the last period candles
func vwap(candles []types.Candle, period int) float64 {
	start := len(candles) - period
	if start < 0 {
		start = 0
	}
	var pv, vol float64
	for _, k := range candles[start:] {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return candles[len(candles)-1].Close
	}
	return pv / vol
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
