package feeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/types"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// series builds 1m candles around the given closes with a fixed range
func series(closes []float64, spread float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		out[i] = types.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     open,
			High:     c + spread,
			Low:      c - spread,
			Close:    c,
			Volume:   10,
		}
	}
	return out
}

func rising(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 0.5*float64(i)
		if i%3 == 0 {
			closes[i] -= 0.8
		}
	}
	return closes
}

func newBuilder(t *testing.T) *FeatureBuilder {
	t.Helper()
	b, err := NewFeatureBuilder(DefaultIndicatorConfig(), nil)
	require.NoError(t, err)
	return b
}

func TestBuildRisingSeries(t *testing.T) {
	b := newBuilder(t)
	candles := series(rising(60), 0.2)

	f, err := b.Build("BTC", candles)
	require.NoError(t, err)

	assert.Equal(t, "BTC", f.Asset)
	assert.Equal(t, candles[59].Close, f.Price)
	assert.Equal(t, candles[59].OpenTime, f.Timestamp)
	assert.Greater(t, f.EMAFast, f.EMASlow)
	assert.Greater(t, f.RSI, 50.0)
	assert.LessOrEqual(t, f.RSI, 100.0)
	assert.Greater(t, f.MACD, 0.0)
	assert.Greater(t, f.Return, 0.0)
	assert.Greater(t, f.ATR, 0.0)
	assert.InDelta(t, f.ATR/f.Price, f.Volatility, 1e-12)
	assert.Less(t, f.VWAP, f.Price)
	assert.Greater(t, f.BollingerUp, f.BollingerLow)
	assert.Len(t, f.Closes, 60)
	assert.Equal(t, types.RegimeTrendUp, f.Regime)
}

func TestBuildFlatSeries(t *testing.T) {
	b := newBuilder(t)
	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 100
	}

	f, err := b.Build("BTC", series(flat, 0))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.RSI, 0.0)
	assert.LessOrEqual(t, f.RSI, 100.0)
	assert.Equal(t, 0.5, f.PercentB)
	assert.Zero(t, f.Return)
	assert.Equal(t, 100.0, f.VWAP)
	assert.Equal(t, types.RegimeRange, f.Regime)
}

func TestBuildNeedsHistory(t *testing.T) {
	b := newBuilder(t)
	cfg := DefaultIndicatorConfig()
	assert.Equal(t, 35, cfg.MinCandles())

	_, err := b.Build("BTC", series(rising(cfg.MinCandles()-1), 0.2))
	assert.ErrorIs(t, err, ErrNotEnoughCandles)

	_, err = b.Build("BTC", series(rising(cfg.MinCandles()), 0.2))
	assert.NoError(t, err)
}

func TestIndicatorConfigValidate(t *testing.T) {
	require.NoError(t, DefaultIndicatorConfig().Validate())

	cfg := DefaultIndicatorConfig()
	cfg.EMAFast = 30
	assert.Error(t, cfg.Validate())

	cfg = DefaultIndicatorConfig()
	cfg.RSIPeriod = 0
	_, err := NewFeatureBuilder(cfg, nil)
	assert.Error(t, err)
}

func TestRegimeDetector(t *testing.T) {
	d := NewRegimeDetector(DefaultRegimeConfig())

	down := &types.Features{Price: 100, EMAFast: 99.5, EMASlow: 100.2, Return: -0.002}
	assert.Equal(t, types.RegimeTrendDown, d.Detect(down))

	// spread says up but the recent return disagrees
	mixed := &types.Features{Price: 100, EMAFast: 100.5, EMASlow: 100, Return: -0.001}
	assert.Equal(t, types.RegimeRange, d.Detect(mixed))

	volatile := &types.Features{Price: 100, EMAFast: 100, EMASlow: 100, Volatility: 0.01}
	assert.Equal(t, types.RegimeChop, d.Detect(volatile))

	zigzag := make([]float64, 20)
	for i := range zigzag {
		zigzag[i] = 100 + float64(i%2)
	}
	choppy := &types.Features{Price: 100, EMAFast: 100, EMASlow: 100, Closes: zigzag}
	assert.Equal(t, types.RegimeChop, d.Detect(choppy))

	assert.Equal(t, types.RegimeChop, d.Detect(nil))
}

func TestCandleBuffer(t *testing.T) {
	buf := NewCandleBuffer(time.Minute, 3)
	candles := series([]float64{100, 101, 102, 103}, 0.5)

	for _, c := range candles {
		buf.Upsert(c, t0)
	}
	require.Equal(t, 3, buf.Len())
	assert.Equal(t, candles[1].OpenTime, buf.Snapshot()[0].OpenTime)

	// in-progress candle replaced, stale one ignored
	live := candles[3]
	live.Close = 104
	buf.Upsert(live, t0.Add(time.Second))
	buf.Upsert(candles[0], t0.Add(2*time.Second))
	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 104.0, snap[2].Close)
	assert.Equal(t, t0.Add(time.Second), buf.LastUpdate())

	px, ok := buf.PriceAt(candles[2].OpenTime)
	require.True(t, ok)
	assert.Equal(t, candles[2].Open, px)

	px, ok = buf.PriceAt(candles[3].OpenTime.Add(30 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 104.0, px)

	_, ok = buf.PriceAt(candles[0].OpenTime)
	assert.False(t, ok, "evicted")
	_, ok = buf.PriceAt(candles[3].OpenTime.Add(2 * time.Minute))
	assert.False(t, ok, "not yet seen")
}
