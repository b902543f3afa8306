package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/strategy"
	"github.com/web3guy0/polysignal/types"
)

func TestDefaultRouting(t *testing.T) {
	router, err := NewRegimeRouter(DefaultRegimeTable())
	require.NoError(t, err)

	all := []strategy.Strategy{
		&fakeStrategy{name: "MOMENTUM"},
		&fakeStrategy{name: "MACD"},
		&fakeStrategy{name: "RSI"},
		&fakeStrategy{name: "BOLLINGER"},
		&fakeStrategy{name: "VWAP"},
	}
	names := func(r Route) []string {
		var out []string
		for _, s := range r.Eligible {
			out = append(out, s.Name())
		}
		return out
	}

	trend := router.Route(types.RegimeTrendUp, all)
	assert.Equal(t, []string{"MOMENTUM", "MACD", "BOLLINGER", "VWAP"}, names(trend))
	assert.Equal(t, 0.05, trend.Boosts["MOMENTUM"])
	assert.Equal(t, 1.0, trend.SizeMultiplier)

	rng := router.Route(types.RegimeRange, all)
	assert.NotContains(t, names(rng), "MOMENTUM")
	assert.Equal(t, 0.8, rng.SizeMultiplier)

	chop := router.Route(types.RegimeChop, all)
	assert.Equal(t, []string{"RSI", "BOLLINGER"}, names(chop))
	assert.Equal(t, 0.5, chop.SizeMultiplier)

	// unknown regimes leave everything eligible
	assert.Len(t, router.Route("SIDEWAYS", all).Eligible, 5)
	assert.Equal(t, 1.0, router.SizeMultiplier("SIDEWAYS"))
	assert.Len(t, router.Regimes(), 4)
}

func TestDisabledBeatsEnabled(t *testing.T) {
	router, err := NewRegimeRouter(RegimeTable{
		types.RegimeRange: {Enabled: []string{"RSI", "VWAP"}, Disabled: []string{"VWAP"}, SizeMultiplier: 1},
	})
	require.NoError(t, err)
	assert.True(t, router.IsEligible(types.RegimeRange, "RSI"))
	assert.False(t, router.IsEligible(types.RegimeRange, "VWAP"))
	assert.False(t, router.IsEligible(types.RegimeRange, "MACD"))
}

func TestLoadRegimeTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regimes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
TREND_UP:
  disabled: [RSI]
  confidence_boost:
    MOMENTUM: 0.1
CHOP:
  enabled: [BOLLINGER]
  size_multiplier: 0.25
`), 0o600))

	table, err := LoadRegimeTable(path)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, 1.0, table[types.RegimeTrendUp].SizeMultiplier)
	assert.Equal(t, 0.1, table[types.RegimeTrendUp].ConfidenceBoost["MOMENTUM"])
	assert.Equal(t, 0.25, table[types.RegimeChop].SizeMultiplier)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("SIDEWAYS:\n  enabled: [RSI]\n"), 0o600))
	_, err = LoadRegimeTable(bad)
	assert.ErrorIs(t, err, ErrInvalidRegimeTable)

	require.NoError(t, os.WriteFile(bad, []byte("RANGE:\n  size_multiplier: 3\n"), 0o600))
	_, err = LoadRegimeTable(bad)
	assert.ErrorIs(t, err, ErrInvalidRegimeTable)

	_, err = LoadRegimeTable(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
