package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/performance"
	"github.com/web3guy0/polysignal/types"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "data", "polysignal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func position() types.Position {
	return types.Position{
		ID:           "pos-1",
		StrategyID:   "AGGREGATED",
		MarketID:     "0xmarket",
		TokenID:      "tok-up",
		Side:         types.SideUp,
		EntryPrice:   decimal.NewFromFloat(0.4),
		Size:         decimal.NewFromInt(100),
		OriginalSize: decimal.NewFromInt(100),
		Confidence:   0.78,
		Regime:       types.RegimeTrendUp,
		Contributors: []string{"MOMENTUM", "MACD"},
		OpenTime:     t0,
		RealizedPnL:  decimal.Zero,
		Status:       types.StatusOpen,
	}
}

func TestPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	require.NoError(t, db.RecordPosition(ctx, position()))
	open, err := db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "MOMENTUM,MACD", open[0].Contributors)
	assert.True(t, open[0].EntryPrice.Equal(decimal.NewFromFloat(0.4)))

	// upsert is idempotent
	require.NoError(t, db.RecordPosition(ctx, position()))
	open, err = db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	partial := types.ClosedTrade{
		PositionID: "pos-1", StrategyID: "AGGREGATED", MarketID: "0xmarket", Side: types.SideUp,
		EntryPrice: decimal.NewFromFloat(0.4), ExitPrice: decimal.NewFromFloat(0.6),
		Size: decimal.NewFromInt(25), PnL: decimal.RequireFromString("12.5"),
		ExitReason: types.ExitScaleOut, Won: true, Partial: true,
		OpenTime: t0, CloseTime: t0.Add(5 * time.Minute), HoldTime: 5 * time.Minute,
	}
	require.NoError(t, db.RecordTrade(ctx, partial))

	final := partial
	final.Size = decimal.NewFromInt(75)
	final.ExitPrice = decimal.NewFromInt(1)
	final.PnL = decimal.RequireFromString("112.5")
	final.TotalPnL = decimal.NewFromInt(125)
	final.ExitReason = types.ExitResolution
	final.Partial = false
	final.CloseTime = t0.Add(15 * time.Minute)
	require.NoError(t, db.RecordTrade(ctx, final))

	open, err = db.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	trades, err := db.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, types.ExitResolution, trades[0].ExitReason)
	assert.Equal(t, int64(900), trades[0].HoldSeconds)

	total, err := db.TotalPnL(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(125)), total.String())
}

func TestSignalsDecisionsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)

	signals := []types.Signal{
		{StrategyID: "MOMENTUM", Side: types.SideUp, Confidence: 0.75, Weight: 1, RegimeBoost: 0.05,
			Features: map[string]float64{"rsi": 61.2}, Reason: "ema spread"},
		{StrategyID: "MACD", Side: types.SideUp, Confidence: 0.65, Weight: 1.2},
	}
	require.NoError(t, db.RecordSignals(ctx, "0xmarket", signals, t0))
	require.NoError(t, db.RecordSignals(ctx, "0xmarket", nil, t0))

	var stored []SignalRecord
	require.NoError(t, db.db.Order("id").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.JSONEq(t, `{"rsi":61.2}`, stored[0].Features)
	assert.Equal(t, "{}", stored[1].Features)

	enter := types.Decision{Action: types.ActionEnter, Side: types.SideUp, Confidence: 0.78,
		Strength: types.StrengthGood, AgreementCount: 2, Signals: signals, Regime: types.RegimeTrendUp}
	skip := types.Decision{Action: types.ActionNoTrade, Reason: types.RejectConflict}
	require.NoError(t, db.RecordDecision(ctx, "0xmarket", enter, t0))
	require.NoError(t, db.RecordDecision(ctx, "0xmarket", skip, t0.Add(time.Minute)))

	n, err := db.CountDecisions(ctx, types.ActionEnter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	summaries := []performance.Summary{
		{StrategyID: "MOMENTUM", Samples: 3, RollingWinRate: 0.66, Weight: 1.1, RollingPnL: decimal.NewFromInt(20), LifetimePnL: decimal.NewFromInt(20)},
		{StrategyID: "MACD", Samples: 1, Weight: 1.0, RollingPnL: decimal.Zero, LifetimePnL: decimal.Zero},
	}
	require.NoError(t, db.RecordPerformance(ctx, summaries, t0))
	var perf int64
	require.NoError(t, db.db.Model(&PerformanceSnapshot{}).Count(&perf).Error)
	assert.Equal(t, int64(2), perf)

	none, err := db.LatestSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	l, err := ledger.New(ledger.DefaultConfig(), t0)
	require.NoError(t, err)
	state := l.State()
	require.NoError(t, db.RecordSession(ctx, state, t0))
	state.Balance = decimal.NewFromInt(525)
	state.Wins = 1
	require.NoError(t, db.RecordSession(ctx, state, t0.Add(time.Hour)))

	latest, err := db.LatestSession(ctx)
	require.NoError(t, err)
	assert.True(t, latest.Balance.Equal(decimal.NewFromInt(525)))
	assert.Equal(t, 1, latest.Wins)
	assert.Equal(t, "2025-06-01", latest.Day)
}
