package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/storage"
	"github.com/web3guy0/polysignal/types"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestWriteTradeHistory(t *testing.T) {
	ctx := context.Background()
	db, err := storage.New(filepath.Join(t.TempDir(), "polysignal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var out bytes.Buffer
	require.NoError(t, writeTradeHistory(ctx, &out, db, 10))
	assert.Contains(t, out.String(), "No trades recorded")
	assert.Contains(t, out.String(), "Lifetime P/L: $0.00")
	assert.NotContains(t, out.String(), "Last session")

	pos := types.Position{
		ID: "pos-1", StrategyID: "AGGREGATED", MarketID: "m1", TokenID: "m1-up", Side: types.SideUp,
		EntryPrice: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(20), OriginalSize: decimal.NewFromInt(20),
		Contributors: []string{"MOMENTUM", "MACD"}, OpenTime: t0, Status: types.StatusOpen,
	}
	require.NoError(t, db.RecordPosition(ctx, pos))
	stale := pos
	stale.ID = "pos-2"
	stale.MarketID = "m2"
	require.NoError(t, db.RecordPosition(ctx, stale))
	require.NoError(t, db.RecordTrade(ctx, types.ClosedTrade{
		PositionID: "pos-1", StrategyID: "AGGREGATED", MarketID: "m1", Side: types.SideUp,
		EntryPrice: decimal.NewFromFloat(0.5), ExitPrice: decimal.NewFromInt(1),
		Size: decimal.NewFromInt(20), PnL: decimal.NewFromInt(20), TotalPnL: decimal.NewFromInt(20),
		Contributors: []string{"MOMENTUM", "MACD"}, ExitReason: types.ExitResolution, Won: true,
		OpenTime: t0, CloseTime: t0.Add(15 * time.Minute),
	}))
	require.NoError(t, db.RecordDecision(ctx, "m1", types.Decision{Action: types.ActionEnter, Side: types.SideUp}, t0))
	require.NoError(t, db.RecordDecision(ctx, "m2", types.Decision{Action: types.ActionNoTrade, Reason: types.RejectConflict}, t0))
	require.NoError(t, db.RecordDecision(ctx, "m3", types.Decision{Action: types.ActionNoTrade, Reason: types.RejectNoSignals}, t0))

	l, err := ledger.New(ledger.DefaultConfig(), t0)
	require.NoError(t, err)
	require.NoError(t, db.RecordSession(ctx, l.State(), t0))

	out.Reset()
	require.NoError(t, writeTradeHistory(ctx, &out, db, 10))
	text := out.String()
	assert.Contains(t, text, "2025-06-01 10:15  UP   m1  0.50 → 1.00  $20.00  pnl $20.00  RESOLUTION (final)  [MOMENTUM,MACD]")
	assert.Contains(t, text, "Lifetime P/L: $20.00")
	assert.Contains(t, text, "Decisions: 1 entered, 2 skipped")
	assert.Contains(t, text, "Last session 2025-06-01: balance $500.00, W0/L0")
	assert.Contains(t, text, "Still open: pos-2")
}
