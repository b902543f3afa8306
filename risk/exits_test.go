package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/types"
)

func newExits(t *testing.T) *PositionManager {
	t.Helper()
	pm, err := NewPositionManager(DefaultExitConfig())
	require.NoError(t, err)
	return pm
}

func testPosition(entry float64) types.Position {
	return types.Position{
		ID:               "p1",
		MarketID:         "m1",
		Side:             types.SideUp,
		EntryPrice:       d(entry),
		Size:             d(100),
		OriginalSize:     d(100),
		ScaledOutPercent: decimal.Zero,
		Status:           types.StatusOpen,
	}
}

func TestEvaluatePriority(t *testing.T) {
	pm := newExits(t)
	pos := testPosition(0.40)
	far := 10 * time.Minute

	exit, ok := pm.Evaluate(pos, d(0.72), far)
	require.True(t, ok)
	assert.Equal(t, ExitTakeProfit, exit.Kind)
	assert.True(t, exit.Full)

	// ceiling beats a far multiple
	high := testPosition(0.60)
	exit, ok = pm.Evaluate(high, d(0.95), far)
	require.True(t, ok)
	assert.Equal(t, ExitTakeProfit, exit.Kind)

	exit, ok = pm.Evaluate(pos, d(0.24), far)
	require.True(t, ok)
	assert.Equal(t, ExitStopLoss, exit.Kind)

	exit, ok = pm.Evaluate(high, d(0.05), far)
	require.True(t, ok)
	assert.Equal(t, ExitStopLoss, exit.Kind)

	exit, ok = pm.Evaluate(pos, d(0.52), far)
	require.True(t, ok)
	assert.Equal(t, ExitScaleOut, exit.Kind)
	assert.Equal(t, 0, exit.Level)
	assert.True(t, exit.Fraction.Equal(d(0.25)))

	// take profit wins even inside the time decay window
	exit, ok = pm.Evaluate(pos, d(0.75), 30*time.Second)
	require.True(t, ok)
	assert.Equal(t, ExitTakeProfit, exit.Kind)

	_, ok = pm.Evaluate(pos, d(0.45), far)
	assert.False(t, ok)
}

func TestTimeDecayAppliesIncrementOnly(t *testing.T) {
	pm := newExits(t)
	pos := testPosition(0.40)

	exit, ok := pm.Evaluate(pos, d(0.45), 150*time.Second)
	require.True(t, ok)
	assert.Equal(t, ExitTimeDecay, exit.Kind)
	assert.False(t, exit.Full)
	assert.True(t, exit.Fraction.Equal(d(0.5)))

	pos.ScaledOutPercent = d(0.25)
	exit, ok = pm.Evaluate(pos, d(0.45), 150*time.Second)
	require.True(t, ok)
	assert.True(t, exit.Fraction.Equal(d(0.25)))

	pos.ScaledOutPercent = d(0.6)
	_, ok = pm.Evaluate(pos, d(0.45), 150*time.Second)
	assert.False(t, ok, "already past the target")

	exit, ok = pm.Evaluate(pos, d(0.45), 45*time.Second)
	require.True(t, ok)
	assert.True(t, exit.Full)
}

func newBook(t *testing.T) (*ledger.Ledger, types.Position) {
	t.Helper()
	cfg := ledger.DefaultConfig()
	l, err := ledger.New(cfg, t0)
	require.NoError(t, err)
	pos, err := l.OpenPosition(ledger.OpenParams{
		StrategyID: "AGGREGATED",
		MarketID:   "m1",
		TokenID:    "tok-up",
		Side:       types.SideUp,
		EntryPrice: d(0.40),
		Size:       d(40),
		Time:       t0,
	})
	require.NoError(t, err)
	return l, *pos
}

func market(up float64, resolves time.Time) *types.Market {
	return &types.Market{
		ID:             "m1",
		UpPrice:        d(up),
		DownPrice:      d(1 - up),
		ResolutionTime: resolves,
	}
}

func TestScaleOutFiresOncePerLevel(t *testing.T) {
	pm := newExits(t)
	book, pos := newBook(t)
	resolves := t0.Add(15 * time.Minute)

	// below the first level: nothing, repeatedly
	for i := 0; i < 3; i++ {
		trades, err := pm.Manage(book, market(0.50, resolves), t0)
		require.NoError(t, err)
		assert.Empty(t, trades)
	}

	trades, err := pm.Manage(book, market(0.53, resolves), t0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Partial)
	assert.True(t, pm.Fired("m1", pos.ID, 0))

	// same price again, dip, and re-cross: level 0 never fires again
	for _, px := range []float64{0.53, 0.45, 0.54} {
		trades, err = pm.Manage(book, market(px, resolves), t0)
		require.NoError(t, err)
		assert.Empty(t, trades, "price %.2f", px)
	}

	trades, err = pm.Manage(book, market(0.61, resolves), t0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, pm.Fired("m1", pos.ID, 1))

	left, ok := book.Position(pos.ID)
	require.True(t, ok)
	assert.True(t, left.ScaledOutPercent.Equal(d(0.5)))
	assert.True(t, left.Size.Equal(d(20)))

	pm.ClearMarket("m1")
	assert.False(t, pm.Fired("m1", pos.ID, 0))
}

func TestManageTimeDecayThenFullClose(t *testing.T) {
	pm := newExits(t)
	book, pos := newBook(t)
	resolves := t0.Add(15 * time.Minute)

	trades, err := pm.Manage(book, market(0.42, resolves), resolves.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, types.ExitTimeDecay, trades[0].ExitReason)

	trades, err = pm.Manage(book, market(0.42, resolves), resolves.Add(-100*time.Second))
	require.NoError(t, err)
	assert.Empty(t, trades)

	trades, err = pm.Manage(book, market(0.42, resolves), resolves.Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.False(t, trades[0].Partial)

	_, ok := book.Position(pos.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, book.State().TradesExecuted)
}

func TestExitConfigValidate(t *testing.T) {
	require.NoError(t, DefaultExitConfig().Validate())

	cfg := DefaultExitConfig()
	cfg.TakeProfitMultiple = d(1)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultExitConfig()
	cfg.ScaleOutLevels = []ScaleOutLevel{{Multiple: d(2), Fraction: d(0.5)}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultExitConfig()
	cfg.TimeDecay = []TimeDecayStep{{Remaining: time.Minute, Target: d(1.5)}}
	_, err := NewPositionManager(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
