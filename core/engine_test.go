package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/performance"
	"github.com/web3guy0/polysignal/risk"
	"github.com/web3guy0/polysignal/strategy"
	"github.com/web3guy0/polysignal/types"
)

type fakeMarkets struct {
	current  *types.Market
	outcomes map[string]types.Side
	err      error
}

func (f *fakeMarkets) Current(context.Context) (*types.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.current, nil
}

func (f *fakeMarkets) Outcome(_ context.Context, m *types.Market) (types.Side, error) {
	if side, ok := f.outcomes[m.ID]; ok {
		return side, nil
	}
	return "", types.ErrOutcomePending
}

type fakeFeatures struct {
	regime types.Regime
	err    error
}

func (f *fakeFeatures) Features(_ context.Context, m *types.Market) (*types.Features, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Features{Asset: m.Asset, Price: 65000, Regime: f.regime}, nil
}

type fakeOrders struct {
	err  error
	reqs []types.OrderRequest
}

func (f *fakeOrders) PlaceOrder(_ context.Context, req types.OrderRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "order-1", nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	signals   int
	decisions int
	positions int
	trades    []types.ClosedTrade
	perf      int
	sessions  int
	ctxErrs   []error
	err       error
}

func (f *fakeRecorder) RecordSignals(ctx context.Context, _ string, _ []types.Signal, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func (f *fakeRecorder) RecordDecision(context.Context, string, types.Decision, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions++
	return f.err
}

func (f *fakeRecorder) RecordPosition(ctx context.Context, _ types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func (f *fakeRecorder) RecordTrade(_ context.Context, t types.ClosedTrade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return f.err
}

func (f *fakeRecorder) RecordPerformance(context.Context, []performance.Summary, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perf++
	return f.err
}

func (f *fakeRecorder) RecordSession(context.Context, ledger.SessionState, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	return f.err
}

type fakeNotifier struct {
	entries int
	exits   int
	halts   []string
	reports int
}

func (f *fakeNotifier) NotifyEntry(types.Position, types.Decision) { f.entries++ }
func (f *fakeNotifier) NotifyExit(types.ClosedTrade)               { f.exits++ }
func (f *fakeNotifier) NotifyHalt(reason string)                   { f.halts = append(f.halts, reason) }
func (f *fakeNotifier) NotifyReport(FinalReport)                   { f.reports++ }

type harness struct {
	eng      *Engine
	markets  *fakeMarkets
	features *fakeFeatures
	orders   *fakeOrders
	ledger   *ledger.Ledger
	tracker  *performance.Tracker
	rec      *fakeRecorder
	note     *fakeNotifier
	momentum *fakeStrategy
	macd     *fakeStrategy
	now      time.Time
}

func window(id string, up float64, start time.Time) *types.Market {
	return &types.Market{
		ID:             id,
		Slug:           "btc-updown-15m-" + id,
		Asset:          "BTC",
		UpTokenID:      id + "-up",
		DownTokenID:    id + "-down",
		StartTime:      start,
		ResolutionTime: start.Add(15 * time.Minute),
		UpPrice:        decimal.NewFromFloat(up),
		DownPrice:      decimal.NewFromFloat(1 - up),
	}
}

func newHarness(t *testing.T, live bool) *harness {
	t.Helper()

	momentum := sig("MOMENTUM", types.SideUp, 0.70)
	macd := sig("MACD", types.SideUp, 0.65)
	h := &harness{
		markets:  &fakeMarkets{current: window("m1", 0.5, t0), outcomes: map[string]types.Side{}},
		features: &fakeFeatures{regime: types.RegimeTrendUp},
		orders:   &fakeOrders{},
		rec:      &fakeRecorder{},
		note:     &fakeNotifier{},
		momentum: &fakeStrategy{name: "MOMENTUM", signal: &momentum},
		macd:     &fakeStrategy{name: "MACD", signal: &macd},
		now:      t0,
	}

	var err error
	h.ledger, err = ledger.New(ledger.DefaultConfig(), t0)
	require.NoError(t, err)
	h.tracker, err = performance.NewTracker(performance.DefaultConfig())
	require.NoError(t, err)
	router, err := NewRegimeRouter(DefaultRegimeTable())
	require.NoError(t, err)
	agg, err := NewAggregator(DefaultAggregatorConfig(), router, weightMap{"MOMENTUM": 1.0, "MACD": 1.2})
	require.NoError(t, err)
	rm, err := risk.NewManager(risk.DefaultConfig(), h.ledger)
	require.NoError(t, err)
	exits, err := risk.NewPositionManager(risk.DefaultExitConfig())
	require.NoError(t, err)

	cfg := DefaultEngineConfig()
	cfg.Live = live
	h.eng, err = NewEngine(cfg, Deps{
		Features:   h.features,
		Markets:    h.markets,
		Strategies: []strategy.Strategy{h.momentum, h.macd},
		Router:     router,
		Aggregator: agg,
		Tracker:    h.tracker,
		Ledger:     h.ledger,
		Risk:       rm,
		Exits:      exits,
		Orders:     h.orders,
		Recorder:   h.rec,
		Notifier:   h.note,
		Clock:      func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

func (h *harness) cycle(t *testing.T, at time.Time) CycleReport {
	t.Helper()
	h.now = at
	r, err := h.eng.RunCycle(context.Background())
	require.NoError(t, err)
	return r
}

func TestEndToEndEntryAndResolution(t *testing.T) {
	h := newHarness(t, false)

	r := h.cycle(t, t0)
	require.NotNil(t, r.Entered, "reason %s", r.Reason)
	require.NotNil(t, r.Decision)
	assert.Equal(t, types.SideUp, r.Decision.Side)
	assert.Equal(t, types.StrengthGood, r.Decision.Strength)
	assert.InDelta(t, 0.7755, r.Decision.Confidence, 1e-3)
	assert.Zero(t, r.Decision.ConflictLevel)

	pos := *r.Entered
	assert.Equal(t, AggregatedStrategyID, pos.StrategyID)
	assert.Equal(t, "m1-up", pos.TokenID)
	assert.True(t, pos.Size.IsPositive())
	assert.ElementsMatch(t, []string{"MOMENTUM", "MACD"}, pos.Contributors)
	assert.Len(t, h.momentum.traded, 1)
	assert.Len(t, h.macd.traded, 1)
	assert.Empty(t, h.orders.reqs, "paper mode places no orders")

	// same window: one position per market
	r = h.cycle(t, t0.Add(time.Minute))
	assert.Nil(t, r.Entered)
	assert.Equal(t, types.RejectDuplicatePosition, r.Reason)

	// window rolls over and m1 settles UP
	h.markets.current = window("m2", 0.5, t0.Add(15*time.Minute))
	h.markets.outcomes["m1"] = types.SideUp
	r = h.cycle(t, t0.Add(16*time.Minute))
	require.Len(t, r.Resolved, 1)
	won := r.Resolved[0]
	assert.True(t, won.Won)
	assert.Equal(t, types.ExitResolution, won.ExitReason)
	assert.True(t, won.PnL.Equal(pos.Size), "bought at 0.50, pays 1:1")

	st := h.ledger.State()
	assert.Equal(t, 1, st.TradesExecuted)
	assert.Equal(t, 1, st.ConsecutiveWins)
	assert.Zero(t, st.ConsecutiveLosses)
	assert.True(t, st.RealizedPnL.Equal(pos.Size))

	half := pos.Size.Div(decimal.NewFromInt(2))
	for _, id := range []string{"MOMENTUM", "MACD"} {
		s := h.tracker.Summary(id)
		assert.Equal(t, 1, s.LifetimeTrades, id)
		assert.Equal(t, 1, s.LifetimeWins, id)
		assert.True(t, s.LifetimePnL.Equal(half), id)
	}

	// the new window is tradable right away
	require.NotNil(t, r.Entered)
	assert.Equal(t, "m2", r.Entered.MarketID)

	assert.Equal(t, 3, h.rec.signals)
	assert.Equal(t, 2, h.rec.positions)
	assert.Len(t, h.rec.trades, 1)
	assert.Equal(t, 1, h.rec.perf)
	assert.Equal(t, 2, h.note.entries)
	assert.Equal(t, 1, h.note.exits)

	acct := h.eng.GetAccountState()
	assert.Equal(t, "m2", acct.Market.ID)
	assert.Len(t, acct.OpenPositions, 1)
	assert.Zero(t, acct.PendingResolutions)
}

func TestPendingResolutionBlocksEntries(t *testing.T) {
	h := newHarness(t, false)
	r := h.cycle(t, t0)
	require.NotNil(t, r.Entered)
	size := r.Entered.Size

	h.markets.current = window("m2", 0.5, t0.Add(15*time.Minute))
	r = h.cycle(t, t0.Add(16*time.Minute))
	assert.Nil(t, r.Entered)
	assert.Empty(t, r.Resolved)
	assert.Equal(t, types.RejectPendingResolution, r.Reason)
	assert.Equal(t, 1, h.eng.GetAccountState().PendingResolutions)

	h.markets.outcomes["m1"] = types.SideDown
	r = h.cycle(t, t0.Add(17*time.Minute))
	require.Len(t, r.Resolved, 1)
	assert.False(t, r.Resolved[0].Won)
	assert.True(t, r.Resolved[0].PnL.Equal(size.Neg()))
	assert.Equal(t, 1, h.ledger.State().ConsecutiveLosses)
	assert.Equal(t, 1, h.tracker.Summary("MACD").LifetimeTrades)
	assert.Zero(t, h.tracker.Summary("MACD").LifetimeWins)
}

func TestFetchErrorSkipsCycleWithoutMutation(t *testing.T) {
	h := newHarness(t, false)
	h.markets.err = errors.New("gamma api: 502")

	r, err := h.eng.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, r.Skipped)
	assert.Nil(t, h.eng.GetAccountState().Market)
	assert.Empty(t, h.ledger.OpenPositions())
	assert.Zero(t, h.rec.signals)

	h.markets.err = nil
	h.features.err = errors.New("candles stale")
	r, err = h.eng.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, r.Skipped)
	assert.Nil(t, h.eng.GetAccountState().Market)
}

func TestLiveOrderFailureRejectsEntry(t *testing.T) {
	h := newHarness(t, true)
	h.orders.err = errors.New("insufficient funds")

	r := h.cycle(t, t0)
	assert.Nil(t, r.Entered)
	assert.Equal(t, types.RejectOrderFailed, r.Reason)
	require.Len(t, h.orders.reqs, 1)
	assert.Equal(t, "m1-up", h.orders.reqs[0].TokenID)
	assert.Empty(t, h.ledger.OpenPositions())
	assert.Empty(t, h.momentum.traded)

	h.orders.err = nil
	r = h.cycle(t, t0.Add(time.Minute))
	require.NotNil(t, r.Entered)
}

func TestEntryGates(t *testing.T) {
	h := newHarness(t, false)

	// too close to resolution
	r := h.cycle(t, t0.Add(14*time.Minute))
	assert.Equal(t, types.RejectTooCloseToResolve, r.Reason)

	// price out of bounds
	h.markets.current = window("m1", 0.97, t0)
	r = h.cycle(t, t0)
	assert.Equal(t, types.RejectInvalidPrice, r.Reason)

	// emergency stop
	h.markets.current = window("m1", 0.5, t0)
	h.eng.EmergencyStop("manual")
	r = h.cycle(t, t0)
	assert.Equal(t, types.RejectRiskHalt, r.Reason)
	assert.True(t, h.eng.GetRiskStatus().Halted)
	assert.Equal(t, []string{"emergency: manual"}, h.note.halts)
}

func TestResetSessionClearsEmergencyHalt(t *testing.T) {
	h := newHarness(t, false)
	h.eng.EmergencyStop("manual")
	r := h.cycle(t, t0)
	assert.Equal(t, types.RejectRiskHalt, r.Reason)

	require.NoError(t, h.eng.ResetSession(decimal.NewFromInt(400)))
	status := h.eng.GetRiskStatus()
	assert.False(t, status.Halted)
	assert.True(t, h.ledger.Balance().Equal(decimal.NewFromInt(400)))

	r = h.cycle(t, t0.Add(time.Minute))
	require.NotNil(t, r.Entered, "reason %s", r.Reason)

	// bookkeeping cannot restart under an open position
	err := h.eng.ResetSession(decimal.NewFromInt(500))
	assert.ErrorIs(t, err, ledger.ErrOpenPositions)
	assert.Len(t, h.ledger.OpenPositions(), 1)

	assert.Error(t, newHarness(t, false).eng.ResetSession(decimal.Zero))
}

func TestEnterRejectsOnceStopping(t *testing.T) {
	h := newHarness(t, true)
	plan := &plannedEntry{
		decision: types.Decision{Action: types.ActionEnter, Side: types.SideUp, Confidence: 0.7},
		market:   *window("m1", 0.5, t0),
		tokenID:  "m1-up",
		price:    decimal.NewFromFloat(0.5),
		size:     decimal.NewFromInt(10),
	}

	h.eng.mu.Lock()
	h.eng.stopping = true
	h.eng.mu.Unlock()

	var r CycleReport
	h.eng.enter(context.Background(), &r, plan, t0)
	assert.Equal(t, types.RejectStopping, r.Reason)
	assert.Nil(t, r.Entered)
	assert.Empty(t, h.orders.reqs, "no order once shutdown began")
	assert.Empty(t, h.ledger.OpenPositions())
}

func TestCancelledCycleStillPersists(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.now = t0
	r, err := h.eng.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, r.Entered)

	assert.Equal(t, 1, h.rec.signals)
	assert.Equal(t, 1, h.rec.positions)
	require.Len(t, h.rec.ctxErrs, 2)
	for _, err := range h.rec.ctxErrs {
		assert.NoError(t, err)
	}
}

func TestLosingContributorsLoseWeight(t *testing.T) {
	s := DefaultSettings()
	s.Performance.MinTradesForWeighting = 3
	s.Risk.MaxBet = decimal.NewFromInt(5)

	momentum := sig("MOMENTUM", types.SideUp, 0.70)
	macd := sig("MACD", types.SideUp, 0.65)
	markets := &fakeMarkets{current: window("m0", 0.5, t0), outcomes: map[string]types.Side{}}
	vwap := &fakeStrategy{name: "VWAP"}
	now := t0.Add(time.Minute)

	eng, err := Build(s, Deps{
		Features: &fakeFeatures{regime: types.RegimeTrendUp},
		Markets:  markets,
		Strategies: []strategy.Strategy{
			&fakeStrategy{name: "MOMENTUM", signal: &momentum},
			&fakeStrategy{name: "MACD", signal: &macd},
			vwap,
		},
		Orders:   &fakeOrders{},
		Recorder: &fakeRecorder{},
		Notifier: &fakeNotifier{},
		Clock:    func() time.Time { return now },
	}, t0)
	require.NoError(t, err)

	split := []types.Signal{momentum, macd, sig("VWAP", types.SideDown, 0.75)}
	before := eng.aggregator.Aggregate(split, types.RegimeTrendUp)
	assert.Equal(t, types.RejectConflict, before.Reason, "default weights leave the split too close")

	// three windows entered UP, each settles DOWN
	for i := 0; i < 3; i++ {
		r, err := eng.RunCycle(context.Background())
		require.NoError(t, err)
		require.NotNil(t, r.Entered, "window %d: %s", i, r.Reason)
		assert.Equal(t, types.SideUp, r.Entered.Side)

		markets.outcomes[r.Entered.MarketID] = types.SideDown
		start := t0.Add(time.Duration(i+1) * 15 * time.Minute)
		markets.current = window(fmt.Sprintf("m%d", i+1), 0.5, start)
		now = start.Add(time.Minute)
	}

	vwapSignal := sig("VWAP", types.SideDown, 0.75)
	vwap.signal = &vwapSignal

	r, err := eng.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Resolved, 1)
	assert.False(t, r.Resolved[0].Won)

	for _, id := range []string{"MOMENTUM", "MACD"} {
		assert.InDelta(t, s.Performance.MinWeight, eng.tracker.GetWeight(id), 1e-9, id)
	}
	assert.Equal(t, s.Performance.DefaultWeight, eng.tracker.GetWeight("VWAP"))

	// the same split now resolves for the lone DOWN signal
	require.NotNil(t, r.Entered, "reason %s", r.Reason)
	assert.Equal(t, types.SideDown, r.Entered.Side)
	assert.Equal(t, []string{"VWAP"}, r.Entered.Contributors)
	require.NotNil(t, r.Decision)
	assert.Equal(t, types.StrengthWeak, r.Decision.Strength)
	assert.LessOrEqual(t, r.Decision.ConflictLevel, s.Aggregator.ConflictThreshold)

	report, err := eng.Stop(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"MOMENTUM", "MACD"}, report.Laggards)
	require.Len(t, report.Leaders, 2)
	assert.Contains(t, report.String(), "Under 40%")
}

func TestStopForceClosesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	r := h.cycle(t, t0)
	require.NotNil(t, r.Entered)

	h.markets.current = window("m1", 0.6, t0)
	h.now = t0.Add(2 * time.Minute)

	report, err := h.eng.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ForcedExits)
	assert.Equal(t, 1, report.Trades)
	assert.Equal(t, 1, report.Cycles)
	assert.Empty(t, h.ledger.OpenPositions())
	assert.Equal(t, 1, h.note.reports)

	// forced exit at the last quote the engine saw (0.50), not the new one
	last := h.rec.trades[len(h.rec.trades)-1]
	assert.Equal(t, types.ExitShutdown, last.ExitReason)
	assert.True(t, last.ExitPrice.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, report.FinalBalance.Equal(report.InitialBalance))

	again, err := h.eng.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.StoppedAt, again.StoppedAt)
	assert.Equal(t, 1, h.note.reports)

	_, err = h.eng.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Contains(t, report.String(), "forced exits 1")
}

func TestRunStopsOnStop(t *testing.T) {
	h := newHarness(t, false)

	done := make(chan error, 1)
	go func() { done <- h.eng.Run(context.Background()) }()

	_, err := h.eng.Stop(context.Background())
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStrategySummaries(t *testing.T) {
	h := newHarness(t, false)
	h.cycle(t, t0)

	summaries := h.eng.GetAllStrategySummaries()
	require.Len(t, summaries, 2)
	assert.Equal(t, "MOMENTUM", summaries[0].StrategyID)
	assert.True(t, summaries[0].Eligible)
	assert.Equal(t, 0.05, summaries[0].Boost)
	assert.Equal(t, 1.0, summaries[1].Weight)
}

func TestEngineConfigValidate(t *testing.T) {
	require.NoError(t, DefaultEngineConfig().Validate())

	cfg := DefaultEngineConfig()
	cfg.PollInterval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidEngineConfig)

	cfg = DefaultEngineConfig()
	cfg.MinEntryPrice = decimal.NewFromFloat(0.9)
	cfg.MaxEntryPrice = decimal.NewFromFloat(0.1)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidEngineConfig)

	_, err := NewEngine(DefaultEngineConfig(), Deps{})
	assert.ErrorIs(t, err, ErrInvalidEngineConfig)
}
