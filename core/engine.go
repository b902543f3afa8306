package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/performance"
	"github.com/web3guy0/polysignal/risk"
	"github.com/web3guy0/polysignal/strategy"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per cycle:
//   fetch market + features + pending outcomes        (no locks, may fail)
//   resolve → exits → route → aggregate → risk → size  (engine lock)
//   place order (live only)                            (no locks)
//   open position                                      (engine lock)
//   persist + notify                                   (no locks, failures logged)
//
// ═══════════════════════════════════════════════════════════════════════════════

// AggregatedStrategyID is the ledger id the engine trades aggregated decisions under
const AggregatedStrategyID = "AGGREGATED"

var (
	// ErrStopped is returned by RunCycle once Stop has been requested
	ErrStopped = errors.New("engine stopped")

	// ErrNoMarket is returned when the provider has no active window
	ErrNoMarket = errors.New("no active market")

	// ErrInvalidEngineConfig is returned for unusable engine settings
	ErrInvalidEngineConfig = errors.New("invalid engine config")
)

// FeatureProvider computes the cycle's features for a market
type FeatureProvider interface {
	Features(ctx context.Context, market *types.Market) (*types.Features, error)
}

// MarketProvider discovers the active window and resolves finished ones.
// Outcome returns types.ErrOutcomePending until the window has settled.
type MarketProvider interface {
	Current(ctx context.Context) (*types.Market, error)
	Outcome(ctx context.Context, market *types.Market) (types.Side, error)
}

// OrderPlacer places live orders
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
}

// Recorder is the append-only persistence sink
type Recorder interface {
	RecordSignals(ctx context.Context, marketID string, signals []types.Signal, ts time.Time) error
	RecordDecision(ctx context.Context, marketID string, decision types.Decision, ts time.Time) error
	RecordPosition(ctx context.Context, pos types.Position) error
	RecordTrade(ctx context.Context, trade types.ClosedTrade) error
	RecordPerformance(ctx context.Context, summaries []performance.Summary, ts time.Time) error
	RecordSession(ctx context.Context, state ledger.SessionState, ts time.Time) error
}

// Notifier receives trade and halt notifications (Telegram)
type Notifier interface {
	NotifyEntry(pos types.Position, decision types.Decision)
	NotifyExit(trade types.ClosedTrade)
	NotifyHalt(reason string)
	NotifyReport(report FinalReport)
}

// EngineConfig holds scheduler and entry settings
type EngineConfig struct {
	PollInterval   time.Duration
	Live           bool
	MinTimeToEnter time.Duration
	MinEntryPrice  decimal.Decimal
	MaxEntryPrice  decimal.Decimal
	PersistTimeout time.Duration
}

// DefaultEngineConfig returns paper-trading defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:   5 * time.Second,
		MinTimeToEnter: 2 * time.Minute,
		MinEntryPrice:  decimal.NewFromFloat(0.05),
		MaxEntryPrice:  decimal.NewFromFloat(0.95),
		PersistTimeout: 5 * time.Second,
	}
}

// Validate checks the engine settings
func (c EngineConfig) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidEngineConfig)
	case c.MinTimeToEnter < 0:
		return fmt.Errorf("%w: min time to enter must be >= 0", ErrInvalidEngineConfig)
	case !c.MinEntryPrice.IsPositive() || c.MaxEntryPrice.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: entry price bounds must be within (0,1)", ErrInvalidEngineConfig)
	case c.MinEntryPrice.GreaterThan(c.MaxEntryPrice):
		return fmt.Errorf("%w: min entry price above max", ErrInvalidEngineConfig)
	}
	return nil
}

// Deps wires the engine's collaborators. Orders, Recorder and Notifier are optional.
type Deps struct {
	Features   FeatureProvider
	Markets    MarketProvider
	Strategies []strategy.Strategy
	Router     *RegimeRouter
	Aggregator *Aggregator
	Tracker    *performance.Tracker
	Ledger     *ledger.Ledger
	Risk       *risk.Manager
	Exits      *risk.PositionManager
	Orders     OrderPlacer
	Recorder   Recorder
	Notifier   Notifier
	Clock      func() time.Time
}

// CycleReport describes what one cycle did
type CycleReport struct {
	Time     time.Time
	MarketID string
	Regime   types.Regime
	Skipped  bool

	Signals  []types.Signal
	Decision *types.Decision
	Reason   types.RejectReason
	Entered  *types.Position

	Resolved []types.ClosedTrade
	Exits    []types.ClosedTrade
}

// FinalReport summarises a session at shutdown
type FinalReport struct {
	StartedAt      time.Time
	StoppedAt      time.Time
	Cycles         int
	InitialBalance decimal.Decimal
	FinalBalance   decimal.Decimal
	RealizedPnL    decimal.Decimal
	Trades         int
	Wins           int
	Losses         int
	WinRate        float64
	MaxDrawdown    decimal.Decimal
	ForcedExits    int
	Strategies     []performance.Summary
	Leaders        []performance.Summary
	Laggards       []string
}

// Report ranking: the best few by rolling win rate, and anything trailing
// the floor once it has enough samples.
const (
	reportLeaders  = 3
	laggardWinRate = 0.40
)

// String renders the report for logs and chat
func (r FinalReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s → %s (%d cycles)\n",
		r.StartedAt.Format(time.RFC3339), r.StoppedAt.Format(time.RFC3339), r.Cycles)
	fmt.Fprintf(&b, "Balance: $%s → $%s (P/L $%s)\n",
		r.InitialBalance.StringFixed(2), r.FinalBalance.StringFixed(2), r.RealizedPnL.StringFixed(2))
	fmt.Fprintf(&b, "Trades: %d (W%d/L%d, %.1f%%), forced exits %d\n",
		r.Trades, r.Wins, r.Losses, r.WinRate*100, r.ForcedExits)
	fmt.Fprintf(&b, "Max drawdown: %s%%\n", r.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(1))
	for _, s := range r.Strategies {
		fmt.Fprintf(&b, "  %-10s w=%.2f rolling=%.0f%% (%d) lifetime=%d pnl=$%s\n",
			s.StrategyID, s.Weight, s.RollingWinRate*100, s.Samples, s.LifetimeTrades, s.LifetimePnL.StringFixed(2))
	}
	if len(r.Leaders) > 0 {
		names := make([]string, len(r.Leaders))
		for i, s := range r.Leaders {
			names[i] = fmt.Sprintf("%s %.0f%%", s.StrategyID, s.RollingWinRate*100)
		}
		fmt.Fprintf(&b, "Top: %s\n", strings.Join(names, ", "))
	}
	if len(r.Laggards) > 0 {
		fmt.Fprintf(&b, "Under %.0f%%: %s\n", laggardWinRate*100, strings.Join(r.Laggards, ", "))
	}
	return b.String()
}

// AccountState is a consistent snapshot for getters
type AccountState struct {
	Session            ledger.SessionState
	Exposure           decimal.Decimal
	Available          decimal.Decimal
	OpenPositions      []types.Position
	Market             *types.Market
	Regime             types.Regime
	PendingResolutions int
	Live               bool
	Stopping           bool
	LastCycle          CycleReport
}

// StrategySummary is a strategy's performance plus its routing in the current regime
type StrategySummary struct {
	performance.Summary
	Eligible    bool
	Boost       float64
	CoolingDown bool
}

// plannedEntry is an entry that passed every gate
type plannedEntry struct {
	decision types.Decision
	market   types.Market
	tokenID  string
	price    decimal.Decimal
	size     decimal.Decimal
}

// Engine schedules cycles and owns the trading state
type Engine struct {
	cycleMu sync.Mutex   // one cycle at a time
	mu      sync.RWMutex // trading state

	cfg        EngineConfig
	features   FeatureProvider
	markets    MarketProvider
	strategies []strategy.Strategy
	router     *RegimeRouter
	aggregator *Aggregator
	tracker    *performance.Tracker
	ledger     *ledger.Ledger
	risk       *risk.Manager
	exits      *risk.PositionManager
	orders     OrderPlacer
	recorder   Recorder
	notifier   Notifier
	clock      func() time.Time

	current   *types.Market
	regime    types.Regime
	pending   map[string]*types.Market
	lastCycle CycleReport
	cycles    int
	startedAt time.Time

	haltMu sync.Mutex
	halts  []string // drained by persist

	stopping bool
	stopOnce sync.Once
	stopCh   chan struct{}
	report   *FinalReport
}

// NewEngine creates a new trading engine
func NewEngine(cfg EngineConfig, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Features == nil || deps.Markets == nil:
		return nil, fmt.Errorf("%w: feature and market providers are required", ErrInvalidEngineConfig)
	case deps.Router == nil || deps.Aggregator == nil || deps.Tracker == nil:
		return nil, fmt.Errorf("%w: router, aggregator and tracker are required", ErrInvalidEngineConfig)
	case deps.Ledger == nil || deps.Risk == nil || deps.Exits == nil:
		return nil, fmt.Errorf("%w: ledger, risk and exit managers are required", ErrInvalidEngineConfig)
	case len(deps.Strategies) == 0:
		return nil, fmt.Errorf("%w: no strategies", ErrInvalidEngineConfig)
	case cfg.Live && deps.Orders == nil:
		return nil, fmt.Errorf("%w: live mode needs an order placer", ErrInvalidEngineConfig)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		cfg:        cfg,
		features:   deps.Features,
		markets:    deps.Markets,
		strategies: deps.Strategies,
		router:     deps.Router,
		aggregator: deps.Aggregator,
		tracker:    deps.Tracker,
		ledger:     deps.Ledger,
		risk:       deps.Risk,
		exits:      deps.Exits,
		orders:     deps.Orders,
		recorder:   deps.Recorder,
		notifier:   deps.Notifier,
		clock:      clock,
		pending:    make(map[string]*types.Market),
		startedAt:  clock(),
		stopCh:     make(chan struct{}),
	}

	// fired from inside the locked section, so only queue
	deps.Risk.SetHaltHandler(func(reason string) {
		e.haltMu.Lock()
		e.halts = append(e.halts, reason)
		e.haltMu.Unlock()
	})

	return e, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOOP
// ═══════════════════════════════════════════════════════════════════════════════

// Run polls until ctx is cancelled or Stop is called
func (e *Engine) Run(ctx context.Context) error {
	mode := "PAPER"
	if e.cfg.Live {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Dur("interval", e.cfg.PollInterval).
		Int("strategies", len(e.strategies)).
		Str("balance", "$"+e.ledger.Balance().StringFixed(2)).
		Msg("⚡ Engine started")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			log.Warn().Err(err).Msg("⏭️ Cycle skipped")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle runs one fetch → decide → act → persist pass
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	now := e.clock()
	report := CycleReport{Time: now}

	e.mu.RLock()
	stopped := e.report != nil
	e.mu.RUnlock()
	if stopped {
		report.Skipped = true
		report.Reason = types.RejectStopping
		return report, ErrStopped
	}

	// 1. fetch, nothing mutated on failure
	market, err := e.markets.Current(ctx)
	if err != nil {
		report.Skipped = true
		return report, fmt.Errorf("fetch market: %w", err)
	}
	if market == nil {
		report.Skipped = true
		return report, ErrNoMarket
	}
	features, err := e.features.Features(ctx, market)
	if err != nil {
		report.Skipped = true
		return report, fmt.Errorf("fetch features: %w", err)
	}
	outcomes := e.fetchOutcomes(ctx, market)

	report.MarketID = market.ID
	report.Regime = features.Regime

	// 2. decide
	e.mu.Lock()
	plan := e.process(&report, market, features, outcomes, now)
	e.mu.Unlock()

	// 3. act
	if plan != nil {
		e.enter(ctx, &report, plan, now)
	}

	// 4. persist
	e.persist(ctx, &report, now)

	e.mu.Lock()
	e.cycles++
	e.lastCycle = report
	e.mu.Unlock()

	return report, nil
}

// fetchOutcomes asks the provider about every window awaiting resolution,
// including the one the provider just rolled away from
func (e *Engine) fetchOutcomes(ctx context.Context, market *types.Market) map[string]types.Side {
	e.mu.RLock()
	candidates := make([]*types.Market, 0, len(e.pending)+1)
	for _, m := range e.pending {
		candidates = append(candidates, m)
	}
	if e.current != nil && e.current.ID != market.ID {
		candidates = append(candidates, e.current)
	}
	e.mu.RUnlock()

	outcomes := make(map[string]types.Side)
	for _, m := range candidates {
		side, err := e.markets.Outcome(ctx, m)
		if err != nil {
			if !errors.Is(err, types.ErrOutcomePending) {
				log.Warn().Err(err).Str("market", m.ID).Msg("Outcome fetch failed")
			}
			continue
		}
		if side.Valid() {
			outcomes[m.ID] = side
		}
	}
	return outcomes
}

// process is the pure section of a cycle. Caller holds e.mu.
func (e *Engine) process(r *CycleReport, market *types.Market, features *types.Features, outcomes map[string]types.Side, now time.Time) *plannedEntry {
	e.risk.CheckDayReset(now)

	// market change: the old window waits for its outcome
	if e.current != nil && e.current.ID != market.ID {
		log.Info().
			Str("from", e.current.Slug).
			Str("to", market.Slug).
			Msg("🔄 Market changed")
		e.pending[e.current.ID] = e.current
	}
	m := *market
	e.current = &m
	e.regime = features.Regime

	// resolutions
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		outcome, ok := outcomes[id]
		if !ok {
			continue
		}
		trades, err := e.ledger.CloseAllForMarket(id, outcome, decimal.NewFromInt(1), now)
		if err != nil {
			log.Error().Err(err).Str("market", id).Msg("Resolution failed")
			continue
		}
		for _, trade := range trades {
			e.onClosed(trade, now)
		}
		r.Resolved = append(r.Resolved, trades...)
		e.exits.ClearMarket(id)
		delete(e.pending, id)

		log.Info().
			Str("market", id).
			Str("outcome", string(outcome)).
			Int("positions", len(trades)).
			Msg("🏁 Market resolved")
	}

	// exits on the live window
	exits, err := e.exits.Manage(e.ledger, e.current, now)
	if err != nil {
		log.Error().Err(err).Str("market", market.ID).Msg("Exit management failed")
	}
	for _, trade := range exits {
		e.onClosed(trade, now)
	}
	r.Exits = exits

	// entry gates
	if e.stopping {
		r.Reason = types.RejectStopping
		return nil
	}
	if len(e.pending) > 0 {
		r.Reason = types.RejectPendingResolution
		return nil
	}

	signals := e.aggregator.Collect(e.strategies, features, features.Regime, now)
	r.Signals = signals
	dec := e.aggregator.Aggregate(signals, features.Regime)
	r.Decision = &dec
	if dec.Action != types.ActionEnter {
		r.Reason = dec.Reason
		return nil
	}

	if ok, why := e.risk.CanTrade(now); !ok {
		r.Reason = types.RejectRiskHalt
		log.Debug().Str("reason", why).Msg("Entry blocked by risk")
		return nil
	}
	if e.ledger.HasOpen(AggregatedStrategyID, market.ID) {
		r.Reason = types.RejectDuplicatePosition
		return nil
	}
	if market.TimeRemaining(now) < e.cfg.MinTimeToEnter {
		r.Reason = types.RejectTooCloseToResolve
		return nil
	}

	price := market.PriceFor(dec.Side)
	if price.LessThan(e.cfg.MinEntryPrice) || price.GreaterThan(e.cfg.MaxEntryPrice) {
		r.Reason = types.RejectInvalidPrice
		return nil
	}
	dec.EntryPrice = price

	base := e.ledger.CalculateBetSize(dec.Confidence, AggregatedStrategyID)
	if base.IsZero() {
		r.Reason = types.RejectExposureLimit
		return nil
	}
	base = base.Mul(decimal.NewFromFloat(e.router.SizeMultiplier(features.Regime))).Truncate(2)

	size := e.risk.AdjustPositionSize(base, dec, e.ledger.OpenPositions())
	if size.IsZero() {
		r.Reason = types.RejectSizeTooSmall
		return nil
	}

	return &plannedEntry{
		decision: dec,
		market:   m,
		tokenID:  market.TokenFor(dec.Side),
		price:    price,
		size:     size,
	}
}

// enter places the order (live) and books the position
func (e *Engine) enter(ctx context.Context, r *CycleReport, plan *plannedEntry, now time.Time) {
	dec := plan.decision

	// Stop may have begun while the plan was sized
	e.mu.RLock()
	stopping := e.stopping
	e.mu.RUnlock()
	if stopping {
		r.Reason = types.RejectStopping
		return
	}

	if e.cfg.Live {
		orderID, err := e.orders.PlaceOrder(ctx, types.OrderRequest{
			TokenID: plan.tokenID,
			Side:    dec.Side,
			Size:    plan.size,
			Price:   plan.price,
		})
		if err != nil {
			r.Reason = types.RejectOrderFailed
			log.Error().Err(err).Str("market", plan.market.ID).Msg("Order failed")
			return
		}
		log.Info().Str("order_id", orderID).Msg("📤 Order placed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.ledger.OpenPosition(ledger.OpenParams{
		StrategyID:   AggregatedStrategyID,
		MarketID:     plan.market.ID,
		TokenID:      plan.tokenID,
		Side:         dec.Side,
		EntryPrice:   plan.price,
		Size:         plan.size,
		Confidence:   dec.Confidence,
		Regime:       dec.Regime,
		Contributors: dec.Contributors(),
		Time:         now,
	})
	if err != nil {
		r.Reason = rejectFor(err)
		log.Error().Err(err).Str("market", plan.market.ID).Msg("Ledger rejected entry")
		return
	}

	for _, id := range dec.Contributors() {
		for _, strat := range e.strategies {
			if strat.Name() == id {
				strat.RecordTrade(now)
			}
		}
	}

	r.Decision = &dec
	r.Entered = pos
	r.Reason = types.RejectNone

	log.Info().
		Str("market", plan.market.Slug).
		Str("side", string(dec.Side)).
		Str("price", plan.price.StringFixed(2)).
		Str("size", plan.size.StringFixed(2)).
		Str("confidence", fmt.Sprintf("%.3f", dec.Confidence)).
		Str("strength", string(dec.Strength)).
		Strs("strategies", dec.Contributors()).
		Msg("🎯 Position opened")
}

func rejectFor(err error) types.RejectReason {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return types.RejectInsufficientFunds
	case errors.Is(err, ledger.ErrDuplicatePosition):
		return types.RejectDuplicatePosition
	case errors.Is(err, ledger.ErrInvalidPrice):
		return types.RejectInvalidPrice
	default:
		return types.RejectSizeTooSmall
	}
}

// onClosed feeds a close to risk and, on final close, the tracker. Caller holds e.mu.
func (e *Engine) onClosed(trade types.ClosedTrade, now time.Time) {
	e.risk.RecordResult(trade, now)

	if trade.Partial {
		return
	}

	// shared pool: every contributor shares the outcome
	if n := len(trade.Contributors); n > 0 {
		share := trade.TotalPnL.Div(decimal.NewFromInt(int64(n)))
		for _, id := range trade.Contributors {
			e.tracker.RecordOutcome(id, trade.Won, share, trade.Regime, now)
		}
	}

	emoji := "✅"
	if !trade.Won {
		emoji = "❌"
	}
	log.Info().
		Str("market", trade.MarketID).
		Str("side", string(trade.Side)).
		Str("entry", trade.EntryPrice.StringFixed(2)).
		Str("exit", trade.ExitPrice.StringFixed(2)).
		Str("pnl", trade.TotalPnL.StringFixed(2)).
		Str("reason", trade.ExitReason).
		Str("balance", "$"+e.ledger.Balance().StringFixed(2)).
		Msg(emoji + " Position closed")
}

// persist writes the cycle's records and sends notifications
func (e *Engine) persist(ctx context.Context, r *CycleReport, now time.Time) {
	e.haltMu.Lock()
	halts := e.halts
	e.halts = nil
	e.haltMu.Unlock()

	e.mu.RLock()
	state := e.ledger.State()
	e.mu.RUnlock()

	closed := append(append([]types.ClosedTrade(nil), r.Resolved...), r.Exits...)
	anyFinal := false
	for _, t := range closed {
		if !t.Partial {
			anyFinal = true
		}
	}

	if e.recorder != nil {
		// records of a cycle cut short by shutdown still land
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
		defer cancel()

		if len(r.Signals) > 0 {
			logPersist(e.recorder.RecordSignals(pctx, r.MarketID, r.Signals, now), "signals")
		}
		if r.Decision != nil {
			logPersist(e.recorder.RecordDecision(pctx, r.MarketID, *r.Decision, now), "decision")
		}
		if r.Entered != nil {
			logPersist(e.recorder.RecordPosition(pctx, *r.Entered), "position")
		}
		for _, t := range closed {
			logPersist(e.recorder.RecordTrade(pctx, t), "trade")
		}
		if anyFinal {
			logPersist(e.recorder.RecordPerformance(pctx, e.tracker.AllSummaries(), now), "performance")
		}
		if r.Entered != nil || len(closed) > 0 {
			logPersist(e.recorder.RecordSession(pctx, state, now), "session")
		}
	}

	if e.notifier != nil {
		if r.Entered != nil && r.Decision != nil {
			e.notifier.NotifyEntry(*r.Entered, *r.Decision)
		}
		for _, t := range closed {
			e.notifier.NotifyExit(t)
		}
		for _, h := range halts {
			e.notifier.NotifyHalt(h)
		}
	}
}

func logPersist(err error, what string) {
	if err != nil {
		log.Warn().Err(err).Str("record", what).Msg("Persist failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SHUTDOWN
// ═══════════════════════════════════════════════════════════════════════════════

// Stop drains the in-flight cycle, force-closes open positions at the last
// quote and returns the final report. Safe to call more than once.
func (e *Engine) Stop(ctx context.Context) (FinalReport, error) {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopping = true
		e.mu.Unlock()
		close(e.stopCh)
		log.Info().Msg("🛑 Stopping engine")
	})

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.Lock()
	if e.report != nil {
		report := *e.report
		e.mu.Unlock()
		return report, nil
	}

	now := e.clock()
	var closed []types.ClosedTrade
	for _, pos := range e.ledger.OpenPositions() {
		trade, err := e.ledger.ClosePositionEarly(pos.ID, e.lastQuote(pos), types.ExitShutdown, now)
		if err != nil {
			log.Error().Err(err).Str("position", pos.ID).Msg("Forced close failed")
			continue
		}
		e.onClosed(trade, now)
		closed = append(closed, trade)
	}

	st := e.ledger.State()
	report := FinalReport{
		StartedAt:      e.startedAt,
		StoppedAt:      now,
		Cycles:         e.cycles,
		InitialBalance: st.InitialBalance,
		FinalBalance:   st.Balance,
		RealizedPnL:    st.RealizedPnL,
		Trades:         st.TradesExecuted,
		Wins:           st.Wins,
		Losses:         st.Losses,
		WinRate:        st.WinRate(),
		MaxDrawdown:    st.MaxDrawdown,
		ForcedExits:    len(closed),
		Strategies:     e.tracker.AllSummaries(),
		Leaders:        e.tracker.TopPerformers(reportLeaders),
		Laggards:       e.tracker.IdentifyUnderperformers(laggardWinRate),
	}
	e.report = &report
	e.mu.Unlock()

	e.persist(ctx, &CycleReport{Time: now, Exits: closed}, now)
	if e.recorder != nil && len(closed) == 0 {
		logPersist(e.recorder.RecordSession(ctx, st, now), "session")
	}
	if e.notifier != nil {
		e.notifier.NotifyReport(report)
	}

	log.Info().
		Str("balance", "$"+report.FinalBalance.StringFixed(2)).
		Str("pnl", "$"+report.RealizedPnL.StringFixed(2)).
		Int("trades", report.Trades).
		Str("win_rate", fmt.Sprintf("%.1f%%", report.WinRate*100)).
		Int("forced_exits", report.ForcedExits).
		Msg("📊 Final report")

	return report, nil
}

// lastQuote is the best known price for a position. Caller holds e.mu.
func (e *Engine) lastQuote(pos types.Position) decimal.Decimal {
	var m *types.Market
	if e.current != nil && e.current.ID == pos.MarketID {
		m = e.current
	} else {
		m = e.pending[pos.MarketID]
	}
	if m != nil {
		if px := m.PriceFor(pos.Side); px.IsPositive() {
			return px
		}
	}
	return pos.EntryPrice
}

// ═══════════════════════════════════════════════════════════════════════════════
// GETTERS (CLI / Telegram)
// ═══════════════════════════════════════════════════════════════════════════════

// GetAccountState returns a snapshot of balance, positions and the active window
func (e *Engine) GetAccountState() AccountState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := AccountState{
		Session:            e.ledger.State(),
		Exposure:           e.ledger.Exposure(),
		Available:          e.ledger.AvailableBalance(),
		OpenPositions:      e.ledger.OpenPositions(),
		Regime:             e.regime,
		PendingResolutions: len(e.pending),
		Live:               e.cfg.Live,
		Stopping:           e.stopping,
		LastCycle:          e.lastCycle,
	}
	if e.current != nil {
		m := *e.current
		s.Market = &m
	}
	return s
}

// EmergencyStop halts new entries until the session is reset
func (e *Engine) EmergencyStop(reason string) {
	e.mu.Lock()
	e.risk.TriggerEmergencyStop(reason)
	e.mu.Unlock()
}

// ResetSession restarts bookkeeping at balance; fails while positions are open
func (e *Engine) ResetSession(balance decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.ResetSession(balance, e.clock())
}

// GetRiskStatus returns the risk manager's view
func (e *Engine) GetRiskStatus() risk.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.risk.Status(e.clock())
}

// GetAllStrategySummaries returns every strategy's performance and routing
func (e *Engine) GetAllStrategySummaries() []StrategySummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock()
	out := make([]StrategySummary, 0, len(e.strategies))
	for _, strat := range e.strategies {
		name := strat.Name()
		out = append(out, StrategySummary{
			Summary:     e.tracker.Summary(name),
			Eligible:    e.router.IsEligible(e.regime, name),
			Boost:       e.router.Boost(e.regime, name),
			CoolingDown: !strat.CanTrade(now),
		})
	}
	return out
}
