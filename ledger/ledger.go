package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - Paper account and position bookkeeping
// ═══════════════════════════════════════════════════════════════════════════════
//
// P/L for a binary contract:
//   win          pnl = size × (1/entry − 1)
//   loss         pnl = −size
//   early exit   pnl = (exit − entry) × size / entry
//
// Every close moves balance, peak, drawdown and per-strategy counters in one
// step. The ledger is owned by the engine and has no internal locking.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionClosed      = errors.New("position already closed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSize         = errors.New("invalid position size")
	ErrInvalidPrice        = errors.New("invalid share price")
	ErrInvalidFraction     = errors.New("scale-out fraction must be in (0,1]")
	ErrDuplicatePosition   = errors.New("open position already exists for strategy and market")
	ErrInvalidSide         = errors.New("invalid side")
	ErrOpenPositions       = errors.New("open positions prevent session reset")
)

var one = decimal.NewFromInt(1)

// OpenParams describes a new entry
type OpenParams struct {
	StrategyID   string
	MarketID     string
	TokenID      string
	Side         types.Side
	EntryPrice   decimal.Decimal
	Size         decimal.Decimal
	Confidence   float64
	Regime       types.Regime
	Contributors []string
	Time         time.Time
}

// StrategyStats are per-strategy counters kept by the ledger
type StrategyStats struct {
	Trades            int
	Wins              int
	Losses            int
	ConsecutiveWins   int
	ConsecutiveLosses int
	TotalPnL          decimal.Decimal
	GrossWin          decimal.Decimal
	GrossLoss         decimal.Decimal
}

// WinRate returns lifetime wins / trades
func (s StrategyStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

type positionKey struct {
	strategyID string
	marketID   string
}

// Ledger is the paper account
type Ledger struct {
	cfg   Config
	state SessionState

	open      map[string]*types.Position
	byKey     map[positionKey]string
	closedIDs map[string]bool
	closed    []types.ClosedTrade
	stats     map[string]*StrategyStats

	newID func() string
}

// New creates a ledger funded with cfg.InitialBalance
func New(cfg Config, start time.Time) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Ledger{
		cfg:       cfg,
		state:     newSessionState(cfg.InitialBalance, start),
		open:      make(map[string]*types.Position),
		byKey:     make(map[positionKey]string),
		closedIDs: make(map[string]bool),
		stats:     make(map[string]*StrategyStats),
		newID:     uuid.NewString,
	}

	log.Info().
		Str("balance", "$"+cfg.InitialBalance.StringFixed(2)).
		Str("risk", cfg.MinRiskPercent.StringFixed(3)+"-"+cfg.MaxRiskPercent.StringFixed(3)).
		Msg("📒 Ledger initialized")

	return l, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRIES
// ═══════════════════════════════════════════════════════════════════════════════

// OpenPosition records a new paper position
func (l *Ledger) OpenPosition(p OpenParams) (*types.Position, error) {
	if !p.Side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, p.Side)
	}
	if !p.EntryPrice.IsPositive() || p.EntryPrice.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: entry %s", ErrInvalidPrice, p.EntryPrice)
	}
	if !p.Size.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSize, p.Size)
	}

	key := positionKey{strategyID: p.StrategyID, marketID: p.MarketID}
	if id, ok := l.byKey[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePosition, id)
	}

	available := l.AvailableBalance()
	if p.Size.GreaterThan(available) {
		return nil, fmt.Errorf("%w: need %s, available %s",
			ErrInsufficientBalance, p.Size.StringFixed(2), available.StringFixed(2))
	}

	pos := &types.Position{
		ID:               l.newID(),
		StrategyID:       p.StrategyID,
		MarketID:         p.MarketID,
		TokenID:          p.TokenID,
		Side:             p.Side,
		EntryPrice:       p.EntryPrice,
		Size:             p.Size,
		OriginalSize:     p.Size,
		Confidence:       p.Confidence,
		Regime:           p.Regime,
		Contributors:     append([]string(nil), p.Contributors...),
		OpenTime:         p.Time,
		ScaledOutPercent: decimal.Zero,
		RealizedPnL:      decimal.Zero,
		Status:           types.StatusOpen,
	}

	l.open[pos.ID] = pos
	l.byKey[key] = pos.ID

	log.Info().
		Str("id", pos.ID).
		Str("strategy", pos.StrategyID).
		Str("market", pos.MarketID).
		Str("side", string(pos.Side)).
		Str("entry", pos.EntryPrice.StringFixed(3)).
		Str("size", "$"+pos.Size.StringFixed(2)).
		Msg("✅ Position opened")

	cp := copyPosition(pos)
	return &cp, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS
// ═══════════════════════════════════════════════════════════════════════════════

// ClosePosition settles a position against the resolved outcome
func (l *Ledger) ClosePosition(id string, outcome types.Side, exitPrice decimal.Decimal, ts time.Time) (types.ClosedTrade, error) {
	pos, err := l.lookup(id)
	if err != nil {
		return types.ClosedTrade{}, err
	}
	if !outcome.Valid() {
		return types.ClosedTrade{}, fmt.Errorf("%w: outcome %q", ErrInvalidSide, outcome)
	}

	won := pos.Side == outcome
	var pnl decimal.Decimal
	if won {
		pnl = pos.Size.Mul(one.Div(pos.EntryPrice).Sub(one))
	} else {
		pnl = pos.Size.Neg()
	}

	return l.settle(pos, pos.Size, exitPrice, pnl, types.ExitResolution, ts, true), nil
}

// CloseAllForMarket resolves every open position of a market
func (l *Ledger) CloseAllForMarket(marketID string, outcome types.Side, settlementPrice decimal.Decimal, ts time.Time) ([]types.ClosedTrade, error) {
	ids := l.openIDsForMarket(marketID)
	trades := make([]types.ClosedTrade, 0, len(ids))

	for _, id := range ids {
		exit := settlementPrice
		if pos := l.open[id]; pos != nil && pos.Side != outcome {
			exit = one.Sub(settlementPrice)
		}
		trade, err := l.ClosePosition(id, outcome, exit, ts)
		if err != nil {
			return trades, fmt.Errorf("close %s: %w", id, err)
		}
		trades = append(trades, trade)
	}

	if len(trades) > 0 {
		log.Info().
			Str("market", marketID).
			Str("outcome", string(outcome)).
			Int("positions", len(trades)).
			Str("balance", "$"+l.state.Balance.StringFixed(2)).
			Msg("🏁 Market resolved")
	}

	return trades, nil
}

// ClosePositionEarly exits the remaining stake at the current share price
func (l *Ledger) ClosePositionEarly(id string, price decimal.Decimal, reason string, ts time.Time) (types.ClosedTrade, error) {
	pos, err := l.lookup(id)
	if err != nil {
		return types.ClosedTrade{}, err
	}
	if price.IsNegative() || price.GreaterThan(one) {
		return types.ClosedTrade{}, fmt.Errorf("%w: exit %s", ErrInvalidPrice, price)
	}

	pnl := earlyPnL(pos.EntryPrice, price, pos.Size)
	return l.settle(pos, pos.Size, price, pnl, reason, ts, true), nil
}

// ScaleOutPosition closes a fraction of the original stake. The remaining
// position is returned, or nil once everything has been scaled out.
func (l *Ledger) ScaleOutPosition(id string, fraction decimal.Decimal, price decimal.Decimal, reason string, ts time.Time) (types.ClosedTrade, *types.Position, error) {
	pos, err := l.lookup(id)
	if err != nil {
		return types.ClosedTrade{}, nil, err
	}
	if !fraction.IsPositive() || fraction.GreaterThan(one) {
		return types.ClosedTrade{}, nil, fmt.Errorf("%w: %s", ErrInvalidFraction, fraction)
	}
	if price.IsNegative() || price.GreaterThan(one) {
		return types.ClosedTrade{}, nil, fmt.Errorf("%w: exit %s", ErrInvalidPrice, price)
	}

	remainingPct := one.Sub(pos.ScaledOutPercent)
	closePct := decimal.Min(fraction, remainingPct)
	final := closePct.GreaterThanOrEqual(remainingPct)

	closedSize := pos.OriginalSize.Mul(closePct)
	if final || closedSize.GreaterThan(pos.Size) {
		closedSize = pos.Size
	}

	pos.ScaledOutPercent = decimal.Min(one, pos.ScaledOutPercent.Add(closePct))
	if pos.ScaledOutPercent.Equal(one) {
		final = true
		closedSize = pos.Size
	}

	pnl := earlyPnL(pos.EntryPrice, price, closedSize)
	trade := l.settle(pos, closedSize, price, pnl, reason, ts, final)

	if final {
		return trade, nil, nil
	}
	cp := copyPosition(pos)
	return trade, &cp, nil
}

// settle applies one (partial) close as a single bookkeeping step
func (l *Ledger) settle(pos *types.Position, closedSize, exitPrice, pnl decimal.Decimal, reason string, ts time.Time, final bool) types.ClosedTrade {
	pos.Size = pos.Size.Sub(closedSize)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	l.state.applyPnL(pnl)

	trade := types.ClosedTrade{
		PositionID:   pos.ID,
		StrategyID:   pos.StrategyID,
		MarketID:     pos.MarketID,
		Side:         pos.Side,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    exitPrice,
		Size:         closedSize,
		Confidence:   pos.Confidence,
		Regime:       pos.Regime,
		Contributors: append([]string(nil), pos.Contributors...),
		ExitReason:   reason,
		PnL:          pnl,
		Won:          pnl.IsPositive(),
		Partial:      !final,
		OpenTime:     pos.OpenTime,
		CloseTime:    ts,
		HoldTime:     ts.Sub(pos.OpenTime),
	}

	if final {
		pos.Status = types.StatusClosed
		pos.ScaledOutPercent = one
		delete(l.open, pos.ID)
		delete(l.byKey, positionKey{strategyID: pos.StrategyID, marketID: pos.MarketID})
		l.closedIDs[pos.ID] = true

		won := pos.RealizedPnL.IsPositive()
		trade.TotalPnL = pos.RealizedPnL
		trade.Won = won
		l.state.recordResult(won)
		l.recordStrategy(pos.StrategyID, pos.RealizedPnL, won)
	}

	l.closed = append(l.closed, trade)

	log.Info().
		Str("id", pos.ID).
		Str("reason", reason).
		Str("exit", exitPrice.StringFixed(3)).
		Str("pnl", pnl.StringFixed(2)).
		Bool("final", final).
		Str("balance", "$"+l.state.Balance.StringFixed(2)).
		Msg("📊 Position closed")

	return trade
}

func (l *Ledger) recordStrategy(strategyID string, pnl decimal.Decimal, won bool) {
	st, ok := l.stats[strategyID]
	if !ok {
		st = &StrategyStats{}
		l.stats[strategyID] = st
	}
	st.Trades++
	st.TotalPnL = st.TotalPnL.Add(pnl)
	if won {
		st.Wins++
		st.ConsecutiveWins++
		st.ConsecutiveLosses = 0
		st.GrossWin = st.GrossWin.Add(pnl)
		return
	}
	st.Losses++
	st.ConsecutiveLosses++
	st.ConsecutiveWins = 0
	st.GrossLoss = st.GrossLoss.Add(pnl.Abs())
}

func (l *Ledger) lookup(id string) (*types.Position, error) {
	if pos, ok := l.open[id]; ok {
		return pos, nil
	}
	if l.closedIDs[id] {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

func (l *Ledger) openIDsForMarket(marketID string) []string {
	var ids []string
	for id, pos := range l.open {
		if pos.MarketID == marketID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func earlyPnL(entry, exit, size decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(size.Div(entry))
}

func copyPosition(p *types.Position) types.Position {
	cp := *p
	cp.Contributors = append([]string(nil), p.Contributors...)
	return cp
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION CONTROL
// ═══════════════════════════════════════════════════════════════════════════════

// ResetDay starts a new trading day at the current balance. Positions stay open.
func (l *Ledger) ResetDay(ts time.Time) {
	halted, reason := l.state.TradingHalted, l.state.HaltReason
	l.state = newSessionState(l.state.Balance, ts)
	l.closed = nil
	// halts are cleared by the risk manager, which knows which ones are daily
	l.state.TradingHalted, l.state.HaltReason = halted, reason
	log.Info().Str("day", l.state.Day).Str("balance", "$"+l.state.Balance.StringFixed(2)).Msg("📅 New trading day")
}

// ResetSession starts a fresh session with the given balance
func (l *Ledger) ResetSession(balance decimal.Decimal, ts time.Time) error {
	if len(l.open) > 0 {
		return fmt.Errorf("%w: %d open", ErrOpenPositions, len(l.open))
	}
	if !balance.IsPositive() {
		return fmt.Errorf("%w: balance %s", ErrInvalidSize, balance)
	}
	l.state = newSessionState(balance, ts)
	l.closed = nil
	log.Info().Str("balance", "$"+balance.StringFixed(2)).Msg("🔄 Session reset")
	return nil
}

// Halt marks the session as halted
func (l *Ledger) Halt(reason string) {
	l.state.TradingHalted = true
	l.state.HaltReason = reason
}

// ClearHalt lifts a halt
func (l *Ledger) ClearHalt() {
	l.state.TradingHalted = false
	l.state.HaltReason = ""
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// State returns a copy of the session state
func (l *Ledger) State() SessionState {
	return l.state
}

// Balance returns the current balance
func (l *Ledger) Balance() decimal.Decimal {
	return l.state.Balance
}

// Exposure returns the stake currently at risk in open positions
func (l *Ledger) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range l.open {
		total = total.Add(pos.Size)
	}
	return total
}

// AvailableBalance returns balance not committed to open positions
func (l *Ledger) AvailableBalance() decimal.Decimal {
	avail := l.state.Balance.Sub(l.Exposure())
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// OpenPositions returns copies of all open positions ordered by open time
func (l *Ledger) OpenPositions() []types.Position {
	out := make([]types.Position, 0, len(l.open))
	for _, pos := range l.open {
		out = append(out, copyPosition(pos))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

// OpenForMarket returns copies of the open positions of one market
func (l *Ledger) OpenForMarket(marketID string) []types.Position {
	ids := l.openIDsForMarket(marketID)
	out := make([]types.Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyPosition(l.open[id]))
	}
	return out
}

// Position returns a copy of an open position
func (l *Ledger) Position(id string) (types.Position, bool) {
	pos, ok := l.open[id]
	if !ok {
		return types.Position{}, false
	}
	return copyPosition(pos), true
}

// HasOpen reports whether a strategy already holds the market
func (l *Ledger) HasOpen(strategyID, marketID string) bool {
	_, ok := l.byKey[positionKey{strategyID: strategyID, marketID: marketID}]
	return ok
}

// ClosedTrades returns every close recorded this session
func (l *Ledger) ClosedTrades() []types.ClosedTrade {
	return append([]types.ClosedTrade(nil), l.closed...)
}

// StrategyStats returns the counters of one strategy
func (l *Ledger) StrategyStats(strategyID string) StrategyStats {
	if st, ok := l.stats[strategyID]; ok {
		return *st
	}
	return StrategyStats{}
}
