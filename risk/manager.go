package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Gatekeeper for all entries
// ═══════════════════════════════════════════════════════════════════════════════
//
// Responsibilities:
// 1. Halts: emergency, daily loss, max drawdown, consecutive losses, daily trades
// 2. Size adjustment: drawdown ladder → correlation → Kelly cap → clamps
//
// Daily-loss and drawdown halts stay until a new trading day or an explicit
// session reset. The consecutive-loss breaker clears after its cooldown.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidConfig is returned for unusable risk thresholds
var ErrInvalidConfig = errors.New("invalid risk config")

// Account is the ledger surface the risk layer reads and resets
type Account interface {
	State() ledger.SessionState
	Exposure() decimal.Decimal
	SizeLimit() decimal.Decimal
	OpenPositions() []types.Position
	Halt(reason string)
	ClearHalt()
	ResetDay(ts time.Time)
	ResetSession(balance decimal.Decimal, ts time.Time) error
}

// Config holds risk thresholds
type Config struct {
	DailyLossLimit       decimal.Decimal // fraction of day start balance
	MaxDrawdownHalt      decimal.Decimal // fraction of peak
	MaxConsecutiveLosses int
	CircuitCooldown      time.Duration
	MaxDailyTrades       int

	DrawdownLadder   []DrawdownStep
	HardStopDrawdown decimal.Decimal

	CorrelationPenalty       decimal.Decimal
	MaxSameDirectionFraction decimal.Decimal

	UseKelly      bool
	KellyFraction decimal.Decimal

	MinBet decimal.Decimal
	MaxBet decimal.Decimal
}

// DefaultConfig returns the standard risk thresholds
func DefaultConfig() Config {
	return Config{
		DailyLossLimit:       decimal.NewFromFloat(0.10),
		MaxDrawdownHalt:      decimal.NewFromFloat(0.25),
		MaxConsecutiveLosses: 4,
		CircuitCooldown:      30 * time.Minute,
		MaxDailyTrades:       40,
		DrawdownLadder: []DrawdownStep{
			{Threshold: decimal.NewFromFloat(0.05), Multiplier: decimal.NewFromFloat(0.75)},
			{Threshold: decimal.NewFromFloat(0.10), Multiplier: decimal.NewFromFloat(0.50)},
			{Threshold: decimal.NewFromFloat(0.15), Multiplier: decimal.NewFromFloat(0.25)},
		},
		HardStopDrawdown:         decimal.NewFromFloat(0.20),
		CorrelationPenalty:       decimal.NewFromFloat(0.30),
		MaxSameDirectionFraction: decimal.NewFromFloat(0.20),
		UseKelly:                 true,
		KellyFraction:            decimal.NewFromFloat(0.5),
		MinBet:                   decimal.NewFromInt(1),
		MaxBet:                   decimal.NewFromInt(50),
	}
}

// Validate rejects thresholds that cannot be enforced
func (c Config) Validate() error {
	inUnit := func(d decimal.Decimal) bool { return d.IsPositive() && d.LessThanOrEqual(one) }
	switch {
	case !inUnit(c.DailyLossLimit):
		return fmt.Errorf("%w: daily loss limit must be in (0,1]", ErrInvalidConfig)
	case !inUnit(c.MaxDrawdownHalt):
		return fmt.Errorf("%w: max drawdown halt must be in (0,1]", ErrInvalidConfig)
	case c.MaxConsecutiveLosses < 0:
		return fmt.Errorf("%w: max consecutive losses must be >= 0", ErrInvalidConfig)
	case c.CircuitCooldown < 0:
		return fmt.Errorf("%w: circuit cooldown must be >= 0", ErrInvalidConfig)
	case c.MaxDailyTrades < 0:
		return fmt.Errorf("%w: max daily trades must be >= 0", ErrInvalidConfig)
	case c.HardStopDrawdown.IsNegative() || c.HardStopDrawdown.GreaterThan(one):
		return fmt.Errorf("%w: hard stop drawdown must be within [0,1]", ErrInvalidConfig)
	case c.CorrelationPenalty.IsNegative() || c.CorrelationPenalty.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: correlation penalty must be within [0,1)", ErrInvalidConfig)
	case !inUnit(c.MaxSameDirectionFraction):
		return fmt.Errorf("%w: max same direction fraction must be in (0,1]", ErrInvalidConfig)
	case c.UseKelly && !inUnit(c.KellyFraction):
		return fmt.Errorf("%w: kelly fraction must be in (0,1]", ErrInvalidConfig)
	case c.MinBet.IsNegative():
		return fmt.Errorf("%w: min bet must be >= 0", ErrInvalidConfig)
	case !c.MaxBet.IsPositive() || c.MinBet.GreaterThan(c.MaxBet):
		return fmt.Errorf("%w: min bet %s > max bet %s", ErrInvalidConfig, c.MinBet, c.MaxBet)
	}

	prev := decimal.Zero
	for i, step := range c.DrawdownLadder {
		if !inUnit(step.Threshold) || step.Threshold.LessThanOrEqual(prev) {
			return fmt.Errorf("%w: drawdown ladder step %d threshold must be ascending in (0,1]", ErrInvalidConfig, i)
		}
		if step.Multiplier.IsNegative() || step.Multiplier.GreaterThan(one) {
			return fmt.Errorf("%w: drawdown ladder step %d multiplier must be within [0,1]", ErrInvalidConfig, i)
		}
		prev = step.Threshold
	}
	return nil
}

type haltKind string

const (
	haltNone      haltKind = ""
	haltEmergency haltKind = "EMERGENCY"
	haltDailyLoss haltKind = "DAILY_LOSS"
	haltDrawdown  haltKind = "MAX_DRAWDOWN"
)

// Status is a read-only snapshot of the risk state
type Status struct {
	CanTrade           bool
	Reason             string
	Halted             bool
	HaltKind           string
	HaltReason         string
	CircuitTripped     bool
	CircuitRemaining   time.Duration
	ConsecutiveLosses  int
	DailyPnL           decimal.Decimal
	DailyLossLimit     decimal.Decimal
	CurrentDrawdown    decimal.Decimal
	MaxDrawdown        decimal.Decimal
	DrawdownMultiplier decimal.Decimal
	TradesToday        int
	MaxDailyTrades     int
	Exposure           decimal.Decimal
}

type Manager struct {
	mu sync.RWMutex

	cfg     Config
	account Account
	breaker *CircuitBreaker

	halt       haltKind
	haltReason string

	// Callbacks
	onHalt func(reason string)
}

// NewManager creates a new risk manager
func NewManager(cfg Config, account Account) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ladder := append([]DrawdownStep(nil), cfg.DrawdownLadder...)
	sort.Slice(ladder, func(i, j int) bool { return ladder[i].Threshold.LessThan(ladder[j].Threshold) })
	cfg.DrawdownLadder = ladder

	rm := &Manager{
		cfg:     cfg,
		account: account,
		breaker: NewCircuitBreaker(cfg.MaxConsecutiveLosses, cfg.CircuitCooldown),
	}

	log.Info().
		Str("daily_loss_limit", cfg.DailyLossLimit.Mul(decimal.NewFromInt(100)).StringFixed(0)+"%").
		Str("max_drawdown", cfg.MaxDrawdownHalt.Mul(decimal.NewFromInt(100)).StringFixed(0)+"%").
		Int("max_consec_losses", cfg.MaxConsecutiveLosses).
		Int("max_daily_trades", cfg.MaxDailyTrades).
		Dur("cooldown", cfg.CircuitCooldown).
		Msg("🛡️ Risk manager initialized")

	return rm, nil
}

// SetHaltHandler registers a callback fired when a halt starts
func (rm *Manager) SetHaltHandler(fn func(reason string)) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.onHalt = fn
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY GATE
// ═══════════════════════════════════════════════════════════════════════════════

// CanTrade reports whether new entries are allowed, escalating threshold
// breaches into halts
func (rm *Manager) CanTrade(now time.Time) (bool, string) {
	rm.mu.Lock()

	if rm.halt != haltNone {
		reason := rm.haltReason
		rm.mu.Unlock()
		return false, reason
	}

	st := rm.account.State()

	if kind, reason := rm.thresholdHalt(st); kind != haltNone {
		rm.halt = kind
		rm.haltReason = reason
		rm.account.Halt(reason)
		cb := rm.onHalt
		rm.mu.Unlock()

		log.Warn().Str("kind", string(kind)).Str("reason", reason).Msg("🛑 TRADING HALTED")
		if cb != nil {
			cb(reason)
		}
		return false, reason
	}
	rm.mu.Unlock()

	if rm.breaker.Check(now) {
		return false, fmt.Sprintf("circuit breaker: %d consecutive losses", rm.cfg.MaxConsecutiveLosses)
	}
	rm.syncHalt()

	if reason := rm.dailyTradesReason(st); reason != "" {
		return false, reason
	}

	return true, ""
}

func (rm *Manager) thresholdHalt(st ledger.SessionState) (haltKind, string) {
	if st.DayStartBalance.IsPositive() {
		limit := st.DayStartBalance.Mul(rm.cfg.DailyLossLimit)
		if st.DailyPnL.Neg().GreaterThanOrEqual(limit) {
			return haltDailyLoss, fmt.Sprintf("daily loss limit: %s of %s", st.DailyPnL.StringFixed(2), limit.Neg().StringFixed(2))
		}
	}
	if st.CurrentDrawdown.GreaterThanOrEqual(rm.cfg.MaxDrawdownHalt) {
		return haltDrawdown, fmt.Sprintf("max drawdown: %s%%", st.CurrentDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}
	return haltNone, ""
}

func (rm *Manager) dailyTradesReason(st ledger.SessionState) string {
	if rm.cfg.MaxDailyTrades <= 0 {
		return ""
	}
	today := st.TradesExecuted + len(rm.account.OpenPositions())
	if today >= rm.cfg.MaxDailyTrades {
		return fmt.Sprintf("max daily trades: %d", today)
	}
	return ""
}

// syncHalt mirrors the breaker into the session halt flag
func (rm *Manager) syncHalt() {
	rm.mu.RLock()
	sticky := rm.halt != haltNone
	rm.mu.RUnlock()
	if sticky {
		return
	}
	if rm.breaker.IsTripped() {
		rm.account.Halt("circuit breaker")
		return
	}
	if rm.account.State().TradingHalted {
		rm.account.ClearHalt()
	}
}

// RecordResult feeds a fully closed trade into the loss breaker
func (rm *Manager) RecordResult(trade types.ClosedTrade, now time.Time) {
	if trade.Partial {
		return
	}
	wasTripped := rm.breaker.IsTripped()
	rm.breaker.RecordResult(trade.TotalPnL.IsPositive(), now)
	if !wasTripped && rm.breaker.IsTripped() {
		rm.account.Halt("circuit breaker")
		rm.mu.RLock()
		cb := rm.onHalt
		rm.mu.RUnlock()
		if cb != nil {
			cb(fmt.Sprintf("circuit breaker: %d consecutive losses, cooldown %s", rm.cfg.MaxConsecutiveLosses, rm.cfg.CircuitCooldown))
		}
	}
}

// TriggerEmergencyStop halts all entries until an explicit session reset
func (rm *Manager) TriggerEmergencyStop(reason string) {
	full := "emergency: " + reason

	rm.mu.Lock()
	rm.halt = haltEmergency
	rm.haltReason = full
	cb := rm.onHalt
	rm.mu.Unlock()

	rm.account.Halt(full)
	log.Error().Str("reason", reason).Msg("🚨 EMERGENCY STOP")
	if cb != nil {
		cb(full)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESETS
// ═══════════════════════════════════════════════════════════════════════════════

// CheckDayReset starts a new trading day when the calendar day changed.
// Daily-loss and drawdown halts clear; an emergency stop does not.
func (rm *Manager) CheckDayReset(now time.Time) bool {
	if ledger.DayKey(now) == rm.account.State().Day {
		return false
	}

	rm.account.ResetDay(now)
	rm.breaker.Reset()

	rm.mu.Lock()
	if rm.halt == haltDailyLoss || rm.halt == haltDrawdown {
		rm.halt = haltNone
		rm.haltReason = ""
	}
	emergency := rm.halt == haltEmergency
	rm.mu.Unlock()

	if !emergency {
		rm.account.ClearHalt()
	}

	log.Info().Str("day", ledger.DayKey(now)).Msg("📅 Daily stats reset")
	return true
}

// ResetSession clears every halt and re-bases the account
func (rm *Manager) ResetSession(balance decimal.Decimal, now time.Time) error {
	if err := rm.account.ResetSession(balance, now); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	rm.breaker.Reset()

	rm.mu.Lock()
	rm.halt = haltNone
	rm.haltReason = ""
	rm.mu.Unlock()

	rm.account.ClearHalt()
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIZING
// ═══════════════════════════════════════════════════════════════════════════════

// AdjustPositionSize applies the drawdown ladder, correlation penalty, Kelly
// cap and hard clamps. Zero means do not trade.
func (rm *Manager) AdjustPositionSize(base decimal.Decimal, decision types.Decision, open []types.Position) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	st := rm.account.State()
	balance := st.Balance

	size := base.Mul(ladderMultiplier(st.CurrentDrawdown, rm.cfg.DrawdownLadder, rm.cfg.HardStopDrawdown))
	if !size.IsPositive() {
		log.Debug().Str("drawdown", st.CurrentDrawdown.StringFixed(3)).Msg("Drawdown hard stop")
		return decimal.Zero
	}

	if same := sameDirectionExposure(decision.Side, open); same.IsPositive() {
		size = size.Mul(one.Sub(rm.cfg.CorrelationPenalty))
		room := balance.Mul(rm.cfg.MaxSameDirectionFraction).Sub(same)
		if size.GreaterThan(room) {
			size = room
		}
	}

	if rm.cfg.UseKelly {
		kelly := kellyFraction(decision.Confidence, decision.EntryPrice, rm.cfg.KellyFraction)
		limit := balance.Mul(kelly)
		if size.GreaterThan(limit) {
			size = limit
		}
	}

	if size.GreaterThan(rm.cfg.MaxBet) {
		size = rm.cfg.MaxBet
	}
	if headroom := rm.account.SizeLimit(); size.GreaterThan(headroom) {
		size = headroom
	}

	size = size.Truncate(2)
	if size.LessThan(rm.cfg.MinBet) || !size.IsPositive() {
		return decimal.Zero
	}

	log.Debug().
		Str("base", base.StringFixed(2)).
		Str("adjusted", size.StringFixed(2)).
		Str("confidence", fmt.Sprintf("%.3f", decision.Confidence)).
		Msg("Position sizing")

	return size
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// Status returns the current risk state without changing it
func (rm *Manager) Status(now time.Time) Status {
	st := rm.account.State()

	rm.mu.RLock()
	kind, reason := rm.halt, rm.haltReason
	rm.mu.RUnlock()

	losses, tripped, _ := rm.breaker.GetStats()
	remaining := rm.breaker.Remaining(now)
	if tripped && remaining == 0 {
		tripped = false
	}

	s := Status{
		Halted:             kind != haltNone || tripped,
		HaltKind:           string(kind),
		HaltReason:         reason,
		CircuitTripped:     tripped,
		CircuitRemaining:   remaining,
		ConsecutiveLosses:  losses,
		DailyPnL:           st.DailyPnL,
		DailyLossLimit:     st.DayStartBalance.Mul(rm.cfg.DailyLossLimit),
		CurrentDrawdown:    st.CurrentDrawdown,
		MaxDrawdown:        st.MaxDrawdown,
		DrawdownMultiplier: ladderMultiplier(st.CurrentDrawdown, rm.cfg.DrawdownLadder, rm.cfg.HardStopDrawdown),
		TradesToday:        st.TradesExecuted + len(rm.account.OpenPositions()),
		MaxDailyTrades:     rm.cfg.MaxDailyTrades,
		Exposure:           rm.account.Exposure(),
	}

	switch {
	case kind != haltNone:
		s.Reason = reason
	case tripped:
		s.Reason = "circuit breaker"
	default:
		if k, r := rm.thresholdHalt(st); k != haltNone {
			s.Reason = r
		} else {
			s.Reason = rm.dailyTradesReason(st)
		}
	}
	s.CanTrade = s.Reason == ""
	return s
}
