package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION STATE - Trading-day account state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Created with an initial balance, mutated by every close, reset at the day
// boundary or on an explicit restart.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SessionState is the process-wide account state for one trading session
type SessionState struct {
	InitialBalance  decimal.Decimal
	Balance         decimal.Decimal
	PeakBalance     decimal.Decimal
	DayStartBalance decimal.Decimal
	DailyPnL        decimal.Decimal
	RealizedPnL     decimal.Decimal

	CurrentDrawdown decimal.Decimal
	MaxDrawdown     decimal.Decimal

	TradesExecuted    int
	Wins              int
	Losses            int
	ConsecutiveWins   int
	ConsecutiveLosses int

	TradingHalted bool
	HaltReason    string

	StartedAt time.Time
	Day       string
}

func newSessionState(balance decimal.Decimal, ts time.Time) SessionState {
	return SessionState{
		InitialBalance:  balance,
		Balance:         balance,
		PeakBalance:     balance,
		DayStartBalance: balance,
		DailyPnL:        decimal.Zero,
		RealizedPnL:     decimal.Zero,
		CurrentDrawdown: decimal.Zero,
		MaxDrawdown:     decimal.Zero,
		StartedAt:       ts,
		Day:             DayKey(ts),
	}
}

// DayKey returns the UTC calendar day used for daily resets
func DayKey(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// WinRate returns wins / closed trades for the session
func (s SessionState) WinRate() float64 {
	total := s.Wins + s.Losses
	if total == 0 {
		return 0
	}
	return float64(s.Wins) / float64(total)
}

// applyPnL moves the balance and keeps peak/drawdown consistent
func (s *SessionState) applyPnL(pnl decimal.Decimal) {
	s.Balance = s.Balance.Add(pnl)
	s.DailyPnL = s.DailyPnL.Add(pnl)
	s.RealizedPnL = s.RealizedPnL.Add(pnl)

	if s.Balance.GreaterThan(s.PeakBalance) {
		s.PeakBalance = s.Balance
	}

	s.CurrentDrawdown = decimal.Zero
	if s.PeakBalance.IsPositive() {
		dd := s.PeakBalance.Sub(s.Balance).Div(s.PeakBalance)
		if dd.IsPositive() {
			s.CurrentDrawdown = dd
		}
	}
	if s.CurrentDrawdown.GreaterThan(s.MaxDrawdown) {
		s.MaxDrawdown = s.CurrentDrawdown
	}
}

// recordResult updates streak counters when a position is fully closed
func (s *SessionState) recordResult(won bool) {
	s.TradesExecuted++
	if won {
		s.Wins++
		s.ConsecutiveWins++
		s.ConsecutiveLosses = 0
		return
	}
	s.Losses++
	s.ConsecutiveLosses++
	s.ConsecutiveWins = 0
}
