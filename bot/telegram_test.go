package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polysignal/core"
	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/performance"
	"github.com/web3guy0/polysignal/risk"
	"github.com/web3guy0/polysignal/storage"
	"github.com/web3guy0/polysignal/types"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, m)
	}
	return tgbotapi.Message{}, s.err
}

func (s *fakeSender) last() tgbotapi.MessageConfig {
	return s.sent[len(s.sent)-1]
}

type fakeProvider struct {
	stops    []string
	resets   []decimal.Decimal
	resetErr error
}

func (p *fakeProvider) GetAccountState() core.AccountState {
	return core.AccountState{
		Session: ledger.SessionState{
			InitialBalance: decimal.NewFromInt(500),
			Balance:        decimal.NewFromInt(525),
			DailyPnL:       decimal.NewFromInt(25),
			RealizedPnL:    decimal.NewFromInt(25),
			TradesExecuted: 2,
			Wins:           2,
		},
		Exposure:  decimal.NewFromInt(16),
		Available: decimal.NewFromInt(509),
		OpenPositions: []types.Position{
			{StrategyID: "AGGREGATED", Side: types.SideUp, EntryPrice: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(16)},
		},
		Market: &types.Market{Slug: "btc-updown-15m-1748772000", UpPrice: decimal.NewFromFloat(0.55), DownPrice: decimal.NewFromFloat(0.45)},
		Regime: types.RegimeTrendUp,
	}
}

func (p *fakeProvider) GetRiskStatus() risk.Status {
	return risk.Status{
		Halted:             true,
		HaltReason:         "daily loss limit",
		CircuitTripped:     true,
		CircuitRemaining:   90 * time.Second,
		ConsecutiveLosses:  3,
		DailyPnL:           decimal.NewFromInt(-40),
		DailyLossLimit:     decimal.NewFromInt(40),
		CurrentDrawdown:    decimal.NewFromFloat(0.08),
		MaxDrawdown:        decimal.NewFromFloat(0.1),
		DrawdownMultiplier: decimal.NewFromFloat(0.5),
		MaxDailyTrades:     20,
		Exposure:           decimal.Zero,
	}
}

func (p *fakeProvider) GetAllStrategySummaries() []core.StrategySummary {
	return []core.StrategySummary{
		{Summary: performance.Summary{StrategyID: "MOMENTUM", Weight: 1.2, RollingWinRate: 0.6, Samples: 10, LifetimePnL: decimal.NewFromInt(12)}, Eligible: true, Boost: 0.05},
		{Summary: performance.Summary{StrategyID: "RSI", Weight: 1.0, LifetimePnL: decimal.NewFromInt(-3)}, Eligible: false},
	}
}

func (p *fakeProvider) EmergencyStop(reason string) {
	p.stops = append(p.stops, reason)
}

func (p *fakeProvider) ResetSession(balance decimal.Decimal) error {
	if p.resetErr != nil {
		return p.resetErr
	}
	p.resets = append(p.resets, balance)
	return nil
}

type fakeHistory struct {
	trades []storage.TradeRecord
	limit  int
	err    error
}

func (h *fakeHistory) RecentTrades(_ context.Context, limit int) ([]storage.TradeRecord, error) {
	h.limit = limit
	return h.trades, h.err
}

func TestCommands(t *testing.T) {
	sender := &fakeSender{}
	b := newBot(sender, 42)
	p := &fakeProvider{}

	b.handleCommand(42, "status", "")
	assert.Contains(t, sender.last().Text, "Engine not running")

	b.SetProvider(p)

	b.handleCommand(42, "status", "")
	msg := sender.last()
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, msg.ParseMode)
	assert.Contains(t, msg.Text, "$525.00")
	assert.Contains(t, msg.Text, "+$25.00")
	assert.Contains(t, msg.Text, "UP 55.0¢")
	assert.Contains(t, msg.Text, "TREND_UP")

	b.handleCommand(42, "risk", "")
	assert.Contains(t, sender.last().Text, "Halted: daily loss limit")
	assert.Contains(t, sender.last().Text, "OPEN (1m30s left)")
	assert.Contains(t, sender.last().Text, "-$40.00")

	b.handleCommand(42, "Strategies", "")
	assert.Contains(t, sender.last().Text, "*MOMENTUM* w=1.20 boost=+0.05")
	assert.Contains(t, sender.last().Text, "⚪ *RSI*")

	b.handleCommand(42, "positions", "")
	assert.Contains(t, sender.last().Text, "*UP* 32.0 sh @ 50.0¢ — $16.00 (AGGREGATED)")

	b.handleCommand(42, "stop", "")
	assert.Equal(t, []string{"telegram /stop"}, p.stops)

	b.handleCommand(42, "bogus", "")
	assert.Contains(t, sender.last().Text, "Unknown command")
}

func TestResumeCommand(t *testing.T) {
	sender := &fakeSender{}
	b := newBot(sender, 42)
	p := &fakeProvider{}

	b.handleCommand(42, "resume", "")
	assert.Contains(t, sender.last().Text, "Engine not running")

	b.SetProvider(p)

	// no amount restarts at the current balance
	b.handleCommand(42, "resume", "")
	require.Len(t, p.resets, 1)
	assert.True(t, p.resets[0].Equal(decimal.NewFromInt(525)))
	assert.Contains(t, sender.last().Text, "Session reset at $525.00")

	b.handleCommand(42, "resume", " $400 ")
	require.Len(t, p.resets, 2)
	assert.True(t, p.resets[1].Equal(decimal.NewFromInt(400)))

	b.handleCommand(42, "resume", "lots")
	assert.Contains(t, sender.last().Text, "Usage: /resume")
	assert.Len(t, p.resets, 2)

	p.resetErr = ledger.ErrOpenPositions
	b.handleCommand(42, "resume", "")
	assert.Contains(t, sender.last().Text, "Reset failed")
	assert.Len(t, p.resets, 2)
}

func TestTradesCommand(t *testing.T) {
	sender := &fakeSender{}
	b := newBot(sender, 42)

	b.handleCommand(42, "trades", "")
	assert.Contains(t, sender.last().Text, "needs DATABASE_URL")

	h := &fakeHistory{}
	b.SetHistory(h)
	b.handleCommand(42, "trades", "")
	assert.Contains(t, sender.last().Text, "No trades recorded")
	assert.Equal(t, tradesShown, h.limit)

	closed := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)
	h.trades = []storage.TradeRecord{
		{Side: "UP", EntryPrice: decimal.NewFromFloat(0.5), ExitPrice: decimal.NewFromInt(1),
			PnL: decimal.NewFromInt(16), Won: true, ExitReason: types.ExitResolution, ClosedAt: closed},
		{Side: "DOWN", EntryPrice: decimal.NewFromFloat(0.45), ExitPrice: decimal.NewFromFloat(0.3),
			PnL: decimal.NewFromFloat(-5.5), ExitReason: types.ExitStopLoss, ClosedAt: closed},
	}
	b.handleCommand(42, "trades", "")
	msg := sender.last()
	assert.Equal(t, tgbotapi.ModeMarkdown, msg.ParseMode)
	assert.Contains(t, msg.Text, "✅ *UP* 50.0¢ → 100.0¢ +$16.00 `RESOLUTION` Jun 1 10:15")
	assert.Contains(t, msg.Text, "❌ *DOWN* 45.0¢ → 30.0¢ -$5.50")

	h.err = errors.New("db gone")
	b.handleCommand(42, "trades", "")
	assert.Contains(t, sender.last().Text, "unavailable")
}

func TestUnauthorizedChatIgnored(t *testing.T) {
	sender := &fakeSender{}
	b := newBot(sender, 42)
	p := &fakeProvider{}
	b.SetProvider(p)

	b.handleCommand(7, "stop", "")
	assert.Empty(t, sender.sent)
	assert.Empty(t, p.stops)
}

func TestNotifications(t *testing.T) {
	sender := &fakeSender{}
	b := newBot(sender, 42)

	decision := types.Decision{
		Confidence: 0.78, Strength: types.StrengthGood, AgreementCount: 2, Regime: types.RegimeTrendUp,
		Signals: []types.Signal{{StrategyID: "MOMENTUM"}, {StrategyID: "MACD"}},
	}
	b.NotifyEntry(types.Position{Side: types.SideUp, EntryPrice: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(16)}, decision)
	assert.Contains(t, sender.last().Text, "MOMENTUM, MACD")
	assert.Contains(t, sender.last().Text, "78%")

	b.NotifyExit(types.ClosedTrade{
		Side: types.SideUp, EntryPrice: decimal.NewFromFloat(0.5), ExitPrice: decimal.NewFromInt(1),
		Size: decimal.NewFromInt(16), PnL: decimal.NewFromInt(16), TotalPnL: decimal.NewFromInt(16),
		Won: true, ExitReason: types.ExitResolution, HoldTime: 14 * time.Minute,
	})
	assert.Contains(t, sender.last().Text, "✅ *RESOLUTION*")
	assert.Contains(t, sender.last().Text, "+$16.00")

	b.NotifyHalt("emergency: manual")
	assert.Contains(t, sender.last().Text, "emergency: manual")

	b.NotifyReport(core.FinalReport{InitialBalance: decimal.NewFromInt(500), FinalBalance: decimal.NewFromInt(516)})
	assert.Contains(t, sender.last().Text, "$500.00 → $516.00")
	assert.Empty(t, sender.last().ParseMode)

	require.Len(t, sender.sent, 4)
}

func TestSendErrorsAreSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("telegram down")}
	b := newBot(sender, 42)
	assert.NotPanics(t, func() { b.NotifyHalt("x") })
	assert.Len(t, sender.sent, 1)
}

func TestNewTelegramBotNeedsCredentials(t *testing.T) {
	_, err := NewTelegramBot(Config{})
	assert.Error(t, err)
}
