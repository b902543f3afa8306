package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/core"
	"github.com/web3guy0/polysignal/risk"
	"github.com/web3guy0/polysignal/storage"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & remote status
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Notifications: entry, exit, halt, final report
//   Commands:      /status /risk /strategies /positions /trades
//                  /stop /resume /ping /help
//
// Commands only answer the configured chat.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider is the engine surface the bot reads from
type StatusProvider interface {
	GetAccountState() core.AccountState
	GetRiskStatus() risk.Status
	GetAllStrategySummaries() []core.StrategySummary
	EmergencyStop(reason string)
	ResetSession(balance decimal.Decimal) error
}

// TradeHistory serves recorded closes for /trades
type TradeHistory interface {
	RecentTrades(ctx context.Context, limit int) ([]storage.TradeRecord, error)
}

// Sender delivers a message; *tgbotapi.BotAPI satisfies it
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config holds bot credentials
type Config struct {
	Token  string
	ChatID int64
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu       sync.RWMutex
	api      *tgbotapi.BotAPI
	sender   Sender
	chatID   int64
	running  bool
	stopCh   chan struct{}
	provider StatusProvider
	history  TradeHistory
}

var hundred = decimal.NewFromInt(100)

const (
	tradesShown  = 10
	queryTimeout = 5 * time.Second
)

// NewTelegramBot connects to the Bot API
func NewTelegramBot(cfg Config) (*TelegramBot, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram needs a bot token and chat id")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	b := newBot(api, cfg.ChatID)
	b.api = api
	return b, nil
}

func newBot(sender Sender, chatID int64) *TelegramBot {
	return &TelegramBot{
		sender: sender,
		chatID: chatID,
		stopCh: make(chan struct{}),
	}
}

// SetProvider attaches the engine once it exists
func (b *TelegramBot) SetProvider(p StatusProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provider = p
}

// SetHistory attaches the trade store behind /trades
func (b *TelegramBot) SetHistory(h TradeHistory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = h
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running || b.api == nil {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	b.api.StopReceivingUpdates()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyEntry sends a position-opened alert
func (b *TelegramBot) NotifyEntry(pos types.Position, decision types.Decision) {
	msg := fmt.Sprintf(`%s *ENTRY* — %s

💵 Entry: *%s¢*
📦 Size: *$%s*
🎯 Confidence: *%.0f%%* (%s)
🗳️ Agreement: %d — %s
🌡️ Regime: %s`,
		sideEmoji(pos.Side), pos.Side,
		cents(pos.EntryPrice),
		pos.Size.StringFixed(2),
		decision.Confidence*100, decision.Strength,
		decision.AgreementCount, strings.Join(decision.Contributors(), ", "),
		decision.Regime,
	)
	b.sendMarkdown(msg)
}

// NotifyExit sends a close alert
func (b *TelegramBot) NotifyExit(trade types.ClosedTrade) {
	emoji := "✅"
	if !trade.Won {
		emoji = "❌"
	}
	if trade.Partial {
		emoji = "📤"
	}

	pnl := trade.PnL
	if !trade.Partial {
		pnl = trade.TotalPnL
	}

	msg := fmt.Sprintf(`%s *%s* — %s

💵 %s¢ → %s¢
📦 Size: $%s
💰 P&L: *%s*
⏱️ Held: %v`,
		emoji, trade.ExitReason, trade.Side,
		cents(trade.EntryPrice), cents(trade.ExitPrice),
		trade.Size.StringFixed(2),
		signedUSD(pnl),
		trade.HoldTime.Round(time.Second),
	)
	b.sendMarkdown(msg)
}

// NotifyHalt sends a trading-halted alert
func (b *TelegramBot) NotifyHalt(reason string) {
	b.sendMarkdown("🚨 *TRADING HALTED*\n\n" + reason)
}

// NotifyReport sends the shutdown report
func (b *TelegramBot) NotifyReport(report core.FinalReport) {
	b.send("📋 FINAL REPORT\n\n" + report.String())
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(update.Message.Chat.ID, update.Message.Command(), update.Message.CommandArguments())
		}
	}
}

func (b *TelegramBot) handleCommand(chatID int64, cmd, args string) {
	// Only respond to authorized chat
	if chatID != b.chatID {
		return
	}
	text, markdown := b.reply(strings.ToLower(cmd), strings.TrimSpace(args))
	if markdown {
		b.sendMarkdown(text)
		return
	}
	b.send(text)
}

func (b *TelegramBot) reply(cmd, args string) (string, bool) {
	b.mu.RLock()
	p := b.provider
	h := b.history
	b.mu.RUnlock()

	switch cmd {
	case "start", "help":
		return helpText, true
	case "ping":
		return "🏓 Pong!", false
	case "trades":
		return tradesReply(h)
	}

	if p == nil {
		return "❌ Engine not running", false
	}

	switch cmd {
	case "status":
		return statusText(p.GetAccountState()), true
	case "risk":
		return riskText(p.GetRiskStatus()), true
	case "strategies":
		return strategiesText(p.GetAllStrategySummaries()), true
	case "positions":
		return positionsText(p.GetAccountState().OpenPositions), true
	case "stop":
		p.EmergencyStop("telegram /stop")
		log.Warn().Msg("Emergency stop via Telegram")
		return "🛑 Emergency stop engaged. New entries are blocked until /resume.", false
	case "resume":
		return resumeReply(p, args), false
	}
	return "❓ Unknown command. Use /help", false
}

const helpText = `🤖 *POLYSIGNAL COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Balance, P&L, market
🛡️ /risk — Halts, breaker, drawdown
🧠 /strategies — Weights and routing
💼 /positions — Open positions
📜 /trades — Recent closes
🛑 /stop — Emergency stop
▶️ /resume [balance] — Reset the session and trade again
🏓 /ping — Test connection`

func statusText(s core.AccountState) string {
	mode := "PAPER"
	if s.Live {
		mode = "LIVE"
	}
	state := "🟢 RUNNING"
	switch {
	case s.Stopping:
		state = "⏹️ STOPPING"
	case s.Session.TradingHalted:
		state = "🔴 HALTED"
	}

	market := "none"
	if s.Market != nil {
		market = fmt.Sprintf("%s (UP %s¢ / DOWN %s¢)", s.Market.Slug, cents(s.Market.UpPrice), cents(s.Market.DownPrice))
	}

	return fmt.Sprintf(`📊 *STATUS* — %s
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Balance: *$%s* (start $%s)
📈 Today: *%s* | Total: *%s*
🎯 Trades: %d (W%d/L%d, %.1f%%)
💼 Open: %d | Exposure: $%s | Available: $%s
⏳ Pending resolutions: %d
🌡️ Regime: %s
🪟 Market: %s`,
		state, mode,
		s.Session.Balance.StringFixed(2), s.Session.InitialBalance.StringFixed(2),
		signedUSD(s.Session.DailyPnL), signedUSD(s.Session.RealizedPnL),
		s.Session.TradesExecuted, s.Session.Wins, s.Session.Losses, s.Session.WinRate()*100,
		len(s.OpenPositions), s.Exposure.StringFixed(2), s.Available.StringFixed(2),
		s.PendingResolutions,
		s.Regime,
		market,
	)
}

func riskText(s risk.Status) string {
	state := "🟢 Trading allowed"
	if s.Halted {
		state = "🔴 Halted"
		if s.HaltReason != "" {
			state += ": " + s.HaltReason
		}
	}
	breaker := "closed"
	if s.CircuitTripped {
		breaker = fmt.Sprintf("OPEN (%v left)", s.CircuitRemaining.Round(time.Second))
	}

	return fmt.Sprintf(`🛡️ *RISK*
━━━━━━━━━━━━━━━━━━━━

%s
⚡ Circuit breaker: %s (%d consecutive losses)
📉 Daily P&L: %s (limit -$%s)
📉 Drawdown: %s%% (max %s%%), size ×%s
🎯 Trades today: %d/%d
💼 Exposure: $%s`,
		state,
		breaker, s.ConsecutiveLosses,
		signedUSD(s.DailyPnL), s.DailyLossLimit.StringFixed(2),
		s.CurrentDrawdown.Mul(hundred).StringFixed(1), s.MaxDrawdown.Mul(hundred).StringFixed(1),
		s.DrawdownMultiplier.StringFixed(2),
		s.TradesToday, s.MaxDailyTrades,
		s.Exposure.StringFixed(2),
	)
}

func strategiesText(summaries []core.StrategySummary) string {
	if len(summaries) == 0 {
		return "📭 No strategies registered"
	}
	var b strings.Builder
	b.WriteString("🧠 *STRATEGIES*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, s := range summaries {
		flag := "🟢"
		switch {
		case !s.Eligible:
			flag = "⚪"
		case s.CoolingDown:
			flag = "⏳"
		}
		fmt.Fprintf(&b, "%s *%s* w=%.2f boost=%+.2f\n   rolling %.0f%% (%d) | lifetime %d trades, %s\n",
			flag, s.StrategyID, s.Weight, s.Boost,
			s.RollingWinRate*100, s.Samples, s.LifetimeTrades, signedUSD(s.LifetimePnL))
	}
	return b.String()
}

func positionsText(positions []types.Position) string {
	if len(positions) == 0 {
		return "📭 No open positions"
	}
	var b strings.Builder
	b.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for i, pos := range positions {
		if i == 5 {
			fmt.Fprintf(&b, "_... and %d more_", len(positions)-5)
			break
		}
		fmt.Fprintf(&b, "%s *%s* %s sh @ %s¢ — $%s (%s)\n",
			sideEmoji(pos.Side), pos.Side, pos.Shares().StringFixed(1), cents(pos.EntryPrice), pos.Size.StringFixed(2), pos.StrategyID)
	}
	return b.String()
}

// resumeReply restarts the session at args, or at the current balance when
// no amount is given. The engine refuses while positions are open.
func resumeReply(p StatusProvider, args string) string {
	balance := p.GetAccountState().Session.Balance
	if args != "" {
		v, err := decimal.NewFromString(strings.TrimPrefix(args, "$"))
		if err != nil {
			return "❌ Usage: /resume [balance]"
		}
		balance = v
	}

	if err := p.ResetSession(balance); err != nil {
		log.Warn().Err(err).Msg("Session reset via Telegram failed")
		return fmt.Sprintf("❌ Reset failed: %v", err)
	}
	log.Warn().Str("balance", "$"+balance.StringFixed(2)).Msg("Session reset via Telegram")
	return fmt.Sprintf("▶️ Session reset at $%s. Trading resumed.", balance.StringFixed(2))
}

func tradesReply(h TradeHistory) (string, bool) {
	if h == nil {
		return "📭 Trade history needs DATABASE_URL", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	trades, err := h.RecentTrades(ctx, tradesShown)
	if err != nil {
		log.Error().Err(err).Msg("Trade history query failed")
		return "❌ Trade history unavailable", false
	}
	if len(trades) == 0 {
		return "📭 No trades recorded", false
	}

	var b strings.Builder
	b.WriteString("📜 *RECENT TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, t := range trades {
		emoji := "✅"
		if !t.Won {
			emoji = "❌"
		}
		if t.Partial {
			emoji = "✂️"
		}
		fmt.Fprintf(&b, "%s *%s* %s¢ → %s¢ %s `%s` %s\n",
			emoji, t.Side, cents(t.EntryPrice), cents(t.ExitPrice), signedUSD(t.PnL),
			t.ExitReason, t.ClosedAt.UTC().Format("Jan 2 15:04"))
	}
	return b.String(), true
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func sideEmoji(s types.Side) string {
	if s == types.SideUp {
		return "🟢"
	}
	return "🔴"
}

func cents(p decimal.Decimal) string {
	return p.Mul(hundred).StringFixed(1)
}

func signedUSD(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(2)
	}
	return "+$" + v.StringFixed(2)
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.sender.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
