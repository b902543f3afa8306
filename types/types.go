package types

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the binary outcome a position or signal bets on
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Valid reports whether s is UP or DOWN
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// Regime is a coarse market-condition classification
type Regime string

const (
	RegimeTrendUp   Regime = "TREND_UP"
	RegimeTrendDown Regime = "TREND_DOWN"
	RegimeRange     Regime = "RANGE"
	RegimeChop      Regime = "CHOP"
)

// AllRegimes lists every regime the detector can emit
var AllRegimes = []Regime{RegimeTrendUp, RegimeTrendDown, RegimeRange, RegimeChop}

// Valid reports whether r is a known regime
func (r Regime) Valid() bool {
	for _, known := range AllRegimes {
		if r == known {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// Candle is one OHLCV bar of the underlying asset
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Features is the per-cycle snapshot handed to strategies
type Features struct {
	Asset     string
	Timestamp time.Time
	Price     float64
	Closes    []float64

	EMAFast       float64
	EMASlow       float64
	RSI           float64
	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	BollingerUp   float64
	BollingerMid  float64
	BollingerLow  float64
	PercentB      float64
	VWAP          float64
	ATR           float64
	Volatility    float64 // ATR / price
	Return        float64 // fractional change over the momentum lookback

	Regime Regime
}

// Snapshot returns the numeric feature values keyed by name
func (f *Features) Snapshot() map[string]float64 {
	if f == nil {
		return nil
	}
	return map[string]float64{
		"price":          f.Price,
		"ema_fast":       f.EMAFast,
		"ema_slow":       f.EMASlow,
		"rsi":            f.RSI,
		"macd":           f.MACD,
		"macd_signal":    f.MACDSignal,
		"macd_histogram": f.MACDHistogram,
		"percent_b":      f.PercentB,
		"vwap":           f.VWAP,
		"atr":            f.ATR,
		"volatility":     f.Volatility,
		"return":         f.Return,
	}
}

// Market is the active 15-minute up/down window
type Market struct {
	ID             string
	Slug           string
	Asset          string
	Question       string
	UpTokenID      string
	DownTokenID    string
	StartTime      time.Time
	ResolutionTime time.Time
	UpPrice        decimal.Decimal
	DownPrice      decimal.Decimal
	ReferencePrice float64 // underlying price at window start
	UpdatedAt      time.Time
}

// PriceFor returns the current share price for a side
func (m *Market) PriceFor(side Side) decimal.Decimal {
	if side == SideUp {
		return m.UpPrice
	}
	return m.DownPrice
}

// TokenFor returns the token id for a side
func (m *Market) TokenFor(side Side) string {
	if side == SideUp {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// TimeRemaining returns duration until resolution
func (m *Market) TimeRemaining(now time.Time) time.Duration {
	return m.ResolutionTime.Sub(now)
}

// ErrOutcomePending is returned by market providers until a window resolves
var ErrOutcomePending = errors.New("market outcome pending")

// OrderRequest is a live order for one outcome token
type OrderRequest struct {
	TokenID string
	Side    Side
	Size    decimal.Decimal // stake in USDC
	Price   decimal.Decimal // limit price per share
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS & DECISIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Signal is one strategy's opinion for the current cycle
type Signal struct {
	StrategyID  string
	Side        Side
	Confidence  float64 // 0-1, after regime boost when aggregated
	Weight      float64
	RegimeBoost float64
	Features    map[string]float64
	Reason      string
}

// Action is the aggregator's verdict
type Action string

const (
	ActionEnter   Action = "ENTER"
	ActionNoTrade Action = "NO_TRADE"
)

// Strength classifies how convincing a decision is
type Strength string

const (
	StrengthStrong       Strength = "STRONG"
	StrengthGood         Strength = "GOOD"
	StrengthWeak         Strength = "WEAK"
	StrengthInsufficient Strength = "INSUFFICIENT"
)

// RejectReason is a machine-readable reason for not entering
type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectNoSignals         RejectReason = "no_signals"
	RejectTooFewSignals     RejectReason = "too_few_signals"
	RejectConflict          RejectReason = "conflict"
	RejectWeakDecision      RejectReason = "insufficient_strength"
	RejectRiskHalt          RejectReason = "risk_halt"
	RejectSizeTooSmall      RejectReason = "size_below_minimum"
	RejectInsufficientFunds RejectReason = "insufficient_balance"
	RejectExposureLimit     RejectReason = "exposure_limit"
	RejectDuplicatePosition RejectReason = "position_exists"
	RejectInvalidPrice      RejectReason = "invalid_price"
	RejectPendingResolution RejectReason = "pending_resolution"
	RejectStopping          RejectReason = "stopping"
	RejectOrderFailed       RejectReason = "order_failed"
	RejectTooCloseToResolve RejectReason = "too_close_to_resolution"
)

// Decision is the aggregated output for one cycle
type Decision struct {
	Action         Action
	Side           Side
	Confidence     float64
	Strength       Strength
	AgreementCount int
	ConflictLevel  float64
	MassUp         float64
	MassDown       float64
	Signals        []Signal // contributing signals on the chosen side
	Considered     int
	Regime         Regime
	Reason         RejectReason
	EntryPrice     decimal.Decimal // filled in by the engine before sizing
}

// Contributors returns the strategy ids behind the decision
func (d Decision) Contributors() []string {
	ids := make([]string, 0, len(d.Signals))
	for _, s := range d.Signals {
		ids = append(ids, s.StrategyID)
	}
	return ids
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS & TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Position represents an open bet on the paper ledger
type Position struct {
	ID               string
	StrategyID       string
	MarketID         string
	TokenID          string
	Side             Side
	EntryPrice       decimal.Decimal
	Size             decimal.Decimal // remaining stake
	OriginalSize     decimal.Decimal
	Confidence       float64
	Regime           Regime
	Contributors     []string
	OpenTime         time.Time
	ScaledOutPercent decimal.Decimal
	RealizedPnL      decimal.Decimal
	Status           PositionStatus
}

// Shares returns the number of outcome shares the remaining stake buys
func (p *Position) Shares() decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.Size.Div(p.EntryPrice)
}

// Exit reasons
const (
	ExitResolution = "RESOLUTION"
	ExitTakeProfit = "TAKE_PROFIT"
	ExitStopLoss   = "STOP_LOSS"
	ExitScaleOut   = "SCALE_OUT"
	ExitTimeDecay  = "TIME_DECAY"
	ExitShutdown   = "SHUTDOWN"
)

// ClosedTrade is an immutable record of a (partial) close
type ClosedTrade struct {
	PositionID   string
	StrategyID   string
	MarketID     string
	Side         Side
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	Size         decimal.Decimal // stake closed by this record
	Confidence   float64
	Regime       Regime
	Contributors []string
	ExitReason   string
	PnL          decimal.Decimal
	Won          bool
	Partial      bool
	OpenTime     time.Time
	CloseTime    time.Time
	HoldTime     time.Duration
	// TotalPnL is the position's cumulative realized P/L once it is fully closed
	TotalPnL decimal.Decimal
}
