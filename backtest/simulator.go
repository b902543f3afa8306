package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/feeds"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIMULATOR - Candle replay as feature and market provider
// ═══════════════════════════════════════════════════════════════════════════════
//
// The clock sits at the close of the cursor candle. Windows are aligned to
// Config.Window; the Up price follows a logistic curve of the move since the
// window open, scaled by recent volatility and the bars left:
//
//   z  = ln(price / open) / (σ · √barsLeft)
//   Up = 1 / (1 + e^(-k·z))           clamped to [0.01, 0.99], cents
//
// A window resolves UP when its last close is ≥ its open.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrDataGap is returned when the replay has no candle for a window open
var ErrDataGap = errors.New("candle gap")

// Config configures the replay
type Config struct {
	Asset       string
	Interval    time.Duration
	Window      time.Duration
	History     int     // candles handed to the feature builder
	Steepness   float64 // logistic k
	VolLookback int     // bars for σ
	Indicators  feeds.IndicatorConfig
	Regime      feeds.RegimeConfig
}

// DefaultConfig replays 1m BTC candles into 15-minute windows
func DefaultConfig() Config {
	return Config{
		Asset:       "BTC",
		Interval:    time.Minute,
		Window:      15 * time.Minute,
		History:     120,
		Steepness:   1.6,
		VolLookback: 30,
		Indicators:  feeds.DefaultIndicatorConfig(),
		Regime:      feeds.DefaultRegimeConfig(),
	}
}

// Validate checks the replay settings
func (c Config) Validate() error {
	switch {
	case c.Asset == "":
		return fmt.Errorf("backtest asset is required")
	case c.Interval <= 0 || c.Window < c.Interval:
		return fmt.Errorf("backtest window %s must cover the candle interval %s", c.Window, c.Interval)
	case c.Window%c.Interval != 0:
		return fmt.Errorf("backtest window %s is not a multiple of %s", c.Window, c.Interval)
	case c.Steepness <= 0:
		return fmt.Errorf("backtest steepness must be > 0")
	case c.VolLookback < 2:
		return fmt.Errorf("backtest volatility lookback must be >= 2")
	}
	return c.Indicators.Validate()
}

// Simulator replays candles one bar per cycle
type Simulator struct {
	cfg     Config
	candles []types.Candle
	index   map[time.Time]int
	builder *feeds.FeatureBuilder
	cursor  int
	windows map[string]bool
}

// NewSimulator positions the cursor on the first bar with enough history
func NewSimulator(cfg Config, candles []types.Candle) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	builder, err := feeds.NewFeatureBuilder(cfg.Indicators, feeds.NewRegimeDetector(cfg.Regime))
	if err != nil {
		return nil, err
	}

	history := cfg.History
	if need := cfg.Indicators.MinCandles(); history < need {
		history = need
	}
	cfg.History = history
	if len(candles) < history+1 {
		return nil, fmt.Errorf("%w: have %d, need more than %d", ErrNoCandles, len(candles), history)
	}

	index := make(map[time.Time]int, len(candles))
	for i, c := range candles {
		index[c.OpenTime] = i
	}
	return &Simulator{
		cfg:     cfg,
		candles: candles,
		index:   index,
		builder: builder,
		cursor:  history - 1,
		windows: make(map[string]bool),
	}, nil
}

// Now is the close time of the cursor candle
func (s *Simulator) Now() time.Time {
	return s.candles[s.cursor].OpenTime.Add(s.cfg.Interval)
}

// Advance moves to the next bar; false once the data is exhausted
func (s *Simulator) Advance() bool {
	if s.cursor+1 >= len(s.candles) {
		return false
	}
	s.cursor++
	return true
}

// Windows returns how many distinct windows were served
func (s *Simulator) Windows() int {
	return len(s.windows)
}

// Features builds the snapshot from the replayed history
func (s *Simulator) Features(_ context.Context, _ *types.Market) (*types.Features, error) {
	from := s.cursor + 1 - s.cfg.History
	if from < 0 {
		from = 0
	}
	return s.builder.Build(s.cfg.Asset, s.candles[from:s.cursor+1])
}

// Current returns the synthetic window containing Now
func (s *Simulator) Current(_ context.Context) (*types.Market, error) {
	now := s.Now()
	start := now.Truncate(s.cfg.Window)
	open, err := s.openPrice(start, now)
	if err != nil {
		return nil, err
	}

	slug := fmt.Sprintf("%s-updown-%s-%d", strings.ToLower(s.cfg.Asset), windowLabel(s.cfg.Window), start.Unix())
	m := &types.Market{
		ID:             slug,
		Slug:           slug,
		Asset:          s.cfg.Asset,
		Question:       fmt.Sprintf("%s Up or Down %s", s.cfg.Asset, start.Format("Jan 2 15:04")),
		UpTokenID:      slug + "-up",
		DownTokenID:    slug + "-down",
		StartTime:      start,
		ResolutionTime: start.Add(s.cfg.Window),
		ReferencePrice: open,
		UpdatedAt:      now,
	}
	m.UpPrice = s.upPrice(open, m.ResolutionTime.Sub(now))
	m.DownPrice = decimal.NewFromInt(1).Sub(m.UpPrice)

	s.windows[slug] = true
	return m, nil
}

// Outcome settles a window once its last bar has been replayed
func (s *Simulator) Outcome(_ context.Context, m *types.Market) (types.Side, error) {
	if s.Now().Before(m.ResolutionTime) {
		return "", types.ErrOutcomePending
	}
	i, ok := s.index[m.ResolutionTime.Add(-s.cfg.Interval)]
	if !ok || i > s.cursor {
		return "", types.ErrOutcomePending
	}
	open := m.ReferencePrice
	if open <= 0 {
		var err error
		if open, err = s.openPrice(m.StartTime, m.StartTime); err != nil {
			return "", err
		}
	}
	if s.candles[i].Close >= open {
		return types.SideUp, nil
	}
	return types.SideDown, nil
}

// openPrice is the window's opening price. A window that opens exactly now
// uses the cursor close.
func (s *Simulator) openPrice(start, now time.Time) (float64, error) {
	if i, ok := s.index[start]; ok && i <= s.cursor+1 {
		return s.candles[i].Open, nil
	}
	if start.Equal(now) {
		return s.candles[s.cursor].Close, nil
	}
	return 0, fmt.Errorf("%w: no candle at %s", ErrDataGap, start.Format(time.RFC3339))
}

func (s *Simulator) upPrice(open float64, left time.Duration) decimal.Decimal {
	price := s.candles[s.cursor].Close
	bars := float64(left) / float64(s.cfg.Interval)
	if bars < 1 {
		bars = 1
	}
	sigma := s.volatility()
	z := math.Log(price/open) / (sigma * math.Sqrt(bars))
	p := 1 / (1 + math.Exp(-s.cfg.Steepness*z))
	p = math.Max(0.01, math.Min(0.99, p))
	return decimal.NewFromFloat(p).Round(2)
}

// volatility is the standard deviation of log returns over the lookback
func (s *Simulator) volatility() float64 {
	from := s.cursor - s.cfg.VolLookback
	if from < 0 {
		from = 0
	}
	var rets []float64
	for i := from + 1; i <= s.cursor; i++ {
		if prev := s.candles[i-1].Close; prev > 0 {
			rets = append(rets, math.Log(s.candles[i].Close/prev))
		}
	}
	if len(rets) < 2 {
		return 1e-4
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(len(rets)-1))
	if sd < 1e-6 {
		return 1e-4
	}
	return sd
}

func windowLabel(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return fmt.Sprintf("%dm", int(d/time.Minute))
}
