package performance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERFORMANCE TRACKER - Live rolling win rate → aggregation weight
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each strategy keeps a bounded window of recent outcomes. The rolling win rate
// maps onto a weight through a monotonic piecewise-linear curve:
//
//   win rate  0.0  0.3  0.4  0.5  0.65  0.8  1.0
//   weight    min  0.4  0.7  1.0  1.2   max  max
//
// Strategies with too few samples get DefaultWeight.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidConfig is returned for unusable tracker bounds
var ErrInvalidConfig = errors.New("invalid performance config")

// Config holds weighting parameters
type Config struct {
	WindowSize            int
	MinTradesForWeighting int
	DefaultWeight         float64
	MinWeight             float64
	MaxWeight             float64
}

// DefaultConfig returns the standard weighting curve bounds
func DefaultConfig() Config {
	return Config{
		WindowSize:            50,
		MinTradesForWeighting: 10,
		DefaultWeight:         1.0,
		MinWeight:             0.1,
		MaxWeight:             1.5,
	}
}

// Validate checks the bounds
func (c Config) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return fmt.Errorf("%w: window size must be > 0", ErrInvalidConfig)
	case c.MinTradesForWeighting < 0:
		return fmt.Errorf("%w: min trades must be >= 0", ErrInvalidConfig)
	case c.MinTradesForWeighting > c.WindowSize:
		return fmt.Errorf("%w: min trades %d exceeds window size %d", ErrInvalidConfig, c.MinTradesForWeighting, c.WindowSize)
	case c.MinWeight <= 0:
		return fmt.Errorf("%w: min weight must be > 0", ErrInvalidConfig)
	case c.MinWeight > c.MaxWeight:
		return fmt.Errorf("%w: min weight %.2f > max weight %.2f", ErrInvalidConfig, c.MinWeight, c.MaxWeight)
	case c.DefaultWeight < c.MinWeight || c.DefaultWeight > c.MaxWeight:
		return fmt.Errorf("%w: default weight %.2f outside [%.2f,%.2f]", ErrInvalidConfig, c.DefaultWeight, c.MinWeight, c.MaxWeight)
	}
	return nil
}

// Outcome is one closed trade attributed to a strategy
type Outcome struct {
	Won       bool
	PnL       decimal.Decimal
	Regime    types.Regime
	Timestamp time.Time
}

// RegimeStats are lifetime totals within one regime
type RegimeStats struct {
	Trades int
	Wins   int
	PnL    decimal.Decimal
}

// Summary is a read-only view of one strategy's record
type Summary struct {
	StrategyID     string
	Samples        int
	RollingWins    int
	RollingWinRate float64
	RollingPnL     decimal.Decimal
	Weight         float64
	LifetimeTrades int
	LifetimeWins   int
	LifetimePnL    decimal.Decimal
	ByRegime       map[types.Regime]RegimeStats
	LastTradeAt    time.Time
}

// LifetimeWinRate returns lifetime wins / trades
func (s Summary) LifetimeWinRate() float64 {
	if s.LifetimeTrades == 0 {
		return 0
	}
	return float64(s.LifetimeWins) / float64(s.LifetimeTrades)
}

type record struct {
	window   []Outcome
	trades   int
	wins     int
	pnl      decimal.Decimal
	byRegime map[types.Regime]*RegimeStats
	lastAt   time.Time
}

// Tracker keeps per-strategy performance records
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	records map[string]*record
	knots   [][2]float64
}

// NewTracker creates a tracker
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Tracker{
		cfg:     cfg,
		records: make(map[string]*record),
		knots:   buildKnots(cfg.MinWeight, cfg.MaxWeight),
	}, nil
}

func buildKnots(minW, maxW float64) [][2]float64 {
	raw := [][2]float64{
		{0.0, minW},
		{0.3, 0.4},
		{0.4, 0.7},
		{0.5, 1.0},
		{0.65, 1.2},
		{0.8, maxW},
		{1.0, maxW},
	}
	for i := range raw {
		raw[i][1] = clamp(raw[i][1], minW, maxW)
	}
	return raw
}

// RecordOutcome appends a closed-trade outcome for a strategy
func (t *Tracker) RecordOutcome(strategyID string, won bool, pnl decimal.Decimal, regime types.Regime, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[strategyID]
	if !ok {
		rec = &record{byRegime: make(map[types.Regime]*RegimeStats)}
		t.records[strategyID] = rec
	}

	rec.window = append(rec.window, Outcome{Won: won, PnL: pnl, Regime: regime, Timestamp: ts})
	if over := len(rec.window) - t.cfg.WindowSize; over > 0 {
		rec.window = append([]Outcome(nil), rec.window[over:]...)
	}

	rec.trades++
	rec.pnl = rec.pnl.Add(pnl)
	if won {
		rec.wins++
	}
	rec.lastAt = ts

	rs, ok := rec.byRegime[regime]
	if !ok {
		rs = &RegimeStats{}
		rec.byRegime[regime] = rs
	}
	rs.Trades++
	rs.PnL = rs.PnL.Add(pnl)
	if won {
		rs.Wins++
	}

	log.Debug().
		Str("strategy", strategyID).
		Bool("won", won).
		Str("pnl", pnl.StringFixed(2)).
		Float64("weight", t.weightLocked(rec)).
		Msg("📈 Outcome recorded")
}

// GetWeight returns the aggregation weight of a strategy
func (t *Tracker) GetWeight(strategyID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.weightLocked(t.records[strategyID])
}

func (t *Tracker) weightLocked(rec *record) float64 {
	if rec == nil || len(rec.window) < t.cfg.MinTradesForWeighting || len(rec.window) == 0 {
		return t.cfg.DefaultWeight
	}
	return t.WeightForWinRate(rollingWinRate(rec))
}

// WeightForWinRate evaluates the weighting curve
func (t *Tracker) WeightForWinRate(winRate float64) float64 {
	wr := clamp(winRate, 0, 1)
	for i := 1; i < len(t.knots); i++ {
		x0, y0 := t.knots[i-1][0], t.knots[i-1][1]
		x1, y1 := t.knots[i][0], t.knots[i][1]
		if wr <= x1 {
			frac := (wr - x0) / (x1 - x0)
			return clamp(y0+(y1-y0)*frac, t.cfg.MinWeight, t.cfg.MaxWeight)
		}
	}
	return t.cfg.MaxWeight
}

func rollingWinRate(rec *record) float64 {
	if len(rec.window) == 0 {
		return 0
	}
	wins := 0
	for _, o := range rec.window {
		if o.Won {
			wins++
		}
	}
	return float64(wins) / float64(len(rec.window))
}

// ═══════════════════════════════════════════════════════════════════════════════
// DIAGNOSTICS (read only)
// ═══════════════════════════════════════════════════════════════════════════════

// Summary returns the record of one strategy
func (t *Tracker) Summary(strategyID string) Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaryLocked(strategyID, t.records[strategyID])
}

func (t *Tracker) summaryLocked(id string, rec *record) Summary {
	s := Summary{
		StrategyID:  id,
		Weight:      t.weightLocked(rec),
		RollingPnL:  decimal.Zero,
		LifetimePnL: decimal.Zero,
		ByRegime:    make(map[types.Regime]RegimeStats),
	}
	if rec == nil {
		return s
	}

	s.Samples = len(rec.window)
	for _, o := range rec.window {
		if o.Won {
			s.RollingWins++
		}
		s.RollingPnL = s.RollingPnL.Add(o.PnL)
	}
	s.RollingWinRate = rollingWinRate(rec)
	s.LifetimeTrades = rec.trades
	s.LifetimeWins = rec.wins
	s.LifetimePnL = rec.pnl
	s.LastTradeAt = rec.lastAt
	for r, rs := range rec.byRegime {
		s.ByRegime[r] = *rs
	}
	return s
}

// AllSummaries returns every strategy's record ordered by id
func (t *Tracker) AllSummaries() []Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.summaryLocked(id, t.records[id]))
	}
	return out
}

// IdentifyUnderperformers lists strategies with enough samples whose rolling
// win rate is below threshold
func (t *Tracker) IdentifyUnderperformers(threshold float64) []string {
	var out []string
	for _, s := range t.AllSummaries() {
		if s.Samples >= t.cfg.MinTradesForWeighting && s.Samples > 0 && s.RollingWinRate < threshold {
			out = append(out, s.StrategyID)
		}
	}
	return out
}

// TopPerformers returns up to n strategies with enough samples, best rolling
// win rate first
func (t *Tracker) TopPerformers(n int) []Summary {
	var eligible []Summary
	for _, s := range t.AllSummaries() {
		if s.Samples >= t.cfg.MinTradesForWeighting && s.Samples > 0 {
			eligible = append(eligible, s)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].RollingWinRate == eligible[j].RollingWinRate {
			return eligible[i].RollingPnL.GreaterThan(eligible[j].RollingPnL)
		}
		return eligible[i].RollingWinRate > eligible[j].RollingWinRate
	})

	if n >= 0 && len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
