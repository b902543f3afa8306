package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW SCANNER - Active 15-minute Up/Down window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Windows are addressed by slug: <asset>-updown-15m-<unix window start>.
//
// Outcome:
//   1. gamma reports the market closed with a settled price    → that side
//   2. the underlying price at window end vs window start       → UP if end ≥ start
//   3. otherwise                                                → ErrOutcomePending
//
// ═══════════════════════════════════════════════════════════════════════════════

const polymarketAPI = "https://gamma-api.polymarket.com"

// ErrWindowNotFound is returned when gamma has no market for the current slug
var ErrWindowNotFound = errors.New("window not found")

// PriceSource returns the underlying asset price at an instant
type PriceSource interface {
	PriceAt(ts time.Time) (float64, bool)
}

// ScannerConfig configures window discovery
type ScannerConfig struct {
	Asset        string
	SlugPrefix   string
	Window       time.Duration
	BaseURL      string
	ResolveGrace time.Duration // wait after close before falling back to the price source
}

// DefaultScannerConfig returns the BTC 15-minute scanner
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Asset:        "BTC",
		SlugPrefix:   "btc-updown-15m",
		Window:       15 * time.Minute,
		BaseURL:      polymarketAPI,
		ResolveGrace: 5 * time.Second,
	}
}

// WindowScanner implements market discovery and resolution against gamma
type WindowScanner struct {
	cfg    ScannerConfig
	client *http.Client
	prices PriceSource
	clock  func() time.Time

	mu      sync.RWMutex
	windows map[string]*types.Market // by market id
}

// NewWindowScanner creates a new scanner. prices may be nil.
func NewWindowScanner(cfg ScannerConfig, prices PriceSource) *WindowScanner {
	return &WindowScanner{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		prices:  prices,
		clock:   time.Now,
		windows: make(map[string]*types.Market),
	}
}

// WindowStart returns the start of the window containing now
func (s *WindowScanner) WindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(s.cfg.Window)
}

// Slug returns the gamma slug for a window start
func (s *WindowScanner) Slug(start time.Time) string {
	return fmt.Sprintf("%s-%d", s.cfg.SlugPrefix, start.Unix())
}

// Current returns the active window with fresh outcome prices
func (s *WindowScanner) Current(ctx context.Context) (*types.Market, error) {
	now := s.clock()
	start := s.WindowStart(now)

	gm, err := s.fetch(ctx, s.Slug(start))
	if err != nil {
		return nil, err
	}
	m, err := gm.toMarket(s.cfg.Asset)
	if err != nil {
		return nil, err
	}
	if m.StartTime.IsZero() {
		m.StartTime = start
	}
	if m.ResolutionTime.IsZero() {
		m.ResolutionTime = start.Add(s.cfg.Window)
	}
	m.UpdatedAt = now

	s.mu.Lock()
	if prev, ok := s.windows[m.ID]; ok && prev.ReferencePrice > 0 {
		m.ReferencePrice = prev.ReferencePrice
	} else {
		if s.prices != nil {
			if px, ok := s.prices.PriceAt(m.StartTime); ok {
				m.ReferencePrice = px
			}
		}
		if !ok {
			log.Info().
				Str("slug", m.Slug).
				Str("up", m.UpPrice.StringFixed(2)).
				Str("down", m.DownPrice.StringFixed(2)).
				Dur("remaining", m.TimeRemaining(now).Round(time.Second)).
				Msg("🎯 New window detected")
		}
	}
	s.windows[m.ID] = m
	s.cleanupLocked(now)
	s.mu.Unlock()

	out := *m
	return &out, nil
}

// Outcome resolves a finished window
func (s *WindowScanner) Outcome(ctx context.Context, m *types.Market) (types.Side, error) {
	now := s.clock()
	if now.Before(m.ResolutionTime) {
		return "", types.ErrOutcomePending
	}

	if gm, err := s.fetch(ctx, m.Slug); err == nil {
		if side, ok := gm.settled(); ok {
			return side, nil
		}
	} else {
		log.Debug().Err(err).Str("slug", m.Slug).Msg("Gamma outcome lookup failed")
	}

	if s.prices == nil || now.Before(m.ResolutionTime.Add(s.cfg.ResolveGrace)) {
		return "", types.ErrOutcomePending
	}

	ref := m.ReferencePrice
	if ref <= 0 {
		s.mu.RLock()
		if cached, ok := s.windows[m.ID]; ok {
			ref = cached.ReferencePrice
		}
		s.mu.RUnlock()
	}
	if ref <= 0 {
		px, ok := s.prices.PriceAt(m.StartTime)
		if !ok {
			return "", types.ErrOutcomePending
		}
		ref = px
	}
	end, ok := s.prices.PriceAt(m.ResolutionTime)
	if !ok {
		return "", types.ErrOutcomePending
	}

	if end >= ref {
		return types.SideUp, nil
	}
	return types.SideDown, nil
}

// cleanupLocked drops windows that closed more than one window ago
func (s *WindowScanner) cleanupLocked(now time.Time) {
	for id, w := range s.windows {
		if now.Sub(w.ResolutionTime) > s.cfg.Window {
			delete(s.windows, id)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// GAMMA API
// ═══════════════════════════════════════════════════════════════════════════════

type gammaMarket struct {
	ID            string `json:"id"`
	ConditionID   string `json:"conditionId"`
	Question      string `json:"question"`
	Slug          string `json:"slug"`
	StartDate     string `json:"eventStartTime"`
	EndDate       string `json:"endDate"`
	Outcomes      string `json:"outcomes"`      // "[\"Up\", \"Down\"]"
	OutcomePrices string `json:"outcomePrices"` // "[\"0.52\", \"0.48\"]"
	ClobTokenIDs  string `json:"clobTokenIds"`  // "[\"123\", \"456\"]"
	Closed        bool   `json:"closed"`
}

func (s *WindowScanner) fetch(ctx context.Context, slug string) (*gammaMarket, error) {
	endpoint := fmt.Sprintf("%s/markets?slug=%s", strings.TrimRight(s.cfg.BaseURL, "/"), url.QueryEscape(slug))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gamma request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gamma read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gamma status %d: %s", resp.StatusCode, string(body))
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("gamma decode: %w", err)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrWindowNotFound, slug)
	}
	return &markets[0], nil
}

func (g *gammaMarket) toMarket(asset string) (*types.Market, error) {
	outcomes, prices, tokens, err := g.decodeLists()
	if err != nil {
		return nil, err
	}

	m := &types.Market{
		ID:       g.ConditionID,
		Slug:     g.Slug,
		Asset:    asset,
		Question: g.Question,
	}
	if m.ID == "" {
		m.ID = g.ID
	}
	if t, err := time.Parse(time.RFC3339, g.EndDate); err == nil {
		m.ResolutionTime = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, g.StartDate); err == nil {
		m.StartTime = t.UTC()
	}

	for i, name := range outcomes {
		price, err := decimal.NewFromString(prices[i])
		if err != nil {
			return nil, fmt.Errorf("gamma price %q: %w", prices[i], err)
		}
		switch strings.ToUpper(name) {
		case "UP":
			m.UpPrice, m.UpTokenID = price, tokens[i]
		case "DOWN":
			m.DownPrice, m.DownTokenID = price, tokens[i]
		}
	}
	if m.UpTokenID == "" || m.DownTokenID == "" {
		return nil, fmt.Errorf("gamma market %s: missing Up/Down outcomes %v", g.Slug, outcomes)
	}
	return m, nil
}

// settled reports the winning side once gamma has closed the market
func (g *gammaMarket) settled() (types.Side, bool) {
	if !g.Closed {
		return "", false
	}
	outcomes, prices, _, err := g.decodeLists()
	if err != nil {
		return "", false
	}
	for i, name := range outcomes {
		p, err := decimal.NewFromString(prices[i])
		if err != nil || p.LessThan(decimal.NewFromFloat(0.99)) {
			continue
		}
		switch strings.ToUpper(name) {
		case "UP":
			return types.SideUp, true
		case "DOWN":
			return types.SideDown, true
		}
	}
	return "", false
}

func (g *gammaMarket) decodeLists() (outcomes, prices, tokens []string, err error) {
	if err = json.Unmarshal([]byte(g.Outcomes), &outcomes); err != nil {
		return nil, nil, nil, fmt.Errorf("gamma outcomes: %w", err)
	}
	if err = json.Unmarshal([]byte(g.OutcomePrices), &prices); err != nil {
		return nil, nil, nil, fmt.Errorf("gamma outcome prices: %w", err)
	}
	if err = json.Unmarshal([]byte(g.ClobTokenIDs), &tokens); err != nil {
		return nil, nil, nil, fmt.Errorf("gamma token ids: %w", err)
	}
	if len(prices) != len(outcomes) || len(tokens) != len(outcomes) {
		return nil, nil, nil, fmt.Errorf("gamma market %s: mismatched outcome lists", g.Slug)
	}
	return outcomes, prices, tokens, nil
}
