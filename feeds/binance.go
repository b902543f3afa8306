package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE KLINE FEED - Candle history for the underlying asset
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Bootstrap: REST /api/v3/klines fills the buffer
//   Stream:    <symbol>@kline_<interval> websocket upserts the live candle
//
// Features() builds the cycle's snapshot from the buffer and refuses stale data.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	binanceRESTURL = "https://api.binance.com/api/v3/klines"
	binanceWSURL   = "wss://stream.binance.com:9443/ws"
)

// ErrStaleFeed is returned when the stream stopped delivering candles
var ErrStaleFeed = errors.New("price feed stale")

// KlineConfig configures the kline feed
type KlineConfig struct {
	Asset             string
	Symbol            string
	Interval          string
	History           int
	StaleAfter        time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ReadTimeout       time.Duration
	RESTURL           string
	WSURL             string
}

// DefaultKlineConfig returns the BTC 1m feed
func DefaultKlineConfig() KlineConfig {
	return KlineConfig{
		Asset:             "BTC",
		Symbol:            "BTCUSDT",
		Interval:          "1m",
		History:           120,
		StaleAfter:        90 * time.Second,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: time.Minute,
		ReadTimeout:       60 * time.Second,
		RESTURL:           binanceRESTURL,
		WSURL:             binanceWSURL,
	}
}

// intervalDuration maps a Binance interval string to a duration
func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	}
	return 0, fmt.Errorf("unsupported kline interval %q", interval)
}

// KlineFeed streams candles and serves features
type KlineFeed struct {
	cfg     KlineConfig
	buffer  *CandleBuffer
	builder *FeatureBuilder
	client  *http.Client
	clock   func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewKlineFeed creates a feed; call Start to bootstrap and stream
func NewKlineFeed(cfg KlineConfig, builder *FeatureBuilder) (*KlineFeed, error) {
	interval, err := intervalDuration(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if cfg.Symbol == "" || cfg.History < 1 {
		return nil, fmt.Errorf("kline feed needs a symbol and history > 0")
	}
	if builder == nil {
		return nil, fmt.Errorf("kline feed needs a feature builder")
	}
	return &KlineFeed{
		cfg:     cfg,
		buffer:  NewCandleBuffer(interval, cfg.History),
		builder: builder,
		client:  &http.Client{Timeout: 10 * time.Second},
		clock:   time.Now,
	}, nil
}

// Buffer exposes the candle history
func (f *KlineFeed) Buffer() *CandleBuffer {
	return f.buffer
}

// PriceAt returns the underlying price at ts if it is buffered
func (f *KlineFeed) PriceAt(ts time.Time) (float64, bool) {
	return f.buffer.PriceAt(ts)
}

// Features builds the snapshot for the current cycle
func (f *KlineFeed) Features(_ context.Context, _ *types.Market) (*types.Features, error) {
	if last := f.buffer.LastUpdate(); f.cfg.StaleAfter > 0 && f.clock().Sub(last) > f.cfg.StaleAfter {
		return nil, fmt.Errorf("%w: last candle update %s ago", ErrStaleFeed, f.clock().Sub(last).Round(time.Second))
	}
	return f.builder.Build(f.cfg.Asset, f.buffer.Snapshot())
}

// Start bootstraps the history and launches the stream
func (f *KlineFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	if err := f.Bootstrap(ctx); err != nil {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	go f.streamLoop(streamCtx)

	log.Info().
		Str("symbol", f.cfg.Symbol).
		Str("interval", f.cfg.Interval).
		Int("candles", f.buffer.Len()).
		Msg("📈 Binance kline feed started")
	return nil
}

// Stop closes the stream and waits for it to exit
func (f *KlineFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	log.Info().Msg("Binance kline feed stopped")
}

// Bootstrap fills the buffer from the REST endpoint
func (f *KlineFeed) Bootstrap(ctx context.Context) error {
	url := fmt.Sprintf("%s?symbol=%s&interval=%s&limit=%d", f.cfg.RESTURL, f.cfg.Symbol, f.cfg.Interval, f.cfg.History)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read klines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch klines: status %d: %s", resp.StatusCode, string(body))
	}

	candles, err := parseRESTKlines(body)
	if err != nil {
		return err
	}
	now := f.clock()
	for _, c := range candles {
		f.buffer.Upsert(c, now)
	}
	return nil
}

// streamLoop keeps a websocket open, reconnecting with backoff
func (f *KlineFeed) streamLoop(ctx context.Context) {
	defer close(f.done)

	delay := f.cfg.ReconnectDelay
	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Kline stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// stream reads one websocket session until it fails or ctx ends
func (f *KlineFeed) stream(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s@kline_%s", strings.TrimRight(f.cfg.WSURL, "/"), strings.ToLower(f.cfg.Symbol), f.cfg.Interval)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	log.Debug().Str("url", url).Msg("Kline stream connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		candle, err := parseKlineEvent(msg)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping kline message")
			continue
		}
		f.buffer.Upsert(candle, f.clock())
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PARSING
// ═══════════════════════════════════════════════════════════════════════════════

type klineEvent struct {
	Event string `json:"e"`
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func parseKlineEvent(data []byte) (types.Candle, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Candle{}, err
	}
	if ev.Event != "kline" {
		return types.Candle{}, fmt.Errorf("unexpected event %q", ev.Event)
	}
	k := ev.Kline
	return candleFromStrings(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume)
}

// parseRESTKlines decodes [[openTime, "o", "h", "l", "c", "v", ...], ...]
func parseRESTKlines(data []byte) ([]types.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row %d: %d fields", i, len(row))
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("kline row %d open time: %w", i, err)
		}
		fields := make([]string, 5)
		for j := range fields {
			if err := json.Unmarshal(row[j+1], &fields[j]); err != nil {
				return nil, fmt.Errorf("kline row %d field %d: %w", i, j+1, err)
			}
		}
		c, err := candleFromStrings(openTime, fields[0], fields[1], fields[2], fields[3], fields[4])
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func candleFromStrings(openMillis int64, o, h, l, c, v string) (types.Candle, error) {
	vals := make([]float64, 5)
	for i, s := range []string{o, h, l, c, v} {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return types.Candle{}, fmt.Errorf("parse %q: %w", s, err)
		}
		vals[i] = x
	}
	return types.Candle{
		OpenTime: time.UnixMilli(openMillis).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
