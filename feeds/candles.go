package feeds

import (
	"sync"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CANDLE BUFFER - Rolling OHLCV history
// ═══════════════════════════════════════════════════════════════════════════════

// CandleBuffer keeps the most recent candles ordered by open time
type CandleBuffer struct {
	mu       sync.RWMutex
	interval time.Duration
	maxSize  int
	candles  []types.Candle
	updated  time.Time
}

// NewCandleBuffer creates a buffer of fixed-interval candles
func NewCandleBuffer(interval time.Duration, maxSize int) *CandleBuffer {
	return &CandleBuffer{
		interval: interval,
		maxSize:  maxSize,
		candles:  make([]types.Candle, 0, maxSize),
	}
}

// Upsert adds a new candle or replaces the in-progress one with the same open time.
// Candles older than the newest one are ignored.
func (b *CandleBuffer) Upsert(c types.Candle, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.candles)
	switch {
	case n == 0 || c.OpenTime.After(b.candles[n-1].OpenTime):
		b.candles = append(b.candles, c)
		if len(b.candles) > b.maxSize {
			b.candles = b.candles[len(b.candles)-b.maxSize:]
		}
	case c.OpenTime.Equal(b.candles[n-1].OpenTime):
		b.candles[n-1] = c
	default:
		return
	}
	b.updated = now
}

// Snapshot returns a copy of the history
func (b *CandleBuffer) Snapshot() []types.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]types.Candle(nil), b.candles...)
}

// Len returns the number of buffered candles
func (b *CandleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.candles)
}

// LastUpdate returns when the buffer last changed
func (b *CandleBuffer) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// PriceAt returns the price at ts: the open of the candle starting exactly at
// ts, otherwise the close of the candle containing ts
func (b *CandleBuffer) PriceAt(ts time.Time) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := len(b.candles) - 1; i >= 0; i-- {
		c := b.candles[i]
		if c.OpenTime.Equal(ts) {
			return c.Open, true
		}
		if c.OpenTime.Before(ts) && ts.Before(c.OpenTime.Add(b.interval)) {
			return c.Close, true
		}
		if c.OpenTime.Before(ts) {
			break
		}
	}
	return 0, false
}
