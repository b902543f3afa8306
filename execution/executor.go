package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/exec"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION LAYER - Order lifecycle around the CLOB client
// ═══════════════════════════════════════════════════════════════════════════════
//
//   Engine → Executor → exec.Client → CLOB
//                ↓
//         PENDING → SUBMITTED
//                 → FAILED     (auth, funds, rejection, retries exhausted)
//
// Only network errors are retried. Every attempt is kept in the order log.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderState is the lifecycle state of an order
type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"
	OrderStateSubmitted OrderState = "SUBMITTED"
	OrderStateFailed    OrderState = "FAILED"
)

// Placer submits one order to the exchange
type Placer interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error)
}

// Order is one entry in the executor's order log
type Order struct {
	ClientID   string
	ExchangeID string
	TokenID    string
	Side       types.Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	State      OrderState
	Attempts   int
	SubmitTime time.Time
	AckTime    time.Time
	ErrorMsg   string
}

// ExecutorConfig holds executor settings
type ExecutorConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
	HistorySize  int
}

// DefaultExecutorConfig returns sensible defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:   2,
		RetryBackoff: 100 * time.Millisecond,
		HistorySize:  500,
	}
}

// Stats are lifetime order counters
type Stats struct {
	Total       int64
	Submitted   int64
	Failed      int64
	Retries     int64
	TotalVolume decimal.Decimal
}

// Executor manages order submission and keeps the order log
type Executor struct {
	mu     sync.RWMutex
	config ExecutorConfig
	placer Placer

	orders map[string]*Order
	stats  Stats
}

// NewExecutor creates a new execution manager
func NewExecutor(placer Placer, config ExecutorConfig) (*Executor, error) {
	if placer == nil {
		return nil, fmt.Errorf("executor needs an order placer")
	}
	if config.MaxRetries < 0 || config.RetryBackoff < 0 {
		return nil, fmt.Errorf("executor retries and backoff must be >= 0")
	}

	log.Info().
		Int("max_retries", config.MaxRetries).
		Dur("retry_backoff", config.RetryBackoff).
		Msg("⚡ Executor initialized")

	return &Executor{
		config: config,
		placer: placer,
		orders: make(map[string]*Order),
		stats:  Stats{TotalVolume: decimal.Zero},
	}, nil
}

// PlaceOrder submits req, retrying network failures with linear backoff
func (e *Executor) PlaceOrder(ctx context.Context, req types.OrderRequest) (string, error) {
	order := &Order{
		ClientID:   "PS_" + uuid.NewString(),
		TokenID:    req.TokenID,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		State:      OrderStatePending,
		SubmitTime: time.Now(),
	}

	e.mu.Lock()
	e.orders[order.ClientID] = order
	e.stats.Total++
	e.trimLocked()
	e.mu.Unlock()

	log.Info().
		Str("client_id", order.ClientID).
		Str("side", string(req.Side)).
		Str("price", req.Price.StringFixed(4)).
		Str("size", req.Size.StringFixed(2)).
		Msg("📤 Order submitted")

	var (
		orderID string
		err     error
	)
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		orderID, err = e.placer.PlaceOrder(ctx, req)

		e.mu.Lock()
		order.Attempts = attempt + 1
		if attempt > 0 {
			e.stats.Retries++
		}
		e.mu.Unlock()

		if err == nil || !errors.Is(err, exec.ErrNetwork) || attempt == e.config.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("client_id", order.ClientID).
			Msg("⚠️ Order submission failed, retrying...")

		select {
		case <-ctx.Done():
			err = fmt.Errorf("%w: %v", exec.ErrNetwork, ctx.Err())
			attempt = e.config.MaxRetries
		case <-time.After(time.Duration(attempt+1) * e.config.RetryBackoff):
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		order.State = OrderStateFailed
		order.ErrorMsg = err.Error()
		e.stats.Failed++

		log.Error().
			Err(err).
			Str("client_id", order.ClientID).
			Int("attempts", order.Attempts).
			Msg("❌ Order failed")

		return "", fmt.Errorf("order %s failed: %w", order.ClientID, err)
	}

	order.ExchangeID = orderID
	order.AckTime = time.Now()
	order.State = OrderStateSubmitted
	e.stats.Submitted++
	e.stats.TotalVolume = e.stats.TotalVolume.Add(req.Size)

	return orderID, nil
}

// Orders returns the order log, oldest first
func (e *Executor) Orders() []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmitTime.Before(out[j].SubmitTime) })
	return out
}

// Stats returns the lifetime counters
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// trimLocked drops the oldest finished orders beyond the history size
func (e *Executor) trimLocked() {
	if e.config.HistorySize <= 0 || len(e.orders) <= e.config.HistorySize {
		return
	}
	var oldest *Order
	for _, o := range e.orders {
		if o.State == OrderStatePending {
			continue
		}
		if oldest == nil || o.SubmitTime.Before(oldest.SubmitTime) {
			oldest = o
		}
	}
	if oldest != nil {
		delete(e.orders, oldest.ClientID)
	}
}
