package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/performance"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Append-only persistence sink
// ═══════════════════════════════════════════════════════════════════════════════
//
//   postgres://… or postgresql://…  → PostgreSQL
//   anything else                    → SQLite file (":memory:" for tests)
//
// Positions are upserted by id; everything else is insert-only.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Database is the gorm-backed recorder
type Database struct {
	db *gorm.DB
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRecord is one full or partial close
type TradeRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	PositionID   string `gorm:"index"`
	StrategyID   string `gorm:"index"`
	MarketID     string `gorm:"index"`
	Side         string
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL          decimal.Decimal `gorm:"column:pnl;type:decimal(20,6)"`
	TotalPnL     decimal.Decimal `gorm:"column:total_pnl;type:decimal(20,6)"`
	Confidence   float64
	Regime       string
	Contributors string
	ExitReason   string
	Won          bool
	Partial      bool
	OpenedAt     time.Time
	ClosedAt     time.Time `gorm:"index"`
	HoldSeconds  int64
	CreatedAt    time.Time
}

// PositionRecord mirrors a ledger position
type PositionRecord struct {
	ID           string `gorm:"primaryKey"`
	StrategyID   string `gorm:"index"`
	MarketID     string `gorm:"index"`
	TokenID      string
	Side         string
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,6)"`
	OriginalSize decimal.Decimal `gorm:"type:decimal(20,6)"`
	Confidence   float64
	Regime       string
	Contributors string
	Status       string          `gorm:"index"`
	RealizedPnL  decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	OpenedAt     time.Time
	ClosedAt     *time.Time
	UpdatedAt    time.Time
}

// SignalRecord is one strategy signal
type SignalRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	MarketID    string `gorm:"index"`
	StrategyID  string `gorm:"index"`
	Side        string
	Confidence  float64
	Weight      float64
	RegimeBoost float64
	Reason      string
	Features    string
	CreatedAt   time.Time `gorm:"index"`
}

// DecisionRecord is one aggregated decision
type DecisionRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	MarketID       string `gorm:"index"`
	Action         string
	Side           string
	Confidence     float64
	Strength       string
	AgreementCount int
	ConflictLevel  float64
	Considered     int
	Regime         string
	Reason         string
	Contributors   string
	EntryPrice     decimal.Decimal `gorm:"type:decimal(10,6)"`
	CreatedAt      time.Time       `gorm:"index"`
}

// PerformanceSnapshot is one strategy's summary at a point in time
type PerformanceSnapshot struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	StrategyID     string `gorm:"index"`
	Samples        int
	RollingWinRate float64
	RollingPnL     decimal.Decimal `gorm:"column:rolling_pnl;type:decimal(20,6)"`
	Weight         float64
	LifetimeTrades int
	LifetimeWins   int
	LifetimePnL    decimal.Decimal `gorm:"column:lifetime_pnl;type:decimal(20,6)"`
	CreatedAt      time.Time       `gorm:"index"`
}

// SessionSnapshot is the account state at a point in time
type SessionSnapshot struct {
	ID                uint            `gorm:"primaryKey;autoIncrement"`
	Day               string          `gorm:"index"`
	InitialBalance    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,6)"`
	PeakBalance       decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyPnL          decimal.Decimal `gorm:"column:daily_pnl;type:decimal(20,6)"`
	RealizedPnL       decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	MaxDrawdown       decimal.Decimal `gorm:"type:decimal(10,6)"`
	TradesExecuted    int
	Wins              int
	Losses            int
	ConsecutiveWins   int
	ConsecutiveLosses int
	TradingHalted     bool
	HaltReason        string
	CreatedAt         time.Time `gorm:"index"`
}

// New opens the database and migrates the schema
func New(dsn string) (*Database, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&TradeRecord{},
		&PositionRecord{},
		&SignalRecord{},
		&DecisionRecord{},
		&PerformanceSnapshot{},
		&SessionSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORDER
// ═══════════════════════════════════════════════════════════════════════════════

// RecordSignals stores one row per signal
func (d *Database) RecordSignals(ctx context.Context, marketID string, signals []types.Signal, ts time.Time) error {
	if len(signals) == 0 {
		return nil
	}
	rows := make([]SignalRecord, 0, len(signals))
	for _, s := range signals {
		features := "{}"
		if len(s.Features) > 0 {
			if b, err := json.Marshal(s.Features); err == nil {
				features = string(b)
			}
		}
		rows = append(rows, SignalRecord{
			MarketID:    marketID,
			StrategyID:  s.StrategyID,
			Side:        string(s.Side),
			Confidence:  s.Confidence,
			Weight:      s.Weight,
			RegimeBoost: s.RegimeBoost,
			Reason:      s.Reason,
			Features:    features,
			CreatedAt:   ts,
		})
	}
	return d.db.WithContext(ctx).Create(&rows).Error
}

// RecordDecision stores the cycle's aggregated decision
func (d *Database) RecordDecision(ctx context.Context, marketID string, decision types.Decision, ts time.Time) error {
	return d.db.WithContext(ctx).Create(&DecisionRecord{
		MarketID:       marketID,
		Action:         string(decision.Action),
		Side:           string(decision.Side),
		Confidence:     decision.Confidence,
		Strength:       string(decision.Strength),
		AgreementCount: decision.AgreementCount,
		ConflictLevel:  decision.ConflictLevel,
		Considered:     decision.Considered,
		Regime:         string(decision.Regime),
		Reason:         string(decision.Reason),
		Contributors:   strings.Join(decision.Contributors(), ","),
		EntryPrice:     decision.EntryPrice,
		CreatedAt:      ts,
	}).Error
}

// RecordPosition upserts a position
func (d *Database) RecordPosition(ctx context.Context, pos types.Position) error {
	rec := PositionRecord{
		ID:           pos.ID,
		StrategyID:   pos.StrategyID,
		MarketID:     pos.MarketID,
		TokenID:      pos.TokenID,
		Side:         string(pos.Side),
		EntryPrice:   pos.EntryPrice,
		Size:         pos.Size,
		OriginalSize: pos.OriginalSize,
		Confidence:   pos.Confidence,
		Regime:       string(pos.Regime),
		Contributors: strings.Join(pos.Contributors, ","),
		Status:       string(pos.Status),
		RealizedPnL:  pos.RealizedPnL,
		OpenedAt:     pos.OpenTime,
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// RecordTrade stores a close and, when final, marks the position closed
func (d *Database) RecordTrade(ctx context.Context, trade types.ClosedTrade) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := TradeRecord{
			PositionID:   trade.PositionID,
			StrategyID:   trade.StrategyID,
			MarketID:     trade.MarketID,
			Side:         string(trade.Side),
			EntryPrice:   trade.EntryPrice,
			ExitPrice:    trade.ExitPrice,
			Size:         trade.Size,
			PnL:          trade.PnL,
			TotalPnL:     trade.TotalPnL,
			Confidence:   trade.Confidence,
			Regime:       string(trade.Regime),
			Contributors: strings.Join(trade.Contributors, ","),
			ExitReason:   trade.ExitReason,
			Won:          trade.Won,
			Partial:      trade.Partial,
			OpenedAt:     trade.OpenTime,
			ClosedAt:     trade.CloseTime,
			HoldSeconds:  int64(trade.HoldTime / time.Second),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"size": gorm.Expr("size - ?", trade.Size)}
		if !trade.Partial {
			closedAt := trade.CloseTime
			updates = map[string]interface{}{
				"size":         decimal.Zero,
				"status":       string(types.StatusClosed),
				"realized_pnl": trade.TotalPnL,
				"closed_at":    &closedAt,
			}
		}
		return tx.Model(&PositionRecord{}).Where("id = ?", trade.PositionID).Updates(updates).Error
	})
}

// RecordPerformance stores one snapshot per strategy
func (d *Database) RecordPerformance(ctx context.Context, summaries []performance.Summary, ts time.Time) error {
	if len(summaries) == 0 {
		return nil
	}
	rows := make([]PerformanceSnapshot, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, PerformanceSnapshot{
			StrategyID:     s.StrategyID,
			Samples:        s.Samples,
			RollingWinRate: s.RollingWinRate,
			RollingPnL:     s.RollingPnL,
			Weight:         s.Weight,
			LifetimeTrades: s.LifetimeTrades,
			LifetimeWins:   s.LifetimeWins,
			LifetimePnL:    s.LifetimePnL,
			CreatedAt:      ts,
		})
	}
	return d.db.WithContext(ctx).Create(&rows).Error
}

// RecordSession stores an account snapshot
func (d *Database) RecordSession(ctx context.Context, state ledger.SessionState, ts time.Time) error {
	return d.db.WithContext(ctx).Create(&SessionSnapshot{
		Day:               state.Day,
		InitialBalance:    state.InitialBalance,
		Balance:           state.Balance,
		PeakBalance:       state.PeakBalance,
		DailyPnL:          state.DailyPnL,
		RealizedPnL:       state.RealizedPnL,
		MaxDrawdown:       state.MaxDrawdown,
		TradesExecuted:    state.TradesExecuted,
		Wins:              state.Wins,
		Losses:            state.Losses,
		ConsecutiveWins:   state.ConsecutiveWins,
		ConsecutiveLosses: state.ConsecutiveLosses,
		TradingHalted:     state.TradingHalted,
		HaltReason:        state.HaltReason,
		CreatedAt:         ts,
	}).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// RecentTrades returns the latest closes, newest first
func (d *Database) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.WithContext(ctx).Order("closed_at desc, id desc").Limit(limit).Find(&trades).Error
	return trades, err
}

// OpenPositions returns positions not yet closed
func (d *Database) OpenPositions(ctx context.Context) ([]PositionRecord, error) {
	var positions []PositionRecord
	err := d.db.WithContext(ctx).Where("status = ?", string(types.StatusOpen)).Order("opened_at").Find(&positions).Error
	return positions, err
}

// TotalPnL sums realized P/L over every close
func (d *Database) TotalPnL(ctx context.Context) (decimal.Decimal, error) {
	var trades []TradeRecord
	if err := d.db.WithContext(ctx).Select("pnl").Find(&trades).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.PnL)
	}
	return total, nil
}

// LatestSession returns the newest account snapshot, nil when none exists
func (d *Database) LatestSession(ctx context.Context) (*SessionSnapshot, error) {
	var s SessionSnapshot
	err := d.db.WithContext(ctx).Order("id desc").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CountDecisions returns how many decisions were recorded with an action
func (d *Database) CountDecisions(ctx context.Context, action types.Action) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&DecisionRecord{}).Where("action = ?", string(action)).Count(&n).Error
	return n, err
}
