package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/web3guy0/polysignal/storage"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES - Recorded history from DATABASE_URL
// ═══════════════════════════════════════════════════════════════════════════════

func runTrades(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("trades needs DATABASE_URL")
	}

	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	return writeTradeHistory(c.Context, os.Stdout, db, c.Int("limit"))
}

// writeTradeHistory prints the latest closes followed by lifetime totals and
// any position the database still holds open
func writeTradeHistory(ctx context.Context, w io.Writer, db *storage.Database, limit int) error {
	trades, err := db.RecentTrades(ctx, limit)
	if err != nil {
		return fmt.Errorf("recent trades: %w", err)
	}
	total, err := db.TotalPnL(ctx)
	if err != nil {
		return fmt.Errorf("total pnl: %w", err)
	}
	entered, err := db.CountDecisions(ctx, types.ActionEnter)
	if err != nil {
		return fmt.Errorf("count decisions: %w", err)
	}
	skipped, err := db.CountDecisions(ctx, types.ActionNoTrade)
	if err != nil {
		return fmt.Errorf("count decisions: %w", err)
	}
	open, err := db.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("open positions: %w", err)
	}
	session, err := db.LatestSession(ctx)
	if err != nil {
		return fmt.Errorf("latest session: %w", err)
	}

	if len(trades) == 0 {
		fmt.Fprintln(w, "No trades recorded")
	}
	for _, t := range trades {
		kind := "final"
		if t.Partial {
			kind = "partial"
		}
		fmt.Fprintf(w, "%s  %-4s %s  %s → %s  $%s  pnl $%s  %s (%s)  [%s]\n",
			t.ClosedAt.UTC().Format("2006-01-02 15:04"), t.Side, t.MarketID,
			t.EntryPrice.StringFixed(2), t.ExitPrice.StringFixed(2), t.Size.StringFixed(2),
			t.PnL.StringFixed(2), t.ExitReason, kind, t.Contributors)
	}

	fmt.Fprintf(w, "\nLifetime P/L: $%s\n", total.StringFixed(2))
	fmt.Fprintf(w, "Decisions: %d entered, %d skipped\n", entered, skipped)
	if session != nil {
		fmt.Fprintf(w, "Last session %s: balance $%s, W%d/L%d\n",
			session.Day, session.Balance.StringFixed(2), session.Wins, session.Losses)
	}
	if len(open) > 0 {
		ids := make([]string, len(open))
		for i, p := range open {
			ids[i] = p.ID
		}
		fmt.Fprintf(w, "Still open: %s\n", strings.Join(ids, ", "))
	}
	return nil
}
