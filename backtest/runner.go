package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polysignal/core"
	"github.com/web3guy0/polysignal/types"
)

// Result is the outcome of one replay
type Result struct {
	From    time.Time
	To      time.Time
	Candles int
	Cycles  int
	Skipped int
	Windows int
	Entries int
	Rejects map[types.RejectReason]int
	Report  core.FinalReport
}

// String renders the result for the terminal
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backtest %s → %s: %d candles, %d windows, %d cycles (%d skipped), %d entries\n",
		r.From.Format(time.RFC3339), r.To.Format(time.RFC3339), r.Candles, r.Windows, r.Cycles, r.Skipped, r.Entries)
	reasons := make([]string, 0, len(r.Rejects))
	for reason := range r.Rejects {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(&b, "  rejected %-24s %d\n", reason, r.Rejects[types.RejectReason(reason)])
	}
	b.WriteString(r.Report.String())
	return b.String()
}

// Run replays candles through the full engine stack in paper mode.
// recorder may be nil.
func Run(ctx context.Context, settings core.Settings, cfg Config, candles []types.Candle, recorder core.Recorder) (*Result, error) {
	sim, err := NewSimulator(cfg, candles)
	if err != nil {
		return nil, err
	}

	settings.Engine.Live = false
	deps := core.Deps{
		Features: sim,
		Markets:  sim,
		Recorder: recorder,
		Clock:    sim.Now,
	}
	engine, err := core.Build(settings, deps, sim.Now())
	if err != nil {
		return nil, err
	}

	res := &Result{
		From:    sim.Now(),
		Candles: len(candles),
		Rejects: make(map[types.RejectReason]int),
	}
	log.Info().
		Str("asset", cfg.Asset).
		Int("candles", len(candles)).
		Time("from", res.From).
		Msg("⏪ Backtest started")

	for {
		if err := ctx.Err(); err != nil {
			break
		}
		report, err := engine.RunCycle(ctx)
		res.Cycles++
		switch {
		case err != nil:
			res.Skipped++
			log.Debug().Err(err).Time("at", sim.Now()).Msg("Backtest cycle skipped")
		case report.Entered != nil:
			res.Entries++
		case report.Reason != "":
			res.Rejects[report.Reason]++
		}
		if !sim.Advance() {
			break
		}
	}

	res.To = sim.Now()
	res.Windows = sim.Windows()
	// replay cancellation still produces the report
	res.Report, err = engine.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return res, ctx.Err()
}
