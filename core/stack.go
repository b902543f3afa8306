package core

import (
	"fmt"
	"time"

	"github.com/web3guy0/polysignal/ledger"
	"github.com/web3guy0/polysignal/performance"
	"github.com/web3guy0/polysignal/risk"
	"github.com/web3guy0/polysignal/strategy"
)

// Settings bundles every component config of the engine stack
type Settings struct {
	Engine      EngineConfig
	Ledger      ledger.Config
	Risk        risk.Config
	Exits       risk.ExitConfig
	Performance performance.Config
	Aggregator  AggregatorConfig
	Regimes     RegimeTable
	Strategies  []string
	Strategy    strategy.Config
}

// DefaultSettings returns the paper-trading stack with every strategy enabled
func DefaultSettings() Settings {
	return Settings{
		Engine:      DefaultEngineConfig(),
		Ledger:      ledger.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
		Exits:       risk.DefaultExitConfig(),
		Performance: performance.DefaultConfig(),
		Aggregator:  DefaultAggregatorConfig(),
		Regimes:     DefaultRegimeTable(),
		Strategies:  strategy.Names(),
		Strategy:    strategy.DefaultConfig(),
	}
}

// Validate checks every component config
func (s Settings) Validate() error {
	checks := []struct {
		name string
		err  error
	}{
		{"engine", s.Engine.Validate()},
		{"ledger", s.Ledger.Validate()},
		{"risk", s.Risk.Validate()},
		{"exits", s.Exits.Validate()},
		{"performance", s.Performance.Validate()},
		{"aggregator", s.Aggregator.Validate()},
		{"regimes", s.Regimes.Validate()},
	}
	for _, c := range checks {
		if c.err != nil {
			return fmt.Errorf("%s: %w", c.name, c.err)
		}
	}
	return nil
}

// Build assembles the engine stack around the I/O collaborators in deps.
// Component fields already set in deps are kept.
func Build(s Settings, deps Deps, start time.Time) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var err error
	if deps.Strategies == nil {
		if deps.Strategies, err = strategy.Build(s.Strategies, s.Strategy); err != nil {
			return nil, err
		}
	}
	if deps.Router == nil {
		if deps.Router, err = NewRegimeRouter(s.Regimes); err != nil {
			return nil, err
		}
	}
	if deps.Tracker == nil {
		if deps.Tracker, err = performance.NewTracker(s.Performance); err != nil {
			return nil, err
		}
	}
	if deps.Aggregator == nil {
		if deps.Aggregator, err = NewAggregator(s.Aggregator, deps.Router, deps.Tracker); err != nil {
			return nil, err
		}
	}
	if deps.Ledger == nil {
		if deps.Ledger, err = ledger.New(s.Ledger, start); err != nil {
			return nil, err
		}
	}
	if deps.Risk == nil {
		if deps.Risk, err = risk.NewManager(s.Risk, deps.Ledger); err != nil {
			return nil, err
		}
	}
	if deps.Exits == nil {
		if deps.Exits, err = risk.NewPositionManager(s.Exits); err != nil {
			return nil, err
		}
	}

	return NewEngine(s.Engine, deps)
}
