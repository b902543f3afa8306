package core

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/web3guy0/polysignal/strategy"
	"github.com/web3guy0/polysignal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes strategies by market regime
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per regime:
//   disabled         never eligible (beats enabled)
//   enabled          if non-empty, only these are eligible
//   confidence_boost added to a strategy's confidence
//   size_multiplier  applied to every entry in this regime
//
// Regimes missing from the table leave every strategy eligible, unboosted, at
// full size.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidRegimeTable is returned by Validate and LoadRegimeTable
var ErrInvalidRegimeTable = errors.New("invalid regime table")

// RegimeRule is one row of the routing table
type RegimeRule struct {
	Enabled         []string           `yaml:"enabled"`
	Disabled        []string           `yaml:"disabled"`
	ConfidenceBoost map[string]float64 `yaml:"confidence_boost"`
	SizeMultiplier  float64            `yaml:"size_multiplier"`
}

// RegimeTable maps each regime to its rule
type RegimeTable map[types.Regime]RegimeRule

// DefaultRegimeTable returns the built-in routing table
func DefaultRegimeTable() RegimeTable {
	return RegimeTable{
		types.RegimeTrendUp: {
			Disabled:        []string{"RSI"},
			ConfidenceBoost: map[string]float64{"MOMENTUM": 0.05},
			SizeMultiplier:  1.0,
		},
		types.RegimeTrendDown: {
			Disabled:        []string{"RSI"},
			ConfidenceBoost: map[string]float64{"MOMENTUM": 0.05},
			SizeMultiplier:  1.0,
		},
		types.RegimeRange: {
			Disabled:        []string{"MOMENTUM"},
			ConfidenceBoost: map[string]float64{"RSI": 0.05, "VWAP": 0.03},
			SizeMultiplier:  0.8,
		},
		types.RegimeChop: {
			Enabled:         []string{"RSI", "BOLLINGER"},
			ConfidenceBoost: map[string]float64{},
			SizeMultiplier:  0.5,
		},
	}
}

// LoadRegimeTable reads a YAML table keyed by regime name. A rule that omits
// size_multiplier trades at full size.
func LoadRegimeTable(path string) (RegimeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regime table: %w", err)
	}

	var raw map[string]struct {
		Enabled         []string           `yaml:"enabled"`
		Disabled        []string           `yaml:"disabled"`
		ConfidenceBoost map[string]float64 `yaml:"confidence_boost"`
		SizeMultiplier  *float64           `yaml:"size_multiplier"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegimeTable, err)
	}

	table := make(RegimeTable, len(raw))
	for name, r := range raw {
		rule := RegimeRule{
			Enabled:         r.Enabled,
			Disabled:        r.Disabled,
			ConfidenceBoost: r.ConfidenceBoost,
			SizeMultiplier:  1.0,
		}
		if r.SizeMultiplier != nil {
			rule.SizeMultiplier = *r.SizeMultiplier
		}
		table[types.Regime(name)] = rule
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks regime names, boosts and multipliers
func (t RegimeTable) Validate() error {
	for regime, rule := range t {
		if !regime.Valid() {
			return fmt.Errorf("%w: unknown regime %q", ErrInvalidRegimeTable, regime)
		}
		if rule.SizeMultiplier < 0 || rule.SizeMultiplier > 2 {
			return fmt.Errorf("%w: %s size multiplier %.2f outside [0,2]", ErrInvalidRegimeTable, regime, rule.SizeMultiplier)
		}
		for name, boost := range rule.ConfidenceBoost {
			if boost < -1 || boost > 1 {
				return fmt.Errorf("%w: %s boost for %s %.2f outside [-1,1]", ErrInvalidRegimeTable, regime, name, boost)
			}
		}
	}
	return nil
}

// Route is the routing result for one cycle
type Route struct {
	Regime         types.Regime
	Eligible       []strategy.Strategy
	Boosts         map[string]float64
	SizeMultiplier float64
}

// RegimeRouter applies the routing table
type RegimeRouter struct {
	mu    sync.RWMutex
	table RegimeTable
}

// NewRegimeRouter creates a router over a validated table
func NewRegimeRouter(table RegimeTable) (*RegimeRouter, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &RegimeRouter{table: table}, nil
}

// Route filters strategies for a regime and returns boosts and size multiplier
func (r *RegimeRouter) Route(regime types.Regime, strategies []strategy.Strategy) Route {
	out := Route{
		Regime:         regime,
		Boosts:         make(map[string]float64),
		SizeMultiplier: r.SizeMultiplier(regime),
	}

	for _, strat := range strategies {
		name := strat.Name()
		if !r.IsEligible(regime, name) {
			continue
		}
		out.Eligible = append(out.Eligible, strat)
		out.Boosts[name] = r.Boost(regime, name)
	}

	return out
}

// IsEligible applies the disable/enable rules for one strategy
func (r *RegimeRouter) IsEligible(regime types.Regime, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.table[regime]
	if !ok {
		return true
	}
	if contains(rule.Disabled, name) {
		return false
	}
	if len(rule.Enabled) > 0 {
		return contains(rule.Enabled, name)
	}
	return true
}

// Boost returns the confidence adjustment for a strategy in a regime
func (r *RegimeRouter) Boost(regime types.Regime, name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table[regime].ConfidenceBoost[name]
}

// SizeMultiplier returns the regime's global size multiplier
func (r *RegimeRouter) SizeMultiplier(regime types.Regime) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.table[regime]
	if !ok {
		return 1.0
	}
	return rule.SizeMultiplier
}

// Regimes lists the configured regimes
func (r *RegimeRouter) Regimes() []types.Regime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Regime, 0, len(r.table))
	for regime := range r.table {
		out = append(out, regime)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}
