package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownStrategy is returned for names with no implementation
var ErrUnknownStrategy = errors.New("unknown strategy")

// Config bundles the per-strategy settings
type Config struct {
	Momentum  MomentumConfig
	MACD      MACDConfig
	RSI       RSIConfig
	Bollinger BollingerConfig
	VWAP      VWAPConfig
}

// DefaultConfig returns defaults for every strategy
func DefaultConfig() Config {
	return Config{
		Momentum:  DefaultMomentumConfig(),
		MACD:      DefaultMACDConfig(),
		RSI:       DefaultRSIConfig(),
		Bollinger: DefaultBollingerConfig(),
		VWAP:      DefaultVWAPConfig(),
	}
}

// WithCooldown sets the same cooldown on every strategy
func (c Config) WithCooldown(d time.Duration) Config {
	c.Momentum.Cooldown = d
	c.MACD.Cooldown = d
	c.RSI.Cooldown = d
	c.Bollinger.Cooldown = d
	c.VWAP.Cooldown = d
	return c
}

// Names lists every available strategy
func Names() []string {
	return []string{"MOMENTUM", "MACD", "RSI", "BOLLINGER", "VWAP"}
}

// Build instantiates the named strategies in order
func Build(names []string, cfg Config) ([]Strategy, error) {
	seen := make(map[string]bool)
	out := make([]Strategy, 0, len(names))

	for _, raw := range names {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "MOMENTUM":
			out = append(out, NewMomentum(cfg.Momentum))
		case "MACD":
			out = append(out, NewMACD(cfg.MACD))
		case "RSI":
			out = append(out, NewRSI(cfg.RSI))
		case "BOLLINGER":
			out = append(out, NewBollinger(cfg.Bollinger))
		case "VWAP":
			out = append(out, NewVWAP(cfg.VWAP))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, raw)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no strategies enabled", ErrUnknownStrategy)
	}
	return out, nil
}
