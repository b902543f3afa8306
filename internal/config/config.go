package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polysignal/bot"
	"github.com/web3guy0/polysignal/core"
	"github.com/web3guy0/polysignal/exec"
	"github.com/web3guy0/polysignal/execution"
	"github.com/web3guy0/polysignal/feeds"
)

// ErrInvalid is returned when the environment describes an unusable setup
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for the process
type Config struct {
	Debug bool
	Live  bool

	Settings   core.Settings
	Indicators feeds.IndicatorConfig
	Regime     feeds.RegimeConfig
	Kline      feeds.KlineConfig
	Scanner    feeds.ScannerConfig
	Exec       exec.Config
	Executor   execution.ExecutorConfig

	// Telegram is enabled when both token and chat id are set
	Telegram bot.Config

	// Database is disabled when empty; postgres:// URLs select PostgreSQL
	DatabaseURL string

	RegimeTablePath  string
	StrategyCooldown time.Duration
}

// Load reads .env (if present) and the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Could not read .env")
	}
	return FromEnv()
}

// FromEnv builds the config from the current environment
func FromEnv() (*Config, error) {
	s := core.DefaultSettings()

	// Engine
	s.Engine.PollInterval = getEnvDuration("POLL_INTERVAL", s.Engine.PollInterval)
	s.Engine.MinTimeToEnter = getEnvDuration("MIN_TIME_TO_ENTER", s.Engine.MinTimeToEnter)
	s.Engine.MinEntryPrice = getEnvDecimal("MIN_ENTRY_PRICE", s.Engine.MinEntryPrice)
	s.Engine.MaxEntryPrice = getEnvDecimal("MAX_ENTRY_PRICE", s.Engine.MaxEntryPrice)

	// Ledger / sizing
	s.Ledger.InitialBalance = getEnvDecimal("INITIAL_BALANCE", s.Ledger.InitialBalance)
	s.Ledger.MinRiskPercent = getEnvDecimal("MIN_RISK_PERCENT", s.Ledger.MinRiskPercent)
	s.Ledger.MaxRiskPercent = getEnvDecimal("MAX_RISK_PERCENT", s.Ledger.MaxRiskPercent)
	s.Ledger.MinBet = getEnvDecimal("MIN_BET", s.Ledger.MinBet)
	s.Ledger.MaxSinglePositionFraction = getEnvDecimal("MAX_POSITION_FRACTION", s.Ledger.MaxSinglePositionFraction)
	s.Ledger.MaxTotalExposureFraction = getEnvDecimal("MAX_EXPOSURE_FRACTION", s.Ledger.MaxTotalExposureFraction)

	// Risk
	s.Risk.DailyLossLimit = getEnvDecimal("DAILY_LOSS_LIMIT", s.Risk.DailyLossLimit)
	s.Risk.MaxDrawdownHalt = getEnvDecimal("MAX_DRAWDOWN_HALT", s.Risk.MaxDrawdownHalt)
	s.Risk.MaxConsecutiveLosses = getEnvInt("MAX_CONSECUTIVE_LOSSES", s.Risk.MaxConsecutiveLosses)
	s.Risk.CircuitCooldown = getEnvDuration("CIRCUIT_COOLDOWN", s.Risk.CircuitCooldown)
	s.Risk.MaxDailyTrades = getEnvInt("MAX_DAILY_TRADES", s.Risk.MaxDailyTrades)
	s.Risk.UseKelly = getEnvBool("USE_KELLY", s.Risk.UseKelly)
	s.Risk.KellyFraction = getEnvDecimal("KELLY_FRACTION", s.Risk.KellyFraction)
	s.Risk.MinBet = getEnvDecimal("MIN_BET", s.Risk.MinBet)
	s.Risk.MaxBet = getEnvDecimal("MAX_BET", s.Risk.MaxBet)

	// Exits
	s.Exits.TakeProfitMultiple = getEnvDecimal("TAKE_PROFIT_MULTIPLE", s.Exits.TakeProfitMultiple)
	s.Exits.StopLossFraction = getEnvDecimal("STOP_LOSS_FRACTION", s.Exits.StopLossFraction)

	// Aggregation
	s.Aggregator.MinSignalConfidence = getEnvFloat("MIN_SIGNAL_CONFIDENCE", s.Aggregator.MinSignalConfidence)
	s.Aggregator.MinStrategiesToTrade = getEnvInt("MIN_STRATEGIES_TO_TRADE", s.Aggregator.MinStrategiesToTrade)
	s.Aggregator.ConflictThreshold = getEnvFloat("CONFLICT_THRESHOLD", s.Aggregator.ConflictThreshold)

	// Performance weighting
	s.Performance.WindowSize = getEnvInt("PERFORMANCE_WINDOW", s.Performance.WindowSize)
	s.Performance.MinTradesForWeighting = getEnvInt("MIN_TRADES_FOR_WEIGHTING", s.Performance.MinTradesForWeighting)

	if names := getEnv("STRATEGIES", ""); names != "" {
		s.Strategies = strings.Split(names, ",")
	}

	cfg := &Config{
		Debug:            getEnvBool("DEBUG", false),
		Live:             getEnvBool("LIVE", false),
		Settings:         s,
		Indicators:       feeds.DefaultIndicatorConfig(),
		Regime:           feeds.DefaultRegimeConfig(),
		Kline:            feeds.DefaultKlineConfig(),
		Scanner:          feeds.DefaultScannerConfig(),
		Exec:             exec.DefaultConfig(),
		Executor:         execution.DefaultExecutorConfig(),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RegimeTablePath:  getEnv("REGIME_TABLE_PATH", ""),
		StrategyCooldown: getEnvDuration("STRATEGY_COOLDOWN", 0),
	}

	// Market data
	asset := strings.ToUpper(getEnv("TRADING_ASSET", "BTC"))
	cfg.Kline.Asset = asset
	cfg.Kline.Symbol = getEnv("BINANCE_SYMBOL", asset+"USDT")
	cfg.Kline.Interval = getEnv("KLINE_INTERVAL", cfg.Kline.Interval)
	cfg.Kline.StaleAfter = getEnvDuration("FEED_STALE_AFTER", cfg.Kline.StaleAfter)
	cfg.Scanner.Asset = asset
	cfg.Scanner.SlugPrefix = getEnv("WINDOW_SLUG_PREFIX", strings.ToLower(asset)+"-updown-15m")
	cfg.Scanner.BaseURL = getEnv("POLYMARKET_API_URL", cfg.Scanner.BaseURL)
	cfg.Regime.TrendThreshold = getEnvFloat("REGIME_TREND_THRESHOLD", cfg.Regime.TrendThreshold)
	cfg.Regime.ChopVolatility = getEnvFloat("REGIME_CHOP_VOLATILITY", cfg.Regime.ChopVolatility)

	// CLOB
	cfg.Exec.BaseURL = getEnv("POLYMARKET_CLOB_URL", cfg.Exec.BaseURL)
	cfg.Exec.APIKey = os.Getenv("CLOB_API_KEY")
	cfg.Exec.APISecret = os.Getenv("CLOB_API_SECRET")
	cfg.Exec.Passphrase = os.Getenv("CLOB_PASSPHRASE")
	cfg.Exec.PrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	cfg.Exec.FunderAddress = os.Getenv("FUNDER_ADDRESS")
	cfg.Exec.SignatureType = getEnvInt("SIGNATURE_TYPE", cfg.Exec.SignatureType)
	cfg.Exec.DryRun = getEnvBool("DRY_RUN", false)
	cfg.Executor.MaxRetries = getEnvInt("ORDER_MAX_RETRIES", cfg.Executor.MaxRetries)

	// Telegram
	cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: TELEGRAM_CHAT_ID: %v", ErrInvalid, err)
		}
		cfg.Telegram.ChatID = id
	}

	if cfg.RegimeTablePath != "" {
		table, err := core.LoadRegimeTable(cfg.RegimeTablePath)
		if err != nil {
			return nil, err
		}
		cfg.Settings.Regimes = table
	}
	if cfg.StrategyCooldown > 0 {
		cfg.Settings.Strategy = cfg.Settings.Strategy.WithCooldown(cfg.StrategyCooldown)
	}

	return cfg, nil
}

// TelegramEnabled reports whether bot credentials are present
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.Token != "" && c.Telegram.ChatID != 0
}

// Validate rejects settings that cannot run; it never clamps
func (c *Config) Validate() error {
	c.Settings.Engine.Live = c.Live
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Indicators.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Kline.Symbol == "" || c.Kline.History < c.Indicators.MinCandles() {
		return fmt.Errorf("%w: kline history %d below the %d candles indicators need",
			ErrInvalid, c.Kline.History, c.Indicators.MinCandles())
	}
	if c.Regime.TrendThreshold <= 0 || c.Regime.ChopVolatility <= 0 {
		return fmt.Errorf("%w: regime thresholds must be > 0", ErrInvalid)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("%w: ORDER_MAX_RETRIES must be >= 0", ErrInvalid)
	}
	if c.Live && !c.Exec.DryRun {
		if c.Exec.PrivateKey == "" || c.Exec.APIKey == "" || c.Exec.APISecret == "" || c.Exec.Passphrase == "" {
			return fmt.Errorf("%w: live trading needs WALLET_PRIVATE_KEY and CLOB_API_KEY/SECRET/PASSPHRASE", ErrInvalid)
		}
	}
	if (c.Telegram.Token == "") != (c.Telegram.ChatID == 0) {
		return fmt.Errorf("%w: TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together", ErrInvalid)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring malformed integer")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring malformed number")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring malformed duration")
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Ignoring malformed decimal")
	}
	return defaultValue
}
