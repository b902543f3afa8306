package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.False(t, cfg.Live)
	assert.False(t, cfg.TelegramEnabled())
	assert.Equal(t, "BTCUSDT", cfg.Kline.Symbol)
	assert.Equal(t, "btc-updown-15m", cfg.Scanner.SlugPrefix)
	assert.True(t, cfg.Settings.Ledger.InitialBalance.Equal(decimal.NewFromInt(500)))
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_ASSET", "eth")
	t.Setenv("INITIAL_BALANCE", "1000")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("MAX_CONSECUTIVE_LOSSES", "5")
	t.Setenv("STRATEGIES", "momentum,rsi")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("USE_KELLY", "yes")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ETH", cfg.Kline.Asset)
	assert.Equal(t, "ETHUSDT", cfg.Kline.Symbol)
	assert.Equal(t, "eth-updown-15m", cfg.Scanner.SlugPrefix)
	assert.True(t, cfg.Settings.Ledger.InitialBalance.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 2*time.Second, cfg.Settings.Engine.PollInterval)
	assert.Equal(t, 5, cfg.Settings.Risk.MaxConsecutiveLosses)
	assert.Equal(t, []string{"momentum", "rsi"}, cfg.Settings.Strategies)
	assert.True(t, cfg.Settings.Risk.UseKelly)
	assert.True(t, cfg.TelegramEnabled())
	assert.Equal(t, int64(-100123), cfg.Telegram.ChatID)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("INITIAL_BALANCE", "lots")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Settings.Engine.PollInterval)
	assert.True(t, cfg.Settings.Ledger.InitialBalance.Equal(decimal.NewFromInt(500)))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"negative balance", map[string]string{"INITIAL_BALANCE": "-1"}},
		{"zero poll interval", map[string]string{"POLL_INTERVAL": "0s"}},
		{"inverted entry band", map[string]string{"MIN_ENTRY_PRICE": "0.9", "MAX_ENTRY_PRICE": "0.2"}},
		{"live without keys", map[string]string{"LIVE": "true"}},
		{"token without chat", map[string]string{"TELEGRAM_BOT_TOKEN": "token"}},
		{"negative retries", map[string]string{"ORDER_MAX_RETRIES": "-1"}},
		{"window below weighting minimum", map[string]string{"PERFORMANCE_WINDOW": "5", "MIN_TRADES_FOR_WEIGHTING": "10"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := FromEnv()
			require.NoError(t, err)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLiveDryRunNeedsNoKeys(t *testing.T) {
	t.Setenv("LIVE", "true")
	t.Setenv("DRY_RUN", "1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Settings.Engine.Live)
}

func TestBadChatID(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID", "chat")
	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRegimeTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regimes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))
	t.Setenv("REGIME_TABLE_PATH", path)

	_, err := FromEnv()
	assert.Error(t, err)
}
