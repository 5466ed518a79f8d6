package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/monitor"
	"futuresExecBot/internal/stopexit"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TRADING_MODE", "")
	t.Setenv("SYMBOLS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.TradingMode)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, 5, cfg.Leverage)
	assert.Equal(t, 1, cfg.MaxPendingPerSymbol)
	assert.Equal(t, monitor.ActionCancel, cfg.EvictionAction)
	assert.Equal(t, stopexit.DefaultPrecedence, cfg.Exit.Precedence)
	assert.Equal(t, cfg.Symbols, cfg.Reconcile.Symbols)
	assert.Equal(t, cfg.OrderRisk.MinStopLossDistance, cfg.Signal.MinStopDistance)

	app := cfg.AppConfig()
	assert.Equal(t, cfg.MarginAsset, app.Asset)
	assert.Equal(t, cfg.MaxLossPerTrade, app.MaxLossFraction)
	assert.Equal(t, cfg.Exit.TrailingDistance, app.Exit.TrailingDistance)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TRADING_MODE", "paper")
	t.Setenv("SYMBOLS", "BTCUSDT, ETHUSDT ,")
	t.Setenv("LEVERAGE", "10")
	t.Setenv("EVICTION_ACTION", "convert_to_market")
	t.Setenv("MONITOR_CHECK_INTERVAL", "2s")
	t.Setenv("ENTRY_LIMIT_ORDER_TIMEOUT", "90")
	t.Setenv("TAKE_PROFIT_TIERS", "0.01:0.5, 0.02:1")
	t.Setenv("EXIT_PRECEDENCE", "trailing,hard_stop,reversal,take_profit")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 10, cfg.Leverage)
	assert.Equal(t, 10, cfg.Reconcile.DefaultLeverage)
	assert.Equal(t, monitor.ActionConvert, cfg.EvictionAction)
	assert.Equal(t, 2*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, 90*time.Second, cfg.Monitor.Timeout)
	assert.Equal(t, []stopexit.Tier{{Profit: 0.01, Fraction: 0.5}, {Profit: 0.02, Fraction: 1}}, cfg.Exit.TakeProfitTiers)
	assert.Equal(t, []stopexit.Rule{stopexit.RuleTrailing, stopexit.RuleHardStop, stopexit.RuleReversal, stopexit.RuleTakeProfit}, cfg.Exit.Precedence)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"live without keys", "TRADING_MODE", "live", "BINANCE_API_KEY"},
		{"unknown mode", "TRADING_MODE", "sandbox", "TRADING_MODE"},
		{"bad leverage", "LEVERAGE", "abc", "LEVERAGE"},
		{"max loss out of range", "MAX_LOSS_PER_TRADE", "1.5", "MAX_LOSS_PER_TRADE"},
		{"bad eviction action", "EVICTION_ACTION", "ignore", "EVICTION_ACTION"},
		{"bad tiers", "TAKE_PROFIT_TIERS", "0.01", "TAKE_PROFIT_TIERS"},
		{"decreasing tiers", "TAKE_PROFIT_TIERS", "0.02:0.5,0.01:1", "exit policy"},
		{"partial precedence", "EXIT_PRECEDENCE", "hard_stop,trailing", "EXIT_PRECEDENCE"},
		{"unknown store", "STORE", "postgres", "STORE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BINANCE_API_KEY", "")
			t.Setenv("BINANCE_API_SECRET", "")
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseExitPolicy(t *testing.T) {
	base := stopexit.DefaultConfig()

	t.Run("overlays present keys", func(t *testing.T) {
		data := []byte(`
precedence: [hard_stop, take_profit, trailing, reversal]
stop_confirm_window: 3s
trailing:
  distance: 0.02
take_profit:
  - {profit: 0.01, fraction: 0.25}
  - {profit: 0.03, fraction: 1}
reversal:
  enabled: true
`)
		cfg, err := ParseExitPolicy(data, base)
		require.NoError(t, err)
		assert.Equal(t, stopexit.RuleTakeProfit, cfg.Precedence[1])
		assert.Equal(t, 3*time.Second, cfg.StopConfirmWindow)
		assert.Equal(t, 0.02, cfg.TrailingDistance)
		assert.Equal(t, base.TrailingActivation, cfg.TrailingActivation)
		assert.Len(t, cfg.TakeProfitTiers, 2)
		assert.True(t, cfg.ReversalEnabled)
		assert.Equal(t, base.ReversalBodyMultiple, cfg.ReversalBodyMultiple)
	})

	t.Run("empty document keeps base", func(t *testing.T) {
		cfg, err := ParseExitPolicy(nil, base)
		require.NoError(t, err)
		assert.Equal(t, base, cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ParseExitPolicy([]byte("trailing_distance: 0.01\n"), base)
		assert.Error(t, err)
	})

	t.Run("invalid tier", func(t *testing.T) {
		_, err := ParseExitPolicy([]byte("take_profit:\n  - {profit: 0.01, fraction: 2}\n"), base)
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := ParseExitPolicy([]byte("stop_confirm_window: soon\n"), base)
		assert.Error(t, err)
	})
}

func TestLoadExitPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stop_buffer: 0.001\n"), 0o600))

	cfg, err := LoadExitPolicy(path, stopexit.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.001, cfg.StopBuffer)

	_, err = LoadExitPolicy(filepath.Join(t.TempDir(), "missing.yaml"), stopexit.DefaultConfig())
	assert.Error(t, err)

	t.Setenv("EXIT_POLICY_FILE", path)
	full, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.001, full.Exit.StopBuffer)
}
