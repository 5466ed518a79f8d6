package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"futuresExecBot/internal/adapters/logger"
	"futuresExecBot/internal/app"
	"futuresExecBot/internal/monitor"
	"futuresExecBot/internal/priority"
	"futuresExecBot/internal/reconcile"
	"futuresExecBot/internal/retry"
	"futuresExecBot/internal/risk"
	"futuresExecBot/internal/signal"
	"futuresExecBot/internal/stopexit"
)

// Trading modes.
const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Process
	TradingMode  string
	PaperBalance float64
	Store        string
	DBPath       string
	LogLevel     logger.LogLevel
	MetricsAddr  string // empty disables the /metrics endpoint

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Trading Parameters
	Symbols             []string
	Leverage            int
	MarginAsset         string
	KlineInterval       string
	MaxLossPerTrade     float64
	FeeRate             float64
	SafetyMargin        float64
	EntryPriceOffset    float64
	MaxPendingPerSymbol int
	MaxMarginShrink     float64
	EvictionAction      monitor.Action
	EvictionWait        time.Duration
	ShutdownTimeout     time.Duration

	ExitPolicyFile string

	OrderRisk risk.OrderRiskConfig
	Guard     risk.GuardConfig
	Priority  priority.Config
	Monitor   monitor.Config
	Reconcile reconcile.Config
	Retry     retry.Policy
	Signal    signal.Config
	Exit      stopexit.Config
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	cfg.TradingMode = strings.ToLower(getEnv("TRADING_MODE", ModePaper))
	if cfg.TradingMode != ModeLive && cfg.TradingMode != ModePaper {
		errs = append(errs, fmt.Sprintf("TRADING_MODE must be %q or %q", ModeLive, ModePaper))
	}

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.TradingMode == ModeLive {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set in live mode")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set in live mode")
		}
	}

	cfg.PaperBalance, err = getEnvAsFloatRequired("PAPER_BALANCE", 1000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_BALANCE: %v", err))
	} else if cfg.PaperBalance <= 0 {
		errs = append(errs, "PAPER_BALANCE must be positive")
	}

	cfg.Store = strings.ToLower(getEnv("STORE", StoreSQLite))
	if cfg.Store != StoreSQLite && cfg.Store != StoreMemory {
		errs = append(errs, fmt.Sprintf("STORE must be %q or %q", StoreSQLite, StoreMemory))
	}
	cfg.DBPath = getEnv("DB_PATH", "./data/exec_engine.db")
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Trading Parameters
	cfg.Symbols = getEnvAsList("SYMBOLS", []string{"BTCUSDT"})
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEVERAGE: %v", err))
	} else if cfg.Leverage <= 0 {
		errs = append(errs, "LEVERAGE must be positive")
	}
	cfg.MarginAsset = getEnv("MARGIN_ASSET", "USDT")
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")

	cfg.MaxLossPerTrade, err = getEnvAsFloatRequired("MAX_LOSS_PER_TRADE", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_LOSS_PER_TRADE: %v", err))
	} else if cfg.MaxLossPerTrade <= 0 || cfg.MaxLossPerTrade >= 1.0 {
		errs = append(errs, "MAX_LOSS_PER_TRADE must be between 0.0 and 1.0 (exclusive)")
	}
	cfg.FeeRate = getEnvAsFloat("FEE_RATE", 0)
	cfg.SafetyMargin = getEnvAsFloat("SAFETY_MARGIN", 0)
	if cfg.FeeRate < 0 || cfg.SafetyMargin < 0 || cfg.FeeRate+cfg.SafetyMargin >= 1 {
		errs = append(errs, "FEE_RATE and SAFETY_MARGIN must be non-negative and sum below 1")
	}
	cfg.EntryPriceOffset = getEnvAsFloat("ENTRY_PRICE_OFFSET", 0.0005)
	if cfg.EntryPriceOffset < 0 {
		errs = append(errs, "ENTRY_PRICE_OFFSET cannot be negative")
	}

	cfg.MaxPendingPerSymbol = getEnvAsInt("MAX_PENDING_ORDERS_PER_SYMBOL", 1)
	if cfg.MaxPendingPerSymbol <= 0 {
		errs = append(errs, "MAX_PENDING_ORDERS_PER_SYMBOL must be positive")
	}
	cfg.MaxMarginShrink = getEnvAsFloat("MAX_MARGIN_SHRINK", 0.5)
	if cfg.MaxMarginShrink < 0 || cfg.MaxMarginShrink > 1 {
		errs = append(errs, "MAX_MARGIN_SHRINK must be between 0.0 and 1.0")
	}
	cfg.EvictionAction, err = monitor.ParseAction(getEnv("EVICTION_ACTION", string(monitor.ActionCancel)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EVICTION_ACTION: %v", err))
	}
	cfg.EvictionWait = getEnvAsDuration("EVICTION_WAIT", 10*time.Second)
	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second)

	errs = append(errs, cfg.loadRetry()...)
	errs = append(errs, cfg.loadRisk()...)
	errs = append(errs, cfg.loadMonitor()...)
	errs = append(errs, cfg.loadReconcile()...)
	errs = append(errs, cfg.loadSignal()...)
	errs = append(errs, cfg.loadExit()...)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (cfg *Config) loadRetry() []string {
	var errs []string
	cfg.Retry = retry.DefaultPolicy()
	cfg.Retry.MaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelay = getEnvAsDuration("RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getEnvAsDuration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, "RETRY_BASE_DELAY must be positive and not above RETRY_MAX_DELAY")
	}
	return errs
}

func (cfg *Config) loadRisk() []string {
	var errs []string
	r := risk.DefaultOrderRiskConfig()
	r.MaxPriceDeviation = getEnvAsFloat("MAX_PRICE_DEVIATION", r.MaxPriceDeviation)
	r.MinStopLossDistance = getEnvAsFloat("MIN_STOP_LOSS_DISTANCE", r.MinStopLossDistance)
	r.MaxStopLossDistance = getEnvAsFloat("MAX_STOP_LOSS_DISTANCE", r.MaxStopLossDistance)
	r.VolatilityThreshold = getEnvAsFloat("VOLATILITY_THRESHOLD", r.VolatilityThreshold)
	r.VolatilityLookback = getEnvAsInt("VOLATILITY_LOOKBACK", r.VolatilityLookback)
	r.VolumeThresholdMultiplier = getEnvAsFloat("VOLUME_THRESHOLD_MULTIPLIER", r.VolumeThresholdMultiplier)
	r.VolumeLookback = getEnvAsInt("VOLUME_LOOKBACK", r.VolumeLookback)
	r.MinDepthNotional = getEnvAsFloat("MIN_DEPTH_NOTIONAL", r.MinDepthNotional)
	if r.MinStopLossDistance <= 0 || r.MaxStopLossDistance <= r.MinStopLossDistance {
		errs = append(errs, "MIN_STOP_LOSS_DISTANCE must be positive and below MAX_STOP_LOSS_DISTANCE")
	}
	if cfg.EntryPriceOffset > r.MaxPriceDeviation {
		errs = append(errs, "ENTRY_PRICE_OFFSET must not exceed MAX_PRICE_DEVIATION")
	}
	cfg.OrderRisk = r

	cfg.Guard = risk.GuardConfig{
		MaxDailyLoss:   getEnvAsFloat("MAX_DAILY_LOSS", 0.05),
		MaxDrawdown:    getEnvAsFloat("MAX_DRAWDOWN", 0.1),
		MaxDailyTrades: getEnvAsInt("MAX_DAILY_TRADES", 20),
	}
	if cfg.Guard.MaxDailyLoss < 0 || cfg.Guard.MaxDrawdown < 0 || cfg.Guard.MaxDailyTrades < 0 {
		errs = append(errs, "MAX_DAILY_LOSS, MAX_DRAWDOWN and MAX_DAILY_TRADES cannot be negative")
	}

	cfg.Priority = priority.DefaultConfig()
	cfg.Priority.RecencyHorizon = getEnvAsDuration("PRIORITY_RECENCY_HORIZON", cfg.Priority.RecencyHorizon)
	cfg.Priority.PriceScale = getEnvAsFloat("PRIORITY_PRICE_SCALE", cfg.Priority.PriceScale)
	return errs
}

func (cfg *Config) loadMonitor() []string {
	var errs []string
	m := monitor.DefaultConfig()
	m.CheckInterval = getEnvAsDuration("MONITOR_CHECK_INTERVAL", m.CheckInterval)
	m.Timeout = getEnvAsDuration("ENTRY_LIMIT_ORDER_TIMEOUT", m.Timeout)
	action, err := monitor.ParseAction(getEnv("ACTION_ON_TIMEOUT", string(m.TimeoutAction)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ACTION_ON_TIMEOUT: %v", err))
	}
	m.TimeoutAction = action
	m.PriceAwayThreshold = getEnvAsFloat("PRICE_AWAY_THRESHOLD", m.PriceAwayThreshold)
	m.PriceAwayGrace = getEnvAsDuration("PRICE_AWAY_GRACE", m.PriceAwayGrace)
	m.CancelOnPriceAway = getEnvAsBool("CANCEL_ON_PRICE_MOVE_AWAY", m.CancelOnPriceAway)
	m.RapidChangeThreshold = getEnvAsFloat("RAPID_CHANGE_THRESHOLD", m.RapidChangeThreshold)
	m.RapidChangeWindow = getEnvAsDuration("RAPID_CHANGE_WINDOW", m.RapidChangeWindow)
	m.RapidChangeGrace = getEnvAsDuration("RAPID_CHANGE_GRACE", m.RapidChangeGrace)
	m.Retry = cfg.Retry
	if m.CheckInterval <= 0 {
		errs = append(errs, "MONITOR_CHECK_INTERVAL must be positive")
	}
	if m.Timeout < 0 || m.PriceAwayThreshold < 0 || m.RapidChangeThreshold < 0 {
		errs = append(errs, "monitor timeout and thresholds cannot be negative")
	}
	cfg.Monitor = m
	return errs
}

func (cfg *Config) loadReconcile() []string {
	var errs []string
	r := reconcile.DefaultConfig()
	r.Interval = getEnvAsDuration("RECONCILE_INTERVAL", r.Interval)
	r.StopRangeMultiplier = getEnvAsFloat("ADOPT_STOP_RANGE_MULTIPLIER", r.StopRangeMultiplier)
	r.StopMinDistance = getEnvAsFloat("ADOPT_STOP_MIN_DISTANCE", r.StopMinDistance)
	r.PlacementGrace = getEnvAsDuration("RECONCILE_PLACEMENT_GRACE", r.PlacementGrace)
	r.Symbols = cfg.Symbols
	r.KlineInterval = cfg.KlineInterval
	r.DefaultLeverage = cfg.Leverage
	r.Retry = cfg.Retry
	if r.Interval < 0 || r.PlacementGrace < 0 {
		errs = append(errs, "RECONCILE_INTERVAL and RECONCILE_PLACEMENT_GRACE cannot be negative")
	}
	if r.StopRangeMultiplier <= 0 || r.StopMinDistance <= 0 {
		errs = append(errs, "ADOPT_STOP_RANGE_MULTIPLIER and ADOPT_STOP_MIN_DISTANCE must be positive")
	}
	cfg.Reconcile = r
	return errs
}

func (cfg *Config) loadSignal() []string {
	s := signal.DefaultConfig()
	s.FastMAPeriod = getEnvAsInt("STRATEGY_SHORT_MA_PERIOD", s.FastMAPeriod)
	s.SlowMAPeriod = getEnvAsInt("STRATEGY_LONG_MA_PERIOD", s.SlowMAPeriod)
	s.EMAPeriod = getEnvAsInt("STRATEGY_EMA_PERIOD", s.EMAPeriod)
	s.RSIPeriod = getEnvAsInt("STRATEGY_RSI_PERIOD", s.RSIPeriod)
	s.RSIOverbought = getEnvAsFloat("STRATEGY_RSI_OVERBOUGHT", s.RSIOverbought)
	s.RSIOversold = getEnvAsFloat("STRATEGY_RSI_OVERSOLD", s.RSIOversold)
	s.ATRPeriod = getEnvAsInt("STRATEGY_ATR_PERIOD", s.ATRPeriod)
	s.ATRStopMultiplier = getEnvAsFloat("STRATEGY_ATR_STOP_MULTIPLIER", s.ATRStopMultiplier)
	// Signals outside the entry bounds would only be rejected later.
	s.MinStopDistance = cfg.OrderRisk.MinStopLossDistance
	s.MaxStopDistance = cfg.OrderRisk.MaxStopLossDistance
	cfg.Signal = s
	// Deeper validation happens in signal.New.
	if s.FastMAPeriod >= s.SlowMAPeriod {
		return []string{"STRATEGY_SHORT_MA_PERIOD must be less than STRATEGY_LONG_MA_PERIOD"}
	}
	return nil
}

func (cfg *Config) loadExit() []string {
	var errs []string
	e := stopexit.DefaultConfig()
	if names := getEnvAsList("EXIT_PRECEDENCE", nil); len(names) > 0 {
		rules, err := stopexit.ParsePrecedence(names)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid EXIT_PRECEDENCE: %v", err))
		} else {
			e.Precedence = rules
		}
	}
	e.StopBuffer = getEnvAsFloat("STOP_BUFFER", e.StopBuffer)
	e.StopConfirmWindow = getEnvAsDuration("STOP_CONFIRM_WINDOW", e.StopConfirmWindow)
	e.TrailingActivation = getEnvAsFloat("TRAILING_ACTIVATION", e.TrailingActivation)
	e.TrailingDistance = getEnvAsFloat("TRAILING_DISTANCE", e.TrailingDistance)
	e.TrailingATRMultiplier = getEnvAsFloat("TRAILING_ATR_MULTIPLIER", e.TrailingATRMultiplier)
	tiers, err := parseTiers(getEnv("TAKE_PROFIT_TIERS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_TIERS: %v", err))
	}
	e.TakeProfitTiers = tiers
	e.ReversalEnabled = getEnvAsBool("REVERSAL_EXIT_ENABLED", e.ReversalEnabled)
	e.ReversalMinBodyRatio = getEnvAsFloat("REVERSAL_MIN_BODY_RATIO", e.ReversalMinBodyRatio)
	e.ReversalBodyMultiple = getEnvAsFloat("REVERSAL_BODY_MULTIPLE", e.ReversalBodyMultiple)

	cfg.ExitPolicyFile = getEnv("EXIT_POLICY_FILE", "")
	if cfg.ExitPolicyFile != "" {
		e, err = LoadExitPolicy(cfg.ExitPolicyFile, e)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid EXIT_POLICY_FILE: %v", err))
		}
	}
	if err := e.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("invalid exit policy: %v", err))
	}
	cfg.Exit = e
	return errs
}

// parseTiers reads "profit:fraction" pairs, e.g. "0.01:0.5,0.02:1".
func parseTiers(s string) ([]stopexit.Tier, error) {
	var tiers []stopexit.Tier
	for _, part := range splitList(s) {
		profit, fraction, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("tier %q is not profit:fraction", part)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(profit), 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", part, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(fraction), 64)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", part, err)
		}
		tiers = append(tiers, stopexit.Tier{Profit: p, Fraction: f})
	}
	return tiers, nil
}

// AppConfig assembles the engine configuration.
func (cfg *Config) AppConfig() app.Config {
	return app.Config{
		Symbols:             cfg.Symbols,
		Asset:               cfg.MarginAsset,
		Leverage:            cfg.Leverage,
		KlineInterval:       cfg.KlineInterval,
		MaxLossFraction:     cfg.MaxLossPerTrade,
		FeeRate:             cfg.FeeRate,
		SafetyMargin:        cfg.SafetyMargin,
		EntryPriceOffset:    cfg.EntryPriceOffset,
		MaxPendingPerSymbol: cfg.MaxPendingPerSymbol,
		MaxShrinkFraction:   cfg.MaxMarginShrink,
		EvictionAction:      cfg.EvictionAction,
		EvictionWait:        cfg.EvictionWait,
		AdmissionRetries:    3,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		OrderRisk:           cfg.OrderRisk,
		Guard:               cfg.Guard,
		Priority:            cfg.Priority,
		Monitor:             cfg.Monitor,
		Reconcile:           cfg.Reconcile,
		Exit:                cfg.Exit,
		Retry:               cfg.Retry,
	}
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("1m30s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	return splitList(valueStr)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
