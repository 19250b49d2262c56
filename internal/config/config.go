// Package config loads and validates the engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cthulu-trading/cthulu/pkg/types"
	"github.com/spf13/viper"
)

// Mindset presets overlay risk and strategy parameters.
const (
	MindsetConservative    = "conservative"
	MindsetBalanced        = "balanced"
	MindsetAggressive      = "aggressive"
	MindsetUltraAggressive = "ultra_aggressive"
)

// envPrefix marks config string values resolved from the environment,
// e.g. "FROM_ENV:MT5_PASSWORD".
const envPrefix = "FROM_ENV:"

// Config is the full engine configuration tree.
type Config struct {
	MT5       MT5Config       `json:"mt5" mapstructure:"mt5"`
	Symbol    string          `json:"symbol" mapstructure:"symbol"`
	Timeframe types.Timeframe `json:"timeframe" mapstructure:"timeframe"`

	PollIntervalSeconds    float64 `json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	MagicNumber            int64   `json:"magic_number" mapstructure:"magic_number"`
	Mindset                string  `json:"mindset" mapstructure:"mindset"`
	WarmupBars             int     `json:"warmup_bars" mapstructure:"warmup_bars"`
	WatchdogTimeoutSeconds float64 `json:"watchdog_timeout_seconds" mapstructure:"watchdog_timeout_seconds"`
	DryRun                 bool    `json:"dry_run" mapstructure:"dry_run"`
	CloseOnExit            bool    `json:"close_on_exit" mapstructure:"close_on_exit"`

	Strategy   StrategyConfig    `json:"strategy" mapstructure:"strategy"`
	Indicators []IndicatorConfig `json:"indicators" mapstructure:"indicators"`
	Exit       ExitConfig        `json:"exit" mapstructure:"exit"`
	Risk       RiskConfig        `json:"risk" mapstructure:"risk"`
	Adoption   AdoptionConfig    `json:"adoption" mapstructure:"adoption"`
	Metrics    MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	API        APIConfig         `json:"api" mapstructure:"api"`
	Paths      PathsConfig       `json:"paths" mapstructure:"paths"`
}

// MT5Config is the bridge connection configuration.
type MT5Config struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Login    string `json:"login" mapstructure:"login"`
	Password string `json:"password" mapstructure:"password"`
	Server   string `json:"server" mapstructure:"server"`
	Token    string `json:"token" mapstructure:"token"`

	TimeoutSeconds  float64 `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries      int     `json:"max_retries" mapstructure:"max_retries"`
	DegradedAfter   int     `json:"degraded_after" mapstructure:"degraded_after"`
	FreshnessWindow float64 `json:"freshness_window_seconds" mapstructure:"freshness_window_seconds"`
}

// StrategyConfig selects and parameterizes entry strategies.
type StrategyConfig struct {
	Type          string         `json:"type" mapstructure:"type"` // "single" or "dynamic"
	MinConfidence float64        `json:"min_confidence" mapstructure:"min_confidence"`
	Strategies    []StrategySpec `json:"strategies" mapstructure:"strategies"`
}

// StrategySpec configures one entry strategy.
type StrategySpec struct {
	ID     string             `json:"id" mapstructure:"id"`
	Weight float64            `json:"weight" mapstructure:"weight"`
	Params map[string]float64 `json:"params" mapstructure:"params"`
}

// IndicatorConfig configures one indicator in the per-cycle snapshot.
type IndicatorConfig struct {
	Name   string             `json:"name" mapstructure:"name"`
	Params map[string]float64 `json:"params" mapstructure:"params"`
}

// ExitConfig lists the exit strategies and priority overrides.
type ExitConfig struct {
	Strategies []ExitStrategySpec `json:"strategies" mapstructure:"strategies"`
}

// ExitStrategySpec configures one exit strategy.
type ExitStrategySpec struct {
	ID       string             `json:"id" mapstructure:"id"`
	Priority float64            `json:"priority" mapstructure:"priority"`
	Params   map[string]float64 `json:"params" mapstructure:"params"`
}

// RiskConfig is the multi-layer risk configuration.
type RiskConfig struct {
	MaxDailyLoss          float64 `json:"max_daily_loss" mapstructure:"max_daily_loss"`
	MaxPositionSize       float64 `json:"max_position_size" mapstructure:"max_position_size"`
	MaxPositionsPerSymbol int     `json:"max_positions_per_symbol" mapstructure:"max_positions_per_symbol"`
	MaxTotalPositions     int     `json:"max_total_positions" mapstructure:"max_total_positions"`
	BaseRiskPct           float64 `json:"base_risk_pct" mapstructure:"base_risk_pct"`
	EmergencyStopLossPct  float64 `json:"emergency_stop_loss_pct" mapstructure:"emergency_stop_loss_pct"`
	FreeMarginFactor      float64 `json:"free_margin_factor" mapstructure:"free_margin_factor"`

	SLBalanceThresholds []BalanceTier `json:"sl_balance_thresholds" mapstructure:"sl_balance_thresholds"`

	AdaptiveDrawdown       AdaptiveDrawdown       `json:"adaptive_drawdown" mapstructure:"adaptive_drawdown"`
	AdaptiveAccountManager AdaptiveAccountManager `json:"adaptive_account_manager" mapstructure:"adaptive_account_manager"`
	LiquidityTrapDetection LiquidityTrapConfig    `json:"liquidity_trap_detection" mapstructure:"liquidity_trap_detection"`
}

// BalanceTier caps the SL distance (as a fraction of balance) up to a
// balance threshold.
type BalanceTier struct {
	UpTo     float64 `json:"up_to" mapstructure:"up_to"` // 0 means no upper bound
	Fraction float64 `json:"fraction" mapstructure:"fraction"`
}

// AdaptiveDrawdown maps drawdown levels to risk multipliers.
type AdaptiveDrawdown struct {
	Levels      []float64 `json:"levels" mapstructure:"levels"`           // ascending pct bounds
	Multipliers []float64 `json:"multipliers" mapstructure:"multipliers"` // len(levels)+1
	RecoveryPct float64   `json:"recovery_pct" mapstructure:"recovery_pct"`
}

// AdaptiveAccountManager maps balance phases to risk and trade caps.
type AdaptiveAccountManager struct {
	Thresholds      []float64          `json:"thresholds" mapstructure:"thresholds"` // micro/seed/growth/established bounds
	RiskPctPerPhase map[string]float64 `json:"risk_pct_per_phase" mapstructure:"risk_pct_per_phase"`
	MaxTradesPerDay map[string]int     `json:"max_trades_per_day" mapstructure:"max_trades_per_day"`
}

// LiquidityTrapConfig vetoes entries in thin or gapping markets.
type LiquidityTrapConfig struct {
	Enabled            bool    `json:"enabled" mapstructure:"enabled"`
	MaxSpreadPips      float64 `json:"max_spread_pips" mapstructure:"max_spread_pips"`
	MinVolumeThreshold float64 `json:"min_volume_threshold" mapstructure:"min_volume_threshold"`
	MaxGapPips         float64 `json:"max_gap_pips" mapstructure:"max_gap_pips"`
}

// AdoptionConfig controls claiming of externally opened positions.
type AdoptionConfig struct {
	UseATRBasedSLTP    bool    `json:"use_atr_based_sltp" mapstructure:"use_atr_based_sltp"`
	EmergencySLATRMult float64 `json:"emergency_sl_atr_mult" mapstructure:"emergency_sl_atr_mult"`
	EmergencyTPATRMult float64 `json:"emergency_tp_atr_mult" mapstructure:"emergency_tp_atr_mult"`
	EmergencySLPoints  float64 `json:"emergency_sl_points" mapstructure:"emergency_sl_points"`
	MaxAdoptAgeHours   float64 `json:"max_adopt_age_hours" mapstructure:"max_adopt_age_hours"`
}

// MetricsConfig configures the metrics outputs.
type MetricsConfig struct {
	CSVPath         string  `json:"csv_path" mapstructure:"csv_path"`
	PrometheusPath  string  `json:"prometheus_path" mapstructure:"prometheus_path"`
	IntervalSeconds float64 `json:"interval_seconds" mapstructure:"interval_seconds"`
	QueueSize       int     `json:"queue_size" mapstructure:"queue_size"`
}

// APIConfig configures the loopback status server.
type APIConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// PathsConfig locates persisted state.
type PathsConfig struct {
	LogFile      string `json:"log_file" mapstructure:"log_file"`
	TradeDB      string `json:"trade_db" mapstructure:"trade_db"`
	SnapshotFile string `json:"snapshot_file" mapstructure:"snapshot_file"`
	LockFile     string `json:"lock_file" mapstructure:"lock_file"`
}

// PollInterval returns the loop cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// WatchdogTimeout returns the stuck-cycle kill timeout.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSeconds * float64(time.Second))
}

// MaxAdoptAge returns the adoption age cutoff.
func (c *Config) MaxAdoptAge() time.Duration {
	return time.Duration(c.Adoption.MaxAdoptAgeHours * float64(time.Hour))
}

// setDefaults registers every recognized key with its default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mt5.host", "127.0.0.1")
	v.SetDefault("mt5.port", 8787)
	v.SetDefault("mt5.timeout_seconds", 5.0)
	v.SetDefault("mt5.max_retries", 3)
	v.SetDefault("mt5.degraded_after", 3)
	v.SetDefault("mt5.freshness_window_seconds", 120.0)

	v.SetDefault("symbol", "EURUSD")
	v.SetDefault("timeframe", string(types.TimeframeM15))
	v.SetDefault("poll_interval_seconds", 15.0)
	v.SetDefault("magic_number", 271828)
	v.SetDefault("mindset", MindsetBalanced)
	v.SetDefault("warmup_bars", 50)
	v.SetDefault("watchdog_timeout_seconds", 120.0)
	v.SetDefault("dry_run", false)
	v.SetDefault("close_on_exit", false)

	v.SetDefault("strategy.type", "dynamic")
	v.SetDefault("strategy.min_confidence", 0.55)

	v.SetDefault("risk.max_daily_loss", 500.0)
	v.SetDefault("risk.max_position_size", 1.0)
	v.SetDefault("risk.max_positions_per_symbol", 2)
	v.SetDefault("risk.max_total_positions", 5)
	v.SetDefault("risk.base_risk_pct", 0.01)
	v.SetDefault("risk.emergency_stop_loss_pct", 0.20)
	v.SetDefault("risk.free_margin_factor", 0.9)
	v.SetDefault("risk.adaptive_drawdown.levels", []float64{0.05, 0.10, 0.15, 0.20})
	v.SetDefault("risk.adaptive_drawdown.multipliers", []float64{1.0, 0.75, 0.5, 0.25, 0.0})
	v.SetDefault("risk.adaptive_drawdown.recovery_pct", 0.10)
	v.SetDefault("risk.adaptive_account_manager.thresholds", []float64{25, 100, 500, 2000})
	v.SetDefault("risk.liquidity_trap_detection.enabled", true)
	v.SetDefault("risk.liquidity_trap_detection.max_spread_pips", 3.0)
	v.SetDefault("risk.liquidity_trap_detection.min_volume_threshold", 1.0)
	v.SetDefault("risk.liquidity_trap_detection.max_gap_pips", 10.0)

	v.SetDefault("adoption.use_atr_based_sltp", true)
	v.SetDefault("adoption.emergency_sl_atr_mult", 2.0)
	v.SetDefault("adoption.emergency_tp_atr_mult", 4.0)
	v.SetDefault("adoption.emergency_sl_points", 500.0)
	v.SetDefault("adoption.max_adopt_age_hours", 72.0)

	v.SetDefault("metrics.csv_path", "observability/comprehensive_metrics.csv")
	v.SetDefault("metrics.prometheus_path", "observability/metrics.prom")
	v.SetDefault("metrics.interval_seconds", 1.0)
	v.SetDefault("metrics.queue_size", 256)

	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8899)

	v.SetDefault("paths.log_file", "logs/cthulu.log")
	v.SetDefault("paths.trade_db", "cthulu.db")
	v.SetDefault("paths.snapshot_file", "state/snapshot.json")
	v.SetDefault("paths.lock_file", "cthulu.lock")
}

// Load reads the JSON config at path, resolves FROM_ENV indirections,
// applies the mindset overlay, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := v.MergeConfigMap(resolveEnv(v.AllSettings())); err != nil {
		return nil, fmt.Errorf("resolving env overrides: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDerivedDefaults()
	cfg.ApplyMindset()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the validated default configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err) // defaults are static; cannot fail
	}
	cfg.applyDerivedDefaults()
	cfg.ApplyMindset()
	return &cfg
}

// resolveEnv walks the settings map and replaces "FROM_ENV:NAME" string
// values with the named environment variable.
func resolveEnv(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case string:
			if strings.HasPrefix(tv, envPrefix) {
				out[k] = os.Getenv(strings.TrimPrefix(tv, envPrefix))
			} else {
				out[k] = tv
			}
		case map[string]any:
			out[k] = resolveEnv(tv)
		default:
			out[k] = val
		}
	}
	return out
}

// applyDerivedDefaults fills slice/map defaults viper cannot express well.
func (c *Config) applyDerivedDefaults() {
	if len(c.SLBalanceTiers()) == 0 {
		c.Risk.SLBalanceThresholds = []BalanceTier{
			{UpTo: 1000, Fraction: 0.01},
			{UpTo: 5000, Fraction: 0.02},
			{UpTo: 20000, Fraction: 0.05},
			{UpTo: 0, Fraction: 0.05},
		}
	}
	if len(c.Strategy.Strategies) == 0 {
		c.Strategy.Strategies = []StrategySpec{
			{ID: "ema_cross", Weight: 1.0},
			{ID: "sma_cross", Weight: 1.0},
			{ID: "trend_follow", Weight: 1.0},
			{ID: "mean_reversion", Weight: 1.0},
			{ID: "rsi_reversal", Weight: 1.0},
			{ID: "momentum_breakout", Weight: 1.0},
			{ID: "scalping", Weight: 1.0},
		}
	}
	if len(c.Indicators) == 0 {
		c.Indicators = []IndicatorConfig{
			{Name: "rsi", Params: map[string]float64{"period": 14}},
			{Name: "atr", Params: map[string]float64{"period": 14}},
			{Name: "sma", Params: map[string]float64{"fast": 10, "slow": 30}},
			{Name: "ema", Params: map[string]float64{"fast": 12, "slow": 26}},
			{Name: "macd", Params: map[string]float64{"fast": 12, "slow": 26, "signal": 9}},
			{Name: "bollinger", Params: map[string]float64{"period": 20, "stddev": 2}},
			{Name: "stochastic", Params: map[string]float64{"period": 14, "smooth": 3}},
			{Name: "adx", Params: map[string]float64{"period": 14}},
			{Name: "supertrend", Params: map[string]float64{"period": 10, "multiplier": 3}},
			{Name: "vwap", Params: nil},
		}
	}
	if len(c.Exit.Strategies) == 0 {
		c.Exit.Strategies = []ExitStrategySpec{
			{ID: "survival_mode", Priority: 100},
			{ID: "micro_protection", Priority: 95},
			{ID: "stop_loss", Priority: 90},
			{ID: "adverse_movement", Priority: 80},
			{ID: "trailing_stop", Priority: 80},
			{ID: "session_close", Priority: 70},
			{ID: "profit_target", Priority: 70},
			{ID: "take_profit", Priority: 70},
			{ID: "confluence_exit", Priority: 65},
			{ID: "time_based", Priority: 60},
			{ID: "break_even", Priority: 50},
		}
	}
	if c.Risk.AdaptiveAccountManager.RiskPctPerPhase == nil {
		c.Risk.AdaptiveAccountManager.RiskPctPerPhase = map[string]float64{
			string(types.PhaseMicro):       0.05,
			string(types.PhaseSeed):        0.03,
			string(types.PhaseGrowth):      0.02,
			string(types.PhaseEstablished): 0.015,
			string(types.PhaseMature):      0.01,
			string(types.PhaseRecovery):    0.005,
		}
	}
	if c.Risk.AdaptiveAccountManager.MaxTradesPerDay == nil {
		c.Risk.AdaptiveAccountManager.MaxTradesPerDay = map[string]int{
			string(types.PhaseMicro):       10,
			string(types.PhaseSeed):        10,
			string(types.PhaseGrowth):      15,
			string(types.PhaseEstablished): 20,
			string(types.PhaseMature):      25,
			string(types.PhaseRecovery):    5,
		}
	}
}

// SLBalanceTiers returns the configured balance-tiered SL caps.
func (c *Config) SLBalanceTiers() []BalanceTier {
	return c.Risk.SLBalanceThresholds
}

// ApplyMindset overlays the configured mindset's risk and strategy
// presets. Unknown mindsets leave the config untouched.
func (c *Config) ApplyMindset() {
	switch c.Mindset {
	case MindsetConservative:
		c.Risk.BaseRiskPct = 0.005
		c.Risk.MaxTotalPositions = 2
		c.Strategy.MinConfidence = 0.70
	case MindsetBalanced:
		// Defaults are the balanced preset.
	case MindsetAggressive:
		c.Risk.BaseRiskPct = 0.02
		c.Risk.MaxTotalPositions = 8
		c.Strategy.MinConfidence = 0.50
	case MindsetUltraAggressive:
		c.Risk.BaseRiskPct = 0.03
		c.Risk.MaxTotalPositions = 12
		c.Strategy.MinConfidence = 0.40
	}
}

// Validate fails fast with an actionable message on bad configuration.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol must be set")
	}
	switch c.Timeframe {
	case types.TimeframeM1, types.TimeframeM5, types.TimeframeM15, types.TimeframeM30,
		types.TimeframeH1, types.TimeframeH4, types.TimeframeD1:
	default:
		return fmt.Errorf("config: unknown timeframe %q (want M1/M5/M15/M30/H1/H4/D1)", c.Timeframe)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: poll_interval_seconds must be > 0, got %v", c.PollIntervalSeconds)
	}
	if c.MagicNumber <= 0 {
		return fmt.Errorf("config: magic_number must be > 0")
	}
	if c.Strategy.Type != "single" && c.Strategy.Type != "dynamic" {
		return fmt.Errorf("config: strategy.type must be \"single\" or \"dynamic\", got %q", c.Strategy.Type)
	}
	if c.Strategy.Type == "single" && len(c.Strategy.Strategies) != 1 {
		return fmt.Errorf("config: strategy.type \"single\" requires exactly one strategy, got %d", len(c.Strategy.Strategies))
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("config: risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxTotalPositions <= 0 || c.Risk.MaxPositionsPerSymbol <= 0 {
		return fmt.Errorf("config: position caps must be > 0")
	}
	dd := c.Risk.AdaptiveDrawdown
	if len(dd.Multipliers) != len(dd.Levels)+1 {
		return fmt.Errorf("config: adaptive_drawdown needs len(multipliers) == len(levels)+1, got %d and %d",
			len(dd.Multipliers), len(dd.Levels))
	}
	if c.WatchdogTimeoutSeconds <= c.PollIntervalSeconds {
		return fmt.Errorf("config: watchdog_timeout_seconds (%v) must exceed poll_interval_seconds (%v)",
			c.WatchdogTimeoutSeconds, c.PollIntervalSeconds)
	}
	if c.WarmupBars < 30 {
		return fmt.Errorf("config: warmup_bars must be >= 30 for indicator validity, got %d", c.WarmupBars)
	}
	return nil
}

// Save writes the config back out as JSON. Loading the result yields an
// equivalent config modulo defaults.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
