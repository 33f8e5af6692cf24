// Package config handles engine configuration loading with Viper
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftline/perpsweep/core"
	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"
)

const (
	DefaultConfigPath  = "./perpsweep.yaml"
	DefaultJournalPath = "./perpsweep.db"

	envPrefix = "PERPSWEEP"
)

// Config is the full engine configuration tree
type Config struct {
	Venue      VenueConfig      `mapstructure:"venue"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Universe   UniverseConfig   `mapstructure:"universe"`
	Regime     RegimeConfig     `mapstructure:"regime"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Mail       MailConfig       `mapstructure:"mail"`
	Log        LogConfig        `mapstructure:"log"`
}

// VenueConfig holds exchange API credentials and client options
type VenueConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UseTestnet bool   `mapstructure:"use_testnet"`
	Debug      bool   `mapstructure:"debug"`
}

// EngineConfig holds loop cadences and concurrency limits
type EngineConfig struct {
	Timeframe       string        `mapstructure:"timeframe"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	VerifyInterval  time.Duration `mapstructure:"verify_interval"`
	Workers         int           `mapstructure:"workers"`
	MaxSymbols      int           `mapstructure:"max_symbols"`
	MaxPerSector    int           `mapstructure:"max_per_sector"`
	FundingBlackout time.Duration `mapstructure:"funding_blackout"`
	WarmupBars      int           `mapstructure:"warmup_bars"`
	CloseOnExit     bool          `mapstructure:"close_on_exit"`
}

// RiskConfig holds sizing parameters and liquidation guards
type RiskConfig struct {
	Leverage         int     `mapstructure:"leverage"`
	MarginFraction   float64 `mapstructure:"margin_fraction"`
	MinProfitROE     float64 `mapstructure:"min_profit_roe"`
	TrailingCallback float64 `mapstructure:"trailing_callback"`

	MaxStopPct             float64 `mapstructure:"max_stop_pct"`
	MinAbsBufferPct        float64 `mapstructure:"min_abs_buffer_pct"`
	MinLiqDistanceFraction float64 `mapstructure:"min_liq_distance_fraction"`
	ShrinkStep             float64 `mapstructure:"shrink_step"`
	MaxShrinkSteps         int     `mapstructure:"max_shrink_steps"`

	OrderRetries     int           `mapstructure:"order_retries"`
	OrderBackoffBase time.Duration `mapstructure:"order_backoff_base"`
}

// SymbolConfig assigns a tradable pair its liquidity bucket and sector
type SymbolConfig struct {
	Pair   string `mapstructure:"pair"`
	Bucket string `mapstructure:"bucket"`
	Sector string `mapstructure:"sector"`
}

// GateThresholds are the liquidity gate bounds for one bucket
type GateThresholds struct {
	MaxSpreadBps    float64 `mapstructure:"max_spread_bps"`
	MinDepthUSD     float64 `mapstructure:"min_depth_usd"`
	MinDayVolumeUSD float64 `mapstructure:"min_day_volume_usd"`
}

// UniverseConfig declares the symbol universe and its gates
type UniverseConfig struct {
	Symbols []SymbolConfig `mapstructure:"symbols"`

	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxMetaAge      time.Duration `mapstructure:"max_meta_age"`
	DepthLevels     int           `mapstructure:"depth_levels"`

	Major GateThresholds `mapstructure:"major"`
	Mid   GateThresholds `mapstructure:"mid"`
	Micro GateThresholds `mapstructure:"micro"`
}

// RegimeThresholds are the range-regime bounds for one bucket
type RegimeThresholds struct {
	ADXMax          float64 `mapstructure:"adx_max"`
	BBWidthPctleMax float64 `mapstructure:"bb_width_pctile_max"`
}

// RegimeConfig holds the classifier thresholds per bucket
type RegimeConfig struct {
	Major RegimeThresholds `mapstructure:"major"`
	Mid   RegimeThresholds `mapstructure:"mid"`
	Micro RegimeThresholds `mapstructure:"micro"`

	// VWAPSlopeBand is the +- band, in sigma units per bar, inside
	// which the VWAP slope counts as flat
	VWAPSlopeBand float64 `mapstructure:"vwap_slope_band"`
}

// LSVRConfig tunes the liquidity-sweep reversal strategy
type LSVRConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SweepATRMin     float64       `mapstructure:"sweep_atr_min"`
	SweepATRMax     float64       `mapstructure:"sweep_atr_max"`
	TailFraction    float64       `mapstructure:"tail_fraction"`
	StopATRMin      float64       `mapstructure:"stop_atr_min"`
	StopATRMax      float64       `mapstructure:"stop_atr_max"`
	RunnerRR        float64       `mapstructure:"runner_rr"`
	VolumeSpikeMax  float64       `mapstructure:"volume_spike_max"`
	LadderFractions []float64     `mapstructure:"ladder_fractions"`
	TimeStop        time.Duration `mapstructure:"time_stop"`
}

// VWAPMRConfig tunes the VWAP mean-reversion strategy
type VWAPMRConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	StochOversold   float64       `mapstructure:"stoch_oversold"`
	StochOverbought float64       `mapstructure:"stoch_overbought"`
	CrossWithinBars int           `mapstructure:"cross_within_bars"`
	RSIFloor        float64       `mapstructure:"rsi_floor"`
	RSICeiling      float64       `mapstructure:"rsi_ceiling"`
	VolumeRatioMax  float64       `mapstructure:"volume_ratio_max"`
	StopATRMin      float64       `mapstructure:"stop_atr_min"`
	StopATRMax      float64       `mapstructure:"stop_atr_max"`
	TP2RR           float64       `mapstructure:"tp2_rr"`
	TP3RR           float64       `mapstructure:"tp3_rr"`
	TripwireATR     float64       `mapstructure:"tripwire_atr"`
	LadderFractions []float64     `mapstructure:"ladder_fractions"`
	TimeStop        time.Duration `mapstructure:"time_stop"`
}

// TrendConfig tunes the trend fallback strategy
type TrendConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TP1ATR            float64       `mapstructure:"tp1_atr"`
	TP1Fraction       float64       `mapstructure:"tp1_fraction"`
	StopATRBuffer     float64       `mapstructure:"stop_atr_buffer"`
	SupertrendPeriod  int           `mapstructure:"supertrend_period"`
	SupertrendFactor  float64       `mapstructure:"supertrend_factor"`
	SwingLookbackBars int           `mapstructure:"swing_lookback_bars"`
	TimeStop          time.Duration `mapstructure:"time_stop"`
}

// StrategiesConfig aggregates the per-strategy tuning blocks
type StrategiesConfig struct {
	LSVR   LSVRConfig   `mapstructure:"lsvr"`
	VWAPMR VWAPMRConfig `mapstructure:"vwap_mr"`
	Trend  TrendConfig  `mapstructure:"trend"`
}

// JournalConfig selects the journal backend
type JournalConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// TelegramConfig holds configuration for Telegram integration
type TelegramConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Token   string  `mapstructure:"token"`
	Users   []int64 `mapstructure:"users"`
}

// MailConfig holds SMTP alarm delivery settings
type MailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// LogConfig holds logger output settings
type LogConfig struct {
	Level      string `mapstructure:"level"`
	TimeFormat string `mapstructure:"time_format"`
	Colored    bool   `mapstructure:"colored"`
	JSON       bool   `mapstructure:"json"`
}

// Load reads the configuration file at path, applying environment
// overrides and defaults. A missing file is written out with defaults
// first, so a fresh deployment starts from an editable template.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(v, path); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("venue.use_testnet", false)
	v.SetDefault("venue.debug", false)

	v.SetDefault("engine.timeframe", "5m")
	v.SetDefault("engine.scan_interval", "5s")
	v.SetDefault("engine.monitor_interval", "2s")
	v.SetDefault("engine.verify_interval", "60s")
	v.SetDefault("engine.workers", 16)
	v.SetDefault("engine.max_symbols", 3)
	v.SetDefault("engine.max_per_sector", 2)
	v.SetDefault("engine.funding_blackout", "120s")
	v.SetDefault("engine.warmup_bars", 240)
	v.SetDefault("engine.close_on_exit", false)

	v.SetDefault("risk.leverage", 25)
	v.SetDefault("risk.margin_fraction", 0.10)
	v.SetDefault("risk.min_profit_roe", 0.025)
	v.SetDefault("risk.trailing_callback", 0.003)
	v.SetDefault("risk.max_stop_pct", 0.028)
	v.SetDefault("risk.min_abs_buffer_pct", 0.012)
	v.SetDefault("risk.min_liq_distance_fraction", 0.30)
	v.SetDefault("risk.shrink_step", 0.10)
	v.SetDefault("risk.max_shrink_steps", 5)
	v.SetDefault("risk.order_retries", 5)
	v.SetDefault("risk.order_backoff_base", "2s")

	v.SetDefault("universe.refresh_interval", "1h")
	v.SetDefault("universe.max_meta_age", "3h")
	v.SetDefault("universe.depth_levels", 5)
	v.SetDefault("universe.major.max_spread_bps", 6)
	v.SetDefault("universe.major.min_depth_usd", 100_000)
	v.SetDefault("universe.major.min_day_volume_usd", 80_000_000)
	v.SetDefault("universe.mid.max_spread_bps", 8)
	v.SetDefault("universe.mid.min_depth_usd", 50_000)
	v.SetDefault("universe.mid.min_day_volume_usd", 80_000_000)
	v.SetDefault("universe.micro.max_spread_bps", 12)
	v.SetDefault("universe.micro.min_depth_usd", 20_000)
	v.SetDefault("universe.micro.min_day_volume_usd", 120_000_000)

	v.SetDefault("regime.major.adx_max", 20)
	v.SetDefault("regime.major.bb_width_pctile_max", 40)
	v.SetDefault("regime.mid.adx_max", 22)
	v.SetDefault("regime.mid.bb_width_pctile_max", 50)
	v.SetDefault("regime.micro.adx_max", 25)
	v.SetDefault("regime.micro.bb_width_pctile_max", 60)
	v.SetDefault("regime.vwap_slope_band", 0.05)

	v.SetDefault("strategies.lsvr.enabled", true)
	v.SetDefault("strategies.lsvr.sweep_atr_min", 0.5)
	v.SetDefault("strategies.lsvr.sweep_atr_max", 0.75)
	v.SetDefault("strategies.lsvr.tail_fraction", 0.60)
	v.SetDefault("strategies.lsvr.stop_atr_min", 1.2)
	v.SetDefault("strategies.lsvr.stop_atr_max", 1.5)
	v.SetDefault("strategies.lsvr.runner_rr", 1.8)
	v.SetDefault("strategies.lsvr.volume_spike_max", 2.0)
	v.SetDefault("strategies.lsvr.ladder_fractions", []float64{0.75, 0.20, 0.05})
	v.SetDefault("strategies.lsvr.time_stop", "20m")

	v.SetDefault("strategies.vwap_mr.enabled", true)
	v.SetDefault("strategies.vwap_mr.stoch_oversold", 20)
	v.SetDefault("strategies.vwap_mr.stoch_overbought", 80)
	v.SetDefault("strategies.vwap_mr.cross_within_bars", 3)
	v.SetDefault("strategies.vwap_mr.rsi_floor", 42)
	v.SetDefault("strategies.vwap_mr.rsi_ceiling", 58)
	v.SetDefault("strategies.vwap_mr.volume_ratio_max", 1.8)
	v.SetDefault("strategies.vwap_mr.stop_atr_min", 1.2)
	v.SetDefault("strategies.vwap_mr.stop_atr_max", 1.55)
	v.SetDefault("strategies.vwap_mr.tp2_rr", 1.2)
	v.SetDefault("strategies.vwap_mr.tp3_rr", 1.8)
	v.SetDefault("strategies.vwap_mr.tripwire_atr", 1.7)
	v.SetDefault("strategies.vwap_mr.ladder_fractions", []float64{0.65, 0.30, 0.05})
	v.SetDefault("strategies.vwap_mr.time_stop", "30m")

	v.SetDefault("strategies.trend.enabled", false)
	v.SetDefault("strategies.trend.tp1_atr", 1.2)
	v.SetDefault("strategies.trend.tp1_fraction", 0.5)
	v.SetDefault("strategies.trend.stop_atr_buffer", 1.5)
	v.SetDefault("strategies.trend.supertrend_period", 10)
	v.SetDefault("strategies.trend.supertrend_factor", 3.0)
	v.SetDefault("strategies.trend.swing_lookback_bars", 10)
	v.SetDefault("strategies.trend.time_stop", "0s")

	v.SetDefault("journal.backend", "buntdb")
	v.SetDefault("journal.path", DefaultJournalPath)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("mail.enabled", false)

	v.SetDefault("log.level", "debug")
	v.SetDefault("log.time_format", "2006-01-02 15:04:05")
	v.SetDefault("log.colored", true)
	v.SetDefault("log.json", false)
}

// writeDefaultConfig creates the configuration file from defaults so a
// first run leaves an editable template behind
func writeDefaultConfig(v *viper.Viper, path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory %s: %w", dir, err)
		}
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

// Validate enforces every configuration bound. A violation is fatal:
// the engine refuses to start on a config it cannot trade safely with.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return core.NewTradeError(core.ErrFatalConfig, "", fmt.Errorf(format, args...))
	}

	if _, err := str2duration.ParseDuration(c.Engine.Timeframe); err != nil {
		return fail("engine.timeframe %q: %v", c.Engine.Timeframe, err)
	}
	if c.Engine.ScanInterval <= 0 || c.Engine.MonitorInterval <= 0 || c.Engine.VerifyInterval <= 0 {
		return fail("engine intervals must be positive")
	}
	if c.Engine.Workers < 1 {
		return fail("engine.workers must be at least 1")
	}
	if c.Engine.MaxSymbols < 1 || c.Engine.MaxPerSector < 1 {
		return fail("engine concurrency caps must be at least 1")
	}
	if c.Engine.WarmupBars < 210 {
		return fail("engine.warmup_bars %d is below the longest indicator lookback", c.Engine.WarmupBars)
	}

	if c.Risk.Leverage < 1 {
		return fail("risk.leverage must be at least 1")
	}
	if c.Risk.MarginFraction <= 0 || c.Risk.MarginFraction > 1 {
		return fail("risk.margin_fraction %v out of (0, 1]", c.Risk.MarginFraction)
	}
	if c.Risk.MinProfitROE <= 0 {
		return fail("risk.min_profit_roe must be positive")
	}
	if c.Risk.TrailingCallback <= 0 || c.Risk.TrailingCallback > 0.05 {
		return fail("risk.trailing_callback %v out of (0, 0.05]", c.Risk.TrailingCallback)
	}
	if c.Risk.MaxStopPct <= 0 || c.Risk.MaxStopPct > 0.2 {
		return fail("risk.max_stop_pct %v out of (0, 0.2]", c.Risk.MaxStopPct)
	}
	if c.Risk.MinAbsBufferPct <= 0 {
		return fail("risk.min_abs_buffer_pct must be positive")
	}
	if c.Risk.MinLiqDistanceFraction <= 0 || c.Risk.MinLiqDistanceFraction >= 1 {
		return fail("risk.min_liq_distance_fraction %v out of (0, 1)", c.Risk.MinLiqDistanceFraction)
	}
	if c.Risk.ShrinkStep <= 0 || c.Risk.ShrinkStep >= 1 {
		return fail("risk.shrink_step %v out of (0, 1)", c.Risk.ShrinkStep)
	}
	if c.Risk.MaxShrinkSteps < 0 {
		return fail("risk.max_shrink_steps must not be negative")
	}
	if c.Risk.OrderRetries < 1 {
		return fail("risk.order_retries must be at least 1")
	}
	if c.Risk.OrderBackoffBase <= 0 {
		return fail("risk.order_backoff_base must be positive")
	}

	if len(c.Universe.Symbols) == 0 {
		return fail("universe.symbols is empty")
	}
	seen := map[string]bool{}
	for _, s := range c.Universe.Symbols {
		if s.Pair == "" {
			return fail("universe symbol with empty pair")
		}
		if seen[s.Pair] {
			return fail("universe symbol %s declared twice", s.Pair)
		}
		seen[s.Pair] = true
		if _, err := core.ParseBucket(s.Bucket); err != nil {
			return fail("universe symbol %s: %v", s.Pair, err)
		}
		if s.Sector == "" {
			return fail("universe symbol %s has no sector", s.Pair)
		}
	}
	for _, g := range []GateThresholds{c.Universe.Major, c.Universe.Mid, c.Universe.Micro} {
		if g.MaxSpreadBps <= 0 || g.MinDepthUSD <= 0 || g.MinDayVolumeUSD <= 0 {
			return fail("universe gate thresholds must be positive")
		}
	}

	if err := validateLadder("strategies.lsvr", c.Strategies.LSVR.LadderFractions); err != nil {
		return err
	}
	if err := validateLadder("strategies.vwap_mr", c.Strategies.VWAPMR.LadderFractions); err != nil {
		return err
	}
	if c.Strategies.LSVR.SweepATRMin > c.Strategies.LSVR.SweepATRMax {
		return fail("strategies.lsvr sweep bounds inverted")
	}
	if c.Strategies.LSVR.StopATRMin > c.Strategies.LSVR.StopATRMax {
		return fail("strategies.lsvr stop bounds inverted")
	}
	if c.Strategies.VWAPMR.StopATRMin > c.Strategies.VWAPMR.StopATRMax {
		return fail("strategies.vwap_mr stop bounds inverted")
	}
	if f := c.Strategies.Trend.TP1Fraction; f <= 0 || f >= 1 {
		return fail("strategies.trend.tp1_fraction %v out of (0, 1)", f)
	}

	switch c.Journal.Backend {
	case "buntdb", "sqlite", "memory":
	default:
		return fail("journal.backend %q not one of buntdb, sqlite, memory", c.Journal.Backend)
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fail("telegram enabled without token")
	}
	if c.Mail.Enabled && (c.Mail.Host == "" || c.Mail.To == "") {
		return fail("mail enabled without host or recipient")
	}

	return nil
}

func validateLadder(name string, fractions []float64) error {
	if len(fractions) != 3 {
		return core.NewTradeError(core.ErrFatalConfig, "",
			fmt.Errorf("%s.ladder_fractions wants 3 legs, got %d", name, len(fractions)))
	}
	sum := 0.0
	for _, f := range fractions {
		if f <= 0 {
			return core.NewTradeError(core.ErrFatalConfig, "",
				fmt.Errorf("%s ladder fraction %v must be positive", name, f))
		}
		sum += f
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return core.NewTradeError(core.ErrFatalConfig, "",
			fmt.Errorf("%s ladder fractions sum to %v, want 1.0", name, sum))
	}
	return nil
}

// TimeframeDuration parses the entry timeframe into a duration
func (c *Config) TimeframeDuration() time.Duration {
	d, err := str2duration.ParseDuration(c.Engine.Timeframe)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Pairs lists the configured universe pairs in declaration order
func (c *Config) Pairs() []string {
	pairs := make([]string, 0, len(c.Universe.Symbols))
	for _, s := range c.Universe.Symbols {
		pairs = append(pairs, s.Pair)
	}
	return pairs
}

// Gate returns the liquidity thresholds for a bucket
func (c *Config) Gate(bucket core.Bucket) GateThresholds {
	switch bucket {
	case core.BucketMajor:
		return c.Universe.Major
	case core.BucketMid:
		return c.Universe.Mid
	}
	return c.Universe.Micro
}

// RegimeBounds returns the classifier thresholds for a bucket
func (c *Config) RegimeBounds(bucket core.Bucket) RegimeThresholds {
	switch bucket {
	case core.BucketMajor:
		return c.Regime.Major
	case core.BucketMid:
		return c.Regime.Mid
	}
	return c.Regime.Micro
}
