package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"polymaker/internal/domain"
)

// Venue modes.
const (
	ModeLive    = "live"
	ModeSandbox = "sandbox"
)

// Aggression levels. Each resolves to a named parameter bundle; level is an
// opaque configuration key, never engine logic.
const (
	AggressionConservative = "conservative"
	AggressionModerate     = "moderate"
	AggressionAggressive   = "aggressive"
)

// Config holds all application settings. Load with LoadConfig; sensitive
// values can be overridden through environment variables afterwards.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Venue struct {
		Mode              string `yaml:"mode"` // "live" or "sandbox"
		APIURL            string `yaml:"api_url"`
		WSURL             string `yaml:"ws_url"`
		RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	} `yaml:"venue"`

	Trading struct {
		CapitalUSD           float64 `yaml:"capital_usd"`
		Aggression           string  `yaml:"aggression"`
		RefreshIntervalSec   int     `yaml:"refresh_interval_sec"`
		DiscoveryIntervalSec int     `yaml:"discovery_interval_sec"`
		MaxMarkets           int     `yaml:"max_markets"`
		MinVolumeUSD         float64 `yaml:"min_volume_usd"`
		MaxPerMarketPct      float64 `yaml:"max_per_market_pct"`
		MaxNetExposurePct    float64 `yaml:"max_net_exposure_pct"`
		RebateRate           float64 `yaml:"rebate_rate"`
		ShutdownGraceSec     int     `yaml:"shutdown_grace_sec"`
	} `yaml:"trading"`

	Quoting struct {
		DefaultSizeUSD    float64 `yaml:"default_size_usd"`
		MinSizeUSD        float64 `yaml:"min_size_usd"`
		MaxSizeUSD        float64 `yaml:"max_size_usd"`
		MinSpreadBps      int     `yaml:"min_spread_bps"`
		MaxSpreadBps      int     `yaml:"max_spread_bps"`
		VolMultiplier     float64 `yaml:"vol_multiplier"`
		BasePositioning   float64 `yaml:"base_positioning"`
		SkewSensitivity   float64 `yaml:"skew_sensitivity"`
		BuyStopThreshold  float64 `yaml:"buy_stop_threshold"`
		SellStopThreshold float64 `yaml:"sell_stop_threshold"`
		OrderLifetimeSec  int     `yaml:"order_lifetime_sec"`
		StaleMaxAgeSec    int     `yaml:"stale_max_age_sec"`
	} `yaml:"quoting"`

	Inventory struct {
		MaxExposureUSD     float64 `yaml:"max_exposure_usd"`
		MinExposureUSD     float64 `yaml:"min_exposure_usd"`
		MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
		MaxSingleOrderUSD  float64 `yaml:"max_single_order_usd"`
		MaxInventorySkew   float64 `yaml:"max_inventory_skew"`
	} `yaml:"inventory"`

	Risk struct {
		StopLossPct                float64 `yaml:"stop_loss_pct"`
		StopLossCooldownMin        int     `yaml:"stop_loss_cooldown_min"`
		MaxConsecutiveLosses       int     `yaml:"max_consecutive_losses"`
		ConsecutiveLossCooldownMin int     `yaml:"consecutive_loss_cooldown_min"`
		MaxAPIFailures             int     `yaml:"max_api_failures"`
		APIFailureCooldownMin      int     `yaml:"api_failure_cooldown_min"`
	} `yaml:"risk"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// AggressionPreset is a named bundle of quoting/inventory parameters.
type AggressionPreset struct {
	Name              string
	OrderPct          float64 // order size as a fraction of capital
	MinSpreadBps      int
	MaxSpreadBps      int
	InventoryCap      float64 // per-market inventory as a fraction of capital
	OrderLifetimeSec  int
	BuyStopThreshold  float64
	SellStopThreshold float64
}

var aggressionPresets = map[string]AggressionPreset{
	AggressionConservative: {
		Name:     "Conservative",
		OrderPct: 0.10, MinSpreadBps: 30, MaxSpreadBps: 80,
		InventoryCap: 0.15, OrderLifetimeSec: 120,
		BuyStopThreshold: 0.10, SellStopThreshold: -0.10,
	},
	AggressionModerate: {
		Name:     "Moderate",
		OrderPct: 0.20, MinSpreadBps: 20, MaxSpreadBps: 60,
		InventoryCap: 0.25, OrderLifetimeSec: 60,
		BuyStopThreshold: 0.15, SellStopThreshold: -0.15,
	},
	AggressionAggressive: {
		Name:     "Aggressive",
		OrderPct: 0.30, MinSpreadBps: 15, MaxSpreadBps: 50,
		InventoryCap: 0.40, OrderLifetimeSec: 30,
		BuyStopThreshold: 0.20, SellStopThreshold: -0.20,
	},
}

// PresetFor returns the named aggression preset, falling back to moderate
// for an unknown level.
func PresetFor(level string) AggressionPreset {
	if p, ok := aggressionPresets[strings.ToLower(level)]; ok {
		return p
	}
	return aggressionPresets[AggressionModerate]
}

// LoadConfig reads and parses the configuration file, applies the aggression
// preset, overrides sensitive values from the environment and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyAggression(cfg.Trading.Aggression)
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "polymaker"
	cfg.Venue.Mode = ModeSandbox
	cfg.Venue.RequestTimeoutSec = 10
	cfg.Trading.CapitalUSD = 60
	cfg.Trading.Aggression = AggressionModerate
	cfg.Trading.RefreshIntervalSec = 3
	cfg.Trading.DiscoveryIntervalSec = 300
	cfg.Trading.MaxMarkets = 10
	cfg.Trading.MinVolumeUSD = 5000
	cfg.Trading.MaxPerMarketPct = 0.30
	cfg.Trading.MaxNetExposurePct = 0.50
	cfg.Trading.RebateRate = 0.20
	cfg.Trading.ShutdownGraceSec = 10
	cfg.Quoting.MinSizeUSD = 1
	cfg.Quoting.VolMultiplier = 2.0
	cfg.Quoting.BasePositioning = 0.5
	cfg.Quoting.SkewSensitivity = 0.3
	cfg.Quoting.StaleMaxAgeSec = 300
	cfg.Inventory.MaxInventorySkew = 0.3
	cfg.Risk.StopLossPct = 10
	cfg.Risk.StopLossCooldownMin = 30
	cfg.Risk.MaxConsecutiveLosses = 3
	cfg.Risk.ConsecutiveLossCooldownMin = 30
	cfg.Risk.MaxAPIFailures = 5
	cfg.Risk.APIFailureCooldownMin = 5
	cfg.Logging.Level = "info"
	return cfg
}

// ApplyAggression resolves the named preset into concrete quoting and
// inventory parameters derived from the configured capital. Explicit yaml
// values for the same fields are overwritten: the preset is the bundle.
func (c *Config) ApplyAggression(level string) {
	p := PresetFor(level)
	capital := c.Trading.CapitalUSD

	c.Quoting.DefaultSizeUSD = round2(capital * p.OrderPct)
	c.Quoting.MaxSizeUSD = round2(capital * p.OrderPct * 2)
	c.Quoting.MinSpreadBps = p.MinSpreadBps
	c.Quoting.MaxSpreadBps = p.MaxSpreadBps
	c.Quoting.BuyStopThreshold = p.BuyStopThreshold
	c.Quoting.SellStopThreshold = p.SellStopThreshold
	c.Quoting.OrderLifetimeSec = p.OrderLifetimeSec

	c.Inventory.MaxExposureUSD = round2(capital * c.Trading.MaxNetExposurePct)
	c.Inventory.MinExposureUSD = -c.Inventory.MaxExposureUSD
	inventoryCap := p.InventoryCap
	if c.Trading.MaxPerMarketPct > 0 && c.Trading.MaxPerMarketPct < inventoryCap {
		inventoryCap = c.Trading.MaxPerMarketPct
	}
	c.Inventory.MaxPositionSizeUSD = round2(capital * inventoryCap)
	c.Inventory.MaxSingleOrderUSD = c.Quoting.MaxSizeUSD
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// overrideWithEnv applies environment overrides for deploy-time values.
func overrideWithEnv(c *Config) {
	if v := os.Getenv("POLYMAKER_VENUE_MODE"); v != "" {
		c.Venue.Mode = v
	}
	if v := os.Getenv("POLYMAKER_API_URL"); v != "" {
		c.Venue.APIURL = v
	}
	if v := os.Getenv("POLYMAKER_WS_URL"); v != "" {
		c.Venue.WSURL = v
	}
	if v := os.Getenv("POLYMAKER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks configuration validity. Failures come back as
// *domain.ConfigError naming the offending field.
func (c *Config) Validate() error {
	switch c.Venue.Mode {
	case ModeLive, ModeSandbox:
	default:
		return configErr("venue.mode", "must be %q or %q, got %q", ModeLive, ModeSandbox, c.Venue.Mode)
	}

	if c.Venue.Mode == ModeLive {
		if c.Venue.APIURL == "" || !strings.HasPrefix(c.Venue.APIURL, "http") {
			return configErr("venue.api_url", "invalid venue API URL: %s", c.Venue.APIURL)
		}
		if c.Venue.WSURL != "" && !strings.HasPrefix(c.Venue.WSURL, "ws") {
			return configErr("venue.ws_url", "invalid venue WS URL: %s", c.Venue.WSURL)
		}
	}

	if c.Trading.CapitalUSD <= 0 {
		return configErr("trading.capital_usd", "capital must be positive, got %v", c.Trading.CapitalUSD)
	}
	if c.Trading.RefreshIntervalSec <= 0 {
		return configErr("trading.refresh_interval_sec", "refresh interval must be positive")
	}
	if c.Quoting.MinSpreadBps > c.Quoting.MaxSpreadBps {
		return configErr("quoting.min_spread_bps", "min spread %d exceeds max spread %d", c.Quoting.MinSpreadBps, c.Quoting.MaxSpreadBps)
	}
	if c.Inventory.MaxExposureUSD < -c.Inventory.MinExposureUSD {
		return configErr("inventory.max_exposure_usd", "max exposure must cover the magnitude of min exposure")
	}
	if c.Inventory.MaxInventorySkew <= 0 || c.Inventory.MaxInventorySkew > 1 {
		return configErr("inventory.max_inventory_skew", "max inventory skew must be in (0, 1], got %v", c.Inventory.MaxInventorySkew)
	}
	if c.Risk.StopLossPct < 0 || c.Risk.StopLossPct > 100 {
		return configErr("risk.stop_loss_pct", "stop loss pct must be in [0, 100], got %v", c.Risk.StopLossPct)
	}
	return nil
}

func configErr(field, format string, args ...any) *domain.ConfigError {
	return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// RequestTimeout returns the venue request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Venue.RequestTimeoutSec) * time.Second
}

// RefreshInterval returns the quoting tick interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Trading.RefreshIntervalSec) * time.Second
}

// DiscoveryInterval returns the market discovery interval as a duration.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Trading.DiscoveryIntervalSec) * time.Second
}

// ShutdownGrace returns the shutdown grace period as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Trading.ShutdownGraceSec) * time.Second
}
