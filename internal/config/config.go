// Package config defines all configuration for the market-making bot.
// Config is loaded from a TOML file with sensitive fields overridable via
// MM_* environment variables, and can be watched for live reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// APIKey is one venue credential triple, as read from the api_keys array.
type APIKey struct {
	Key    string `mapstructure:"key"`
	Secret string `mapstructure:"secret"`
	Label  string `mapstructure:"label"`
}

// Config is the top-level configuration. Maps directly to the TOML file
// structure described in the venue/config section of the data model.
type Config struct {
	DryRun bool `mapstructure:"dry_run"`

	Exchange string   `mapstructure:"exchange"` // "bybit" | "binance" | "both"
	Symbols  []string `mapstructure:"symbols"`

	APIKeys  []APIKey           `mapstructure:"api_keys"`
	Balances map[string]float64 `mapstructure:"balances"`

	Leverage            float64 `mapstructure:"leverage"`
	OrdersPerSide       int     `mapstructure:"orders_per_side"`
	FinalOrderDistance  float64 `mapstructure:"final_order_distance"`
	Depths              []int   `mapstructure:"depths"`
	RebalanceRatio      float64 `mapstructure:"rebalance_ratio"`
	RateLimit           uint32  `mapstructure:"rate_limit"` // requests per minute
	PreferredSpreadBps  float64 `mapstructure:"preferred_spread_bps"`
	OutOfBoundsBps      float64 `mapstructure:"out_of_bounds_bps"`

	// SymbolParams carries each symbol's venue-reported tick/lot/min-notional,
	// keyed by symbol. Not derivable from the ladder config alone, so it is
	// pinned here rather than queried at runtime (neither Bybit nor Binance's
	// instrument-info endpoints are part of the Venue interface).
	SymbolParams map[string]SymbolParams `mapstructure:"symbol_params"`

	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// SymbolParams is one symbol's tick/lot/min-notional venue constraints.
type SymbolParams struct {
	TickSize    float64 `mapstructure:"tick_size"`
	LotSize     float64 `mapstructure:"lot_size"`
	MinNotional float64 `mapstructure:"min_notional"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only operational dashboard.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a TOML file with env var overrides for credentials.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("MM_API_KEY"); key != "" && len(cfg.APIKeys) > 0 {
		cfg.APIKeys[0].Key = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" && len(cfg.APIKeys) > 0 {
		cfg.APIKeys[0].Secret = secret
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Exchange {
	case "bybit", "binance", "both":
	default:
		return fmt.Errorf("exchange must be one of bybit, binance, both (got %q)", c.Exchange)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("api_keys must contain at least one credential")
	}
	for i, k := range c.APIKeys {
		if k.Key == "" || k.Secret == "" {
			return fmt.Errorf("api_keys[%d] missing key or secret", i)
		}
	}
	if c.Leverage <= 0 {
		return fmt.Errorf("leverage must be > 0")
	}
	if c.OrdersPerSide <= 0 {
		return fmt.Errorf("orders_per_side must be > 0")
	}
	if c.RebalanceRatio <= 0 || c.RebalanceRatio > 1 {
		return fmt.Errorf("rebalance_ratio must be in (0, 1]")
	}
	if c.RateLimit == 0 {
		return fmt.Errorf("rate_limit (requests per minute) must be > 0")
	}
	for _, sym := range c.Symbols {
		p, ok := c.SymbolParams[sym]
		if !ok || p.TickSize <= 0 || p.LotSize <= 0 {
			return fmt.Errorf("symbol_params[%s] missing or has non-positive tick_size/lot_size", sym)
		}
	}
	for sym, bal := range c.Balances {
		if bal < 0 {
			return fmt.Errorf("balances[%s] must be >= 0", sym)
		}
	}
	return nil
}

// WatchConfig watches path for changes via fsnotify and emits a freshly
// reloaded Config on every write, debounced by poll — multiple rapid writes
// (e.g. an editor's save-then-rewrite) within one poll window collapse into
// a single emission. The returned channel is closed after the caller calls
// the returned stop func, or when the underlying watcher's event stream ends.
func WatchConfig(path string, poll time.Duration) (<-chan Config, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", path, err)
	}

	out := make(chan Config, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		var pending bool
		timer := time.NewTimer(poll)
		if !timer.Stop() {
			<-timer.C
		}

		for {
			select {
			case <-done:
				watcher.Close()
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if !pending {
						pending = true
						timer.Reset(poll)
					}
				}
			case <-timer.C:
				pending = false
				cfg, err := Load(path)
				if err != nil {
					continue
				}
				select {
				case out <- *cfg:
				default:
				}
			}
		}
	}()

	stop := func() { close(done) }
	return out, stop, nil
}
