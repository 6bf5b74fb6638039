package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds the settings for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// IMAPHost and IMAPPort locate the provider's IMAP endpoint.
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`

	// Username is the login name; the password lives in the system
	// keyring, never in the config file.
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; false uses STARTTLS.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Enabled controls whether this account is synchronized.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RetentionDays is how far back local history should reach. Raising
	// it triggers a backfill of the newly included date range.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// SyncConfig holds the scheduling and cache policy knobs. These are the
// policy constants of the sync core, exposed as configuration.
type SyncConfig struct {
	// Workers bounds the controller's worker pool.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// MaxActionAttempts is the upload retry ceiling before an action is
	// dead-lettered.
	MaxActionAttempts int `mapstructure:"max_action_attempts" yaml:"max_action_attempts"`

	// MaxJobAttempts bounds consecutive transient retries of one job.
	MaxJobAttempts int `mapstructure:"max_job_attempts" yaml:"max_job_attempts"`

	// BackoffBaseSec and BackoffCapSec shape the exponential backoff
	// curve for transient failures and action retries.
	BackoffBaseSec int `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffCapSec  int `mapstructure:"backoff_cap_sec" yaml:"backoff_cap_sec"`

	// CacheBudgetMB is the target size of the local content cache.
	// The water marks are fractions of the budget.
	CacheBudgetMB     int     `mapstructure:"cache_budget_mb" yaml:"cache_budget_mb"`
	CacheHighWater    float64 `mapstructure:"cache_high_water" yaml:"cache_high_water"`
	CacheLowWater     float64 `mapstructure:"cache_low_water" yaml:"cache_low_water"`
	CacheCriticalMark float64 `mapstructure:"cache_critical_mark" yaml:"cache_critical_mark"`

	// BulkBatchSize bounds how many bodies/attachments one bulk
	// producer invocation may target.
	BulkBatchSize int `mapstructure:"bulk_batch_size" yaml:"bulk_batch_size"`

	// PageSize is the number of messages per folder page fetch.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// ActiveTickSec is the foreground freshness-poll cadence;
	// PassiveTickMin the backgrounded all-producers cadence.
	ActiveTickSec  int `mapstructure:"active_tick_sec" yaml:"active_tick_sec"`
	PassiveTickMin int `mapstructure:"passive_tick_min" yaml:"passive_tick_min"`

	// MinBatteryPercent is the floor below which economy work is
	// inadmissible unless the device is charging.
	MinBatteryPercent int `mapstructure:"min_battery_percent" yaml:"min_battery_percent"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	DBPath   string          `mapstructure:"db_path" yaml:"db_path"`
}

// BackoffBase returns the configured backoff base as a duration.
func (c SyncConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

// BackoffCap returns the configured backoff ceiling as a duration.
func (c SyncConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSec) * time.Second
}

// CacheBudgetBytes returns the cache budget in bytes.
func (c SyncConfig) CacheBudgetBytes() int64 {
	return int64(c.CacheBudgetMB) * 1024 * 1024
}

// HighWaterBytes is the occupancy above which bulk downloads stop.
func (c SyncConfig) HighWaterBytes() int64 {
	return int64(float64(c.CacheBudgetBytes()) * c.CacheHighWater)
}

// LowWaterBytes is the occupancy eviction drains down to.
func (c SyncConfig) LowWaterBytes() int64 {
	return int64(float64(c.CacheBudgetBytes()) * c.CacheLowWater)
}

// CriticalBytes is the occupancy above which eviction becomes mandatory.
func (c SyncConfig) CriticalBytes() int64 {
	return int64(float64(c.CacheBudgetBytes()) * c.CacheCriticalMark)
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultDBPath returns the default path for the local cache database.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailsync.db")
	}
	return filepath.Join(home, ".local", "share", "mailsync", "mailsync.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Accounts: []AccountConfig{},
		Sync:     DefaultSyncConfig(),
		DBPath:   DefaultDBPath(),
	}
}

// DefaultSyncConfig returns the default policy knobs.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Workers:           4,
		MaxActionAttempts: 5,
		MaxJobAttempts:    3,
		BackoffBaseSec:    30,
		BackoffCapSec:     3600,
		CacheBudgetMB:     512,
		CacheHighWater:    0.8,
		CacheLowWater:     0.6,
		CacheCriticalMark: 0.95,
		BulkBatchSize:     25,
		PageSize:          50,
		ActiveTickSec:     5,
		PassiveTickMin:    15,
		MinBatteryPercent: 20,
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := DefaultSyncConfig()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("db_path", DefaultDBPath())
	v.SetDefault("sync.workers", def.Workers)
	v.SetDefault("sync.max_action_attempts", def.MaxActionAttempts)
	v.SetDefault("sync.max_job_attempts", def.MaxJobAttempts)
	v.SetDefault("sync.backoff_base_sec", def.BackoffBaseSec)
	v.SetDefault("sync.backoff_cap_sec", def.BackoffCapSec)
	v.SetDefault("sync.cache_budget_mb", def.CacheBudgetMB)
	v.SetDefault("sync.cache_high_water", def.CacheHighWater)
	v.SetDefault("sync.cache_low_water", def.CacheLowWater)
	v.SetDefault("sync.cache_critical_mark", def.CacheCriticalMark)
	v.SetDefault("sync.bulk_batch_size", def.BulkBatchSize)
	v.SetDefault("sync.page_size", def.PageSize)
	v.SetDefault("sync.active_tick_sec", def.ActiveTickSec)
	v.SetDefault("sync.passive_tick_min", def.PassiveTickMin)
	v.SetDefault("sync.min_battery_percent", def.MinBatteryPercent)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].RetentionDays == 0 {
			cfg.Accounts[i].RetentionDays = 30
		}
		if !cfg.Accounts[i].Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				cfg.Accounts[i].Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)
	v.Set("db_path", cfg.DBPath)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
