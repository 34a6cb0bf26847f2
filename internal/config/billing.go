package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig holds the hot-reloadable metering tunables.
type BillingConfig struct {
	// DefaultHourlyRate is the fallback rate (minor units per hour) used
	// when an instance's plan can no longer be resolved.
	DefaultHourlyRate int64 `mapstructure:"defaultHourlyRate"`

	RunInterval    time.Duration `mapstructure:"runInterval"`
	StartupDelay   time.Duration `mapstructure:"startupDelay"`
	BatchSize      int           `mapstructure:"batchSize"`
	OrgConcurrency int           `mapstructure:"orgConcurrency"`
	BillTimeout    time.Duration `mapstructure:"billTimeout"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		DefaultHourlyRate: 5,
		RunInterval:       time.Hour,
		StartupDelay:      15 * time.Second,
		BatchSize:         500,
		OrgConcurrency:    4,
		BillTimeout:       30 * time.Second,
	}
}

// BillingConfigHolder exposes the current BillingConfig and reloads it when
// the underlying file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/hourmeter/config")
	v.AddConfigPath("/etc/hourmeter")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HOURMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.defaultHourlyRate", defaults.DefaultHourlyRate)
	v.SetDefault("billing.runInterval", defaults.RunInterval)
	v.SetDefault("billing.startupDelay", defaults.StartupDelay)
	v.SetDefault("billing.batchSize", defaults.BatchSize)
	v.SetDefault("billing.orgConcurrency", defaults.OrgConcurrency)
	v.SetDefault("billing.billTimeout", defaults.BillTimeout)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config with no file watching.
// Intended for tests and embedded use.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.DefaultHourlyRate <= 0 {
		return errors.New("billing.defaultHourlyRate must be positive")
	}
	if cfg.RunInterval <= 0 {
		return errors.New("billing.runInterval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("billing.batchSize must be positive")
	}
	if cfg.OrgConcurrency <= 0 {
		return errors.New("billing.orgConcurrency must be positive")
	}
	return nil
}
