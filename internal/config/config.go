package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings
type Config struct {
	DatabaseURL   string `mapstructure:"database_url"`
	DatabaseDebug bool   `mapstructure:"database_debug"`

	// Clinical source database, defaults to DatabaseURL when empty
	ClinicalDatabaseURL string `mapstructure:"clinical_database_url"`

	HTTPPort    int           `mapstructure:"http_port"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	ExportBatchSize   int `mapstructure:"export_batch_size"`
	ExportWorkerCount int `mapstructure:"export_worker_count"`

	SyncCron   string `mapstructure:"sync_cron"`
	ExportCron string `mapstructure:"export_cron"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

// Load reads configuration from config.yaml (working directory or
// /etc/dhis2bridge) and the environment. Environment variables use the
// DHIS2BRIDGE prefix, e.g. DHIS2BRIDGE_DATABASE_URL.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dhis2bridge")

	v.SetEnvPrefix("DHIS2BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.ClinicalDatabaseURL == "" {
		cfg.ClinicalDatabaseURL = cfg.DatabaseURL
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "sqlite://./dhis2bridge.db")
	v.SetDefault("clinical_database_url", "")
	v.SetDefault("database_debug", false)
	v.SetDefault("http_port", 8080)
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("remote_timeout", 60*time.Second)
	v.SetDefault("export_batch_size", 500)
	v.SetDefault("export_worker_count", 8)
	v.SetDefault("sync_cron", "")
	v.SetDefault("export_cron", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.ExportBatchSize < 1 {
		return fmt.Errorf("export_batch_size must be positive, got %d", c.ExportBatchSize)
	}
	if c.ExportWorkerCount < 1 {
		return fmt.Errorf("export_worker_count must be positive, got %d", c.ExportWorkerCount)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port out of range: %d", c.HTTPPort)
	}
	return nil
}
