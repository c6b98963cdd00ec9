package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"topacc.org/internal/autopay"
)

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	RateBurst         int           `mapstructure:"rate_burst"`
	RatePerSecond     int           `mapstructure:"rate_per_second"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

type KeeperConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type AppConfig struct {
	ServiceName string       `mapstructure:"service_name"`
	Env         string       `mapstructure:"env"`
	PGDSN       string       `mapstructure:"pg_dsn"`
	PayoutMode  string       `mapstructure:"payout_mode"`
	HTTP        HTTPConfig   `mapstructure:"http"`
	Keeper      KeeperConfig `mapstructure:"keeper"`
}

// PayoutPolicy returns the validated payout mode.
func (c *AppConfig) PayoutPolicy() (autopay.PayoutMode, error) {
	mode := autopay.PayoutMode(strings.ToLower(strings.TrimSpace(c.PayoutMode)))
	if !mode.Valid() {
		return "", fmt.Errorf("invalid payout_mode %q", c.PayoutMode)
	}
	return mode, nil
}

// Load reads configuration from the given YAML file (missing file is fine)
// with TOPACC_* environment overrides on top of defaults.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("TOPACC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if _, err := cfg.PayoutPolicy(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "topacc-api")
	v.SetDefault("env", "dev")
	v.SetDefault("pg_dsn", "")
	v.SetDefault("payout_mode", string(autopay.PayoutInternal))
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.read_header_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.rate_burst", 50)
	v.SetDefault("http.rate_per_second", 25)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("keeper.enabled", false)
	v.SetDefault("keeper.sweep_interval", "30s")
	v.SetDefault("keeper.batch_size", 100)
	v.SetDefault("keeper.rate_per_second", 20)
	v.SetDefault("keeper.burst", 5)
}
