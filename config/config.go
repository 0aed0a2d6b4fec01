// Package config loads the stakingd configuration file.
//
// Files ending in .toml are decoded as TOML, everything else as YAML. Values
// missing from the file keep their defaults, environment variables override
// the file, and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/arkantrust/heliactyl-staking/staking"
)

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
}

// AuthConfig verifies the panel's session tokens. Tokens are HMAC signed JWTs
// whose subject is the user id.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmacSecret" toml:"hmacSecret"`
	Issuer     string        `yaml:"issuer" toml:"issuer"`
	Audience   string        `yaml:"audience" toml:"audience"`
	CookieName string        `yaml:"cookieName" toml:"cookieName"`
	LoginPath  string        `yaml:"loginPath" toml:"loginPath"`
	ClockSkew  time.Duration `yaml:"clockSkew" toml:"clockSkew"`
}

// AdminConfig guards the /api/v6 coin endpoints. They are not mounted when
// APIKey is empty.
type AdminConfig struct {
	APIKey string `yaml:"apiKey" toml:"apiKey"`
}

// StakingConfig holds the staking economy; see staking.Params.
type StakingConfig struct {
	DailyInterestRate      float64                       `yaml:"dailyInterestRate" toml:"dailyInterestRate"`
	MinStakeAmount         float64                       `yaml:"minStakeAmount" toml:"minStakeAmount"`
	EarlyWithdrawalPenalty float64                       `yaml:"earlyWithdrawalPenalty" toml:"earlyWithdrawalPenalty"`
	LockPeriods            map[string]staking.LockPeriod `yaml:"lockPeriods" toml:"lockPeriods"`
	BalanceScale           int32                         `yaml:"balanceScale" toml:"balanceScale"`
}

// Params converts the section into engine parameters.
func (s StakingConfig) Params() staking.Params {
	return staking.Params{
		DailyInterestRate:      s.DailyInterestRate,
		MinStakeAmount:         decimal.NewFromFloat(s.MinStakeAmount),
		EarlyWithdrawalPenalty: s.EarlyWithdrawalPenalty,
		LockPeriods:            s.LockPeriods,
		BalanceScale:           s.BalanceScale,
	}
}

// IdempotencyConfig sets how long Idempotency-Key responses are kept.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl" toml:"ttl"`
}

// RateLimitConfig is the token bucket for one route key.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
}

// ObservabilityConfig controls request logging and metrics.
type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
}

// Config is the complete stakingd configuration.
type Config struct {
	Env             string                     `yaml:"env" toml:"env"`
	ListenAddress   string                     `yaml:"listen" toml:"listen"`
	ReadTimeout     time.Duration              `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration              `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration              `yaml:"idleTimeout" toml:"idleTimeout"`
	ShutdownTimeout time.Duration              `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	DBPath          string                     `yaml:"dbPath" toml:"dbPath"`
	Log             LogConfig                  `yaml:"log" toml:"log"`
	Auth            AuthConfig                 `yaml:"auth" toml:"auth"`
	Admin           AdminConfig                `yaml:"admin" toml:"admin"`
	Staking         StakingConfig              `yaml:"staking" toml:"staking"`
	Idempotency     IdempotencyConfig          `yaml:"idempotency" toml:"idempotency"`
	RateLimits      map[string]RateLimitConfig `yaml:"rateLimits" toml:"rateLimits"`
	CORS            CORSConfig                 `yaml:"cors" toml:"cors"`
	Observability   ObservabilityConfig        `yaml:"observability" toml:"observability"`

	// TrustProxyHeaders makes rate limiting read the client address from
	// X-Real-IP and X-Forwarded-For. Only set it behind a proxy that
	// overwrites them.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders" toml:"trustProxyHeaders"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	params := staking.DefaultParams()
	return Config{
		ListenAddress:   ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		DBPath:          "heliactyl.db",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Auth: AuthConfig{
			CookieName: "heliactyl_session",
			LoginPath:  "/login",
			ClockSkew:  2 * time.Minute,
		},
		Staking: StakingConfig{
			DailyInterestRate:      params.DailyInterestRate,
			MinStakeAmount:         params.MinStakeAmount.InexactFloat64(),
			EarlyWithdrawalPenalty: params.EarlyWithdrawalPenalty,
			LockPeriods:            params.LockPeriods,
			BalanceScale:           params.BalanceScale,
		},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		RateLimits: map[string]RateLimitConfig{
			"staking": {RequestsPerMinute: 60, Burst: 10},
			"admin":   {RequestsPerMinute: 120, Burst: 20},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "stakingd",
			Metrics:       true,
			LogRequests:   true,
			MetricsPrefix: "heliactyl",
		},
	}
}

// Load reads path (which may be empty) on top of the defaults, applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	// PORT and DB_PATH predate the STAKINGD_ prefix and lose to it.
	if v, ok := get("PORT"); ok {
		c.ListenAddress = ":" + v
	}
	if v, ok := get("DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := get("STAKINGD_LISTEN"); ok {
		c.ListenAddress = v
	}
	if v, ok := get("STAKINGD_DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := get("STAKINGD_ENV"); ok {
		c.Env = v
	}
	if v, ok := get("STAKINGD_JWT_SECRET"); ok {
		c.Auth.HMACSecret = v
	}
	if v, ok := get("STAKINGD_ADMIN_API_KEY"); ok {
		c.Admin.APIKey = v
	}
}

// Validate reports the first problem found in the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("dbPath is required")
	}
	if strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return errors.New("auth.hmacSecret is required")
	}
	if !strings.HasPrefix(c.Auth.LoginPath, "/") {
		return fmt.Errorf("auth.loginPath %q must be an absolute path", c.Auth.LoginPath)
	}
	if c.Auth.CookieName == "" {
		return errors.New("auth.cookieName is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := c.Staking.Params().Validate(); err != nil {
		return fmt.Errorf("staking: %w", err)
	}
	if c.Idempotency.TTL <= 0 {
		return errors.New("idempotency.ttl must be positive")
	}
	for key, limit := range c.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rateLimits.%s: requestsPerMinute and burst must be positive", key)
		}
	}
	return nil
}

// ParseLevel maps a configured log level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
