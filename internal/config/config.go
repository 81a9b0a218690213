// Package config loads billscope configuration from the environment and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "BILLSCOPE_"

// fileConfig is the YAML file layout. Absent sections keep their defaults.
type fileConfig struct {
	Detection  *domain.DetectionRules   `yaml:"detection"`
	Simulation *domain.SimulationConfig `yaml:"simulation"`
	Alerting   *domain.AlertingConfig   `yaml:"alerting"`
	RateLimit  *domain.RateLimitConfig  `yaml:"rateLimit"`
}

// Load reads configuration from the process environment.
func Load() (*domain.Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds the configuration: tier defaults, then the BILLSCOPE_CONFIG
// file, then individual environment overrides. The result is validated.
func LoadFrom(getenv func(string) string) (*domain.Config, error) {
	env := func(key string) string { return strings.TrimSpace(getenv(EnvPrefix + key)) }

	cfg := domain.DefaultConfig()
	if strings.EqualFold(env("TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path := env("CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Decoding into copies of the defaults keeps unset keys at their default.
	fc := fileConfig{
		Detection:  &cfg.Detection,
		Simulation: &cfg.Simulation,
		Alerting:   &cfg.Alerting,
		RateLimit:  &cfg.RateLimit,
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%w: parse config file %s: %v", domain.ErrInvalidInput, path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config, env func(string) string) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q is not an integer", EnvPrefix, key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := env(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q is not a boolean", EnvPrefix, key, v))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s=%q is not a duration", EnvPrefix, key, v))
				return
			}
			*dst = d
		}
	}

	// Server
	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)
	dur("COMPARE_CACHE_TTL", &cfg.Server.CompareCacheTTL)

	// Logging
	var debug bool
	flag("DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	flag("TRACING", &cfg.Tracing.Enabled)

	// Storage
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache and bus
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)
	flag("ASYNC_WORKER", &cfg.AsyncWorker)

	// Rate limiting
	flag("RATE_LIMIT", &cfg.RateLimit.Enabled)
	if v := env("RATE_LIMIT_REQUESTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sRATE_LIMIT_REQUESTS=%q is not an integer", EnvPrefix, v))
		} else {
			cfg.RateLimit.Requests = n
		}
	}
	dur("RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)

	// Simulation
	if v := env("DEFAULT_TAX_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sDEFAULT_TAX_RATE=%q is not a decimal", EnvPrefix, v))
		} else {
			cfg.Simulation.DefaultTaxRate = rate
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the engine settings.
func Validate(cfg *domain.Config) error {
	if err := cfg.Detection.Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	sim := cfg.Simulation
	switch {
	case sim.DefaultTaxRate.IsNegative() || sim.DefaultTaxRate.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: simulation: defaultTaxRate must be a fraction in [0,1]", domain.ErrInvalidInput)
	case sim.CompareTopN <= 0:
		return fmt.Errorf("%w: simulation: compareTopN must be positive", domain.ErrInvalidInput)
	case sim.CompareWorkers <= 0:
		return fmt.Errorf("%w: simulation: compareWorkers must be positive", domain.ErrInvalidInput)
	case sim.SignificantSavingPercent.IsNegative():
		return fmt.Errorf("%w: simulation: significantSavingPercent must be non-negative", domain.ErrInvalidInput)
	}

	sev, ok := domain.ParseSeverity(string(cfg.Alerting.MinSeverity))
	if !ok {
		return fmt.Errorf("%w: alerting: unknown minSeverity %q", domain.ErrInvalidInput, cfg.Alerting.MinSeverity)
	}
	cfg.Alerting.MinSeverity = sev

	if cfg.RateLimit.Enabled && (cfg.RateLimit.Requests <= 0 || cfg.RateLimit.Window <= 0) {
		return fmt.Errorf("%w: rateLimit: requests and window must be positive", domain.ErrInvalidInput)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server: invalid port %d", domain.ErrInvalidInput, cfg.Server.Port)
	}
	return nil
}
