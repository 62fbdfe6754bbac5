package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "licenser.yaml"

// minSweepInterval guards against a misconfigured busy loop.
const minSweepInterval = time.Second

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path may be overridden with LICENSER_CONFIG; a missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("LICENSER_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "LICENSER_PORT")
	setInt64(&cfg.Server.MaxRequestBodySize, "LICENSER_MAX_BODY_SIZE")
	setDuration(&cfg.Server.ShutdownTimeout, "LICENSER_SHUTDOWN_TIMEOUT")
	setFloat(&cfg.Server.RedeemRate, "LICENSER_REDEEM_RATE")
	setInt(&cfg.Server.RedeemBurst, "LICENSER_REDEEM_BURST")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LICENSER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "LICENSER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "LICENSER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "LICENSER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "LICENSER_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "LICENSER_NATS_STREAM")

	setString(&cfg.Discord.BotToken, "DISCORD_BOT_TOKEN")
	setString(&cfg.Discord.APIBase, "LICENSER_DISCORD_API_BASE")
	setString(&cfg.Discord.WebhookURL, "LICENSER_DISCORD_WEBHOOK_URL")
	setDuration(&cfg.Discord.Timeout, "LICENSER_DISCORD_TIMEOUT")
	setInt(&cfg.Discord.MaxConcurrent, "LICENSER_DISCORD_MAX_CONCURRENT")

	setString(&cfg.Logging.Level, "LICENSER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "LICENSER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LICENSER_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "LICENSER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "LICENSER_BREAKER_TIMEOUT")

	setDuration(&cfg.Sweeper.Interval, "LICENSER_SWEEP_INTERVAL")
	setBool(&cfg.Sweeper.RunOnStart, "LICENSER_SWEEP_ON_START")
	setBool(&cfg.Sweeper.NotifyExpiry, "LICENSER_SWEEP_NOTIFY")

	setInt(&cfg.Licenses.MaxUnusedPerTenant, "LICENSER_MAX_UNUSED_LICENSES")
	setInt(&cfg.Licenses.InsertRetries, "LICENSER_INSERT_RETRIES")

	setString(&cfg.Tenants.DefaultPrefix, "LICENSER_DEFAULT_PREFIX")

	setInt64(&cfg.Cache.MaxSizeMB, "LICENSER_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "LICENSER_CACHE_TTL")

	setString(&cfg.Auth.APIKey, "LICENSER_API_KEY")

	setList(&cfg.Notify.Events, "LICENSER_NOTIFY_EVENTS")
	setString(&cfg.Notify.SlackWebhookURL, "LICENSER_SLACK_WEBHOOK_URL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RedeemRate > 0 && cfg.Server.RedeemBurst < 1 {
		return errors.New("server.redeem_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Discord.Timeout <= 0 {
		return errors.New("discord.timeout must be > 0")
	}
	if cfg.Discord.MaxConcurrent < 1 {
		return errors.New("discord.max_concurrent must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Sweeper.Interval < minSweepInterval {
		return fmt.Errorf("sweeper.interval must be >= %s", minSweepInterval)
	}
	if cfg.Licenses.MaxUnusedPerTenant < 1 {
		return errors.New("licenses.max_unused_per_tenant must be >= 1")
	}
	if cfg.Licenses.InsertRetries < 1 {
		return errors.New("licenses.insert_retries must be >= 1")
	}
	if utf8.RuneCountInString(cfg.Tenants.DefaultPrefix) > 5 {
		return errors.New("tenants.default_prefix must be at most 5 characters")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setList splits a comma-separated value, dropping blanks.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
