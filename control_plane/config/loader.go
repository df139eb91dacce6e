package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "adpilot.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path can be overridden with ADPILOT_CONFIG.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("ADPILOT_CONFIG"); v != "" {
		path = v
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
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
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
	setString(&cfg.Server.Port, "ADPILOT_PORT")
	setString(&cfg.Server.CORSOrigin, "ADPILOT_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "ADPILOT_SHUTDOWN_TIMEOUT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ADPILOT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ADPILOT_PG_MIN_CONNS")
	setBool(&cfg.Postgres.AutoMigrate, "ADPILOT_PG_AUTO_MIGRATE")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ADPILOT_REDIS_DB")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "ADPILOT_NATS_SUBJECT_PREFIX")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setDuration(&cfg.Auth.AccessTokenTTL, "ADPILOT_ACCESS_TOKEN_TTL")
	setString(&cfg.Auth.BootstrapAdminEmail, "ADPILOT_ADMIN_EMAIL")
	setString(&cfg.Auth.BootstrapAdminPassword, "ADPILOT_ADMIN_PASSWORD")

	setString(&cfg.Agent.BaseURL, "ADPILOT_AGENT_BASE_URL")
	setDuration(&cfg.Agent.ProxyTimeout, "ADPILOT_AGENT_PROXY_TIMEOUT")
	setDuration(&cfg.Agent.StaleAfter, "ADPILOT_AGENT_STALE_AFTER")
	setFloat64(&cfg.Agent.RateRPS, "ADPILOT_AGENT_RATE_RPS")
	setInt(&cfg.Agent.RateBurst, "ADPILOT_AGENT_RATE_BURST")
	setInt(&cfg.Agent.BreakerThreshold, "ADPILOT_AGENT_BREAKER_THRESHOLD")
	setDuration(&cfg.Agent.BreakerCooldown, "ADPILOT_AGENT_BREAKER_COOLDOWN")
	setString(&cfg.Agent.DockerImage, "ADPILOT_AGENT_IMAGE")
	setFloat64(&cfg.Agent.HeartbeatRPS, "ADPILOT_HEARTBEAT_RPS")

	setDuration(&cfg.Scheduler.RetentionInterval, "ADPILOT_RETENTION_INTERVAL")
	setDuration(&cfg.Scheduler.SweepInterval, "ADPILOT_SWEEP_INTERVAL")
	setDuration(&cfg.Scheduler.AutoRulesInterval, "ADPILOT_AUTO_RULES_INTERVAL")
	setDuration(&cfg.Scheduler.AutomatedCheckInterval, "ADPILOT_AUTOMATED_CHECK_INTERVAL")
	setDuration(&cfg.Scheduler.LeaderLeaseTTL, "ADPILOT_LEADER_LEASE_TTL")
	setDuration(&cfg.Scheduler.RuleLeaseTTL, "ADPILOT_RULE_LEASE_TTL")

	setInt(&cfg.Retention.Days, "ADPILOT_RETENTION_DAYS")
	setInt(&cfg.Retention.BatchSize, "ADPILOT_RETENTION_BATCH")

	setString(&cfg.RuleGen.URL, "ADPILOT_RULEGEN_URL")
	setString(&cfg.RuleGen.Model, "ADPILOT_RULEGEN_MODEL")
	setString(&cfg.RuleGen.APIKey, "OPENAI_API_KEY")
	setDuration(&cfg.RuleGen.Timeout, "ADPILOT_RULEGEN_TIMEOUT")

	setString(&cfg.Logging.Level, "ADPILOT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ADPILOT_LOG_SERVICE")

	setInt64(&cfg.Cache.MaxCostBytes, "ADPILOT_CACHE_MAX_BYTES")
	setDuration(&cfg.Cache.IdempotencyTTL, "ADPILOT_IDEMPOTENCY_TTL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Agent.ProxyTimeout <= 0 {
		return errors.New("agent.proxy_timeout must be > 0")
	}
	if cfg.Agent.StaleAfter <= 0 {
		return errors.New("agent.stale_after must be > 0")
	}
	if cfg.Agent.RateBurst < 1 {
		return errors.New("agent.rate_burst must be >= 1")
	}
	if cfg.Agent.BreakerThreshold < 1 {
		return errors.New("agent.breaker_threshold must be >= 1")
	}
	if cfg.Retention.Days < 1 {
		return errors.New("retention.days must be >= 1")
	}
	if cfg.Retention.BatchSize < 1 {
		return errors.New("retention.batch_size must be >= 1")
	}
	// Job intervals feed tickers and lease TTLs feed renewal tickers; both
	// panic on a non-positive duration.
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"scheduler.retention_interval", cfg.Scheduler.RetentionInterval},
		{"scheduler.sweep_interval", cfg.Scheduler.SweepInterval},
		{"scheduler.auto_rules_interval", cfg.Scheduler.AutoRulesInterval},
		{"scheduler.automated_check_interval", cfg.Scheduler.AutomatedCheckInterval},
		{"scheduler.leader_lease_ttl", cfg.Scheduler.LeaderLeaseTTL},
		{"scheduler.rule_lease_ttl", cfg.Scheduler.RuleLeaseTTL},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
	}
	if cfg.Auth.BootstrapAdminEmail != "" && cfg.Auth.BootstrapAdminPassword == "" {
		return errors.New("auth.bootstrap_admin_password is required when bootstrap_admin_email is set")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
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

func setFloat64(dst *float64, key string) {
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
