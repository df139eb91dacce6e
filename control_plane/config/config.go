// Package config provides hierarchical configuration loading for the
// AdPilot control plane.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the control plane.
type Config struct {
	Server    Server    `yaml:"server"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	NATS      NATS      `yaml:"nats"`
	Auth      Auth      `yaml:"auth"`
	Agent     Agent     `yaml:"agent"`
	Scheduler Scheduler `yaml:"scheduler"`
	Retention Retention `yaml:"retention"`
	RuleGen   RuleGen   `yaml:"rulegen"`
	Logging   Logging   `yaml:"logging"`
	Cache     Cache     `yaml:"cache"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Postgres holds PostgreSQL connection configuration.
// An empty DSN selects the in-memory store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	HealthCheck     time.Duration `yaml:"health_check"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// Redis holds coordination backend configuration.
// An empty Addr disables leader election and distributed rule leases.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATS holds event publishing configuration.
// An empty URL falls back to log-only publishing.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Auth holds operator authentication configuration.
type Auth struct {
	JWTSecret              string        `yaml:"jwt_secret"`
	AccessTokenTTL         time.Duration `yaml:"access_token_ttl"`
	BootstrapAdminEmail    string        `yaml:"bootstrap_admin_email"`
	BootstrapAdminPassword string        `yaml:"bootstrap_admin_password"`
}

// Agent holds agent-proxy and liveness configuration.
type Agent struct {
	BaseURL          string        `yaml:"base_url"`
	ProxyTimeout     time.Duration `yaml:"proxy_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	RateRPS          float64       `yaml:"rate_rps"`
	RateBurst        int           `yaml:"rate_burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	DockerImage      string        `yaml:"docker_image"`
	HeartbeatRPS     float64       `yaml:"heartbeat_rps"`
}

// Scheduler holds periodic job intervals.
type Scheduler struct {
	RetentionInterval      time.Duration `yaml:"retention_interval"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	AutoRulesInterval      time.Duration `yaml:"auto_rules_interval"`
	AutomatedCheckInterval time.Duration `yaml:"automated_check_interval"`
	LeaderLeaseTTL         time.Duration `yaml:"leader_lease_ttl"`
	RuleLeaseTTL           time.Duration `yaml:"rule_lease_ttl"`
}

// Retention holds snapshot compaction configuration.
type Retention struct {
	Days      int `yaml:"days"`
	BatchSize int `yaml:"batch_size"`
}

// RuleGen holds the OpenAI-compatible rule generation endpoint.
// An empty APIKey disables generation.
type RuleGen struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Cache holds the idempotent-response cache configuration.
type Cache struct {
	MaxCostBytes   int64         `yaml:"max_cost_bytes"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: Postgres{
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			HealthCheck:     30 * time.Second,
			AutoMigrate:     true,
		},
		NATS: NATS{
			SubjectPrefix: "adpilot",
		},
		Auth: Auth{
			AccessTokenTTL: 24 * time.Hour,
		},
		Agent: Agent{
			BaseURL:          "http://localhost:8081",
			ProxyTimeout:     10 * time.Second,
			StaleAfter:       2 * time.Minute,
			RateRPS:          5,
			RateBurst:        10,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			DockerImage:      "adpilot/agent:latest",
			HeartbeatRPS:     1,
		},
		Scheduler: Scheduler{
			RetentionInterval:      time.Hour,
			SweepInterval:          30 * time.Second,
			AutoRulesInterval:      5 * time.Minute,
			AutomatedCheckInterval: time.Minute,
			LeaderLeaseTTL:         15 * time.Second,
			RuleLeaseTTL:           5 * time.Minute,
		},
		Retention: Retention{
			Days:      90,
			BatchSize: 10000,
		},
		RuleGen: RuleGen{
			URL:     "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Logging: Logging{
			Level:   "info",
			Service: "adpilot-control-plane",
		},
		Cache: Cache{
			MaxCostBytes:   32 << 20,
			IdempotencyTTL: 24 * time.Hour,
		},
	}
}
