package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Agent.ProxyTimeout != 10*time.Second {
		t.Errorf("expected proxy timeout 10s, got %v", cfg.Agent.ProxyTimeout)
	}
	if cfg.Agent.StaleAfter != 2*time.Minute {
		t.Errorf("expected stale_after 2m, got %v", cfg.Agent.StaleAfter)
	}
	if cfg.Retention.Days != 90 || cfg.Retention.BatchSize != 10000 {
		t.Errorf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if cfg.Scheduler.SweepInterval != 30*time.Second {
		t.Errorf("expected sweep interval 30s, got %v", cfg.Scheduler.SweepInterval)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
agent:
  base_url: "http://agent.internal:9000"
  rate_burst: 3
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Agent.BaseURL != "http://agent.internal:9000" {
		t.Errorf("expected agent base url override, got %s", cfg.Agent.BaseURL)
	}
	if cfg.Agent.RateBurst != 3 {
		t.Errorf("expected rate_burst 3, got %d", cfg.Agent.RateBurst)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.Agent.ProxyTimeout != 10*time.Second {
		t.Errorf("expected default proxy timeout, got %v", cfg.Agent.ProxyTimeout)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("ADPILOT_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("ADPILOT_AGENT_STALE_AFTER", "3m")
	t.Setenv("ADPILOT_RETENTION_DAYS", "not-a-number")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.Agent.StaleAfter != 3*time.Minute {
		t.Errorf("expected stale_after 3m, got %v", cfg.Agent.StaleAfter)
	}
	if cfg.Retention.Days != 90 {
		t.Errorf("invalid env value should keep default, got %d", cfg.Retention.Days)
	}
}

func TestLoadFromEnvBeatsYAML(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "adpilot.yaml")
	content := "server:\n  port: \"9090\"\nauth:\n  jwt_secret: \"" + testSecret + "\"\n"
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADPILOT_PORT", "6060")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env port 6060, got %s", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"no port", func(c *Config) { c.Server.Port = "" }, "server.port"},
		{"zero burst", func(c *Config) { c.Agent.RateBurst = 0 }, "rate_burst"},
		{"admin without password", func(c *Config) { c.Auth.BootstrapAdminEmail = "a@b.c" }, "bootstrap_admin_password"},
		{"zero retention interval", func(c *Config) { c.Scheduler.RetentionInterval = 0 }, "scheduler.retention_interval"},
		{"zero sweep interval", func(c *Config) { c.Scheduler.SweepInterval = 0 }, "scheduler.sweep_interval"},
		{"negative auto rules interval", func(c *Config) { c.Scheduler.AutoRulesInterval = -time.Second }, "scheduler.auto_rules_interval"},
		{"zero automated check interval", func(c *Config) { c.Scheduler.AutomatedCheckInterval = 0 }, "scheduler.automated_check_interval"},
		{"zero leader lease", func(c *Config) { c.Scheduler.LeaderLeaseTTL = 0 }, "scheduler.leader_lease_ttl"},
		{"zero rule lease", func(c *Config) { c.Scheduler.RuleLeaseTTL = 0 }, "scheduler.rule_lease_ttl"},
		{"pg without conns", func(c *Config) {
			c.Postgres.DSN = "postgres://x"
			c.Postgres.MaxConns = 0
		}, "max_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Auth.JWTSecret = testSecret
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
