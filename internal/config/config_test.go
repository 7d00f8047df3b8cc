package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Detection.SlowThresholdMicros != 2_000_000 {
		t.Errorf("Detection.SlowThresholdMicros = %d, want 2000000", cfg.Detection.SlowThresholdMicros)
	}
	if cfg.Detection.CallOperation != "prisma:call-operation" {
		t.Errorf("Detection.CallOperation = %q", cfg.Detection.CallOperation)
	}
	if cfg.Agent.Timeout != 1800*time.Second {
		t.Errorf("Agent.Timeout = %s, want 30m", cfg.Agent.Timeout)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("Agent.MaxIterations = %d, want 20", cfg.Agent.MaxIterations)
	}
	if cfg.Repository.BranchPrefix != "claude/fix-" {
		t.Errorf("Repository.BranchPrefix = %q", cfg.Repository.BranchPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"rate limit 0", func(c *Config) { c.Server.RateLimitRPS = 0 }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = "postgres://u:p@localhost/db"
		}, false},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, true},
		{"no tracing url", func(c *Config) { c.TracingBackend.URL = "" }, true},
		{"fetch concurrency 0", func(c *Config) { c.TracingBackend.FetchConcurrency = 0 }, true},
		{"threshold 0", func(c *Config) { c.Detection.SlowThresholdMicros = 0 }, true},
		{"no base branch", func(c *Config) { c.Repository.BaseBranch = "" }, true},
		{"unknown agent mode", func(c *Config) { c.Agent.Mode = "rpc" }, true},
		{"api mode zero iterations", func(c *Config) {
			c.Agent.Mode = "api"
			c.Agent.MaxIterations = 0
		}, true},
		{"api mode", func(c *Config) { c.Agent.Mode = "api" }, false},
		{"container with api mode", func(c *Config) {
			c.Agent.Mode = "api"
			c.Agent.Container.Enabled = true
		}, true},
		{"credential proxy", func(c *Config) { c.Agent.Container.CredentialProxyAddr = "0.0.0.0:8719" }, false},
		{"credential proxy without port", func(c *Config) { c.Agent.Container.CredentialProxyAddr = "0.0.0.0" }, true},
		{"credential proxy ephemeral port", func(c *Config) { c.Agent.Container.CredentialProxyAddr = ":0" }, true},
		{"github registrar", func(c *Config) { c.Registrar.Mode = "github" }, false},
		{"unknown registrar", func(c *Config) { c.Registrar.Mode = "gitlab" }, true},
		{"record store over http", func(c *Config) { c.Registrar.RecordAPIURL = "http://records:8000" }, false},
		{"openai fields", func(c *Config) { c.IncidentFields.Provider = "openai" }, false},
		{"unknown fields provider", func(c *Config) { c.IncidentFields.Provider = "gemini" }, true},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
tracing_backend:
  url: "http://jaeger:16686"
  fetch_concurrency: 4
detection:
  slow_threshold_us: 500000
repository:
  url: "https://github.com/acme/shop.git"
  base_branch: develop
agent:
  timeout: 10m
  args: ["-p", "--verbose"]
registrar:
  mode: github
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("CLAUDE_API_KEY", "sk-claude")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.TracingBackend.FetchConcurrency != 4 {
		t.Errorf("FetchConcurrency = %d, want 4", cfg.TracingBackend.FetchConcurrency)
	}
	if cfg.Detection.SlowThresholdMicros != 500000 {
		t.Errorf("SlowThresholdMicros = %d, want 500000", cfg.Detection.SlowThresholdMicros)
	}
	// Unset keys keep their defaults.
	if cfg.Detection.FrameTag != "prisma.frame" {
		t.Errorf("FrameTag = %q, want default", cfg.Detection.FrameTag)
	}
	if cfg.Repository.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.Repository.BaseBranch)
	}
	if cfg.Agent.Timeout != 10*time.Minute {
		t.Errorf("Agent.Timeout = %s, want 10m", cfg.Agent.Timeout)
	}
	if len(cfg.Agent.Args) != 2 || cfg.Agent.Args[1] != "--verbose" {
		t.Errorf("Agent.Args = %v", cfg.Agent.Args)
	}
	if cfg.Registrar.Mode != "github" {
		t.Errorf("Registrar.Mode = %q, want github", cfg.Registrar.Mode)
	}
	if cfg.Secrets.GitHubToken != "ghp_test" {
		t.Errorf("GitHubToken = %q, want ghp_test", cfg.Secrets.GitHubToken)
	}
	if got := cfg.Secrets.AnthropicKey(); got != "sk-claude" {
		t.Errorf("AnthropicKey() = %q, want CLAUDE_API_KEY fallback", got)
	}
}

func TestLoad_DatabaseDSNFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: postgres\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_DSN", "postgres://env@localhost/records")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env@localhost/records" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  mode: telepathy\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(context.Background(), path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
