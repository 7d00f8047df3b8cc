package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	TracingBackend TracingBackendConfig `yaml:"tracing_backend"`
	Detection      DetectionConfig      `yaml:"detection"`
	Repository     RepositoryConfig     `yaml:"repository"`
	Agent          AgentConfig          `yaml:"agent"`
	Registrar      RegistrarConfig      `yaml:"registrar"`
	IncidentFields IncidentFieldsConfig `yaml:"incident_fields"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`

	// Secrets never come from the YAML file.
	Secrets Secrets `yaml:"-"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// DatabaseConfig selects the record store backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"` // sqlite file
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LogBuffer       int           `yaml:"log_buffer"`
}

// TracingBackendConfig points at the Jaeger query API.
type TracingBackendConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
}

// DetectionConfig describes what a slow endpoint looks like in the trace data.
type DetectionConfig struct {
	SlowThresholdMicros int64  `yaml:"slow_threshold_us"`
	CallOperation       string `yaml:"call_operation"`
	ArgsTag             string `yaml:"args_tag"`
	FrameTag            string `yaml:"frame_tag"`
	QueryOperation      string `yaml:"query_operation"`
	QueryTextTag        string `yaml:"query_text_tag"`
}

type RepositoryConfig struct {
	URL           string        `yaml:"url"`
	BaseBranch    string        `yaml:"base_branch"`
	BranchPrefix  string        `yaml:"branch_prefix"`
	WorkspaceRoot string        `yaml:"workspace_root"`
	GitTimeout    time.Duration `yaml:"git_timeout"`
	CreateTests   bool          `yaml:"create_tests"`
	AuthorName    string        `yaml:"author_name"`
	AuthorEmail   string        `yaml:"author_email"`
}

// AgentConfig configures the coding agent capability.
type AgentConfig struct {
	Mode              string          `yaml:"mode"` // "cli" (default) or "api"
	Command           string          `yaml:"command"`
	Args              []string        `yaml:"args"`
	Model             string          `yaml:"model"`
	PermissionMode    string          `yaml:"permission_mode"`
	BypassPermissions bool            `yaml:"bypass_permissions"`
	Timeout           time.Duration   `yaml:"timeout"`
	MaxIterations     int             `yaml:"max_iterations"`
	HistoryWindow     int             `yaml:"history_window"`
	MaxTokens         int64           `yaml:"max_tokens"`
	Container         ContainerConfig `yaml:"container"`
}

// ContainerConfig runs the CLI agent inside Docker with the workspace mounted.
type ContainerConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Image     string  `yaml:"image"`
	MemoryMB  int64   `yaml:"memory_mb"`
	PidsLimit int64   `yaml:"pids_limit"`
	CPUs      float64 `yaml:"cpus"`
	// Seccomp applies the agent syscall filter instead of Docker's default.
	Seccomp bool `yaml:"seccomp"`
	// CredentialProxyAddr starts a host-side proxy for the model API on
	// this address; the container then never receives the real key.
	// Empty forwards ANTHROPIC_API_KEY into the container instead.
	CredentialProxyAddr string `yaml:"credential_proxy_addr"`
}

type RegistrarConfig struct {
	Mode         string        `yaml:"mode"`           // "record_store" (default) or "github"
	RecordAPIURL string        `yaml:"record_api_url"` // empty writes to the local store
	GitHubAPIURL string        `yaml:"github_api_url"`
	Required     bool          `yaml:"required"`
	Timeout      time.Duration `yaml:"timeout"`
}

type IncidentFieldsConfig struct {
	Provider string        `yaml:"provider"` // "agent" (default), "anthropic" or "openai"
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Secrets are read from the environment only.
type Secrets struct {
	GitHubToken     string `env:"GITHUB_TOKEN"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	ClaudeAPIKey    string `env:"CLAUDE_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	DatabaseDSN     string `env:"DATABASE_DSN"`
}

// AnthropicKey returns ANTHROPIC_API_KEY, falling back to CLAUDE_API_KEY.
func (s Secrets) AnthropicKey() string {
	if s.AnthropicAPIKey != "" {
		return s.AnthropicAPIKey
	}
	return s.ClaudeAPIKey
}

// Load reads configuration from a YAML file and the environment.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.LoadSecrets(ctx); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadSecrets fills Secrets from the environment. DATABASE_DSN overrides database.dsn.
func (c *Config) LoadSecrets(ctx context.Context) error {
	if err := envconfig.Process(ctx, &c.Secrets); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if c.Secrets.DatabaseDSN != "" {
		c.Database.DSN = c.Secrets.DatabaseDSN
	}
	return nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Hour, // POST /incidents/detect blocks for the whole run
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "data/records.db",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			LogBuffer:       10000,
		},
		TracingBackend: TracingBackendConfig{
			URL:              "http://localhost:16686",
			Timeout:          30 * time.Second,
			FetchConcurrency: 1,
		},
		Detection: DetectionConfig{
			SlowThresholdMicros: 2_000_000,
			CallOperation:       "prisma:call-operation",
			ArgsTag:             "prisma.args",
			FrameTag:            "prisma.frame",
			QueryOperation:      "prisma:engine:db_query",
			QueryTextTag:        "db.query.text",
		},
		Repository: RepositoryConfig{
			BaseBranch:    "main",
			BranchPrefix:  "claude/fix-",
			WorkspaceRoot: "workspaces",
			GitTimeout:    2 * time.Minute,
			AuthorName:    "slowquery-agent",
			AuthorEmail:   "slowquery-agent@localhost",
		},
		Agent: AgentConfig{
			Mode:           "cli",
			Command:        "claude",
			Args:           []string{"-p"},
			PermissionMode: "acceptEdits",
			Timeout:        1800 * time.Second,
			MaxIterations:  20,
			HistoryWindow:  8,
			MaxTokens:      8192,
			Model:          "claude-sonnet-4-5",
			Container: ContainerConfig{
				Image:     "slowquery-agent-runner:latest",
				MemoryMB:  1024,
				PidsLimit: 200,
				CPUs:      2,
				Seccomp:   true,
			},
		},
		Registrar: RegistrarConfig{
			Mode:         "record_store",
			GitHubAPIURL: "https://api.github.com/",
			Timeout:      30 * time.Second,
		},
		IncidentFields: IncidentFieldsConfig{
			Provider: "agent",
			Timeout:  1800 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "slowquery-agent",
			SampleRate:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS <= 0 || c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("server.rate_limit_rps must be > 0 and server.rate_limit_burst >= 1")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn (or DATABASE_DSN) is required for the postgres driver")
		}
		if strings.Contains(c.Database.DSN, "sslmode=disable") {
			log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.TracingBackend.URL == "" {
		return fmt.Errorf("tracing_backend.url is required")
	}
	if c.TracingBackend.FetchConcurrency < 1 {
		return fmt.Errorf("tracing_backend.fetch_concurrency must be >= 1")
	}
	if c.Detection.SlowThresholdMicros <= 0 {
		return fmt.Errorf("detection.slow_threshold_us must be > 0")
	}
	if c.Detection.CallOperation == "" {
		return fmt.Errorf("detection.call_operation is required")
	}
	if c.Repository.BaseBranch == "" {
		return fmt.Errorf("repository.base_branch is required")
	}
	if c.Repository.WorkspaceRoot == "" {
		return fmt.Errorf("repository.workspace_root is required")
	}
	switch c.Agent.Mode {
	case "cli":
		if c.Agent.Command == "" {
			return fmt.Errorf("agent.command is required in cli mode")
		}
	case "api":
		if c.Agent.MaxIterations < 1 {
			return fmt.Errorf("agent.max_iterations must be >= 1")
		}
		if c.Agent.HistoryWindow < 2 {
			return fmt.Errorf("agent.history_window must be >= 2")
		}
	default:
		return fmt.Errorf("agent.mode must be cli or api, got %q", c.Agent.Mode)
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be > 0")
	}
	if c.Agent.Container.Enabled && c.Agent.Mode != "cli" {
		return fmt.Errorf("agent.container requires agent.mode cli")
	}
	if addr := c.Agent.Container.CredentialProxyAddr; addr != "" {
		if _, port, err := net.SplitHostPort(addr); err != nil || port == "" || port == "0" {
			return fmt.Errorf("agent.container.credential_proxy_addr must be host:port with a fixed port, got %q", addr)
		}
	}
	switch c.Registrar.Mode {
	case "record_store", "github":
	default:
		return fmt.Errorf("registrar.mode must be record_store or github, got %q", c.Registrar.Mode)
	}
	switch c.IncidentFields.Provider {
	case "agent", "anthropic", "openai":
	default:
		return fmt.Errorf("incident_fields.provider must be agent, anthropic or openai, got %q", c.IncidentFields.Provider)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
