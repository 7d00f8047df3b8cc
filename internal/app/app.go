// Package app assembles the detection pipeline and its record store from
// configuration. The server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"slowquery-agent/internal/agent"
	"slowquery-agent/internal/api"
	"slowquery-agent/internal/config"
	"slowquery-agent/internal/detect"
	"slowquery-agent/internal/incident"
	"slowquery-agent/internal/monitor"
	"slowquery-agent/internal/proxy"
	"slowquery-agent/internal/registrar"
	"slowquery-agent/internal/remediate"
	"slowquery-agent/internal/shell"
	"slowquery-agent/internal/storage"
	"slowquery-agent/internal/tracing"
	"slowquery-agent/pkg/seccomp"
)

// App holds the long-lived components built from one configuration.
type App struct {
	Config     *config.Config
	Store      *storage.DB
	Logs       *storage.LogWriter
	Hub        *api.LogHub
	Metrics    *monitor.Metrics
	Controller *detect.Controller
	Guard      *api.RunGuard
	// Merger is nil unless the registrar talks to GitHub.
	Merger registrar.Merger

	shutdownTelemetry func(context.Context) error
	proxy             *proxy.CredentialProxy
	// records is set when pull requests and incidents live behind a remote
	// record API rather than in Store.
	records   *api.Client
	registrar registrar.Registrar
	incidents incident.IncidentStore
}

// New opens the store, starts the run-log writer and wires the controller.
// Close releases everything New started.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	a := &App{Config: cfg, Metrics: monitor.NewMetrics()}

	shutdown, err := monitor.SetupTelemetry(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, err
	}
	a.shutdownTelemetry = shutdown

	a.Store, err = storage.Open(ctx, storage.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Path:   cfg.Database.Path,
		Postgres: storage.PostgresOptions{
			MaxConns:        int32(cfg.Database.MaxOpenConns), // #nosec G115 -- small config value
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		},
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	a.Logs = storage.NewLogWriter(a.Store, cfg.Database.LogBuffer)
	a.Logs.Start()
	a.incidents = a.Store
	var logs storage.LogSink = a.Logs
	if usesRecordAPI(cfg.Registrar) {
		a.records = api.NewClient(cfg.Registrar.RecordAPIURL, cfg.Registrar.Timeout)
		a.incidents = a.records
		logs = remoteRefLogs{next: a.Logs}
	}
	a.Hub = api.NewLogHub(logs)

	runner := shell.NewExecutor("GIT_TERMINAL_PROMPT=0")

	codingAgent, err := a.newAgent(runner)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	reg, err := a.newRegistrar(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.registrar = reg
	if m, ok := reg.(registrar.Merger); ok {
		a.Merger = m
	}

	fields, err := newFieldGenerator(cfg, codingAgent)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	analyzer := tracing.Analyzer{
		ThresholdMicros: cfg.Detection.SlowThresholdMicros,
		CallOperation:   cfg.Detection.CallOperation,
		ArgsTag:         cfg.Detection.ArgsTag,
		FrameTag:        cfg.Detection.FrameTag,
		QueryOperation:  cfg.Detection.QueryOperation,
		QueryTextTag:    cfg.Detection.QueryTextTag,
	}
	miner := tracing.NewMiner(
		tracing.NewClient(cfg.TracingBackend.URL, cfg.TracingBackend.Timeout),
		analyzer,
		cfg.TracingBackend.FetchConcurrency,
	)

	orchestrator := remediate.NewOrchestrator(runner, codingAgent, remediate.Options{
		WorkspaceRoot: cfg.Repository.WorkspaceRoot,
		BranchPrefix:  cfg.Repository.BranchPrefix,
		GitTimeout:    cfg.Repository.GitTimeout,
		AuthorName:    cfg.Repository.AuthorName,
		AuthorEmail:   cfg.Repository.AuthorEmail,
	})

	a.Controller = detect.New(detect.Deps{
		Miner:      miner,
		Remediator: orchestrator,
		Registrar:  reg,
		Recorder:   incident.NewRecorder(a.incidents, fields, cfg.IncidentFields.Timeout),
		Logs:       a.Hub,
		Runs:       a.Store,
		Metrics:    a.Metrics,
		Tracer:     monitor.NewTracer(),
	}, detect.Options{
		RepoURL:           cfg.Repository.URL,
		BaseBranch:        cfg.Repository.BaseBranch,
		CreateTests:       cfg.Repository.CreateTests,
		RegistrarRequired: cfg.Registrar.Required,
	})
	a.Guard = api.NewRunGuard(a.Controller, a.Metrics)

	return a, nil
}

func (a *App) newAgent(runner shell.Runner) (agent.Agent, error) {
	cfg := a.Config
	if cfg.Agent.Mode == "api" {
		key := cfg.Secrets.AnthropicKey()
		if key == "" {
			return nil, errors.New("agent mode api requires ANTHROPIC_API_KEY or CLAUDE_API_KEY")
		}
		client := anthropic.NewClient(option.WithAPIKey(key))
		return agent.NewAPIAgent(&client.Messages, runner, agent.APIOptions{
			Model:         cfg.Agent.Model,
			MaxTokens:     cfg.Agent.MaxTokens,
			MaxIterations: cfg.Agent.MaxIterations,
			HistoryWindow: cfg.Agent.HistoryWindow,
			Timeout:       cfg.Agent.Timeout,
		}), nil
	}

	opts := agent.CLIOptions{
		Command:           cfg.Agent.Command,
		Args:              cfg.Agent.Args,
		Model:             cfg.Agent.Model,
		PermissionMode:    cfg.Agent.PermissionMode,
		BypassPermissions: cfg.Agent.BypassPermissions,
		Timeout:           cfg.Agent.Timeout,
	}
	if c := cfg.Agent.Container; c.Enabled {
		container, err := a.newContainer(c)
		if err != nil {
			return nil, err
		}
		opts.Container = container
	}
	return agent.NewCLIAgent(runner, opts), nil
}

func (a *App) newContainer(c config.ContainerConfig) (*agent.ContainerOptions, error) {
	out := &agent.ContainerOptions{
		Image:     c.Image,
		MemoryMB:  c.MemoryMB,
		PidsLimit: c.PidsLimit,
		CPUs:      c.CPUs,
	}

	if c.Seccomp {
		path, err := seccomp.WriteFile(a.Config.Repository.WorkspaceRoot, seccomp.AgentProfile())
		if err != nil {
			return nil, err
		}
		out.SeccompProfile = path
	}

	if c.CredentialProxyAddr == "" {
		out.PassEnv = []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"}
		return out, nil
	}

	key := a.Config.Secrets.AnthropicKey()
	if key == "" {
		return nil, errors.New("agent.container.credential_proxy_addr requires ANTHROPIC_API_KEY or CLAUDE_API_KEY")
	}
	p, err := proxy.New(proxy.Options{ListenAddr: c.CredentialProxyAddr, Token: key})
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	a.proxy = p

	_, port, _ := net.SplitHostPort(c.CredentialProxyAddr)
	out.HostGateway = true
	out.Env = []string{
		"ANTHROPIC_BASE_URL=http://host.docker.internal:" + port,
		"ANTHROPIC_API_KEY=" + p.Secret(),
	}
	return out, nil
}

// usesRecordAPI reports whether pull requests, and so their incidents, are
// stored by a remote record API. GitHub mode always mirrors into the local
// store.
func usesRecordAPI(cfg config.RegistrarConfig) bool {
	return cfg.RecordAPIURL != "" && (cfg.Mode == "" || cfg.Mode == "record_store")
}

// newRegistrar posts to the record API when record_api_url is set and writes
// to the local store otherwise.
func (a *App) newRegistrar(ctx context.Context) (registrar.Registrar, error) {
	cfg := a.Config
	var records registrar.PullRequestSink = a.Store
	if a.records != nil {
		records = a.records
	}
	return registrar.New(ctx, cfg.Registrar, registrar.Deps{
		GitHubToken: cfg.Secrets.GitHubToken,
		RecordStore: records,
		Store:       a.Store,
	})
}

// remoteRefLogs writes run-log entries to the local store while their
// incident and pull request ids belong to the remote record API. Those ids
// would not resolve locally, so they move into the entry context.
type remoteRefLogs struct {
	next storage.LogSink
}

func (l remoteRefLogs) AppendLog(ctx context.Context, entry *storage.LogEntry) error {
	if entry.IncidentID == nil && entry.PullRequestID == nil {
		return l.next.AppendLog(ctx, entry)
	}
	local := *entry
	local.Context = make(map[string]any, len(entry.Context)+2)
	for k, v := range entry.Context {
		local.Context[k] = v
	}
	if entry.IncidentID != nil {
		local.Context["remote_incident_id"] = *entry.IncidentID
		local.IncidentID = nil
	}
	if entry.PullRequestID != nil {
		local.Context["remote_pull_request_id"] = *entry.PullRequestID
		local.PullRequestID = nil
	}
	return l.next.AppendLog(ctx, &local)
}

func newFieldGenerator(cfg *config.Config, codingAgent agent.Agent) (incident.FieldGenerator, error) {
	deps := incident.GeneratorDeps{Agent: codingAgent}
	switch cfg.IncidentFields.Provider {
	case "anthropic":
		key := cfg.Secrets.AnthropicKey()
		if key == "" {
			return nil, errors.New("incident field provider anthropic requires ANTHROPIC_API_KEY or CLAUDE_API_KEY")
		}
		client := anthropic.NewClient(option.WithAPIKey(key))
		deps.Anthropic = &client.Messages
	case "openai":
		if cfg.Secrets.OpenAIAPIKey == "" {
			return nil, errors.New("incident field provider openai requires OPENAI_API_KEY")
		}
		deps.OpenAI = openai.NewClient(cfg.Secrets.OpenAIAPIKey)
	default:
		dir := filepath.Join(cfg.Repository.WorkspaceRoot, "incident-fields")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating incident field scratch dir: %w", err)
		}
		ws, err := agent.NewWorkspace(dir)
		if err != nil {
			return nil, err
		}
		deps.Workspace = ws
	}
	return incident.NewFieldGenerator(cfg.IncidentFields, deps)
}

// Close flushes pending run-log entries and releases the store and exporter.
func (a *App) Close(ctx context.Context) {
	if a.Logs != nil {
		a.Logs.Flush(10 * time.Second)
	}
	if a.proxy != nil {
		proxyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := a.proxy.Close(proxyCtx); err != nil {
			log.Error().Err(err).Msg("credential proxy shutdown error")
		}
		cancel()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Error().Err(err).Msg("record store close error")
		}
	}
	if a.shutdownTelemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown error")
		}
	}
}
