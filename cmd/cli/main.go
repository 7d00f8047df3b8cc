package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"slowquery-agent/internal/api"
	"slowquery-agent/internal/app"
	"slowquery-agent/internal/config"
	"slowquery-agent/internal/storage"
)

var version = "dev"

var (
	serverURL  string
	configPath string
	timeout    time.Duration
	local      bool
	limit      int

	pullRequestID int64
	logFilter     storage.LogFilter
	logLevel      string
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:          "slowquery",
		Short:        "CLI client for slowquery-agent",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SLOWQUERY_SERVER", "http://localhost:8000"), "Record API URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// Detection
	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Run slow query detection and remediation once",
		Long: "Triggers a manual detection run on the server and waits for it to finish.\n" +
			"With --local the run executes in this process against the configured store.",
		RunE: runDetect,
	}
	detectCmd.Flags().BoolVar(&local, "local", false, "Run in-process instead of on the server")
	detectCmd.Flags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "configs/config.yaml"), "Config file for --local")
	root.AddCommand(detectCmd)

	// Records
	incidentsCmd := &cobra.Command{
		Use:   "incidents",
		Short: "List incidents",
		RunE:  runIncidents,
	}
	incidentsCmd.Flags().Int64Var(&pullRequestID, "pull-request", 0, "Only incidents linked to this pull request")
	incidentsCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of incidents")
	root.AddCommand(incidentsCmd)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "List run-log entries, newest first",
		RunE:  runLogs,
	}
	logsCmd.Flags().StringVar(&logFilter.RunID, "run-id", "", "Filter by run ID")
	logsCmd.Flags().StringVar(&logFilter.Source, "source", "", "Filter by source")
	logsCmd.Flags().StringVar(&logFilter.Step, "step", "", "Filter by step")
	logsCmd.Flags().StringVar(&logLevel, "level", "", "Filter by level (info, warning, error)")
	logsCmd.Flags().IntVar(&logFilter.Limit, "limit", storage.DefaultLogLimit, "Maximum number of entries")
	root.AddCommand(logsCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List detection runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs")
	root.AddCommand(runsCmd)

	prsCmd := &cobra.Command{
		Use:   "prs",
		Short: "Manage recorded pull requests",
	}
	prsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pull requests",
		RunE:  runListPRs,
	})
	prsCmd.AddCommand(&cobra.Command{
		Use:   "merge [id]",
		Short: "Squash-merge a pull request and drop its records",
		Args:  cobra.ExactArgs(1),
		RunE:  runMergePR,
	})
	prsCmd.AddCommand(&cobra.Command{
		Use:   "discard [id]",
		Short: "Drop a pull request and its incidents without merging",
		Args:  cobra.ExactArgs(1),
		RunE:  runDiscardPR,
	})
	root.AddCommand(prsCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDetect(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if local {
		return detectLocal(ctx)
	}

	// A run waits on the coding agent, so it gets no request timeout.
	resp, err := api.NewClient(serverURL, 0).Detect(ctx)
	if resp != nil {
		printJSON(resp)
	}
	return err
}

func detectLocal(ctx context.Context) error {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	summary, err := a.Guard.Run(ctx, storage.RunManual)
	if summary != nil {
		printJSON(summary)
	}
	return err
}

func runIncidents(cmd *cobra.Command, _ []string) error {
	filter := storage.IncidentFilter{Limit: limit}
	if pullRequestID != 0 {
		filter.PullRequestID = &pullRequestID
	}
	incidents, err := client().ListIncidents(cmd.Context(), filter)
	if err != nil {
		return err
	}
	printJSON(incidents)
	return nil
}

func runLogs(cmd *cobra.Command, _ []string) error {
	filter := logFilter
	filter.Level = storage.LogLevel(logLevel)
	entries, err := client().ListLogs(cmd.Context(), filter)
	if err != nil {
		return err
	}
	printJSON(entries)
	return nil
}

func runRuns(cmd *cobra.Command, _ []string) error {
	runs, err := client().ListDetectionRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	printJSON(runs)
	return nil
}

func runListPRs(cmd *cobra.Command, _ []string) error {
	prs, err := client().ListPullRequests(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(prs)
	return nil
}

func runMergePR(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	resp, err := client().MergePullRequest(cmd.Context(), id)
	if err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func runDiscardPR(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	resp, err := client().DiscardPullRequest(cmd.Context(), id)
	if err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	resp, err := client().Health(cmd.Context())
	if resp != nil {
		printJSON(resp)
	}
	return err
}

func client() *api.Client {
	return api.NewClient(serverURL, timeout)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
