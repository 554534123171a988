package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/observability"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/resolver"
)

var (
	logLevel       string
	settingsFile   string
	envFile        string
	knownHostsFile string
	otelEnabled    bool
	otelEndpoint   string

	otelSampleRatio float64

	shutdownTracer = func(context.Context) error { return nil }
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dagbench",
	Short:         "Distributed benchmark orchestrator for DAG consensus testbeds",
	Long:          "Deploys, runs and measures a DAG-based BFT consensus system across a fixed pool of SSH hosts.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		if err := config.LoadEnv(envFile); err != nil {
			return err
		}
		shutdown, err := observability.InitTracer(observability.TracerConfig{
			Enabled:     otelEnabled,
			Service:     observability.ServiceName,
			Endpoint:    otelEndpoint,
			SampleRatio: otelSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		shutdownTracer = shutdown
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&settingsFile, "settings", "cloudlab_settings.json", "Testbed settings file")
	pf.StringVar(&envFile, "env-file", ".env", "Dotenv file with SSH_KEY_PASSWORD and DAGBENCH_* variables")
	pf.StringVar(&knownHostsFile, "known-hosts", "", "known_hosts file for host key verification (empty accepts any host key)")
	pf.BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	pf.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	pf.Float64Var(&otelSampleRatio, "otel-sample-ratio", 1, "Fraction of sweeps to trace")
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(settingsFile)
	if err != nil {
		return nil, err
	}
	slog.Debug("settings loaded", "path", settingsFile, "hosts", len(s.Hosts), "repo", s.Repo.Name)
	return s, nil
}

// openPool builds the SSH pool. commandTimeout of zero keeps the default.
func openPool(s *config.Settings, commandTimeout time.Duration) (*remote.Pool, error) {
	cfg := remote.DefaultConfig()
	cfg.KeyPath = s.KeyPath
	cfg.KeyPassword = s.KeyPassword
	cfg.KnownHostsFile = envOr("DAGBENCH_KNOWN_HOSTS", knownHostsFile)
	if commandTimeout > 0 {
		cfg.CommandTimeout = commandTimeout
	}
	return remote.NewPool(cfg)
}

func newController(s *config.Settings, r remote.Runner, res resolver.Resolver) *lifecycle.Controller {
	return lifecycle.New(r, res, lifecycle.Config{Repo: s.Repo.Name})
}
