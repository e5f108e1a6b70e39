package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmnet/controlplane/internal/adminapi"
	"github.com/llmnet/controlplane/internal/clog"
	"github.com/llmnet/controlplane/internal/config"
	"github.com/llmnet/controlplane/internal/healthchecker"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/orchestrator"
	"github.com/llmnet/controlplane/internal/store"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controlplane",
	Short:   "LLMNet control plane: schedules and monitors pipelines across workers",
	Version: Version,
	RunE:    run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", "0.0.0.0:8181", "Admin API listen address")
	flags.String("metrics-addr", "127.0.0.1:9090", "Metrics listen address")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "Output logs in JSON format")
	flags.Duration("reconcile-interval", 5*time.Second, "Orchestrator reconcile interval")
	flags.Duration("health-check-interval", 5*time.Second, "Health prober interval")
	flags.Duration("node-stale-timeout", 90*time.Second, "Time without a heartbeat before a node is marked Unknown")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultControlPlaneConfig()

	flags := cmd.Flags()
	cfg.ListenAddr, _ = flags.GetString("listen")
	cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	cfg.LogLevel, _ = flags.GetString("log-level")
	cfg.LogJSON, _ = flags.GetBool("log-json")
	cfg.ReconcileInterval, _ = flags.GetDuration("reconcile-interval")
	cfg.HealthCheckInterval, _ = flags.GetDuration("health-check-interval")
	cfg.NodeStaleTimeout, _ = flags.GetDuration("node-stale-timeout")

	clog.Init(clog.Config{Level: clog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := clog.WithComponent("controlplane")

	clusterStore := store.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := orchestrator.New(clusterStore, orchestrator.Config{
		ReconcileInterval:    cfg.ReconcileInterval,
		WorkerRequestTimeout: cfg.WorkerRequestTimeout,
	})
	go orch.Run(ctx)

	checker := healthchecker.New(clusterStore, healthchecker.Config{
		Timeout:          cfg.HealthCheckTimeout,
		FailureThreshold: cfg.HealthFailureThreshold,
		SuccessThreshold: cfg.HealthSuccessThreshold,
		HealthPath:       "/health",
	})
	go runHealthChecker(ctx, checker, cfg.HealthCheckInterval)

	go runStaleNodeSweep(ctx, clusterStore, cfg.NodeStaleTimeout)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	server := adminapi.New(clusterStore)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("admin API listening")
		if err := server.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("admin API failed")
		return err
	}

	cancel()
	return nil
}

func runHealthChecker(ctx context.Context, checker *healthchecker.Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			checker.Run(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func runStaleNodeSweep(ctx context.Context, s *store.ClusterStore, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.CheckNodeHealth(timeout)
		case <-ctx.Done():
			return
		}
	}
}
