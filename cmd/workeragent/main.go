package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmnet/controlplane/internal/clog"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/config"
	"github.com/llmnet/controlplane/internal/heartbeat"
	"github.com/llmnet/controlplane/internal/workeragent"
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
	Use:     "workeragent",
	Short:   "LLMNet worker agent: hosts pipeline replicas and reports heartbeats",
	Version: Version,
	RunE:    run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("node-name", "worker-1", "This node's registered name")
	flags.String("listen", "0.0.0.0:8080", "Assignment/health listen address")
	flags.String("control-plane", "http://127.0.0.1:8181", "Control plane base URL")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "Output logs in JSON format")
	flags.Duration("heartbeat-interval", 30*time.Second, "Heartbeat send interval")
	flags.Uint32("max-pipelines", clustermodel.DefaultMaxPipelines, "Maximum replicas this node will host")
	flags.Uint32("cpu", 0, "Advertised CPU capacity (0 = unspecified)")
	flags.Uint64("memory-bytes", 0, "Advertised memory capacity in bytes (0 = unspecified)")
	flags.String("capacity-file", "", "Path to a YAML file declaring this node's static capacity, overriding --cpu/--memory-bytes/--max-pipelines")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultWorkerAgentConfig()

	flags := cmd.Flags()
	cfg.NodeName, _ = flags.GetString("node-name")
	cfg.ListenAddr, _ = flags.GetString("listen")
	cfg.ControlPlaneURL, _ = flags.GetString("control-plane")
	cfg.LogLevel, _ = flags.GetString("log-level")
	cfg.LogJSON, _ = flags.GetBool("log-json")
	cfg.HeartbeatInterval, _ = flags.GetDuration("heartbeat-interval")
	cfg.Capacity.MaxPipelines, _ = flags.GetUint32("max-pipelines")
	cfg.Capacity.CPU, _ = flags.GetUint32("cpu")
	cfg.Capacity.MemoryBytes, _ = flags.GetUint64("memory-bytes")

	if capacityFile, _ := flags.GetString("capacity-file"); capacityFile != "" {
		capacity, err := config.LoadCapacityFile(capacityFile)
		if err != nil {
			return fmt.Errorf("loading capacity file: %w", err)
		}
		cfg.Capacity = capacity
	}

	clog.Init(clog.Config{Level: clog.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := clog.WithNode(cfg.NodeName)

	sampler := workeragent.NewBasicSampler("/")
	agent := workeragent.New(cfg.NodeName, cfg.ListenAddr, workeragent.AcceptAllRunner{})

	sender := heartbeat.NewSender(heartbeat.SenderConfig{
		ControlPlaneURL: cfg.ControlPlaneURL,
		NodeName:        cfg.NodeName,
		Interval:        cfg.HeartbeatInterval,
		Capacity:        cfg.Capacity,
		MaxRetries:      3,
	}, sampler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sender.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("worker agent listening")
		if err := agent.ListenAndServe(cfg.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("worker agent server failed")
		return err
	}

	cancel()
	return nil
}
