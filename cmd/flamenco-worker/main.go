package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flamenco/flamenco-worker-go/pkg/config"
	"github.com/flamenco/flamenco-worker-go/pkg/log"
	"github.com/flamenco/flamenco-worker-go/pkg/mayirun"
	"github.com/flamenco/flamenco-worker-go/pkg/metrics"
	"github.com/flamenco/flamenco-worker-go/pkg/queue"
	"github.com/flamenco/flamenco-worker-go/pkg/ssdp"
	"github.com/flamenco/flamenco-worker-go/pkg/upstream"
	"github.com/flamenco/flamenco-worker-go/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes from spec.md §6.
const (
	exitNormal           = 0
	exitDiscoveryFailed  = 1
	exitConfigError      = 47
	exitPreTaskUnexpected = 44
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:     "flamenco-worker",
	Short:   "Flamenco render farm worker agent",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flamenco-worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.StringP("config", "c", "flamenco-worker.yaml", "Path to the worker configuration file")
	flags.BoolP("verbose", "v", false, "Log the effective configuration (secrets redacted) at startup")
	flags.BoolP("reregister", "r", false, "Clear the persisted worker id/secret and register as a new worker")
	flags.BoolP("debug", "d", false, "Enable debug-level logging")
	flags.BoolP("test", "t", false, "Override supported task types to a fixed test set")
	flags.BoolP("single", "1", false, "Shut down after completing one task")
}

func runWorker(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	reregister, _ := cmd.Flags().GetBool("reregister")
	debug, _ := cmd.Flags().GetBool("debug")
	testMode, _ := cmd.Flags().GetBool("test")
	single, _ := cmd.Flags().GetBool("single")
	configPath, _ := cmd.Flags().GetString("config")

	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: !isTerminal()})
	logger := log.WithComponent("cmd")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", configPath).Msg("loading configuration")
		os.Exit(exitConfigError)
	}

	if testMode {
		cfg.TaskTypes = config.TestingTaskTypes
	}
	if reregister {
		cfg.EraseIdentity()
		if err := config.MergeIdentity(configPath, "", ""); err != nil {
			logger.Error().Err(err).Msg("clearing persisted worker identity")
			os.Exit(exitConfigError)
		}
	}

	if verbose {
		logger.Info().Interface("config", cfg.Redacted()).Msg("effective configuration")
	}

	managerURL := cfg.ManagerURL
	if managerURL == "" {
		logger.Info().Msg("no manager_url configured, discovering via SSDP")
		location, err := ssdp.Discover(ssdp.Options{})
		if err != nil {
			logger.Error().Err(err).Msg("manager discovery failed")
			os.Exit(exitDiscoveryFailed)
		}
		managerURL = location
		logger.Info().Str("manager_url", managerURL).Msg("discovered manager")
	}

	client := upstream.New(managerURL, 30*time.Second)
	if cfg.WorkerID != "" {
		client.SetAuth(cfg.WorkerID, cfg.WorkerSecret)
	}

	q, err := queue.Open(cfg.TaskUpdateQueueDB)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.TaskUpdateQueueDB).Msg("opening update queue")
		os.Exit(exitConfigError)
	}

	nickname, _ := os.Hostname()

	w := worker.New(worker.Options{
		Config:        cfg,
		ConfigPath:    configPath,
		Client:        client,
		Queue:         q,
		Nickname:      nickname,
		InitialState:  worker.InitialAwake,
		RunSingleTask: single,
		Timers:        worker.DefaultTimers(),
	})

	poller := mayirun.New(client, w, cfg.MayIRunInterval())
	pollerStop := make(chan struct{})
	go poller.Run(pollerStop)

	metrics.SetVersion(Version)
	go serveMetrics("127.0.0.1:9090", logger)

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("worker startup failed")
		metrics.RegisterComponent("manager_client", false, err.Error())
		os.Exit(exitConfigError)
	}
	// Start also launched the update queue's single consumer goroutine;
	// shutdown owns stopping it, so nothing further to do here.
	metrics.RegisterComponent("update_queue", true, "running")
	metrics.RegisterComponent("manager_client", true, "registered")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	exitCode := exitNormal
loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				w.HandleSignal("SIGUSR1")
			case syscall.SIGUSR2:
				w.HandleSignal("SIGUSR2")
			default:
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				w.Stop(stopCtx)
				cancel()
				break loop
			}
		case exitCode = <-w.FatalExit():
			break loop
		}
	}

	close(pollerStop)
	q.Close()
	os.Exit(exitCode)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
