package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crowdio/foreman/pkg/config"
	"github.com/crowdio/foreman/pkg/foreman"
	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig     string
	flagListenAddr string
	flagDataDir    string
	flagScheduler  string
	flagRetries    int
	flagHeartbeat  time.Duration
	flagLogLevel   string
	flagLogJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - distributed task execution coordinator",
	Long: `Foreman accepts batches of homogeneous tasks from clients, fans
them out to a fleet of connected workers, and returns per-task results
in the client's original input order. Workers ship incremental
checkpoints so long-running tasks can resume on another worker after a
failure instead of restarting from scratch.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	serveCmd.Flags().StringVar(&flagListenAddr, "listen", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	serveCmd.Flags().StringVar(&flagScheduler, "scheduler", "", "scheduling strategy: fifo, round_robin, least_loaded, performance, priority")
	serveCmd.Flags().IntVar(&flagRetries, "max-task-retries", -1, "per-task retry cap, 0 for unbounded (overrides config)")
	serveCmd.Flags().DurationVar(&flagHeartbeat, "heartbeat-interval", 0, "worker ping interval (overrides config)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the foreman daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		applyFlagOverrides(cfg)

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.Register()

		f, err := foreman.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return f.Run(ctx)
	},
}

func applyFlagOverrides(cfg *config.Config) {
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
		cfg.CheckpointDir = flagDataDir + "/checkpoints"
	}
	if flagScheduler != "" {
		cfg.Scheduler = flagScheduler
	}
	if flagRetries >= 0 {
		cfg.MaxTaskRetries = flagRetries
	}
	if flagHeartbeat > 0 {
		cfg.HeartbeatInterval = flagHeartbeat
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogJSON {
		cfg.LogJSON = true
	}
}
