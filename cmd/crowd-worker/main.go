package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/worker"
)

var (
	flagForemanURL string
	flagWorkerID   string
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
	Use:   "crowd-worker",
	Short: "Worker agent for the foreman task execution service",
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&flagForemanURL, "foreman", "ws://127.0.0.1:7070/ws", "foreman WebSocket endpoint")
	runCmd.Flags().StringVar(&flagWorkerID, "id", "", "worker id (generated when empty)")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a foreman and execute tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{
			Level:      log.Level(flagLogLevel),
			JSONOutput: flagLogJSON,
		})

		workerID := flagWorkerID
		if workerID == "" {
			workerID = "worker-" + uuid.New().String()[:8]
		}

		w := worker.New(workerID, flagForemanURL, builtinKinds())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Reconnect after a fixed five-second delay until the context ends
		for {
			err := w.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("worker disconnected, retrying", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	},
}

// builtinKinds registers the task kinds this agent can execute
func builtinKinds() *worker.Registry {
	reg := worker.NewRegistry()

	// echo returns its arguments unchanged
	reg.Register("echo", func(ctx context.Context, args []json.RawMessage, cp *worker.Checkpointer) (any, error) {
		if len(args) == 1 {
			var v any
			if err := json.Unmarshal(args[0], &v); err != nil {
				return nil, err
			}
			return v, nil
		}
		out := make([]any, len(args))
		for i, a := range args {
			if err := json.Unmarshal(a, &out[i]); err != nil {
				return nil, err
			}
		}
		return out, nil
	})

	// square multiplies a numeric argument by itself
	reg.Register("square", func(ctx context.Context, args []json.RawMessage, cp *worker.Checkpointer) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("square takes exactly one argument, got %d", len(args))
		}
		var x float64
		if err := json.Unmarshal(args[0], &x); err != nil {
			return nil, fmt.Errorf("square needs a numeric argument: %w", err)
		}
		return x * x, nil
	})

	// sum adds a numeric array argument
	reg.Register("sum", func(ctx context.Context, args []json.RawMessage, cp *worker.Checkpointer) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("sum takes exactly one argument, got %d", len(args))
		}
		var xs []float64
		if err := json.Unmarshal(args[0], &xs); err != nil {
			return nil, fmt.Errorf("sum needs a numeric array: %w", err)
		}
		total := 0.0
		for _, x := range xs {
			total += x
		}
		return total, nil
	})

	return reg
}
