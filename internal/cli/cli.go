// ============================================================================
// offloadpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: user-facing Cobra command tree for running a pool as a
// standalone process and poking at it from the shell.
//
// Command Structure:
//   offloadpool
//   ├── serve                    # start the pool and its HTTP introspection server
//   │   └── --config, -c         # config file path
//   ├── submit <callable> [args] # start a pool, submit one invocation, print its result, stop
//   └── status                   # print the configuration resolved from the config file and env
//
// submit is a one-shot demonstration of the library end to end: it starts
// its own pool (same config/worker-count as serve would), submits a single
// callable invocation, waits for the result, and tears the pool down. There
// is no IPC protocol for submitting into an already-running serve process;
// the library is in-process-only (see DESIGN.md).
//
// Configuration is layered the way the teacher loads its YAML config, with
// spf13/viper added underneath so OFFLOADPOOL_*-prefixed environment
// variables can override any field without a second parsing pass — the
// teacher reads YAML directly with gopkg.in/yaml.v3 and has no env-var
// layer; viper is added here because operationally useful env overrides are
// exactly the pairing the example corpus shows viper for.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/briarworks/offloadpool/internal/httpapi"
	"github.com/briarworks/offloadpool/internal/metrics"
	"github.com/briarworks/offloadpool/internal/pool"
	"github.com/briarworks/offloadpool/internal/registry"
)

// Config is the complete on-disk/env configuration surface.
type Config struct {
	Worker struct {
		Count        int           `mapstructure:"count"`
		StartTimeout time.Duration `mapstructure:"start_timeout"`
		StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	} `mapstructure:"worker"`

	HTTP struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"http"`

	Offload struct {
		Enabled  bool `mapstructure:"enabled"`
		FailOpen bool `mapstructure:"fail_open"`
	} `mapstructure:"offload"`
}

// RegisterFunc populates a Registry with callables, init funcs, and custom
// notification handlers. cmd/offloadpool supplies the same RegisterFunc to
// both BuildCLI's "serve" command and internal/worker.Main, since a worker
// is a re-exec of the same binary and must end up with an identical
// callable table.
type RegisterFunc func(*registry.Registry)

var configFile string

// BuildCLI constructs the root command. register is called once against
// the pool's Registry before StartWorkers, in the main process only (each
// worker process calls it again for itself via cmd/offloadpool's re-exec
// branch, not through this command tree).
func BuildCLI(register RegisterFunc) *cobra.Command {
	root := &cobra.Command{
		Use:     "offloadpool",
		Short:   "Run and inspect a process-based work offload pool",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	root.AddCommand(buildServeCommand(register))
	root.AddCommand(buildSubmitCommand(register))
	root.AddCommand(buildStatusCommand())

	return root
}

func loadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("OFFLOADPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("offloadpool: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("offloadpool: parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.count", 0)
	v.SetDefault("worker.start_timeout", "30s")
	v.SetDefault("worker.stop_timeout", "10s")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 9090)
	v.SetDefault("offload.enabled", true)
	v.SetDefault("offload.fail_open", true)
}

func buildServeCommand(register RegisterFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pool and block until a shutdown signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(register)
		},
	}
}

func runServe(register RegisterFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := slog.Default()
	collector := metrics.New()

	offloadEnabled := cfg.Offload.Enabled
	failOpen := cfg.Offload.FailOpen
	p := pool.New(log, pool.Options{
		WorkerCount:     cfg.Worker.Count,
		StartTimeout:    cfg.Worker.StartTimeout,
		StopTimeout:     cfg.Worker.StopTimeout,
		OffloadEnabled:  &offloadEnabled,
		FailOpenEnabled: &failOpen,
		Metrics:         collector,
	})

	register(p.Registry())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StartTimeout)
	defer cancel()
	if err := p.StartWorkers(ctx); err != nil {
		return fmt.Errorf("offloadpool: start workers: %w", err)
	}
	log.Info("pool serving", "workers", p.CurrentProcessCount())

	var srv *http.Server
	if cfg.HTTP.Enabled {
		router := httpapi.NewRouter(p, collector)
		srv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTP.Port), Handler: router}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("introspection server error", "error", err)
			}
		}()
		log.Info("introspection server listening", "addr", srv.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, stopping")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.StopTimeout+5*time.Second)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		return fmt.Errorf("offloadpool: stop: %w", err)
	}

	log.Info("pool stopped")
	return nil
}

func buildSubmitCommand(register RegisterFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <callable> [args...]",
		Short: "Start a pool, submit one callable invocation, print its result, and stop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(register, args[0], args[1:])
		},
	}
}

func runSubmit(register RegisterFunc, callable string, rawArgs []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := slog.Default()
	p := pool.New(log, pool.Options{
		WorkerCount:     cfg.Worker.Count,
		StartTimeout:    cfg.Worker.StartTimeout,
		StopTimeout:     cfg.Worker.StopTimeout,
		OffloadEnabled:  &cfg.Offload.Enabled,
		FailOpenEnabled: &cfg.Offload.FailOpen,
	})
	register(p.Registry())

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StartTimeout)
	defer cancel()
	if err := p.StartWorkers(startCtx); err != nil {
		return fmt.Errorf("offloadpool: start workers: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.StopTimeout+5*time.Second)
		defer stopCancel()
		_ = p.Stop(stopCtx)
	}()

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = parseSubmitArg(a)
	}

	fut, err := p.Submit(context.Background(), callable, args)
	if err != nil {
		return fmt.Errorf("offloadpool: submit: %w", err)
	}
	value, err := fut.Wait()
	if err != nil {
		return fmt.Errorf("offloadpool: %s failed: %w", callable, err)
	}
	fmt.Printf("%v\n", value)
	return nil
}

// parseSubmitArg converts one command-line argument into the any a callable
// expects, trying a float64 first (gob-registered, matches JSON-like
// numeric ergonomics) and falling back to the literal string.
func parseSubmitArg(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the resolved configuration for the given config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config file:     %s\n", configFile)
			fmt.Printf("worker count:    %d\n", cfg.Worker.Count)
			fmt.Printf("start timeout:   %s\n", cfg.Worker.StartTimeout)
			fmt.Printf("stop timeout:    %s\n", cfg.Worker.StopTimeout)
			fmt.Printf("offload enabled: %t\n", cfg.Offload.Enabled)
			fmt.Printf("fail open:       %t\n", cfg.Offload.FailOpen)
			fmt.Printf("http enabled:    %t (port %d)\n", cfg.HTTP.Enabled, cfg.HTTP.Port)
			return nil
		},
	}
}
