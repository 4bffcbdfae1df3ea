// Package cmd wires the trainpulse command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/config"
	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/metrics"
)

// app is the state shared by every subcommand.
type app struct {
	v          *viper.Viper
	configPath string
}

// NewRootCommand builds the trainpulse command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "trainpulse",
		Short: "Watch and drive ML training jobs over a live event stream",
		Long: `trainpulse connects to a training backend's push endpoint, keeps the
connection alive across drops, and renders progress, system metrics and
job events in the terminal. It can also run training jobs locally and
serve a development backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := root.PersistentFlags()
	fs.StringVarP(&a.configPath, "config", "c", "", "config file (YAML)")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: console or json")
	fs.String("log-file", "", "write logs to this file")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	fs.String("base-url", "", "backend base URL")
	fs.String("token", "", "backend auth token")
	mustBind(a.v, fs, map[string]string{
		"log.level":       "log-level",
		"log.format":      "log-format",
		"log.file":        "log-file",
		"metrics.addr":    "metrics-addr",
		"client.base_url": "base-url",
		"client.token":    "token",
	})

	root.AddCommand(
		newWatchCommand(a),
		newTrainCommand(a),
		newServeCommand(a),
		newJobsCommand(a),
	)
	return root
}

// Execute runs the root command until ctx is cancelled or it returns.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// mustBind binds viper keys to flags of fs. Unknown flag names are a
// programming error.
func mustBind(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			panic(fmt.Sprintf("flag %q not defined", name))
		}
		if err := v.BindPFlag(key, f); err != nil {
			panic(err)
		}
	}
}

// loadConfig reads the config file, then applies environment variables and
// flags, and validates the result.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(a.v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// logger builds the process logger. Full-screen commands pass quiet so
// that nothing is written over the dashboard unless a log file is set.
func (a *app) logger(cfg *config.Config, quiet bool) (*zap.Logger, error) {
	if cfg.Log.File != "" {
		return logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	}
	if quiet {
		return zap.NewNop(), nil
	}
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// telemetry registers the trainpulse collectors on a fresh registry and,
// when metrics.addr is set, serves them until ctx is done.
func (a *app) telemetry(ctx context.Context, cfg *config.Config, log *zap.Logger) (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Metrics.Addr == "" {
		return m, reg
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return m, reg
}
