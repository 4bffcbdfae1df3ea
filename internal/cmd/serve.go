package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run a development training backend",
		Long: `Serve the push endpoint and job REST API backed by an in-process
training engine and live host metrics. Useful for trying the dashboard
without a real training cluster.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context())
		},
	}
	fs := c.Flags()
	fs.String("host", "", "listen host")
	fs.Int("port", 0, "listen port")
	fs.String("auth-token", "", "require this token from clients")
	fs.StringSlice("allowed-origins", nil, "extra origins allowed to open the push endpoint")
	mustBind(a.v, fs, map[string]string{
		"server.host":            "host",
		"server.port":            "port",
		"server.auth_token":      "auth-token",
		"server.allowed_origins": "allowed-origins",
	})
	return c
}

func (a *app) runServe(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	log, err := a.logger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Sync()

	// The backend serves /metrics itself; a separate metrics.addr listener
	// is still honoured.
	m, reg := a.telemetry(ctx, cfg, log)
	srv, err := server.New(cfg.Server, cfg.Training,
		server.WithLogger(log.Named("server")),
		server.WithMetrics(m, reg))
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.Start(ctx)

	log.Info("training backend starting", zap.String("addr", cfg.ListenAddr()))
	return server.ListenAndServe(ctx, cfg.ListenAddr(), srv.Handler(), log)
}
