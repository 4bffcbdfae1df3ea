package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/conn"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/jobservice"
	"github.com/trainpulse/trainpulse/internal/protocol"
	"github.com/trainpulse/trainpulse/internal/throttle"
	"github.com/trainpulse/trainpulse/internal/ui"
)

func newWatchCommand(a *app) *cobra.Command {
	var (
		jobID    string
		headless bool
	)
	c := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from a training backend",
		Long: `Connect to the backend's push endpoint and show training progress,
system metrics and logs. With --job-id the dashboard keys pause, resume
and stop that job through the backend's REST API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd.Context(), jobID, headless)
		},
	}
	c.Flags().StringVar(&jobID, "job-id", "", "job to follow and control")
	c.Flags().BoolVar(&headless, "headless", false, "log events instead of drawing the dashboard")
	return c
}

func (a *app) runWatch(ctx context.Context, jobID string, headless bool) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	log, err := a.logger(cfg, !headless)
	if err != nil {
		return err
	}
	defer log.Sync()
	m, _ := a.telemetry(ctx, cfg, log)

	opts, err := cfg.ConnOptions()
	if err != nil {
		return err
	}
	router := events.NewRouter(events.WithLogger(log.Named("router")), events.WithMetrics(m))
	mgr, err := conn.New(opts, router, conn.WithLogger(log.Named("conn")), conn.WithMetrics(m))
	if err != nil {
		return err
	}
	defer mgr.Close()

	if headless {
		off := router.OnAll(func(ev protocol.Event) {
			log.Info("event", zap.String("type", string(ev.Type)), zap.Time("at", ev.Timestamp), zap.Any("data", ev.Data))
		})
		defer off()
		stopStatus := mgr.OnStatus(func(s conn.State) {
			log.Info("connection", zap.String("status", string(s.Status)), zap.Int("attempt", s.Attempt))
		})
		defer stopStatus()

		if err := mgr.Connect(ctx); err != nil {
			log.Warn("initial connect failed, retrying in background", zap.Error(err))
		}
		<-ctx.Done()
		mgr.Disconnect()
		return nil
	}

	controls := remoteControls{
		jobs: jobservice.NewClient(cfg.HTTPBase(), cfg.Client.Token),
		conn: mgr,
	}
	p := tea.NewProgram(ui.New(jobID, controls), tea.WithAltScreen(), tea.WithContext(ctx))
	unbridge, err := ui.Bridge(router, mgr, p.Send, cfg.Dispatch,
		throttle.WithLogger(log.Named("dispatch")), throttle.WithMetrics(m))
	if err != nil {
		return err
	}
	defer unbridge()

	go func() {
		if err := mgr.Connect(ctx); err != nil {
			p.Send(ui.NoticeMsg{Level: "warn", Text: fmt.Sprintf("connect: %v", err)})
		}
	}()

	_, err = p.Run()
	mgr.Disconnect()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// remoteControls drives a job through the backend's REST API.
type remoteControls struct {
	jobs *jobservice.Client
	conn *conn.Manager
}

const controlTimeout = 10 * time.Second

func (r remoteControls) Pause(id string) error { return r.control(id, "pause") }
func (r remoteControls) Resume(id string) error { return r.control(id, "resume") }
func (r remoteControls) Stop(id string) error { return r.control(id, "stop") }

func (r remoteControls) Reconnect(ctx context.Context) error {
	return r.conn.Connect(ctx)
}

func (r remoteControls) control(id, action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return r.jobs.Control(ctx, id, action)
}
