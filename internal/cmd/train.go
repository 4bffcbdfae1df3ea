package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/config"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/jobservice"
	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
	"github.com/trainpulse/trainpulse/internal/throttle"
	"github.com/trainpulse/trainpulse/internal/training"
	"github.com/trainpulse/trainpulse/internal/ui"
)

type trainFlags struct {
	jobID    string
	name     string
	headless bool
	style    string
}

func newTrainCommand(a *app) *cobra.Command {
	var f trainFlags
	c := &cobra.Command{
		Use:   "train",
		Short: "Run a training job locally",
		Long: `Run a training job in this process and show its progress. With --job-id
the job's config is fetched from the backend and the results are posted
back when the run ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runTrain(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}

	fs := c.Flags()
	fs.StringVar(&f.jobID, "job-id", "", "fetch the job from the backend and post results to it")
	fs.StringVar(&f.name, "name", "", "job name")
	fs.BoolVar(&f.headless, "headless", false, "log progress instead of drawing the dashboard")
	fs.StringVar(&f.style, "style", "", "summary style (dark, light, notty); detected when empty")
	fs.Int("epochs", 0, "number of epochs")
	fs.Int("batch-size", 0, "batch size")
	fs.Float64("learning-rate", 0, "learning rate")
	fs.Float64("validation-split", 0, "fraction of samples held out for validation")
	fs.Bool("early-stopping", true, "stop when validation loss stops improving")
	fs.Int("patience", 0, "epochs without improvement before stopping early")
	fs.Int("dataset-size", 0, "number of samples")
	fs.Duration("epoch-delay", 0, "simulated time per epoch")
	mustBind(a.v, fs, map[string]string{
		"training.epochs":           "epochs",
		"training.batch_size":       "batch-size",
		"training.learning_rate":    "learning-rate",
		"training.validation_split": "validation-split",
		"training.early_stopping":   "early-stopping",
		"training.patience":         "patience",
		"training.dataset_size":     "dataset-size",
		"training.epoch_delay":      "epoch-delay",
	})
	return c
}

func (a *app) runTrain(ctx context.Context, out io.Writer, f trainFlags) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	log, err := a.logger(cfg, !f.headless)
	if err != nil {
		return err
	}
	defer log.Sync()
	m, _ := a.telemetry(ctx, cfg, log)

	req := training.CreateRequest{
		Name:        f.name,
		Config:      cfg.Training.Config,
		DatasetSize: cfg.Training.DatasetSize,
	}
	var svc *jobservice.Client
	if f.jobID != "" {
		svc = jobservice.NewClient(cfg.HTTPBase(), cfg.Client.Token)
		spec, err := svc.GetJob(ctx, f.jobID)
		if err != nil {
			return fmt.Errorf("fetch job %s: %w", f.jobID, err)
		}
		req.Config = spec.Config
		req.DatasetSize = spec.DatasetSize
		if req.Name == "" {
			req.Name = spec.Name
		}
	}
	req.Step = syntheticStep(cfg.Training)

	router := events.NewRouter(events.WithLogger(log.Named("router")), events.WithMetrics(m))
	engine := training.NewEngine(router, training.WithLogger(log.Named("training")), training.WithMetrics(m))
	job := engine.Create(req)
	if err := engine.Start(ctx, job.ID); err != nil {
		return err
	}

	if f.headless {
		off := logProgress(router, log)
		_, err = engine.Wait(context.Background(), job.ID)
		off()
	} else {
		err = a.trainDashboard(ctx, cfg, engine, router, job.ID, m, log)
	}

	var terr *training.TrainingError
	if err != nil && !errors.As(err, &terr) {
		return err
	}

	final, _ := engine.Get(job.ID)
	history, _ := engine.History(job.ID)
	if svc != nil {
		postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		perr := svc.PostResults(postCtx, f.jobID, jobservice.Results{
			Status:  final.Status,
			Summary: final.Summary,
			History: history,
			Error:   final.Err,
		})
		cancel()
		if perr != nil {
			log.Error("posting results", zap.String("job", f.jobID), zap.Error(perr))
			err = errors.Join(err, fmt.Errorf("post results: %w", perr))
		}
	}

	rendered, rerr := ui.RenderSummary(ui.SummaryMarkdown(final, history), f.style, 80)
	if rerr != nil {
		log.Warn("rendering summary", zap.Error(rerr))
		rendered = ui.SummaryMarkdown(final, history)
	}
	fmt.Fprint(out, rendered)
	return err
}

// trainDashboard shows the job until it finishes or the user quits, in
// which case the job is stopped.
func (a *app) trainDashboard(ctx context.Context, cfg *config.Config, engine *training.Engine, router *events.Router, id string, m *metrics.Metrics, log *zap.Logger) error {
	p := tea.NewProgram(ui.New(id, ui.LocalControls{Engine: engine}), tea.WithAltScreen(), tea.WithContext(ctx))
	unbridge, err := ui.Bridge(router, nil, p.Send, cfg.Dispatch,
		throttle.WithLogger(log.Named("dispatch")), throttle.WithMetrics(m))
	if err != nil {
		engine.Stop(id)
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := engine.Wait(context.Background(), id)
		done <- err
		unbridge()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		log.Warn("dashboard", zap.Error(err))
	}
	if err := engine.Stop(id); err != nil && !errors.Is(err, training.ErrInvalidTransition) {
		return err
	}
	return <-done
}

func syntheticStep(tc config.TrainingConfig) training.EpochStep {
	step := training.NewSyntheticStep()
	step.Delay = tc.EpochDelay
	return step
}

func logProgress(router *events.Router, log *zap.Logger) func() {
	offs := []func(){
		events.Subscribe(router, func(p protocol.TrainingProgress, _ protocol.Event) {
			fields := []zap.Field{
				zap.Int("epoch", p.Epoch),
				zap.Int("total", p.TotalEpochs),
				zap.Float64("loss", p.Loss),
				zap.Float64("accuracy", p.Accuracy),
				zap.Float64("progress", p.Progress),
			}
			if p.ValidationLoss != nil {
				fields = append(fields, zap.Float64("val_loss", *p.ValidationLoss))
			}
			log.Info("epoch", fields...)
		}),
		events.Subscribe(router, func(p protocol.TrainingComplete, _ protocol.Event) {
			log.Info("training complete", zap.Int("epochs", p.Epochs), zap.Float64("final_loss", p.FinalLoss), zap.Bool("early_stopped", p.EarlyStopped))
		}),
		events.Subscribe(router, func(p protocol.TrainingError, _ protocol.Event) {
			log.Error("training failed", zap.Int("epoch", p.Epoch), zap.String("error", p.Error))
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}
