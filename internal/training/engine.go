package training

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

// CreateRequest describes a new job.
type CreateRequest struct {
	Name        string
	Config      Config
	DatasetSize int
	Step        EpochStep
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNop(l) }
}

// WithMetrics enables epoch and job metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the time source for timestamps and durations.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine owns every job it creates. It is safe for concurrent use; only
// the engine mutates job state.
type Engine struct {
	router  *events.Router
	log     *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	// beforeCheckpoint, when set, runs ahead of each epoch's checkpoint.
	beforeCheckpoint func(jobID string, epoch int)

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	Job
	step    EpochStep
	history []EpochMetrics

	pauseReq bool
	stopReq  bool
	// wake nudges a parked epoch loop after Resume or Stop.
	wake chan struct{}
	done chan struct{}
	err  error
}

// NewEngine returns an engine that publishes job events on router.
func NewEngine(router *events.Router, opts ...Option) *Engine {
	e := &Engine{
		router: router,
		log:    zap.NewNop(),
		clock:  clock.Real(),
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create registers an idle job. The config is checked by Start.
func (e *Engine) Create(req CreateRequest) Job {
	j := &job{
		Job: Job{
			ID:          uuid.NewString(),
			Name:        req.Name,
			Status:      StatusIdle,
			TotalEpochs: req.Config.Epochs,
			Config:      req.Config,
			DatasetSize: req.DatasetSize,
			CreatedAt:   e.clock.Now(),
		},
		step: req.Step,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	e.jobs[j.ID] = j
	e.mu.Unlock()

	e.log.Debug("job created", zap.String("job", j.ID), zap.String("name", j.Name))
	return j.snapshot()
}

// Start validates the job's config, fixes its train/validation split and
// launches the epoch loop. Cancelling ctx has the effect of Stop.
func (e *Engine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return ErrJobNotFound
	}
	if j.Status != StatusIdle {
		e.mu.Unlock()
		return &TransitionError{From: j.Status, Op: "start"}
	}
	if err := j.Config.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	if j.step == nil {
		e.mu.Unlock()
		return &ValidationError{Field: "step", Reason: "is required"}
	}
	j.Split = SplitDataset(j.DatasetSize, j.Config.ValidationSplit)
	now := e.clock.Now()
	j.StartedAt = &now
	j.Status = StatusRunning
	e.mu.Unlock()

	e.log.Info("job started",
		zap.String("job", id),
		zap.Int("epochs", j.Config.Epochs),
		zap.Int("train", j.Split.Train.Len()),
		zap.Int("validation", j.Split.Validation.Len()))

	go e.run(ctx, j)
	return nil
}

// Pause takes effect once the in-flight epoch finishes.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusRunning || j.stopReq {
		return &TransitionError{From: j.Status, Op: "pause"}
	}
	j.pauseReq = true
	j.Status = StatusPaused
	e.log.Info("job paused", zap.String("job", id), zap.Int("epoch", j.CurrentEpoch))
	return nil
}

// Resume continues a paused job at its next epoch.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusPaused || j.stopReq {
		return &TransitionError{From: j.Status, Op: "resume"}
	}
	j.pauseReq = false
	j.Status = StatusRunning
	j.nudge()
	e.log.Info("job resumed", zap.String("job", id), zap.Int("next_epoch", j.CurrentEpoch+1))
	return nil
}

// Stop halts a running or paused job at the next checkpoint.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != StatusRunning && j.Status != StatusPaused {
		return &TransitionError{From: j.Status, Op: "stop"}
	}
	j.stopReq = true
	j.nudge()
	e.log.Info("job stop requested", zap.String("job", id), zap.String("status", string(j.Status)))
	return nil
}

// Wait blocks until the job finishes and returns its summary. A failed
// job returns its *TrainingError.
func (e *Engine) Wait(ctx context.Context, id string) (*Summary, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	s := *j.Summary
	return &s, nil
}

// Get returns a snapshot of one job.
func (e *Engine) Get(id string) (Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// List returns snapshots of all jobs, oldest first.
func (e *Engine) List() []Job {
	e.mu.Lock()
	out := make([]Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// History returns a copy of the job's recorded epochs.
func (e *Engine) History(id string) ([]EpochMetrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return append([]EpochMetrics(nil), j.history...), nil
}

func (e *Engine) run(ctx context.Context, j *job) {
	defer close(j.done)
	started := e.clock.Now()

	var (
		stopped      bool
		earlyStopped bool
	)
	for epoch := 1; epoch <= j.Config.Epochs; epoch++ {
		if e.beforeCheckpoint != nil {
			e.beforeCheckpoint(j.ID, epoch)
		}
		if !e.checkpoint(ctx, j) {
			stopped = true
			break
		}

		epochStart := time.Now()
		res, err := j.step.RunEpoch(ctx, EpochRequest{
			JobID:       j.ID,
			Epoch:       epoch,
			TotalEpochs: j.Config.Epochs,
			Config:      j.Config,
			Train:       j.Split.Train,
			Validation:  j.Split.Validation,
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				stopped = true
				break
			}
			e.fail(j, epoch, err)
			return
		}
		e.metrics.EpochCompleted(time.Since(epochStart).Seconds())

		m := EpochMetrics{
			Epoch:       epoch,
			Loss:        res.Loss,
			Accuracy:    res.Accuracy,
			ValLoss:     res.ValLoss,
			ValAccuracy: res.ValAccuracy,
			Progress:    round2(float64(epoch) / float64(j.Config.Epochs) * 100),
		}
		e.mu.Lock()
		j.history = append(j.history, m)
		j.CurrentEpoch = epoch
		stop := j.Config.EarlyStopping && shouldStopEarly(j.history, j.Config.Patience)
		e.mu.Unlock()

		e.router.Emit(protocol.NewEventAt(protocol.TrainingProgress{
			JobID:              j.ID,
			Epoch:              epoch,
			TotalEpochs:        j.Config.Epochs,
			Loss:               m.Loss,
			Accuracy:           m.Accuracy,
			ValidationLoss:     m.ValLoss,
			ValidationAccuracy: m.ValAccuracy,
			Progress:           m.Progress,
		}, e.clock.Now()))

		if stop {
			earlyStopped = true
			e.log.Info("early stopping", zap.String("job", j.ID), zap.Int("epoch", epoch), zap.Int("patience", j.Config.Patience))
			break
		}
	}

	e.complete(j, e.clock.Now().Sub(started), stopped, earlyStopped)
}

// checkpoint runs at the top of every epoch. It parks while the job is
// paused and reports false once the loop should halt.
func (e *Engine) checkpoint(ctx context.Context, j *job) bool {
	for {
		e.mu.Lock()
		if ctx.Err() != nil {
			j.stopReq = true
		}
		if j.stopReq {
			e.mu.Unlock()
			return false
		}
		if !j.pauseReq {
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()

		select {
		case <-j.wake:
		case <-ctx.Done():
		}
	}
}

func (e *Engine) complete(j *job, d time.Duration, stopped, earlyStopped bool) {
	var params int64
	if pc, ok := j.step.(ParamCounter); ok {
		params = pc.ParamCount()
	}

	e.mu.Lock()
	s := &Summary{
		EpochsRun:    len(j.history),
		ParamCount:   params,
		SizeBytes:    params * 4,
		Duration:     d,
		EarlyStopped: earlyStopped,
		Stopped:      stopped,
		Aborted:      len(j.history) == 0,
	}
	if n := len(j.history); n > 0 {
		s.FinalLoss = j.history[n-1].Loss
		s.FinalAccuracy = j.history[n-1].Accuracy
	}
	now := e.clock.Now()
	j.Status = StatusCompleted
	j.FinishedAt = &now
	j.Summary = s
	j.pauseReq = false
	e.mu.Unlock()

	e.metrics.JobFinished(string(StatusCompleted))
	if s.Aborted {
		e.log.Info("job aborted before its first epoch", zap.String("job", j.ID))
		return
	}

	e.log.Info("job completed",
		zap.String("job", j.ID),
		zap.Int("epochs", s.EpochsRun),
		zap.Float64("final_loss", s.FinalLoss),
		zap.Bool("early_stopped", s.EarlyStopped),
		zap.Duration("duration", d))
	e.router.Emit(protocol.NewEventAt(protocol.TrainingComplete{
		JobID:         j.ID,
		Epochs:        s.EpochsRun,
		FinalLoss:     s.FinalLoss,
		FinalAccuracy: s.FinalAccuracy,
		ParamCount:    s.ParamCount,
		SizeBytes:     s.SizeBytes,
		DurationMs:    d.Milliseconds(),
		EarlyStopped:  s.EarlyStopped,
		Stopped:       s.Stopped,
	}, now))
}

func (e *Engine) fail(j *job, epoch int, cause error) {
	terr := &TrainingError{JobID: j.ID, Epoch: epoch, Err: cause}

	e.mu.Lock()
	now := e.clock.Now()
	j.Status = StatusFailed
	j.FinishedAt = &now
	j.Err = terr.Error()
	j.err = terr
	j.pauseReq = false
	e.mu.Unlock()

	e.metrics.JobFinished(string(StatusFailed))
	e.log.Error("job failed", zap.String("job", j.ID), zap.Int("epoch", epoch), zap.Error(cause))
	e.router.Emit(protocol.NewEventAt(protocol.TrainingError{
		JobID: j.ID,
		Epoch: epoch,
		Error: cause.Error(),
	}, now))
}

func (j *job) nudge() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// snapshot copies j; the caller holds the engine lock.
func (j *job) snapshot() Job {
	out := j.Job
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Summary != nil {
		s := *j.Summary
		out.Summary = &s
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
