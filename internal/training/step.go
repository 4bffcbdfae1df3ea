package training

import (
	"context"
	"math"
	"time"
)

// EpochRequest is the input to one epoch.
type EpochRequest struct {
	JobID       string
	Epoch       int
	TotalEpochs int
	Config      Config
	Train       Partition
	Validation  Partition
}

// EpochResult is what one epoch produced. Validation metrics are nil when
// the run has no validation partition.
type EpochResult struct {
	Loss        float64
	Accuracy    float64
	ValLoss     *float64
	ValAccuracy *float64
}

// EpochStep runs one full pass over req.Train. It may use any amount of
// internal parallelism but must return within one epoch's work; an error
// fails the job.
type EpochStep interface {
	RunEpoch(ctx context.Context, req EpochRequest) (EpochResult, error)
}

// StepFunc adapts a function to EpochStep.
type StepFunc func(ctx context.Context, req EpochRequest) (EpochResult, error)

func (f StepFunc) RunEpoch(ctx context.Context, req EpochRequest) (EpochResult, error) {
	return f(ctx, req)
}

// ParamCounter is implemented by steps that know their model size. The
// summary reports zero parameters otherwise.
type ParamCounter interface {
	ParamCount() int64
}

// SyntheticStep produces a deterministic, exponentially decaying loss
// curve. It stands in for a real model in the demo CLI and the
// development server.
type SyntheticStep struct {
	// InitialLoss is the loss before the first epoch.
	InitialLoss float64
	// FloorLoss is the asymptote the loss decays towards.
	FloorLoss float64
	// Decay scales the per-epoch decay; it is multiplied by the
	// learning rate times 1000.
	Decay float64
	// Overfit adds this much validation loss per epoch, which lets early
	// stopping trigger on longer runs.
	Overfit float64
	// Params is reported through ParamCount.
	Params int64
	// Delay simulates the epoch's compute time.
	Delay time.Duration
}

// NewSyntheticStep returns a step with a typical curve.
func NewSyntheticStep() *SyntheticStep {
	return &SyntheticStep{
		InitialLoss: 2.3,
		FloorLoss:   0.05,
		Decay:       0.35,
		Overfit:     0.02,
		Params:      1_250_000,
		Delay:       500 * time.Millisecond,
	}
}

func (s *SyntheticStep) ParamCount() int64 { return s.Params }

func (s *SyntheticStep) RunEpoch(ctx context.Context, req EpochRequest) (EpochResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return EpochResult{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return EpochResult{}, err
	}

	rate := s.Decay * req.Config.LearningRate * 1000
	if rate <= 0 {
		rate = s.Decay
	}
	loss := s.FloorLoss + (s.InitialLoss-s.FloorLoss)*math.Exp(-rate*float64(req.Epoch))
	res := EpochResult{
		Loss:     loss,
		Accuracy: accuracyFor(loss, s.InitialLoss),
	}
	if req.Validation.Len() > 0 {
		// Validation loss bottoms out and then climbs as the model overfits.
		vl := loss*1.08 + s.Overfit*float64(req.Epoch)
		va := accuracyFor(vl, s.InitialLoss)
		res.ValLoss = &vl
		res.ValAccuracy = &va
	}
	return res, nil
}

func accuracyFor(loss, initial float64) float64 {
	if initial <= 0 {
		return 0
	}
	acc := 1 - loss/initial
	return math.Max(0, math.Min(1, acc))
}
