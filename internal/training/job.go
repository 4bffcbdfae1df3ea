// Package training runs training jobs through their lifecycle.
//
// A job moves idle → running → {paused, completed, failed}. Each running
// job owns one goroutine that executes epochs through an opaque EpochStep,
// appends to the job's history and publishes progress on the events
// Router. Pause, resume and stop are flags sampled at the top of every
// epoch, so an in-flight epoch always finishes first.
package training

import (
	"errors"
	"fmt"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Config holds the hyperparameters of one run.
type Config struct {
	Epochs          int     `json:"epochs" yaml:"epochs"`
	BatchSize       int     `json:"batchSize" yaml:"batch_size"`
	LearningRate    float64 `json:"learningRate" yaml:"learning_rate"`
	ValidationSplit float64 `json:"validationSplit" yaml:"validation_split"`
	EarlyStopping   bool    `json:"earlyStopping" yaml:"early_stopping"`
	Patience        int     `json:"patience" yaml:"patience"`
}

// Validate returns a *ValidationError for the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return &ValidationError{Field: "epochs", Reason: "must be greater than 0"}
	case c.BatchSize <= 0:
		return &ValidationError{Field: "batchSize", Reason: "must be greater than 0"}
	case !(c.LearningRate > 0 && c.LearningRate < 1):
		return &ValidationError{Field: "learningRate", Reason: "must be between 0 and 1 exclusive"}
	case !(c.ValidationSplit >= 0 && c.ValidationSplit < 1):
		return &ValidationError{Field: "validationSplit", Reason: "must be at least 0 and below 1"}
	case c.Patience < 0:
		return &ValidationError{Field: "patience", Reason: "must not be negative"}
	}
	return nil
}

// Partition is a half-open index range [Start, End) into the dataset.
type Partition struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of samples in p.
func (p Partition) Len() int { return p.End - p.Start }

// Split is the fixed train/validation partitioning of a run.
type Split struct {
	Train      Partition `json:"train"`
	Validation Partition `json:"validation"`
}

// SplitDataset divides n samples so that the first floor(n*(1-ratio))
// train and the rest validate.
func SplitDataset(n int, ratio float64) Split {
	if n < 0 {
		n = 0
	}
	end := int(float64(n) * (1 - ratio))
	if end > n {
		end = n
	}
	return Split{
		Train:      Partition{Start: 0, End: end},
		Validation: Partition{Start: end, End: n},
	}
}

// EpochMetrics is one TrainingHistory entry.
type EpochMetrics struct {
	Epoch       int      `json:"epoch"`
	Loss        float64  `json:"loss"`
	Accuracy    float64  `json:"accuracy"`
	ValLoss     *float64 `json:"valLoss,omitempty"`
	ValAccuracy *float64 `json:"valAccuracy,omitempty"`
	Progress    float64  `json:"progress"`
}

// stopMetric is the value early stopping compares: validation loss when
// the epoch has one, training loss otherwise.
func (m EpochMetrics) stopMetric() float64 {
	if m.ValLoss != nil {
		return *m.ValLoss
	}
	return m.Loss
}

// Summary describes a finished run.
type Summary struct {
	EpochsRun     int           `json:"epochsRun"`
	FinalLoss     float64       `json:"finalLoss"`
	FinalAccuracy float64       `json:"finalAccuracy"`
	ParamCount    int64         `json:"paramCount,omitempty"`
	SizeBytes     int64         `json:"sizeBytes,omitempty"`
	Duration      time.Duration `json:"duration"`
	EarlyStopped  bool          `json:"earlyStopped,omitempty"`
	Stopped       bool          `json:"stopped,omitempty"`
	// Aborted is set when the job was stopped before any epoch finished.
	Aborted bool `json:"aborted,omitempty"`
}

// Job is a point-in-time copy of a job's state.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Status       Status     `json:"status"`
	CurrentEpoch int        `json:"currentEpoch"`
	TotalEpochs  int        `json:"totalEpochs"`
	Config       Config     `json:"config"`
	DatasetSize  int        `json:"datasetSize"`
	Split        Split      `json:"split"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Summary      *Summary   `json:"summary,omitempty"`
	Err          string     `json:"error,omitempty"`
}

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidTransition is wrapped by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid job transition")

// TransitionError is returned when an operation is not legal from the
// job's current status. The job is left unchanged.
type TransitionError struct {
	From Status
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s job", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError rejects a job config before it starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// TrainingError is a failure inside the epoch step. It is fatal to the
// job and never retried.
type TrainingError struct {
	JobID string
	Epoch int
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("job %s epoch %d: %v", e.JobID, e.Epoch, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }
