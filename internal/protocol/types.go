// Package protocol defines the push-channel wire format shared by the
// client and the development server. Every frame is a JSON envelope
//
//	{"type": "...", "data": {...}, "timestamp": <epoch ms>, "id": "..."}
//
// whose data is decoded into the payload struct registered for its type.
package protocol

import "encoding/json"

// Type identifies the kind of event carried by a frame.
type Type string

const (
	TypeSystemMetrics    Type = "system_metrics"
	TypeTrainingProgress Type = "training_progress"
	TypeTrainingComplete Type = "training_complete"
	TypeTrainingError    Type = "training_error"
	TypeLogUpdate        Type = "log_update"
	TypeModelUpdate      Type = "model_update"
	TypeDatasetUpdate    Type = "dataset_update"
	TypeHealthCheck      Type = "health_check"
	TypeNotification     Type = "notification"
	TypeDatasetDownload  Type = "dataset_download"
)

// decoders is the closed set of recognised types.
var decoders = map[Type]func(json.RawMessage) (Payload, error){
	TypeSystemMetrics:    decodeAs[SystemMetrics],
	TypeTrainingProgress: decodeAs[TrainingProgress],
	TypeTrainingComplete: decodeAs[TrainingComplete],
	TypeTrainingError:    decodeAs[TrainingError],
	TypeLogUpdate:        decodeAs[LogUpdate],
	TypeModelUpdate:      decodeAs[ModelUpdate],
	TypeDatasetUpdate:    decodeAs[DatasetUpdate],
	TypeHealthCheck:      decodeAs[HealthCheck],
	TypeNotification:     decodeAs[Notification],
	TypeDatasetDownload:  decodeAs[DatasetDownload],
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Types returns every recognised event type in a stable order.
func Types() []Type {
	return []Type{
		TypeSystemMetrics,
		TypeTrainingProgress,
		TypeTrainingComplete,
		TypeTrainingError,
		TypeLogUpdate,
		TypeModelUpdate,
		TypeDatasetUpdate,
		TypeHealthCheck,
		TypeNotification,
		TypeDatasetDownload,
	}
}

// Valid reports whether t belongs to the recognised set.
func (t Type) Valid() bool {
	_, ok := decoders[t]
	return ok
}

// Payload is implemented by every event body. The method ties a payload
// struct to exactly one Type.
type Payload interface {
	EventType() Type
}

// SystemMetrics is a periodic resource sample from the backend host.
type SystemMetrics struct {
	CPU    float64  `json:"cpu"`
	Memory float64  `json:"memory"`
	GPU    *float64 `json:"gpu,omitempty"`
	Disk   *float64 `json:"disk,omitempty"`
}

// TrainingProgress is emitted once per recorded epoch.
type TrainingProgress struct {
	JobID              string   `json:"jobId,omitempty"`
	Epoch              int      `json:"epoch"`
	TotalEpochs        int      `json:"totalEpochs"`
	Loss               float64  `json:"loss"`
	Accuracy           float64  `json:"accuracy"`
	ValidationLoss     *float64 `json:"validationLoss,omitempty"`
	ValidationAccuracy *float64 `json:"validationAccuracy,omitempty"`
	Progress           float64  `json:"progress"`
}

// TrainingComplete carries the final summary of a finished job.
type TrainingComplete struct {
	JobID         string  `json:"jobId,omitempty"`
	Epochs        int     `json:"epochs"`
	FinalLoss     float64 `json:"finalLoss"`
	FinalAccuracy float64 `json:"finalAccuracy"`
	ParamCount    int64   `json:"paramCount,omitempty"`
	SizeBytes     int64   `json:"sizeBytes,omitempty"`
	DurationMs    int64   `json:"durationMs"`
	EarlyStopped  bool    `json:"earlyStopped,omitempty"`
	Stopped       bool    `json:"stopped,omitempty"`
}

// TrainingError reports a job that failed inside its compute step.
type TrainingError struct {
	JobID string `json:"jobId,omitempty"`
	Epoch int    `json:"epoch"`
	Error string `json:"error"`
}

// LogUpdate is a log line forwarded by the backend.
type LogUpdate struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// ModelUpdate reports a change to a model's metadata.
type ModelUpdate struct {
	ModelID  string   `json:"modelId"`
	Name     string   `json:"name,omitempty"`
	Status   string   `json:"status"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// DatasetUpdate reports a change to a dataset's metadata.
type DatasetUpdate struct {
	DatasetID string `json:"datasetId"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	Samples   int    `json:"samples,omitempty"`
}

// HealthCheck is the heartbeat frame; the client sends "ping" and the
// backend answers with "ok".
type HealthCheck struct {
	Status string `json:"status"`
}

// Notification is a user-facing message.
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// DatasetDownload tracks a dataset transfer.
type DatasetDownload struct {
	DatasetID string  `json:"datasetId"`
	Progress  float64 `json:"progress"`
	Status    string  `json:"status"`
}

func (SystemMetrics) EventType() Type    { return TypeSystemMetrics }
func (TrainingProgress) EventType() Type { return TypeTrainingProgress }
func (TrainingComplete) EventType() Type { return TypeTrainingComplete }
func (TrainingError) EventType() Type    { return TypeTrainingError }
func (LogUpdate) EventType() Type        { return TypeLogUpdate }
func (ModelUpdate) EventType() Type      { return TypeModelUpdate }
func (DatasetUpdate) EventType() Type    { return TypeDatasetUpdate }
func (HealthCheck) EventType() Type      { return TypeHealthCheck }
func (Notification) EventType() Type     { return TypeNotification }
func (DatasetDownload) EventType() Type  { return TypeDatasetDownload }
