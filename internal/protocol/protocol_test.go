package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTrainingProgress(t *testing.T) {
	raw := `{"type":"training_progress","data":{"jobId":"j1","epoch":2,"totalEpochs":5,"loss":0.5,"accuracy":0.6,"validationLoss":0.7,"progress":40},"timestamp":1767225600000,"id":"abc"}`

	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, TypeTrainingProgress, ev.Type)
	assert.Equal(t, "abc", ev.ID)
	assert.Equal(t, int64(1767225600000), ev.Timestamp.UnixMilli())

	p, ok := ev.Data.(TrainingProgress)
	require.True(t, ok, "payload should be a TrainingProgress value, got %T", ev.Data)
	assert.Equal(t, 2, p.Epoch)
	assert.Equal(t, 5, p.TotalEpochs)
	require.NotNil(t, p.ValidationLoss)
	assert.InDelta(t, 0.7, *p.ValidationLoss, 1e-9)
	assert.Nil(t, p.ValidationAccuracy)
}

func TestDecodeEveryRecognisedType(t *testing.T) {
	for _, typ := range Types() {
		t.Run(string(typ), func(t *testing.T) {
			raw, err := json.Marshal(map[string]any{"type": typ, "data": map[string]any{}, "timestamp": 1, "id": "x"})
			require.NoError(t, err)

			ev, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, typ, ev.Data.EventType())
			assert.True(t, typ.Valid())
		})
	}
}

func TestDecodeMissingData(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"health_check","id":"h"}`))
	require.NoError(t, err)
	assert.Equal(t, HealthCheck{}, ev.Data)
	assert.True(t, ev.Timestamp.IsZero())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		unknown bool
	}{
		{name: "not json", raw: `{"type":`},
		{name: "missing type", raw: `{"data":{}}`},
		{name: "unknown type", raw: `{"type":"snapshot","data":{}}`, unknown: true},
		{name: "payload shape", raw: `{"type":"training_progress","data":{"epoch":"one"}}`},
		{name: "array envelope", raw: `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)

			var perr *ProtocolError
			assert.True(t, errors.As(err, &perr), "want *ProtocolError, got %T", err)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownType))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	acc := 0.91
	ts := time.UnixMilli(1767225600123)
	ev := NewEventAt(ModelUpdate{ModelID: "m1", Status: "ready", Accuracy: &acc}, ts)
	require.NotEmpty(t, ev.ID)

	data, err := Encode(ev)
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, TypeModelUpdate, f.Type)
	assert.Equal(t, int64(1767225600123), f.Timestamp)
	assert.JSONEq(t, `{"modelId":"m1","status":"ready","accuracy":0.91}`, string(f.Data))

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, back.ID)
	assert.Equal(t, ev.Data, back.Data)
}

func TestEncodeRejectsMismatchedType(t *testing.T) {
	_, err := Encode(Event{Type: TypeLogUpdate, Data: HealthCheck{Status: "ping"}})
	assert.Error(t, err)

	_, err = Encode(Event{Type: TypeLogUpdate})
	assert.Error(t, err)
}

func TestNewEventIDsAreUnique(t *testing.T) {
	a := NewEvent(HealthCheck{Status: "ping"})
	b := NewEvent(HealthCheck{Status: "ping"})
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, TypeHealthCheck, a.Type)
}

func TestUnknownTypeIsInvalid(t *testing.T) {
	assert.False(t, Type("snapshot").Valid())
}
