package ui

import (
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/conn"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/protocol"
	"github.com/trainpulse/trainpulse/internal/throttle"
)

type recorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recorder) send(m tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) all() []tea.Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tea.Msg(nil), r.msgs...)
}

type stubStatus struct {
	state     conn.State
	observers []func(conn.State)
}

func (s *stubStatus) State() conn.State { return s.state }

func (s *stubStatus) OnStatus(f func(conn.State)) func() {
	s.observers = append(s.observers, f)
	return func() { s.observers = nil }
}

func (s *stubStatus) set(st conn.State) {
	s.state = st
	for _, f := range s.observers {
		f(st)
	}
}

func newBridge(t *testing.T, status StatusSource) (*events.Router, *recorder, *clock.FakeClock, func()) {
	t.Helper()
	fc := clock.Fake(time.Unix(0, 0))
	sched := clock.NewScheduler(fc)
	t.Cleanup(sched.Close)

	r := events.NewRouter()
	rec := &recorder{}
	opts := throttle.Options{Throttle: 100 * time.Millisecond, BatchSize: 10, MaxBatchSize: 100}
	off, err := Bridge(r, status, rec.send, opts, throttle.WithScheduler(sched))
	require.NoError(t, err)
	return r, rec, fc, off
}

func TestBridge_ThrottlesProgress(t *testing.T) {
	r, rec, fc, off := newBridge(t, nil)
	defer off()

	for i := 1; i <= 3; i++ {
		r.Emit(protocol.NewEvent(protocol.TrainingProgress{Epoch: i, TotalEpochs: 3}))
	}
	assert.Empty(t, rec.all(), "nothing before the quiet period")

	fc.Advance(100 * time.Millisecond)
	msgs := rec.all()
	require.Len(t, msgs, 1)
	batch, ok := msgs[0].(ProgressMsg)
	require.True(t, ok)
	require.Len(t, batch, 3)
	assert.Equal(t, 1, batch[0].Epoch)
	assert.Equal(t, 3, batch[2].Epoch)
}

func TestBridge_SystemKeepsLatestSample(t *testing.T) {
	r, rec, fc, off := newBridge(t, nil)
	defer off()

	r.Emit(protocol.NewEvent(protocol.SystemMetrics{CPU: 10}))
	r.Emit(protocol.NewEvent(protocol.SystemMetrics{CPU: 80}))
	fc.Advance(100 * time.Millisecond)

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, 80.0, msgs[0].(SystemMsg).CPU)
}

func TestBridge_ControlEventsAreImmediate(t *testing.T) {
	r, rec, _, off := newBridge(t, nil)
	defer off()

	r.Emit(protocol.NewEvent(protocol.TrainingComplete{JobID: "a", Epochs: 2}))
	r.Emit(protocol.NewEvent(protocol.TrainingError{JobID: "b", Error: "boom"}))
	r.Emit(protocol.NewEvent(protocol.DatasetUpdate{DatasetID: "ds-1", Status: "ready"}))

	msgs := rec.all()
	require.Len(t, msgs, 3)
	assert.Equal(t, CompleteMsg{JobID: "a", Epochs: 2}, msgs[0])
	assert.Equal(t, FailedMsg{JobID: "b", Error: "boom"}, msgs[1])
	assert.Equal(t, NoticeMsg{Level: "info", Text: "dataset ds-1 ready"}, msgs[2])
}

func TestBridge_ForwardsConnectionState(t *testing.T) {
	st := &stubStatus{state: conn.State{Status: conn.StatusConnecting}}
	_, rec, _, off := newBridge(t, st)

	st.set(conn.State{Status: conn.StatusConnected})

	msgs := rec.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, ConnStatusMsg{Status: conn.StatusConnecting}, msgs[0])
	assert.Equal(t, ConnStatusMsg{Status: conn.StatusConnected}, msgs[1])

	off()
	assert.Empty(t, st.observers)
}

func TestBridge_UnsubscribeFlushesPending(t *testing.T) {
	r, rec, _, off := newBridge(t, nil)

	r.Emit(protocol.NewEvent(protocol.LogUpdate{Level: "info", Message: "hello"}))
	off()

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, LogMsg{{Level: "info", Message: "hello"}}, msgs[0])

	r.Emit(protocol.NewEvent(protocol.LogUpdate{Level: "info", Message: "late"}))
	assert.Len(t, rec.all(), 1)
}
