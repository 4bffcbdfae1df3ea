package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/config"
	"github.com/trainpulse/trainpulse/internal/jobservice"
	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
	"github.com/trainpulse/trainpulse/internal/training"
)

const waitFor = 2 * time.Second

func fastStep(training.Config) training.EpochStep {
	return training.StepFunc(func(_ context.Context, req training.EpochRequest) (training.EpochResult, error) {
		return training.EpochResult{Loss: 1 / float64(req.Epoch), Accuracy: 0.25 * float64(req.Epoch)}, nil
	})
}

func testConfig() (config.ServerConfig, config.TrainingConfig) {
	cfg := config.Default()
	cfg.Server.BroadcastThrottle = 0
	cfg.Training.Epochs = 3
	cfg.Training.DatasetSize = 100
	return cfg.Server, cfg.Training
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	scfg, tcfg := testConfig()
	s, err := New(scfg, tcfg, append([]Option{WithStepFactory(fastStep)}, opts...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func dialPush(t *testing.T, ts *httptest.Server, s *Server) *websocket.Conn {
	t.Helper()
	before := s.Hub().ClientCount()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == before+1 }, waitFor, 5*time.Millisecond)
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) protocol.Event {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.Decode(data)
	require.NoError(t, err)
	return ev
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}
	for header, expected := range want {
		assert.Equal(t, expected, rec.Header().Get(header), header)
	}
}

func TestHealthCheckIsAnswered(t *testing.T) {
	s, ts := newTestServer(t)
	c := dialPush(t, ts, s)

	ping, err := protocol.Encode(protocol.NewEvent(protocol.HealthCheck{Status: "ping"}))
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, ping))

	ev := readEvent(t, c)
	assert.Equal(t, protocol.TypeHealthCheck, ev.Type)
	assert.Equal(t, protocol.HealthCheck{Status: "ok"}, ev.Data)
}

func TestRouterEventsAreBroadcast(t *testing.T) {
	s, ts := newTestServer(t)
	a := dialPush(t, ts, s)
	b := dialPush(t, ts, s)

	s.Router().Emit(protocol.NewEvent(protocol.Notification{Level: "info", Title: "hi", Message: "there"}))

	for _, c := range []*websocket.Conn{a, b} {
		ev := readEvent(t, c)
		assert.Equal(t, protocol.TypeNotification, ev.Type)
		assert.Equal(t, "hi", ev.Data.(protocol.Notification).Title)
	}
}

func TestTrainingProgressIsThrottled(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	scfg, tcfg := testConfig()
	scfg.BroadcastThrottle = 100 * time.Millisecond
	s, err := New(scfg, tcfg, WithScheduler(clock.NewScheduler(fc)))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()
	c := dialPush(t, ts, s)

	for epoch := 1; epoch <= 2; epoch++ {
		s.Router().Emit(protocol.NewEvent(protocol.TrainingProgress{Epoch: epoch, TotalEpochs: 2}))
	}
	s.Router().Emit(protocol.NewEvent(protocol.LogUpdate{Level: "info", Message: "direct"}))

	ev := readEvent(t, c)
	assert.Equal(t, protocol.TypeLogUpdate, ev.Type, "unthrottled events go out first")

	fc.Advance(100 * time.Millisecond)
	for epoch := 1; epoch <= 2; epoch++ {
		ev := readEvent(t, c)
		require.Equal(t, protocol.TypeTrainingProgress, ev.Type)
		assert.Equal(t, epoch, ev.Data.(protocol.TrainingProgress).Epoch)
	}
}

func TestJobLifecycleOverREST(t *testing.T) {
	s, ts := newTestServer(t)

	body := `{"name":"demo","config":{"epochs":3,"batchSize":16,"learningRate":0.01},"datasetSize":50,"start":true}`
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job training.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Equal(t, "demo", job.Name)

	summary, err := s.Engine().Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.EpochsRun)

	client := jobservice.NewClient(ts.URL, "")
	spec, err := client.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, spec.Config.BatchSize)
	assert.Equal(t, 50, spec.DatasetSize)

	resp2, err := http.Post(ts.URL+"/api/jobs/"+job.ID+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	resp3, err := http.Post(ts.URL+"/api/jobs/missing/stop", "application/json", nil)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	jobs, err := client.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, training.StatusCompleted, jobs[0].Status)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	_, ts := newTestServer(t)

	body := `{"config":{"epochs":0,"batchSize":16,"learningRate":0.01}}`
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var job training.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	assert.Equal(t, training.StatusIdle, job.Status)

	resp, err = http.Post(ts.URL+"/api/jobs/"+job.ID+"/start", "application/json", nil)
	require.NoError(t, err)
	msg, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(msg), "epochs")
}

func TestResultsRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	client := jobservice.NewClient(ts.URL, "")

	in := jobservice.Results{
		Status:  training.StatusCompleted,
		Summary: &training.Summary{EpochsRun: 1, FinalLoss: 0.4},
		History: []training.EpochMetrics{{Epoch: 1, Loss: 0.4, Progress: 100}},
	}
	require.NoError(t, client.PostResults(context.Background(), "job-7", in))

	resp, err := http.Get(ts.URL + "/api/jobs/job-7/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out jobservice.Results
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, in, out)
}

func TestAuthToken(t *testing.T) {
	scfg, tcfg := testConfig()
	scfg.AuthToken = "s3cret"
	s, err := New(scfg, tcfg)
	require.NoError(t, err)
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = jobservice.NewClient(ts.URL, "s3cret").ListJobs(context.Background())
	assert.NoError(t, err)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestSamplerPublishesSystemMetrics(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sample := func(context.Context) (protocol.SystemMetrics, error) {
		return protocol.SystemMetrics{CPU: 12.5, Memory: 40}, nil
	}
	scfg, tcfg := testConfig()
	s, err := New(scfg, tcfg, WithScheduler(clock.NewScheduler(fc)), WithSampleFunc(sample))
	require.NoError(t, err)
	defer s.Close()

	var got []protocol.SystemMetrics
	s.Router().On(protocol.TypeSystemMetrics, func(ev protocol.Event) {
		got = append(got, ev.Data.(protocol.SystemMetrics))
	})

	s.Start(context.Background())
	fc.Advance(scfg.SystemMetricsInterval * 3)
	require.Len(t, got, 3)
	assert.Equal(t, 12.5, got[0].CPU)

	s.Close()
	fc.Advance(time.Minute)
	assert.Len(t, got, 3)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts := newTestServer(t, WithMetrics(metrics.New(reg), reg))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "trainpulse_")
}

func TestCheckOrigin(t *testing.T) {
	scfg, tcfg := testConfig()
	scfg.AllowedOrigins = []string{"https://dash.example.com"}
	s, err := New(scfg, tcfg)
	require.NoError(t, err)
	defer s.Close()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))

	open, err := New(testConfig())
	require.NoError(t, err)
	defer open.Close()
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, open.checkOrigin(req))
	req.Header.Set("Origin", "http://203.0.113.9")
	assert.False(t, open.checkOrigin(req))
}
