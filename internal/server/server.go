// Package server is a development push backend. It serves the push
// endpoint, answers heartbeats, streams host system metrics, runs demo
// training jobs through the training engine and implements the job REST
// contract the client persists results to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/config"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/jobservice"
	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
	"github.com/trainpulse/trainpulse/internal/throttle"
	"github.com/trainpulse/trainpulse/internal/training"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger shared by the server's components.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

// WithMetrics instruments the server and exposes g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithScheduler runs the sampler, broadcast throttling and job clock on
// sched. The server does not close a scheduler it was given.
func WithScheduler(sched *clock.Scheduler) Option {
	return func(s *Server) { s.sched = sched }
}

// WithSampleFunc replaces the host system metrics reader.
func WithSampleFunc(f SampleFunc) Option {
	return func(s *Server) { s.sample = f }
}

// WithStepFactory sets how jobs created over REST compute their epochs.
func WithStepFactory(f func(training.Config) training.EpochStep) Option {
	return func(s *Server) { s.newStep = f }
}

type Server struct {
	cfg      config.ServerConfig
	defaults config.TrainingConfig

	router   *events.Router
	engine   *training.Engine
	hub      *Hub
	sampler  *Sampler
	sched    *clock.Scheduler
	ownSched bool
	sample   SampleFunc
	newStep  func(training.Config) training.EpochStep

	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu      sync.Mutex
	ctx     context.Context
	results map[string]jobservice.Results
	unsubs  []func()
}

// New builds a server around its own router and training engine.
func New(cfg config.ServerConfig, defaults config.TrainingConfig, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:            cfg,
		defaults:       defaults,
		log:            zap.NewNop(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		ctx:            context.Background(),
		results:        make(map[string]jobservice.Results),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = clock.NewScheduler(nil)
		s.ownSched = true
	}
	if s.newStep == nil {
		delay := defaults.EpochDelay
		s.newStep = func(training.Config) training.EpochStep {
			step := training.NewSyntheticStep()
			step.Delay = delay
			return step
		}
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.router = events.NewRouter(events.WithLogger(s.log), events.WithMetrics(s.metrics))
	s.engine = training.NewEngine(s.router,
		training.WithLogger(s.log.Named("training")),
		training.WithMetrics(s.metrics),
		training.WithClock(s.sched.Clock()))
	s.hub = NewHub(cfg.MaxConnections, s.log.Named("hub"), s.metrics)
	s.sampler = NewSampler(s.sample, cfg.SystemMetricsInterval, s.router.Emit, s.sched, s.log)

	if err := s.wireBroadcast(); err != nil {
		return nil, err
	}
	return s, nil
}

// wireBroadcast forwards every router event to the push clients.
// training_progress is coalesced through a throttled dispatcher.
func (s *Server) wireBroadcast() error {
	throttled := s.cfg.BroadcastThrottle > 0
	if throttled {
		off, err := throttle.On(s.router, protocol.TypeTrainingProgress,
			throttle.Options{Throttle: s.cfg.BroadcastThrottle, BatchSize: 10, MaxBatchSize: 100},
			func(b throttle.Batch[protocol.Event]) {
				for _, ev := range b {
					s.hub.Broadcast(ev)
				}
			},
			throttle.WithScheduler(s.sched),
			throttle.WithLogger(s.log),
			throttle.WithMetrics(s.metrics))
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		s.unsubs = append(s.unsubs, off)
	}

	s.unsubs = append(s.unsubs, s.router.OnAll(func(ev protocol.Event) {
		if throttled && ev.Type == protocol.TypeTrainingProgress {
			return
		}
		s.hub.Broadcast(ev)
	}))
	return nil
}

// Router returns the server's event router.
func (s *Server) Router() *events.Router { return s.router }

// Engine returns the server's training engine.
func (s *Server) Engine() *training.Engine { return s.engine }

// Hub returns the push client hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins system metrics sampling. Jobs started over REST run until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.sampler.Start(ctx)
}

// Close stops sampling and running jobs and disconnects every client.
func (s *Server) Close() {
	s.sampler.Stop()
	for _, j := range s.engine.List() {
		if j.Status == training.StatusRunning || j.Status == training.StatusPaused {
			_ = s.engine.Stop(j.ID)
		}
	}
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, off := range unsubs {
		off()
	}
	s.hub.Close()
	if s.ownSched {
		s.sched.Close()
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/jobs", s.authorized(s.handleListJobs))
	mux.HandleFunc("POST /api/jobs", s.authorized(s.handleCreateJob))
	mux.HandleFunc("GET /api/jobs/{id}", s.authorized(s.handleGetJob))
	mux.HandleFunc("GET /api/jobs/{id}/history", s.authorized(s.handleHistory))
	mux.HandleFunc("GET /api/jobs/{id}/results", s.authorized(s.handleGetResults))
	mux.HandleFunc("POST /api/jobs/{id}/results", s.authorized(s.handlePostResults))
	mux.HandleFunc("POST /api/jobs/{id}/{action}", s.authorized(s.handleJobAction))
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}

	c, err := s.hub.add(conn)
	if err != nil {
		s.log.Warn("rejecting push client", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Info("push client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			s.hub.remove(c)
			s.log.Info("push client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.Decode(data)
			if err != nil {
				s.log.Debug("ignoring client frame", zap.Error(err))
				continue
			}
			if ev.Type == protocol.TypeHealthCheck {
				s.hub.reply(c, protocol.NewEvent(protocol.HealthCheck{Status: "ok"}))
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobservice.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg := s.defaults.Config
	if req.Config != nil {
		cfg = *req.Config
	}
	size := req.DatasetSize
	if size == 0 {
		size = s.defaults.DatasetSize
	}

	job := s.engine.Create(training.CreateRequest{
		Name:        req.Name,
		Config:      cfg,
		DatasetSize: size,
		Step:        s.newStep(cfg),
	})
	if req.Start {
		if err := s.engine.Start(s.jobContext(), job.ID); err != nil {
			writeError(w, err)
			return
		}
		job, _ = s.engine.Get(job.ID)
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.History(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	var err error
	switch action {
	case "start":
		err = s.engine.Start(s.jobContext(), id)
	case "pause":
		err = s.engine.Pause(id)
	case "resume":
		err = s.engine.Resume(id)
	case "stop":
		err = s.engine.Stop(id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	s.router.Emit(protocol.NewEvent(protocol.LogUpdate{
		Level:   "info",
		Message: fmt.Sprintf("job %s: %s", id, action),
		Source:  "server",
	}))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostResults(w http.ResponseWriter, r *http.Request) {
	var res jobservice.Results
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&res); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	s.results[id] = res
	s.mu.Unlock()

	s.log.Info("results stored", zap.String("job", id), zap.String("status", string(res.Status)), zap.Int("epochs", len(res.History)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res, ok := s.results[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "results not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Server) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.AuthToken
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	if r.Header.Get("X-Trainpulse-Token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var verr *training.ValidationError
	switch {
	case errors.Is(err, training.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, training.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &verr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	log = logging.OrNop(log)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
