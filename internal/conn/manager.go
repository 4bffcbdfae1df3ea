// Package conn owns the push connection to the job backend.
//
// A Manager holds at most one live WebSocket. It dials on Connect, keeps
// the link alive with a health_check heartbeat, decodes every inbound
// frame into the events.Router, and after an unexpected close reconnects
// with linear backoff until the attempt budget is spent. Disconnect is
// terminal: nothing reconnects until Connect is called again.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

// Status is the connection's lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is a point-in-time view of the connection.
type State struct {
	Status  Status
	Attempt int
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithScheduler makes the manager run its backoff and heartbeat timers on
// s. The manager does not close a scheduler it was given.
func WithScheduler(s *clock.Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(l) }
}

// WithMetrics enables connection metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager is safe for concurrent use.
type Manager struct {
	opts     Options
	router   *events.Router
	dialer   *websocket.Dialer
	sched    *clock.Scheduler
	ownSched bool
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	status    Status
	attempt   int
	conn      *websocket.Conn
	gen       uint64 // bumped by Connect and Disconnect; stale dials and timers compare against it
	manual    bool   // set by Disconnect, cleared by Connect
	closed    bool
	reconnect *clock.Handle
	heartbeat *clock.Handle
	observers map[int]func(State)
	nextObs   int
	// inflight is the explicit Connect whose dial is still running; later
	// Connect calls wait for it.
	inflight *connectCall

	// writeMu serialises heartbeat pings, Send and the close frame.
	writeMu sync.Mutex
}

// New creates a disconnected manager that publishes inbound events to
// router.
func New(opts Options, router *events.Router, options ...Option) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("conn: %w", err)
	}
	if router == nil {
		return nil, errors.New("conn: nil router")
	}
	m := &Manager{
		opts:      opts,
		router:    router,
		dialer:    websocket.DefaultDialer,
		log:       zap.NewNop(),
		status:    StatusDisconnected,
		observers: make(map[int]func(State)),
	}
	for _, o := range options {
		o(m)
	}
	if m.sched == nil {
		m.sched = clock.NewScheduler(nil)
		m.ownSched = true
	}
	m.log = m.log.With(zap.String("url", opts.URL))
	m.metrics.SetConnectionState(string(StatusDisconnected))
	return m, nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether outbound frames are currently accepted.
func (m *Manager) Connected() bool {
	return m.Status() == StatusConnected
}

// Attempt returns the number of reconnect attempts since the last
// successful open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// State returns status and attempt together.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Status: m.status, Attempt: m.attempt}
}

// OnStatus registers fn to be called after every status change. fn runs
// on the goroutine that caused the change and must not block.
func (m *Manager) OnStatus(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

type connectCall struct {
	done chan struct{}
	err  error
}

// Connect opens the connection and returns once it is up. An explicit
// Connect resets the attempt counter and lifts a previous Disconnect. If
// the dial fails a *ConnectionError is returned and the backoff loop takes
// over, exactly as for a dropped connection. A Connect issued while
// another is dialing waits for that dial and shares its result.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return &ConnectionError{Op: "connect", URL: m.opts.URL, Err: ctx.Err()}
		}
	}
	m.manual = false
	m.attempt = 0
	m.gen++
	gen := m.gen
	m.reconnect.Cancel()
	m.reconnect = nil
	call := &connectCall{done: make(chan struct{})}
	m.inflight = call
	notify := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	notify()

	err := m.dial(ctx, gen)
	switch {
	case err == nil:
	case errors.Is(err, errSuperseded):
		err = &ConnectionError{Op: "connect", URL: m.opts.URL, Err: err}
	default:
		m.log.Warn("connect failed", zap.Error(err))
		m.scheduleReconnect(gen)
		err = &ConnectionError{Op: "connect", URL: m.opts.URL, Err: err}
	}

	m.mu.Lock()
	if m.inflight == call {
		m.inflight = nil
	}
	m.mu.Unlock()
	call.err = err
	close(call.done)
	return err
}

// Disconnect closes the connection with a normal close code and cancels
// any pending reconnect. No automatic reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	m.inflight = nil
	m.reconnect.Cancel()
	m.reconnect = nil
	m.heartbeat.Cancel()
	m.heartbeat = nil
	c := m.conn
	m.conn = nil
	m.attempt = 0
	notify := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	notify()

	if c == nil {
		return
	}
	m.writeMu.Lock()
	err := c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(m.opts.WriteTimeout))
	m.writeMu.Unlock()
	if err != nil {
		m.log.Debug("close frame not sent", zap.Error(err))
	}
	c.Close()
	m.log.Info("disconnected")
}

// Close disconnects and releases the manager's timers. Connect fails
// afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.ownSched {
		m.sched.Close()
	}
}

// Send writes ev to the backend. Frames sent while not connected are
// dropped and Send returns false.
func (m *Manager) Send(ev protocol.Event) bool {
	m.mu.Lock()
	c := m.conn
	up := m.status == StatusConnected
	m.mu.Unlock()
	if !up || c == nil {
		m.metrics.FrameSent("dropped")
		return false
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		m.metrics.FrameSent("failed")
		m.log.Error("encode outbound frame", zap.Error(err))
		return false
	}

	m.writeMu.Lock()
	if m.opts.WriteTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	}
	err = c.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		// The read loop sees the broken socket and drives the reconnect.
		m.metrics.FrameSent("failed")
		m.log.Debug("write failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return false
	}
	m.metrics.FrameSent("sent")
	return true
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	if m.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		defer cancel()
	}

	c, _, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if gen != m.gen || m.manual || m.closed {
		m.mu.Unlock()
		c.Close()
		return errSuperseded
	}
	m.conn = c
	m.attempt = 0
	m.heartbeat.Cancel()
	m.heartbeat = m.sched.Every(m.opts.HeartbeatInterval, m.ping)
	notify := m.setStatusLocked(StatusConnected)
	m.mu.Unlock()
	notify()

	m.log.Info("connected")
	go m.readLoop(c, gen)
	return nil
}

func (m *Manager) readLoop(c *websocket.Conn, gen uint64) {
	for {
		if m.opts.ReadTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		}
		_, data, err := c.ReadMessage()
		if err != nil {
			m.onClosed(c, gen, err)
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			m.metrics.ProtocolError()
			m.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		m.metrics.FrameReceived(string(ev.Type))
		m.router.Emit(ev)
	}
}

func (m *Manager) onClosed(c *websocket.Conn, gen uint64, err error) {
	m.mu.Lock()
	if m.conn != c {
		// Disconnect or a newer connection already took over.
		m.mu.Unlock()
		c.Close()
		return
	}
	m.conn = nil
	m.heartbeat.Cancel()
	m.heartbeat = nil
	if m.manual || gen != m.gen {
		notify := m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		notify()
		c.Close()
		return
	}
	m.mu.Unlock()
	c.Close()

	m.log.Warn("connection lost", zap.Error(err))
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if m.manual || m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.opts.MaxReconnectAttempts {
		notify := m.setStatusLocked(StatusError)
		attempts := m.attempt
		m.mu.Unlock()
		notify()
		m.log.Error("giving up on reconnect", zap.Int("attempts", attempts), zap.Error(ErrReconnectExhausted))
		return
	}
	m.attempt++
	attempt := m.attempt
	delay := Backoff(m.opts.ReconnectInterval, attempt)
	m.reconnect = m.sched.After(delay, func() { m.reconnectNow(gen) })
	notify := m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	notify()

	m.metrics.ReconnectAttempt()
	m.log.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", m.opts.MaxReconnectAttempts),
		zap.Duration("delay", delay))
}

func (m *Manager) reconnectNow(gen uint64) {
	m.mu.Lock()
	if m.manual || m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	notify := m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()
	notify()

	err := m.dial(context.Background(), gen)
	if err == nil || errors.Is(err, errSuperseded) {
		return
	}
	m.log.Warn("reconnect failed", zap.Int("attempt", m.Attempt()), zap.Error(err))
	m.scheduleReconnect(gen)
}

func (m *Manager) ping() {
	m.Send(protocol.NewEvent(protocol.HealthCheck{Status: "ping"}))
}

// setStatusLocked records s and returns a function that notifies the
// observers; call it after releasing m.mu.
func (m *Manager) setStatusLocked(s Status) func() {
	if m.status == s {
		return func() {}
	}
	m.status = s
	state := State{Status: s, Attempt: m.attempt}
	fns := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	return func() {
		m.metrics.SetConnectionState(string(state.Status))
		for _, fn := range fns {
			fn(state)
		}
	}
}
