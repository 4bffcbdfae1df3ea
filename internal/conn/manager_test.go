package conn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

const waitFor = 2 * time.Second

// testServer accepts push connections and hands each one to the test.
type testServer struct {
	*httptest.Server
	conns   chan *websocket.Conn
	accepts atomic.Int32
	refuse  atomic.Int32 // reject this many upgrades with 503 first
	delay   atomic.Int64 // nanoseconds to hold each handshake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.refuse.Load() > 0 {
			ts.refuse.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		time.Sleep(time.Duration(ts.delay.Load()))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.accepts.Add(1)
		ts.conns <- c
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func (ts *testServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return nil
	}
}

func newFakeManager(t *testing.T, url string, opts ...Option) (*Manager, *events.Router, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	o := DefaultOptions(url)
	o.ReconnectInterval = 3 * time.Second
	o.MaxReconnectAttempts = 3
	o.HeartbeatInterval = 30 * time.Second
	o.HandshakeTimeout = time.Second
	router := events.NewRouter()
	m, err := New(o, router, append([]Option{WithScheduler(clock.NewScheduler(fc))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, router, fc
}

func TestManager_ConnectEmitsInboundFrames(t *testing.T) {
	ts := newTestServer(t)
	m, router, _ := newFakeManager(t, ts.wsURL())

	got := make(chan protocol.Event, 4)
	router.On(protocol.TypeTrainingProgress, func(ev protocol.Event) { got <- ev })

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StatusConnected, m.Status())
	assert.True(t, m.Connected())
	server := ts.next(t)

	frame := `{"type":"training_progress","data":{"epoch":2,"totalEpochs":4,"loss":0.5,"accuracy":0.6,"progress":50},"timestamp":1767225600000,"id":"f-1"}`
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case ev := <-got:
		p, ok := ev.Data.(protocol.TrainingProgress)
		require.True(t, ok)
		assert.Equal(t, 2, p.Epoch)
		assert.Equal(t, 50.0, p.Progress)
		assert.Equal(t, "f-1", ev.ID)
	case <-time.After(waitFor):
		t.Fatal("frame not emitted")
	}
}

func TestManager_ConnectWhileConnectedIsNoop(t *testing.T) {
	ts := newTestServer(t)
	m, _, _ := newFakeManager(t, ts.wsURL())

	require.NoError(t, m.Connect(context.Background()))
	ts.next(t)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), ts.accepts.Load())
}

func TestManager_OverlappingConnectsShareOneDial(t *testing.T) {
	ts := newTestServer(t)
	ts.delay.Store(int64(100 * time.Millisecond))
	m, _, _ := newFakeManager(t, ts.wsURL())

	errs := make(chan error, 2)
	go func() { errs <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.Status() == StatusConnecting }, waitFor, time.Millisecond)
	go func() { errs <- m.Connect(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("connect did not return")
		}
	}
	assert.Equal(t, StatusConnected, m.Status())
	ts.next(t)
	assert.Equal(t, int32(1), ts.accepts.Load())
}

func TestManager_MalformedFrameIsDropped(t *testing.T) {
	ts := newTestServer(t)
	m, router, _ := newFakeManager(t, ts.wsURL())

	got := make(chan protocol.Event, 4)
	router.OnAll(func(ev protocol.Event) { got <- ev })

	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","data":{}}`)))
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"type":"notification","data":{"level":"info","title":"t","message":"m"}}`)))

	select {
	case ev := <-got:
		assert.Equal(t, protocol.TypeNotification, ev.Type)
	case <-time.After(waitFor):
		t.Fatal("valid frame after malformed ones was not emitted")
	}
	assert.Equal(t, StatusConnected, m.Status(), "malformed frames must not close the connection")
}

func TestManager_HeartbeatSendsHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	m, _, fc := newFakeManager(t, ts.wsURL())

	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	fc.Advance(29 * time.Second)
	fc.Advance(time.Second)

	server.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeHealthCheck, ev.Type)
	assert.Equal(t, protocol.HealthCheck{Status: "ping"}, ev.Data)
}

func TestManager_SendWhileDisconnectedDrops(t *testing.T) {
	m, _, _ := newFakeManager(t, "ws://127.0.0.1:1/ws")
	assert.False(t, m.Send(protocol.NewEvent(protocol.HealthCheck{Status: "ping"})))
}

func TestManager_SendWritesFrame(t *testing.T) {
	ts := newTestServer(t)
	m, _, _ := newFakeManager(t, ts.wsURL())
	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	ev := protocol.NewEvent(protocol.LogUpdate{Level: "info", Message: "hello"})
	require.True(t, m.Send(ev))

	server.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	got, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Data, got.Data)
}

func TestManager_DisconnectSendsNormalCloseAndStaysDown(t *testing.T) {
	ts := newTestServer(t)
	m, _, fc := newFakeManager(t, ts.wsURL())
	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())

	server.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := server.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)

	assert.Equal(t, 0, fc.Pending(), "no heartbeat or reconnect may remain scheduled")
	fc.Advance(time.Hour)
	assert.Equal(t, int32(1), ts.accepts.Load())
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 0, m.Attempt())
}

func TestManager_ReconnectsAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	m, _, fc := newFakeManager(t, ts.wsURL())
	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	server.Close()
	require.Eventually(t, func() bool { return m.Attempt() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StatusDisconnected, m.Status())

	fc.Advance(2 * time.Second)
	assert.Equal(t, int32(1), ts.accepts.Load(), "first retry waits one interval")

	fc.Advance(time.Second)
	ts.next(t)
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 0, m.Attempt(), "a successful open resets the attempt counter")
}

func TestManager_ReconnectUsesLinearBackoff(t *testing.T) {
	ts := newTestServer(t)
	m, _, fc := newFakeManager(t, ts.wsURL())
	require.NoError(t, m.Connect(context.Background()))
	server := ts.next(t)

	ts.refuse.Store(2)
	server.Close()
	require.Eventually(t, func() bool { return m.Attempt() == 1 }, waitFor, 5*time.Millisecond)

	fc.Advance(3 * time.Second) // attempt 1 refused
	assert.Equal(t, 2, m.Attempt())
	fc.Advance(5 * time.Second)
	assert.Equal(t, 2, m.Attempt(), "attempt 2 waits 6s")
	fc.Advance(time.Second) // attempt 2 refused
	assert.Equal(t, 3, m.Attempt())
	fc.Advance(9 * time.Second)
	ts.next(t)
	assert.Equal(t, StatusConnected, m.Status())
}

func TestManager_ExhaustedReconnectsEndInError(t *testing.T) {
	var dials atomic.Int32
	dialer := &websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	}
	m, _, fc := newFakeManager(t, "ws://backend.invalid/ws", WithDialer(dialer))

	err := m.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "connect", ce.Op)
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 1, m.Attempt())

	fc.Advance(time.Minute)
	assert.Equal(t, int32(4), dials.Load(), "initial dial plus three retries")
	assert.Equal(t, StatusError, m.Status())
	assert.Equal(t, 0, fc.Pending())

	fc.Advance(time.Hour)
	assert.Equal(t, int32(4), dials.Load())

	// An explicit Connect starts over.
	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, int32(5), dials.Load())
	assert.Equal(t, 1, m.Attempt())
}

func TestManager_StatusObservers(t *testing.T) {
	ts := newTestServer(t)
	m, _, _ := newFakeManager(t, ts.wsURL())

	var mu sync.Mutex
	var seen []Status
	unsubscribe := m.OnStatus(func(s State) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	ts.next(t)
	m.Disconnect()
	unsubscribe()
	require.NoError(t, m.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnected}, seen)
}

func TestManager_ConnectAfterClose(t *testing.T) {
	m, _, _ := newFakeManager(t, "ws://127.0.0.1:1/ws")
	m.Close()
	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
}

func TestBackoffIsLinearAndNonDecreasing(t *testing.T) {
	base := 3 * time.Second
	assert.Equal(t, base, Backoff(base, 0))
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := Backoff(base, n)
		assert.Equal(t, time.Duration(n)*base, d)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"https://jobs.example.com", "/ws", "wss://jobs.example.com/ws"},
		{"http://localhost:8080/api", "/ws", "ws://localhost:8080/ws"},
		{"localhost:8080", "ws", "ws://localhost:8080/ws"},
		{"wss://jobs.example.com", "/stream/", "wss://jobs.example.com/stream"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := EndpointURL(tt.base, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := EndpointURL("ftp://jobs.example.com", "/ws")
	assert.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions("ws://localhost:8080/ws").Validate())

	o := DefaultOptions("http://localhost:8080/ws")
	o.ReconnectInterval = 0
	o.MaxReconnectAttempts = -1
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
	assert.Contains(t, err.Error(), "reconnect interval")
	assert.Contains(t, err.Error(), "max reconnect")
}
