// Package events routes decoded push events to subscribers.
//
// The Router is a synchronous publish/subscribe registry keyed by
// protocol.Type. Emit calls every handler registered for the event's type
// on the caller's goroutine, in registration order, followed by wildcard
// handlers. A panicking handler is recovered and logged as a HandlerError
// and never prevents its siblings from running.
//
// Both the connection manager (server pushes) and the training engine
// (local job progress) publish through the same Router, so UI consumers
// have a single dispatch path.
package events

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

// Handler receives one event.
type Handler func(protocol.Event)

// HandlerError records a handler that panicked during Emit. It is logged,
// never returned.
type HandlerError struct {
	Type  protocol.Type
	Value any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s panicked: %v", e.Type, e.Value)
}

type subscription struct {
	handler Handler
}

// Router is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	byType   map[protocol.Type][]*subscription
	wildcard []*subscription

	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger used for handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.log = logging.OrNop(l) }
}

// WithMetrics enables handler panic counting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		byType: make(map[protocol.Type][]*subscription),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// On registers h for events of type t and returns a function that
// removes exactly this registration. Calling it more than once is safe.
func (r *Router) On(t protocol.Type, h Handler) (unsubscribe func()) {
	sub := &subscription{handler: h}

	r.mu.Lock()
	r.byType[t] = append(r.byType[t], sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.byType[t] = without(r.byType[t], sub)
			if len(r.byType[t]) == 0 {
				delete(r.byType, t)
			}
		})
	}
}

// OnAll registers h for every event type.
func (r *Router) OnAll(h Handler) (unsubscribe func()) {
	sub := &subscription{handler: h}

	r.mu.Lock()
	r.wildcard = append(r.wildcard, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.wildcard = without(r.wildcard, sub)
		})
	}
}

// Emit dispatches ev to a snapshot of the current subscribers, so
// handlers may subscribe or unsubscribe while being called.
func (r *Router) Emit(ev protocol.Event) {
	r.mu.RLock()
	subs := make([]*subscription, 0, len(r.byType[ev.Type])+len(r.wildcard))
	subs = append(subs, r.byType[ev.Type]...)
	subs = append(subs, r.wildcard...)
	r.mu.RUnlock()

	for _, sub := range subs {
		r.safeCall(sub.handler, ev)
	}
}

// Count returns the number of handlers registered for t, excluding
// wildcard handlers.
func (r *Router) Count(t protocol.Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[t])
}

func (r *Router) safeCall(h Handler, ev protocol.Event) {
	defer func() {
		if v := recover(); v != nil {
			herr := &HandlerError{Type: ev.Type, Value: v}
			r.metrics.HandlerPanic(string(ev.Type))
			r.log.Error("event handler panicked",
				zap.String("type", string(ev.Type)),
				zap.String("event_id", ev.ID),
				zap.Error(herr),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	h(ev)
}

func without(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Subscribe registers a handler that receives the payload already typed
// as P. The event type is taken from P itself, so a subscriber can never
// be attached to a type whose payload it cannot read.
func Subscribe[P protocol.Payload](r *Router, h func(P, protocol.Event)) (unsubscribe func()) {
	var zero P
	return r.On(zero.EventType(), func(ev protocol.Event) {
		p, ok := ev.Data.(P)
		if !ok {
			r.log.Warn("payload type mismatch",
				zap.String("type", string(ev.Type)),
				zap.String("payload", fmt.Sprintf("%T", ev.Data)),
			)
			return
		}
		h(p, ev)
	})
}
