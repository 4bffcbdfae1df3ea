// Package throttle batches bursts of same-type events before handing them
// to a slow consumer.
//
// A Dispatcher favours bounded delivery frequency over per-event latency:
// each Push restarts a quiet-period timer, a full batch is delivered at
// once, and the buffer is capped so a stalled consumer cannot grow it
// without limit. It suits high-rate telemetry such as per-epoch metrics or
// host samples, not low-rate control events.
package throttle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/clock"
	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/metrics"
)

// Options controls batching.
type Options struct {
	// Throttle is the quiet period after the last Push before the buffer
	// is delivered.
	Throttle time.Duration `yaml:"throttle"`
	// BatchSize delivers immediately once this many items are buffered.
	// Zero disables size-triggered delivery.
	BatchSize int `yaml:"batch_size"`
	// MaxBatchSize caps the buffer; the oldest items are dropped beyond
	// it. Zero means no cap.
	MaxBatchSize int `yaml:"max_batch_size"`
}

// DefaultOptions returns the options used when a config leaves them unset.
func DefaultOptions() Options {
	return Options{
		Throttle:     100 * time.Millisecond,
		BatchSize:    10,
		MaxBatchSize: 100,
	}
}

// Validate checks that the options describe a usable dispatcher.
func (o Options) Validate() error {
	var errs []error
	if o.Throttle <= 0 {
		errs = append(errs, fmt.Errorf("throttle must be positive, got %v", o.Throttle))
	}
	if o.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", o.BatchSize))
	}
	if o.MaxBatchSize < 0 {
		errs = append(errs, fmt.Errorf("max batch size must not be negative, got %d", o.MaxBatchSize))
	}
	return errors.Join(errs...)
}

// Batch is one delivery. Most deliveries carry several items; a delivery
// of exactly one item is reported by Single.
type Batch[T any] []T

// Single returns the only item of a one-item batch.
func (b Batch[T]) Single() (T, bool) {
	if len(b) == 1 {
		return b[0], true
	}
	var zero T
	return zero, false
}

// Flush triggers, used as metric labels.
const (
	triggerTimer = "timer"
	triggerSize  = "size"
	triggerFlush = "flush"
	triggerClose = "close"
)

type settings struct {
	sched   *clock.Scheduler
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*settings)

// WithScheduler makes the dispatcher schedule its timer on s. The
// dispatcher does not close a scheduler it was given.
func WithScheduler(s *clock.Scheduler) Option {
	return func(st *settings) { st.sched = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(st *settings) { st.log = logging.OrNop(l) }
}

// WithMetrics enables flush and drop counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(st *settings) { st.metrics = m }
}

// Dispatcher buffers items of type T and delivers them in batches.
// Deliveries never overlap and preserve Push order. The handler must not
// call Flush or Close on its own dispatcher.
type Dispatcher[T any] struct {
	opts    Options
	handler func(Batch[T])

	sched    *clock.Scheduler
	ownSched bool
	log      *zap.Logger
	metrics  *metrics.Metrics

	// deliverMu is held while a batch is taken and handed over, which
	// keeps deliveries ordered.
	deliverMu sync.Mutex

	mu     sync.Mutex
	buf    []T
	timer  *clock.Handle
	armed  uint64
	closed bool
}

// New creates a dispatcher delivering to handler.
func New[T any](opts Options, handler func(Batch[T]), options ...Option) (*Dispatcher[T], error) {
	if handler == nil {
		return nil, errors.New("throttle: nil handler")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}

	st := settings{log: zap.NewNop()}
	for _, o := range options {
		o(&st)
	}

	d := &Dispatcher[T]{
		opts:    opts,
		handler: handler,
		sched:   st.sched,
		log:     st.log,
		metrics: st.metrics,
	}
	if d.sched == nil {
		d.sched = clock.NewScheduler(nil)
		d.ownSched = true
	}
	return d, nil
}

// Push buffers item. It reports false once the dispatcher is closed.
func (d *Dispatcher[T]) Push(item T) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}

	d.buf = append(d.buf, item)
	if d.opts.MaxBatchSize > 0 && len(d.buf) > d.opts.MaxBatchSize {
		drop := len(d.buf) - d.opts.MaxBatchSize
		d.buf = append([]T(nil), d.buf[drop:]...)
		d.metrics.DispatchDropped(drop)
		d.log.Debug("batch cap exceeded, dropped oldest items", zap.Int("dropped", drop))
	}

	d.timer.Cancel()
	d.timer = nil
	if d.opts.BatchSize > 0 && len(d.buf) >= d.opts.BatchSize {
		d.mu.Unlock()
		d.deliver(triggerSize)
		return true
	}

	d.armed++
	armed := d.armed
	d.timer = d.sched.After(d.opts.Throttle, func() { d.onTimer(armed) })
	d.mu.Unlock()
	return true
}

// Flush delivers whatever is buffered now.
func (d *Dispatcher[T]) Flush() {
	d.mu.Lock()
	d.timer.Cancel()
	d.timer = nil
	d.mu.Unlock()
	d.deliver(triggerFlush)
}

// Close stops the timer and delivers any buffered items before it
// returns. Later Pushes are rejected.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.timer.Cancel()
	d.timer = nil
	d.mu.Unlock()

	d.deliver(triggerClose)
	if d.ownSched {
		d.sched.Close()
	}
}

// Pending returns the number of buffered items.
func (d *Dispatcher[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// onTimer ignores a timer that was superseded by a later Push between
// firing and acquiring the lock.
func (d *Dispatcher[T]) onTimer(armed uint64) {
	d.mu.Lock()
	if armed != d.armed || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.deliver(triggerTimer)
}

func (d *Dispatcher[T]) deliver(trigger string) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	d.mu.Lock()
	batch := d.buf
	d.buf = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	d.metrics.DispatchFlush(trigger)
	d.handler(Batch[T](batch))
}
