package throttle

import (
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

// On subscribes a throttled handler for events of type t. The returned
// unsubscribe detaches from the router and then flushes any buffered
// events synchronously, so nothing is lost on disposal.
func On(r *events.Router, t protocol.Type, opts Options, h func(Batch[protocol.Event]), options ...Option) (unsubscribe func(), err error) {
	d, err := New(opts, h, options...)
	if err != nil {
		return nil, err
	}
	off := r.On(t, func(ev protocol.Event) { d.Push(ev) })
	return func() {
		off()
		d.Close()
	}, nil
}

// Subscribe is On with payloads typed as P.
func Subscribe[P protocol.Payload](r *events.Router, opts Options, h func(Batch[P]), options ...Option) (unsubscribe func(), err error) {
	d, err := New(opts, h, options...)
	if err != nil {
		return nil, err
	}
	off := events.Subscribe(r, func(p P, _ protocol.Event) { d.Push(p) })
	return func() {
		off()
		d.Close()
	}, nil
}
