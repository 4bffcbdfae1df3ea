package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/trainpulse/trainpulse/internal/conn"
	"github.com/trainpulse/trainpulse/internal/events"
	"github.com/trainpulse/trainpulse/internal/protocol"
	"github.com/trainpulse/trainpulse/internal/throttle"
)

// ConnStatusMsg reports a connection state change.
type ConnStatusMsg conn.State

// ProgressMsg carries a throttled batch of progress updates, oldest first.
type ProgressMsg []protocol.TrainingProgress

// SystemMsg carries the latest system metrics sample of a batch.
type SystemMsg protocol.SystemMetrics

// LogMsg carries a throttled batch of log lines.
type LogMsg []protocol.LogUpdate

// CompleteMsg reports a finished job.
type CompleteMsg protocol.TrainingComplete

// FailedMsg reports a failed job.
type FailedMsg protocol.TrainingError

// NoticeMsg is a one-line notice for the activity log.
type NoticeMsg struct {
	Level string
	Text  string
}

// StatusSource is the part of conn.Manager the bridge observes.
type StatusSource interface {
	State() conn.State
	OnStatus(func(conn.State)) func()
}

// Bridge subscribes to router and forwards events to send, typically a
// tea.Program's Send. High-rate types go through throttled dispatchers so
// the program sees at most one message per type per throttle window.
// status may be nil. The returned function unsubscribes everything,
// flushing pending batches first.
func Bridge(router *events.Router, status StatusSource, send func(tea.Msg), opts throttle.Options, dopts ...throttle.Option) (func(), error) {
	var offs []func()
	unsubscribe := func() {
		for i := len(offs) - 1; i >= 0; i-- {
			offs[i]()
		}
	}

	off, err := throttle.Subscribe(router, opts, func(b throttle.Batch[protocol.TrainingProgress]) {
		send(ProgressMsg(b))
	}, dopts...)
	if err != nil {
		return nil, err
	}
	offs = append(offs, off)

	off, err = throttle.Subscribe(router, opts, func(b throttle.Batch[protocol.SystemMetrics]) {
		send(SystemMsg(b[len(b)-1]))
	}, dopts...)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	offs = append(offs, off)

	off, err = throttle.Subscribe(router, opts, func(b throttle.Batch[protocol.LogUpdate]) {
		send(LogMsg(b))
	}, dopts...)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	offs = append(offs, off)

	offs = append(offs,
		events.Subscribe(router, func(p protocol.TrainingComplete, _ protocol.Event) {
			send(CompleteMsg(p))
		}),
		events.Subscribe(router, func(p protocol.TrainingError, _ protocol.Event) {
			send(FailedMsg(p))
		}),
		events.Subscribe(router, func(p protocol.Notification, _ protocol.Event) {
			send(NoticeMsg{Level: p.Level, Text: p.Title + ": " + p.Message})
		}),
		events.Subscribe(router, func(p protocol.ModelUpdate, _ protocol.Event) {
			send(NoticeMsg{Level: "info", Text: "model " + nameOr(p.Name, p.ModelID) + " " + p.Status})
		}),
		events.Subscribe(router, func(p protocol.DatasetUpdate, _ protocol.Event) {
			send(NoticeMsg{Level: "info", Text: "dataset " + nameOr(p.Name, p.DatasetID) + " " + p.Status})
		}),
	)

	if status != nil {
		offs = append(offs, status.OnStatus(func(s conn.State) {
			send(ConnStatusMsg(s))
		}))
		send(ConnStatusMsg(status.State()))
	}
	return unsubscribe, nil
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
