package ui

import (
	"context"

	"github.com/trainpulse/trainpulse/internal/conn"
	"github.com/trainpulse/trainpulse/internal/training"
)

// LocalControls drives a job on an in-process engine and reconnects the
// push connection. Either field may be nil.
type LocalControls struct {
	Engine *training.Engine
	Conn   *conn.Manager
}

func (c LocalControls) Pause(id string) error {
	if c.Engine == nil {
		return nil
	}
	return c.Engine.Pause(id)
}

func (c LocalControls) Resume(id string) error {
	if c.Engine == nil {
		return nil
	}
	return c.Engine.Resume(id)
}

func (c LocalControls) Stop(id string) error {
	if c.Engine == nil {
		return nil
	}
	return c.Engine.Stop(id)
}

func (c LocalControls) Reconnect(ctx context.Context) error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Connect(ctx)
}
