package conn

import (
	"errors"
	"fmt"
)

// ErrReconnectExhausted is logged when the automatic reconnect budget is
// spent. The manager stays in StatusError until Connect is called again.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("connection manager closed")

// errSuperseded marks a dial whose result arrived after Disconnect or a
// newer Connect.
var errSuperseded = errors.New("dial superseded")

// ConnectionError is a transient transport failure.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
