package conn

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Options configures a Manager.
type Options struct {
	// URL is the ws:// or wss:// endpoint. See EndpointURL.
	URL string
	// ReconnectInterval is the backoff base; attempt n waits n times it.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts caps automatic reconnects after a drop.
	MaxReconnectAttempts int
	// HeartbeatInterval is the health_check ping period while connected.
	HeartbeatInterval time.Duration
	// ReadTimeout closes a connection that delivers no frame for this
	// long. Zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration
	// Header is sent with the opening handshake.
	Header http.Header
}

// DefaultOptions returns options for url with the stock timings.
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    30 * time.Second,
		ReadTimeout:          90 * time.Second,
		WriteTimeout:         10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Validate reports every invalid field.
func (o Options) Validate() error {
	var errs []error
	if o.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if u, err := url.Parse(o.URL); err != nil {
		errs = append(errs, fmt.Errorf("url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme))
	}
	if o.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnect interval must be positive"))
	}
	if o.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max reconnect attempts must not be negative"))
	}
	if o.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if o.ReadTimeout < 0 || o.WriteTimeout < 0 || o.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

// Backoff returns the delay before reconnect attempt n (1-based). The
// growth is linear: n * base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// EndpointURL derives the push endpoint from the backend's base URL:
// https:// (or wss://) selects wss, anything else selects ws. The path
// replaces any path on base.
//
//	EndpointURL("https://jobs.example.com", "/ws") == "wss://jobs.example.com/ws"
func EndpointURL(base, p string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("endpoint base %q: %w", base, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint base %q has no host", base)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("endpoint base %q: unsupported scheme %q", base, u.Scheme)
	}
	if p == "" {
		p = "/"
	}
	u.Path = path.Clean("/" + p)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
