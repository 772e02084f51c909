// Package browser defines the driver contract the execution engine consumes.
// Concrete drivers (chromedp, remote CDP, playwright bridges) live outside
// the engine and are injected.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ghostflow/ghostflow/flow"
)

// SessionConfig describes the browser session an identity runs under.
type SessionConfig struct {
	UserAgent         string        `json:"user_agent,omitempty"`
	ProxyURL          string        `json:"proxy_url,omitempty"`
	Locale            string        `json:"locale,omitempty"`
	Timezone          string        `json:"timezone,omitempty"`
	ViewportWidth     int           `json:"viewport_width"`
	ViewportHeight    int           `json:"viewport_height"`
	Headless          bool          `json:"headless"`
	Timeout           time.Duration `json:"timeout"`
	// StealthScript is injected before page scripts run. Opaque to the
	// engine.
	StealthScript string `json:"stealth_script,omitempty"`
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Headless:       true,
		Timeout:        30 * time.Second,
	}
}

// Result is the outcome of one dispatched action.
type Result struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Screenshot []byte          `json:"screenshot,omitempty"`
	URL        string          `json:"url,omitempty"`
	Title      string          `json:"title,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Session is one live browser session. All calls fail with either a
// connectivity error or a script error; the executor's retry policy depends
// on the distinction.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Act(ctx context.Context, action flow.Action) (*Result, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Snapshot(ctx context.Context) (*flow.SessionState, error)
	Restore(ctx context.Context, state *flow.SessionState) error
	Close(ctx context.Context) error
}

// Driver opens browser sessions.
type Driver interface {
	OpenSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// ConnectivityError wraps proxy/network/browser-launch failures. The session
// and its identity are considered burned.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ScriptError wraps selector/timeout failures. The session is still usable;
// the action may be retried in place.
type ScriptError struct {
	Op       string
	Selector string
	Err      error
}

func (e *ScriptError) Error() string {
	if e.Selector != "" {
		return fmt.Sprintf("script failure during %s (selector %q): %v", e.Op, e.Selector, e.Err)
	}
	return fmt.Sprintf("script failure during %s: %v", e.Op, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Connectivity wraps err as a connectivity failure.
func Connectivity(op string, err error) error {
	return &ConnectivityError{Op: op, Err: err}
}

// Script wraps err as a script failure.
func Script(op, selector string, err error) error {
	return &ScriptError{Op: op, Selector: selector, Err: err}
}

// IsConnectivity reports whether err is classified as a connectivity failure.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsScript reports whether err is classified as a script failure.
func IsScript(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}
