package mcp

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle stage of one server connection.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateStarting         State = "starting"
	StateDiscoveringTools State = "discovering_tools"
	StateReady            State = "ready"
	StateInvoking         State = "invoking"
	StateShuttingDown     State = "shutting_down"
	// StateDegraded marks a server whose startup failed. Calls fail fast
	// until Invalidate.
	StateDegraded State = "degraded"
)

var (
	// ErrServerDegraded is wrapped by ServerError for servers that failed
	// to start.
	ErrServerDegraded = errors.New("mcp: server degraded")
	// ErrClientClosed is returned after Shutdown.
	ErrClientClosed = errors.New("mcp: client shut down")
	// ErrUnknownServer is returned for names that were never configured.
	ErrUnknownServer = errors.New("mcp: unknown server")
)

// ServerError reports a failure attributed to one server.
type ServerError struct {
	Server string
	State  State
	Err    error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("mcp: server %s (%s): %v", e.Server, e.State, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

// Observer receives lifecycle and call measurements. The metrics package
// provides the Prometheus implementation.
type Observer interface {
	ServerState(server string, state State)
	Startup(server string, ok bool, elapsed time.Duration)
	Call(server, tool string, status string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ServerState(string, State)                  {}
func (nopObserver) Startup(string, bool, time.Duration)        {}
func (nopObserver) Call(string, string, string, time.Duration) {}
