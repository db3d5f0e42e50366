package connectivity

import (
	"fmt"
	"time"
)

// ErrNoRoute is returned when Call targets a phase with no route and no
// local handler.
type ErrNoRoute struct {
	Phase string
}

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("connectivity: no llm route for phase %s", e.Phase)
}

// ErrRouteDisabled is returned when the phase route has strategy "noop".
type ErrRouteDisabled struct {
	Phase string
}

func (e *ErrRouteDisabled) Error() string {
	return fmt.Sprintf("connectivity: llm phase %s is disabled", e.Phase)
}

// ErrRemoteStatus is returned by HTTP handlers on a non-2xx response.
type ErrRemoteStatus struct {
	StatusCode int
	Body       string
}

func (e *ErrRemoteStatus) Error() string {
	return fmt.Sprintf("connectivity/http: status %d: %s", e.StatusCode, e.Body)
}

// ErrCircuitOpen is returned when the breaker for a domain is open.
type ErrCircuitOpen struct {
	Domain string
	Until  time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open for %s until %s", e.Domain, e.Until.Format(time.RFC3339))
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}
