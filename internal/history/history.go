package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventDeploy       EventType = "deploy"
	EventUninstall    EventType = "uninstall"
	EventAppStart     EventType = "app_start"
	EventAppStop      EventType = "app_stop"
	EventTraceOpen    EventType = "trace_open"
	EventProcessStart EventType = "process_start"
	EventProcessExit  EventType = "process_exit"
	EventWatchdog     EventType = "watchdog"
	EventRunEnd       EventType = "run_end"
)

// Event is one step of a portalctl run exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Package    string    `json:"package"`
	PID        uint32    `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks. All sinks are attempted and their
// errors joined.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
