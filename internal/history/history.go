package history

import (
	"context"
	"errors"
	"io"
	"time"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventRunStarted EventType = "run_started"
	EventRunExited  EventType = "run_exited"
	EventAggregated EventType = "aggregated"
)

// Record describes one simulator run as known at the time of the event.
type Record struct {
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	Executable  string    `json:"executable"`
	Args        []string  `json:"args"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	ExitCode    int       `json:"exit_code"`
	Lines       int       `json:"lines"`
	Checkpoints int       `json:"checkpoints"`
	Advances    int       `json:"advances"`
	Rows        int       `json:"rows"`        // telemetry rows, after aggregation
	Transitions int       `json:"transitions"` // transition tokens, after aggregation
	Error       string    `json:"error,omitempty"`
}

// Event represents a run event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to several sinks and joins their errors.
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

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
