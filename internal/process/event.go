package process

import "time"

// EventKind classifies what a subscriber is told.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventLine       EventKind = "line"
	EventDiagnostic EventKind = "diagnostic"
	EventCheckpoint EventKind = "checkpoint"
	EventAdvanced   EventKind = "advanced"
	EventExited     EventKind = "exited"
)

// Event is delivered to the Subscriber in strict sequence order.
type Event struct {
	Seq   uint64      `json:"seq"`
	Kind  EventKind   `json:"kind"`
	Phase Phase       `json:"phase"` // phase right after the event took effect
	Line  string      `json:"line,omitempty"`
	PID   int         `json:"pid,omitempty"`
	Exit  *ExitStatus `json:"exit,omitempty"`
	Time  time.Time   `json:"time"`
}

// Subscriber receives events from a single dispatcher goroutine. It may call
// back into the Process (for example Advance) without deadlocking.
type Subscriber func(Event)
