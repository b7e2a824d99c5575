package process

import (
	"errors"
	"os/exec"
	"time"
)

// Phase is the state of a run.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseAwaiting Phase = "awaiting_continuation"
	PhaseExited   Phase = "exited"
)

// ExitStatus is the terminal result of a child.
type ExitStatus struct {
	Code     int           `json:"code"` // -1 when killed by a signal or never started
	Signaled bool          `json:"signaled,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Success reports a zero exit code.
func (e ExitStatus) Success() bool { return e.Err == nil && e.Code == 0 }

func exitStatusOf(err error, d time.Duration) ExitStatus {
	st := ExitStatus{Duration: d, Err: err}
	if err == nil {
		return st
	}
	st.Error = err.Error()
	st.Code = -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		st.Code = ee.ExitCode()
		st.Signaled = st.Code == -1
	}
	return st
}

// Status is a point-in-time copy of a run.
type Status struct {
	Name        string      `json:"name"`
	PID         int         `json:"pid"`
	Phase       Phase       `json:"phase"`
	StartedAt   time.Time   `json:"started_at"`
	StoppedAt   time.Time   `json:"stopped_at"`
	Lines       int         `json:"lines"`
	Checkpoints int         `json:"checkpoints"`
	Advances    int         `json:"advances"`
	Exit        *ExitStatus `json:"exit,omitempty"`
}
