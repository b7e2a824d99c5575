package pipeline

import (
	"time"

	"github.com/loykin/simctl/internal/metrics"
	"github.com/loykin/simctl/internal/process"
)

// Session is the handle of one run. Its outcome becomes available once Done
// is closed.
type Session struct {
	ID     string
	Mode   Mode
	Params Params
	Args   []string

	proc    *process.Process
	done    chan struct{}
	outcome Outcome // written by the run goroutine before done is closed
}

// Advance sends one continuation to the simulator.
func (s *Session) Advance() error {
	if err := s.proc.Advance(); err != nil {
		return err
	}
	metrics.IncAdvance()
	return nil
}

// Awaiting reports whether Advance would currently be accepted.
func (s *Session) Awaiting() bool { return s.proc.Awaiting() }

// Status is a snapshot of the underlying process.
func (s *Session) Status() process.Status { return s.proc.Snapshot() }

// Output returns every line emitted so far.
func (s *Session) Output() []string { return s.proc.Output() }

// Done is closed after the run finished, including aggregation.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Done and returns the outcome.
func (s *Session) Wait() Outcome {
	<-s.done
	return s.outcome
}

// Stop terminates the simulator, escalating to a kill after wait.
func (s *Session) Stop(wait time.Duration) error { return s.proc.Stop(wait) }
