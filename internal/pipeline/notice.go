package pipeline

import (
	"sync"
	"time"

	"github.com/loykin/simctl/internal/process"
)

// Kind classifies a Notice.
type Kind string

const (
	KindStarted    Kind = "started"
	KindLine       Kind = "line"
	KindDiagnostic Kind = "diagnostic"
	KindCheckpoint Kind = "checkpoint"
	KindAdvanced   Kind = "advanced"
	KindExited     Kind = "exited"
	KindReport     Kind = "report"   // aggregation finished, skipped or failed
	KindFinished   Kind = "finished" // last notice of a run; the pipeline is idle again
)

// Notice is what front-ends receive from Subscribe, in emission order.
type Notice struct {
	Seq     uint64              `json:"seq"`
	RunID   string              `json:"run_id"`
	Kind    Kind                `json:"kind"`
	Phase   process.Phase       `json:"phase,omitempty"`
	Line    string              `json:"line,omitempty"`
	PID     int                 `json:"pid,omitempty"`
	Exit    *process.ExitStatus `json:"exit,omitempty"`
	Outcome *Outcome            `json:"outcome,omitempty"`
	Time    time.Time           `json:"time"`
}

// CanAdvance reports whether the run was awaiting continuation right after
// this notice.
func (n Notice) CanAdvance() bool { return n.Phase == process.PhaseAwaiting }

func noticeOf(runID string, ev process.Event) Notice {
	return Notice{
		RunID: runID,
		Kind:  Kind(ev.Kind),
		Phase: ev.Phase,
		Line:  ev.Line,
		PID:   ev.PID,
		Exit:  ev.Exit,
		Time:  ev.Time,
	}
}

// subscriber queues notices without bound and hands them to ch from its own
// goroutine, so a reader that falls behind never holds up the publisher.
type subscriber struct {
	ch     chan Notice
	done   chan struct{} // closed by cancel
	exited chan struct{} // closed once pump has closed ch
	wake   chan struct{}

	mu    sync.Mutex
	queue []Notice
}

func newSubscriber(buffer int) *subscriber {
	s := &subscriber{
		ch:     make(chan Notice, buffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(n Notice) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.exited)
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, n := range batch {
			select {
			case s.ch <- n:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
