package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Process owns the lifecycle of one child run:
// Idle -> Running -> {AwaitingContinuation -> Running}* -> Exited.
//
// State changes and the events describing them are recorded under one lock
// and handed to the subscriber by a dispatcher goroutine, so a subscriber
// always sees a checkpoint no later than the line that caused it.
type Process struct {
	spec Spec
	sub  Subscriber

	mu          sync.Mutex
	cond        *sync.Cond // signals the dispatcher; uses mu
	phase       Phase
	cmd         *exec.Cmd
	pid         int
	startedAt   time.Time
	stoppedAt   time.Time
	lines       []string
	checkpoints int
	advances    int
	exit        *ExitStatus
	seq         uint64
	queue       []Event
	queueClosed bool

	stdinMu sync.Mutex // serializes writes to the child's input
	stdin   io.WriteCloser

	launched chan struct{} // closed once cmd is set or the launch failed
	done     chan struct{} // closed after the exit event was delivered
}

// New returns an idle Process. sub may be nil.
func New(spec Spec, sub Subscriber) *Process {
	p := &Process{
		spec:     spec,
		sub:      sub,
		phase:    PhaseIdle,
		launched: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start is New followed by Process.Start.
func Start(spec Spec, sub Subscriber) (*Process, error) {
	p := New(spec, sub)
	if err := p.Start(); err != nil {
		return p, err
	}
	return p, nil
}

// Spec returns the spec the process was created with.
func (p *Process) Spec() Spec { return p.spec }

// Start launches the child with stdout and stderr merged into one pipe.
// A spawn failure moves the process straight to Exited and returns *LaunchError.
func (p *Process) Start() error {
	if err := p.claim(); err != nil {
		return err
	}
	return p.launch()
}

// claim moves an idle process to Running ahead of the launch; launch reverts
// it to Exited on failure.
func (p *Process) claim() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PhaseIdle {
		return ErrAlreadyStarted
	}
	p.phase = PhaseRunning
	go p.dispatch()
	return nil
}

func (p *Process) launch() error {
	cmd := p.spec.BuildCommand()
	pr, pw, err := os.Pipe()
	if err != nil {
		p.launchFailed(err)
		return &LaunchError{Path: p.spec.Path, Err: err}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	stdin, err := cmd.StdinPipe()
	if err == nil {
		err = cmd.Start()
	}
	// the child holds its own copy of the write end
	_ = pw.Close()
	if err != nil {
		_ = pr.Close()
		p.launchFailed(err)
		return &LaunchError{Path: p.spec.Path, Err: err}
	}

	p.stdinMu.Lock()
	p.stdin = stdin
	p.stdinMu.Unlock()

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.enqueueLocked(Event{Kind: EventStarted, PID: p.pid})
	p.mu.Unlock()
	close(p.launched)

	go p.drain(pr, p.spec.Log.ProcessWriter(p.spec.RunName()))
	return nil
}

func (p *Process) launchFailed(err error) {
	st := exitStatusOf(err, 0)
	p.mu.Lock()
	p.phase = PhaseExited
	p.stoppedAt = time.Now()
	p.exit = &st
	p.enqueueLocked(Event{Kind: EventDiagnostic, Line: (&LaunchError{Path: p.spec.Path, Err: err}).Error()})
	p.enqueueLocked(Event{Kind: EventExited, Exit: &st})
	p.queueClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	close(p.launched)
}

// drain reads the merged output line by line until the child closes it,
// then reaps the child. A trailing fragment without newline is still a line.
func (p *Process) drain(r *os.File, tee io.WriteCloser) {
	br := bufio.NewReader(r)
	teeOK := tee != nil
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if teeOK {
				if _, werr := io.WriteString(tee, line+"\n"); werr != nil {
					teeOK = false
					p.diagnostic(&ChildIOError{Op: "log", Err: werr})
				}
			}
			p.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.diagnostic(&ChildIOError{Op: "read", Err: err})
			}
			break
		}
	}
	_ = r.Close()
	if tee != nil {
		_ = tee.Close()
	}

	p.mu.Lock()
	cmd, started := p.cmd, p.startedAt
	p.mu.Unlock()
	waitErr := cmd.Wait()
	st := exitStatusOf(waitErr, time.Since(started))

	p.stdinMu.Lock()
	p.stdin = nil
	p.stdinMu.Unlock()

	p.mu.Lock()
	p.phase = PhaseExited
	p.stoppedAt = time.Now()
	p.exit = &st
	p.enqueueLocked(Event{Kind: EventExited, Exit: &st})
	p.queueClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Process) handleLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	checkpoint := p.spec.Interactive && strings.Contains(line, p.spec.marker())
	if checkpoint {
		p.checkpoints++
		if p.phase == PhaseRunning {
			p.phase = PhaseAwaiting
		}
	}
	p.enqueueLocked(Event{Kind: EventLine, Line: line})
	if checkpoint {
		p.enqueueLocked(Event{Kind: EventCheckpoint, Line: line})
	}
}

func (p *Process) diagnostic(err error) {
	p.mu.Lock()
	p.enqueueLocked(Event{Kind: EventDiagnostic, Line: err.Error()})
	p.mu.Unlock()
}

// enqueueLocked stamps ev with the next sequence number and the current phase.
// Callers hold p.mu.
func (p *Process) enqueueLocked(ev Event) {
	p.seq++
	ev.Seq = p.seq
	ev.Phase = p.phase
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.queue = append(p.queue, ev)
	p.cond.Signal()
}

func (p *Process) dispatch() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.queueClosed {
			p.cond.Wait()
		}
		batch := p.queue
		p.queue = nil
		closed := p.queueClosed
		p.mu.Unlock()

		if p.sub != nil {
			for _, ev := range batch {
				p.sub(ev)
			}
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

// Advance writes a single newline to the child's input. It is valid only
// while awaiting continuation and moves the process back to Running, so a
// second call before the next checkpoint returns ErrNotAwaiting.
func (p *Process) Advance() error {
	p.mu.Lock()
	if p.phase != PhaseAwaiting {
		p.mu.Unlock()
		return ErrNotAwaiting
	}
	p.phase = PhaseRunning
	p.advances++
	p.enqueueLocked(Event{Kind: EventAdvanced})
	p.mu.Unlock()

	p.stdinMu.Lock()
	w := p.stdin
	var err error
	if w == nil {
		err = os.ErrClosed
	} else {
		// StdinPipe is unbuffered, so a completed Write has reached the child.
		_, err = io.WriteString(w, "\n")
	}
	p.stdinMu.Unlock()
	if err != nil {
		ioErr := &ChildIOError{Op: "write", Err: err}
		p.diagnostic(ioErr)
		return ioErr
	}
	return nil
}

// Awaiting reports whether Advance would currently be accepted.
func (p *Process) Awaiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PhaseAwaiting
}

// Done is closed once the child has exited and every event was delivered.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the child has exited and all events were delivered.
// It is safe to call from any number of goroutines.
func (p *Process) Wait() ExitStatus {
	p.mu.Lock()
	if p.phase == PhaseIdle {
		p.mu.Unlock()
		return exitStatusOf(ErrNotStarted, 0)
	}
	p.mu.Unlock()
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.exit
}

// Stop asks the child's process group to terminate and escalates to a kill
// after wait. It returns once the child has been reaped or the grace period
// after the kill elapsed. A Stop that arrives while the launch is still in
// progress waits for it and then stops the new child.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	phase := p.phase
	p.mu.Unlock()
	if phase == PhaseIdle {
		return nil
	}
	<-p.launched
	p.mu.Lock()
	cmd, phase := p.cmd, p.phase
	p.mu.Unlock()
	if phase == PhaseExited || cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = terminate(cmd)
	select {
	case <-p.done:
		return nil
	case <-time.After(wait):
	}
	if err := kill(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// Output returns a copy of every line emitted so far.
func (p *Process) Output() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Name:        p.spec.RunName(),
		PID:         p.pid,
		Phase:       p.phase,
		StartedAt:   p.startedAt,
		StoppedAt:   p.stoppedAt,
		Lines:       len(p.lines),
		Checkpoints: p.checkpoints,
		Advances:    p.advances,
	}
	if p.exit != nil {
		e := *p.exit
		s.Exit = &e
	}
	return s
}
