package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simctl/internal/chart"
	"github.com/loykin/simctl/internal/env"
	"github.com/loykin/simctl/internal/history"
	"github.com/loykin/simctl/internal/logger"
	"github.com/loykin/simctl/internal/metrics"
	"github.com/loykin/simctl/internal/process"
	"github.com/loykin/simctl/internal/telemetry"
)

// DefaultCSV is the telemetry artifact the simulator writes into its working directory.
const DefaultCSV = "cache_stats.csv"

const (
	defaultStopTimeout = 3 * time.Second
	noticeBuffer       = 256
	// artifacts older than the run start by more than this are left over
	// from an earlier run; filesystems with coarse mtimes need the slack
	staleSlack = 2 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Start while another run is active.
	ErrAlreadyRunning = errors.New("pipeline: a run is already active")
	// ErrNotAwaiting is returned by Advance when no run is waiting for continuation.
	ErrNotAwaiting = process.ErrNotAwaiting
	// ErrArtifactMissing describes a run that produced no telemetry. It is
	// never returned as a failure; Outcome.ArtifactMissing reports it.
	ErrArtifactMissing = errors.New("pipeline: telemetry artifact missing")
)

// Config describes the simulator and where its artifacts go.
type Config struct {
	Executable     string        `json:"executable"`
	WorkDir        string        `json:"work_dir"`
	Env            env.Vars      `json:"env"`
	Marker         string        `json:"marker"`
	CSV            string        `json:"csv"`        // relative paths resolve against WorkDir
	ChartsDir      string        `json:"charts_dir"` // defaults to WorkDir
	Log            logger.Config `json:"log"`
	SampleInterval time.Duration `json:"sample_interval"`
	StopTimeout    time.Duration `json:"stop_timeout"`
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.WorkDir == "" {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// CSVPath is the absolute or WorkDir-relative location of the telemetry artifact.
func (c Config) CSVPath() string {
	if c.CSV == "" {
		return c.resolve(DefaultCSV)
	}
	return c.resolve(c.CSV)
}

// ChartPath is where charts are written.
func (c Config) ChartPath() string {
	if c.ChartsDir == "" {
		return c.WorkDir
	}
	return c.resolve(c.ChartsDir)
}

func (c Config) stopTimeout() time.Duration {
	if c.StopTimeout <= 0 {
		return defaultStopTimeout
	}
	return c.StopTimeout
}

// Outcome is the final report of one run, handed out by value.
type Outcome struct {
	RunID           string             `json:"run_id"`
	Mode            Mode               `json:"mode"`
	Args            []string           `json:"args"`
	Exit            process.ExitStatus `json:"exit"`
	Lines           int                `json:"lines"`
	Checkpoints     int                `json:"checkpoints"`
	Advances        int                `json:"advances"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at"`
	PeakRSS         uint64             `json:"peak_rss,omitempty"`
	CSV             string             `json:"csv"`
	ArtifactMissing bool               `json:"artifact_missing"`
	Report          *telemetry.Report  `json:"report,omitempty"`
	Charts          chart.Artifacts    `json:"charts"`
	AggregateError  string             `json:"aggregate_error,omitempty"`

	Result       *telemetry.Result `json:"-"`
	AggregateErr error             `json:"-"`
}

// HasMetrics reports whether telemetry was aggregated successfully.
func (o Outcome) HasMetrics() bool { return o.Result != nil && o.AggregateErr == nil }

// Status is a point-in-time view of the pipeline.
type Status struct {
	Active bool            `json:"active"`
	RunID  string          `json:"run_id,omitempty"`
	Mode   Mode            `json:"mode,omitempty"`
	Run    *process.Status `json:"run,omitempty"`
	Last   *Outcome        `json:"last,omitempty"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithHistory sets the sink that receives run events.
func WithHistory(s history.Sink) Option { return func(p *Pipeline) { p.sink = s } }

// WithRenderer overrides the chart renderer.
func WithRenderer(r chart.Renderer) Option { return func(p *Pipeline) { p.renderer = r } }

// WithAggregator overrides the telemetry aggregator.
func WithAggregator(a *telemetry.Aggregator) Option { return func(p *Pipeline) { p.aggregator = a } }

// Pipeline runs the simulator one run at a time, then aggregates its
// telemetry and renders charts. Front-ends observe it through Subscribe.
type Pipeline struct {
	cfg        Config
	log        *slog.Logger
	sink       history.Sink
	aggregator *telemetry.Aggregator
	renderer   chart.Renderer

	mu     sync.Mutex
	active *Session
	last   *Outcome

	// subMu also orders notices: fan-out happens while holding it
	subMu sync.Mutex
	subs  map[*subscriber]struct{}
	seq   uint64
}

// New returns an idle pipeline.
func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		log:        slog.Default(),
		aggregator: telemetry.New(),
		subs:       make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Subscribe returns a channel of notices for every run, in order, and a
// cancel func. The channel is closed by cancel. Notices for a subscriber
// that stops reading are queued until it cancels; other subscribers and
// the run itself are not held up.
func (p *Pipeline) Subscribe() (<-chan Notice, func()) {
	s := newSubscriber(noticeBuffer)
	p.subMu.Lock()
	p.subs[s] = struct{}{}
	p.subMu.Unlock()
	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, s)
			p.subMu.Unlock()
			close(s.done)
			<-s.exited
		})
	}
}

func (p *Pipeline) publish(n Notice) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.publishLocked(n)
}

func (p *Pipeline) publishLocked(n Notice) {
	p.seq++
	n.Seq = p.seq
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	for s := range p.subs {
		s.push(n)
	}
}

// Start launches a run in the background. It returns ErrAlreadyRunning
// while another run is active. A launch failure is returned as
// *process.LaunchError together with the already finished session.
func (p *Pipeline) Start(mode Mode, params Params) (*Session, error) {
	if mode != DotProduct && mode != Stepping {
		return nil, fmt.Errorf("pipeline: unknown mode %q", mode)
	}
	if p.cfg.Executable == "" {
		return nil, errors.New("pipeline: simulator executable not configured")
	}

	s := &Session{
		ID:     uuid.NewString(),
		Mode:   mode,
		Params: params,
		Args:   mode.Args(params),
		done:   make(chan struct{}),
	}
	s.outcome = Outcome{RunID: s.ID, Mode: mode, Args: s.Args, CSV: p.cfg.CSVPath()}
	spec := process.Spec{
		Name:        "simulator",
		Path:        p.cfg.Executable,
		Args:        s.Args,
		WorkDir:     p.cfg.WorkDir,
		Env:         env.Compose(p.cfg.Env),
		Interactive: mode.Interactive(),
		Marker:      p.cfg.Marker,
		Log:         p.cfg.Log,
	}
	s.proc = process.New(spec, p.relay(s))

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	p.active = s
	p.mu.Unlock()

	p.log.Info("Starting simulator", "run_id", s.ID, "mode", mode, "path", spec.Path, "args", s.Args)
	if err := s.proc.Start(); err != nil {
		p.log.Error("Simulator launch failed", "run_id", s.ID, "error", err)
		st := s.proc.Wait()
		p.exited(s, st, "launch_error")
		p.finish(s)
		return s, err
	}
	metrics.IncStart(string(mode))
	p.record(history.EventRunStarted, s)
	go p.run(s)
	return s, nil
}

// RunMode starts a run and blocks until it finished, including aggregation.
// Cancelling ctx stops the simulator; the partial outcome is returned with ctx.Err().
func (p *Pipeline) RunMode(ctx context.Context, mode Mode, params Params) (Outcome, error) {
	s, err := p.Start(mode, params)
	if err != nil {
		if s != nil {
			return s.Wait(), err
		}
		return Outcome{}, err
	}
	select {
	case <-s.Done():
		return s.Wait(), nil
	case <-ctx.Done():
		if err := s.Stop(p.cfg.stopTimeout()); err != nil {
			p.log.Warn("Stopping simulator failed", "run_id", s.ID, "error", err)
		}
		return s.Wait(), ctx.Err()
	}
}

// Advance forwards a continuation to the active run.
func (p *Pipeline) Advance() error {
	s := p.Active()
	if s == nil {
		return ErrNotAwaiting
	}
	return s.Advance()
}

// Stop terminates the active run, if any.
func (p *Pipeline) Stop() error {
	s := p.Active()
	if s == nil {
		return nil
	}
	return s.Stop(p.cfg.stopTimeout())
}

// Active returns the running session or nil.
func (p *Pipeline) Active() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Last returns the outcome of the most recently finished run.
func (p *Pipeline) Last() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Outcome{}, false
	}
	return *p.last, true
}

// Status reports the active run and the last outcome.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	s, last := p.active, p.last
	p.mu.Unlock()
	var st Status
	if s != nil {
		snap := s.proc.Snapshot()
		st.Active, st.RunID, st.Mode, st.Run = true, s.ID, s.Mode, &snap
	}
	if last != nil {
		o := *last
		st.Last = &o
	}
	return st
}

func (p *Pipeline) relay(s *Session) process.Subscriber {
	mode := string(s.Mode)
	return func(ev process.Event) {
		switch ev.Kind {
		case process.EventLine:
			metrics.IncLine(mode)
		case process.EventCheckpoint:
			metrics.IncCheckpoint()
			p.log.Debug("Simulator awaiting continuation", "run_id", s.ID)
		case process.EventDiagnostic:
			p.log.Warn("Simulator diagnostic", "run_id", s.ID, "message", ev.Line)
		}
		p.publish(noticeOf(s.ID, ev))
	}
}

func (p *Pipeline) run(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	sampler := metrics.NewSampler(p.cfg.SampleInterval)
	go sampler.Run(ctx, s.proc.Snapshot().PID)

	st := s.proc.Wait()
	cancel()
	_, s.outcome.PeakRSS = sampler.Last()

	result := "success"
	if !st.Success() {
		result = "failure"
	}
	p.exited(s, st, result)
	p.aggregate(s)
	p.finish(s)
}

func (p *Pipeline) exited(s *Session, st process.ExitStatus, result string) {
	snap := s.proc.Snapshot()
	o := &s.outcome
	o.Exit = st
	o.Lines = snap.Lines
	o.Checkpoints = snap.Checkpoints
	o.Advances = snap.Advances
	o.StartedAt = snap.StartedAt
	o.FinishedAt = snap.StoppedAt
	metrics.ObserveExit(string(s.Mode), result, st.Duration.Seconds())
	if result != "launch_error" {
		p.log.Info("Simulator exited", "run_id", s.ID, "code", st.Code, "lines", snap.Lines, "duration", st.Duration)
	}
	p.record(history.EventRunExited, s)
}

// aggregate turns the telemetry artifact into a report and charts. A missing
// or stale artifact means "no metrics", not failure.
func (p *Pipeline) aggregate(s *Session) {
	o := &s.outcome
	fi, err := os.Stat(o.CSV)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.noMetrics(s, "no telemetry artifact at "+o.CSV)
		return
	case err != nil:
		p.aggregateFailed(s, err)
		return
	case !o.StartedAt.IsZero() && fi.ModTime().Before(o.StartedAt.Add(-staleSlack)):
		p.noMetrics(s, "telemetry artifact "+o.CSV+" predates this run")
		return
	}

	res, err := p.aggregator.ReadFile(o.CSV)
	if err != nil {
		p.aggregateFailed(s, err)
		return
	}
	rep := res.Report()
	o.Result, o.Report = res, &rep

	arts, err := p.renderer.Render(res, p.cfg.ChartPath())
	if err != nil && !errors.Is(err, chart.ErrNoRows) {
		p.aggregateFailed(s, fmt.Errorf("render charts: %w", err))
		return
	}
	o.Charts = arts

	result := "ok"
	if res.Empty() {
		result = "empty"
	}
	metrics.IncAggregation(result)
	metrics.SetTransitions(res.Transitions)
	p.log.Info("Telemetry aggregated", "run_id", s.ID, "rows", len(res.Rows), "labels", len(res.Transitions), "coerced", res.Coerced, "charts", arts.Paths())
	p.record(history.EventAggregated, s)
	out := *o
	p.publish(Notice{RunID: s.ID, Kind: KindReport, Phase: process.PhaseExited, Outcome: &out})
}

func (p *Pipeline) noMetrics(s *Session, reason string) {
	msg := fmt.Sprintf("%v: %s", ErrArtifactMissing, reason)
	s.outcome.ArtifactMissing = true
	metrics.IncAggregation("missing")
	p.log.Info("Skipping metrics", "run_id", s.ID, "reason", reason)
	out := s.outcome
	p.publish(Notice{RunID: s.ID, Kind: KindReport, Phase: process.PhaseExited, Line: msg, Outcome: &out})
}

func (p *Pipeline) aggregateFailed(s *Session, err error) {
	o := &s.outcome
	o.AggregateErr = err
	o.AggregateError = err.Error()
	metrics.IncAggregation("error")
	p.log.Warn("Telemetry aggregation failed", "run_id", s.ID, "csv", o.CSV, "error", err)
	p.record(history.EventAggregated, s)
	out := *o
	p.publish(Notice{RunID: s.ID, Kind: KindDiagnostic, Phase: process.PhaseExited, Line: err.Error()})
	p.publish(Notice{RunID: s.ID, Kind: KindReport, Phase: process.PhaseExited, Outcome: &out})
}

// finish clears the active run and sends the final notice. The notice lock
// is held across both so a run started right after cannot overtake it.
func (p *Pipeline) finish(s *Session) {
	out := s.outcome
	p.subMu.Lock()
	p.mu.Lock()
	p.last = &out
	p.active = nil
	p.mu.Unlock()
	close(s.done)
	exit := out.Exit
	p.publishLocked(Notice{RunID: s.ID, Kind: KindFinished, Phase: process.PhaseExited, Exit: &exit, Outcome: &out})
	p.subMu.Unlock()
}

func (p *Pipeline) record(t history.EventType, s *Session) {
	if p.sink == nil {
		return
	}
	o := s.outcome
	rec := history.Record{
		RunID:       s.ID,
		Mode:        string(s.Mode),
		Executable:  p.cfg.Executable,
		Args:        s.Args,
		PID:         s.proc.Snapshot().PID,
		StartedAt:   o.StartedAt,
		ExitCode:    o.Exit.Code,
		Lines:       o.Lines,
		Checkpoints: o.Checkpoints,
		Advances:    o.Advances,
		Error:       o.Exit.Error,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.proc.Snapshot().StartedAt
	}
	if o.Result != nil {
		rec.Rows = len(o.Result.Rows)
		rec.Transitions = o.Result.Tokens
	}
	if o.AggregateError != "" {
		rec.Error = o.AggregateError
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sink.Send(ctx, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}); err != nil {
		p.log.Warn("History sink failed", "run_id", s.ID, "event", t, "error", err)
	}
}
