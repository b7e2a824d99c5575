package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loykin/simctl"
	"github.com/loykin/simctl/internal/chart"
	"github.com/loykin/simctl/internal/pipeline"
)

type command struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// openPipeline builds the logger, history sinks and pipeline shared by run
// and serve. cleanup releases them and is never nil.
func (c command) openPipeline(cfg *simctl.Config) (*simctl.Pipeline, *slog.Logger, func(), error) {
	log, logCloser := cfg.Logger().NewLogger(c.errOut)
	cleanup := func() { closeQuietly(log, "log", logCloser) }

	pcfg, err := cfg.Pipeline()
	if err != nil {
		cleanup()
		return nil, nil, func() {}, fmt.Errorf("simulator config: %w", err)
	}
	opts := []simctl.Option{simctl.WithLogger(log), simctl.WithRenderer(cfg.Renderer())}

	sink, err := simctl.NewHistory(cfg.HistoryDSNs())
	if err != nil {
		cleanup()
		return nil, nil, func() {}, err
	}
	if sink != nil {
		opts = append(opts, simctl.WithHistory(sink))
		if cl, ok := sink.(io.Closer); ok {
			logOnly := cleanup
			cleanup = func() {
				closeQuietly(log, "history", cl)
				logOnly()
			}
		}
	}

	if cfg.Metrics.Enabled {
		if err := simctl.RegisterMetricsDefault(); err != nil {
			log.Warn("Failed to register metrics", "error", err)
		}
	}
	return simctl.New(pcfg, opts...), log, cleanup, nil
}

// Run executes one simulator run in the foreground. Simulator output goes
// to out; in stepping mode every Enter on in continues a paused run.
func (c command) Run(ctx context.Context, f RunFlags) error {
	mode, err := simctl.ParseMode(f.Mode)
	if err != nil {
		return err
	}
	if f.N < 0 {
		return fmt.Errorf("--n must not be negative, got %d", f.N)
	}
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Simulator != "" {
		cfg.Simulator.Path = f.Simulator
	}
	if f.N > 0 {
		cfg.Simulator.N = f.N
	}

	pl, log, cleanup, err := c.openPipeline(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		go func() {
			if err := simctl.ServeMetrics(cfg.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("Metrics server error", "error", err)
			}
		}()
	}

	notices, cancel := pl.Subscribe()
	defer cancel()
	printed := make(chan struct{})
	prompts := make(chan struct{}, 1)
	stopAdvancing := make(chan struct{})
	defer close(stopAdvancing)
	go func() {
		defer close(printed)
		c.printNotices(notices, prompts)
	}()
	if mode.Interactive() {
		go c.advanceOnEnter(pl, prompts, stopAdvancing)
	}

	out, runErr := pl.RunMode(ctx, mode, cfg.Params())
	if out.RunID == "" {
		return runErr
	}
	<-printed

	switch {
	case out.HasMetrics():
		if err := out.Result.Encode(c.out, f.Format); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		log.Info("Charts written", "paths", out.Charts.Paths())
	case out.AggregateErr != nil:
		log.Warn("No report", "error", out.AggregateErr)
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		return fmt.Errorf("interrupted: run %s stopped", out.RunID)
	case runErr != nil:
		return runErr
	case !out.Exit.Success():
		return fmt.Errorf("simulator exited with code %d", out.Exit.Code)
	}
	return nil
}

// printNotices writes one run's notices until it finished.
func (c command) printNotices(ns <-chan simctl.Notice, prompts chan<- struct{}) {
	for n := range ns {
		switch n.Kind {
		case pipeline.KindLine:
			_, _ = fmt.Fprintln(c.out, n.Line)
		case pipeline.KindDiagnostic:
			_, _ = fmt.Fprintln(c.errOut, "simulator:", n.Line)
		case pipeline.KindCheckpoint:
			_, _ = fmt.Fprintln(c.errOut, "-- paused, press Enter to continue --")
			select {
			case prompts <- struct{}{}:
			default:
			}
		case pipeline.KindReport:
			if n.Line != "" {
				_, _ = fmt.Fprintln(c.errOut, n.Line)
			}
		case pipeline.KindFinished:
			return
		}
	}
}

// advanceOnEnter continues the run once per input line after each pause.
// End of input stops the run.
func (c command) advanceOnEnter(pl *simctl.Pipeline, prompts <-chan struct{}, stop <-chan struct{}) {
	r := bufio.NewReader(c.in)
	for {
		select {
		case <-prompts:
		case <-stop:
			return
		}
		if _, err := r.ReadString('\n'); err != nil {
			_, _ = fmt.Fprintln(c.errOut, "input closed, stopping simulator")
			_ = pl.Stop()
			return
		}
		if err := pl.Advance(); err != nil {
			_, _ = fmt.Fprintln(c.errOut, "advance:", err)
		}
	}
}

// Aggregate reads a telemetry CSV, prints its report and renders charts.
func (c command) Aggregate(f AggregateFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, logCloser := cfg.Logger().NewLogger(c.errOut)
	defer closeQuietly(log, "log", logCloser)

	paths := simctl.PipelineConfig{WorkDir: cfg.Simulator.WorkDir, CSV: cfg.Simulator.CSV, ChartsDir: cfg.Charts.Dir}
	csvPath := f.CSV
	if csvPath == "" {
		csvPath = paths.CSVPath()
	}
	res, err := simctl.AggregateFile(csvPath)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", csvPath, err)
	}
	if err := res.Encode(c.out, f.Format); err != nil {
		return err
	}
	if f.NoCharts {
		return nil
	}
	dir := f.Out
	if dir == "" {
		dir = paths.ChartPath()
	}
	arts, err := cfg.Renderer().Render(res, dir)
	if err != nil && !errors.Is(err, chart.ErrNoRows) {
		return fmt.Errorf("render charts: %w", err)
	}
	log.Info("Charts written", "paths", arts.Paths())
	return nil
}

// Serve runs the HTTP front-end until ctx is done. An active run is
// stopped before the server closes.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := loadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.BasePath != "" {
		cfg.Server.BasePath = f.BasePath
	}

	pl, log, cleanup, err := c.openPipeline(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	protocol := "HTTP"
	var server *http.Server
	if cfg.Server.TLS.Enabled {
		protocol = "HTTPS"
		server, err = simctl.NewTLSServer(cfg.Server.Listen, cfg.Server.BasePath, pl, cfg.Metrics.Enabled, cfg.Server.TLS)
	} else {
		server, err = simctl.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, pl, cfg.Metrics.Enabled)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s server: %w", protocol, err)
	}
	log.Info("Starting simctl server", "protocol", protocol, "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "simulator", cfg.Simulator.Path)

	<-ctx.Done()

	log.Info("Shutting down")
	if s := pl.Active(); s != nil {
		if err := pl.Stop(); err != nil {
			log.Warn("Stopping simulator failed", "run_id", s.ID, "error", err)
		}
		s.Wait()
	}
	return server.Close()
}
