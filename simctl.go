package simctl

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/simctl/internal/config"
	"github.com/loykin/simctl/internal/history"
	"github.com/loykin/simctl/internal/history/factory"
	"github.com/loykin/simctl/internal/metrics"
	"github.com/loykin/simctl/internal/pipeline"
	iapi "github.com/loykin/simctl/internal/server"
	"github.com/loykin/simctl/internal/telemetry"
	tlsconf "github.com/loykin/simctl/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Pipeline = pipeline.Pipeline

type PipelineConfig = pipeline.Config

type Mode = pipeline.Mode

type Params = pipeline.Params

type Outcome = pipeline.Outcome

type Notice = pipeline.Notice

type Session = pipeline.Session

type Option = pipeline.Option

type HistorySink = history.Sink

type Result = telemetry.Result

type TLSConfig = tlsconf.Config

const (
	DotProduct = pipeline.DotProduct
	Stepping   = pipeline.Stepping
)

const (
	KindLine       = pipeline.KindLine
	KindDiagnostic = pipeline.KindDiagnostic
	KindCheckpoint = pipeline.KindCheckpoint
	KindReport     = pipeline.KindReport
	KindFinished   = pipeline.KindFinished
)

var (
	ErrAlreadyRunning = pipeline.ErrAlreadyRunning
	ErrNotAwaiting    = pipeline.ErrNotAwaiting
)

var (
	WithLogger   = pipeline.WithLogger
	WithHistory  = pipeline.WithHistory
	WithRenderer = pipeline.WithRenderer
)

func New(c PipelineConfig, opts ...Option) *Pipeline { return pipeline.New(c, opts...) }

func ParseMode(s string) (Mode, error) { return pipeline.ParseMode(s) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// AggregateFile reads a cache statistics CSV.
func AggregateFile(path string) (*Result, error) { return telemetry.AggregateFile(path) }

// NewHistory builds one sink per DSN; several sinks are fanned out. It
// returns nil for no DSNs.
func NewHistory(dsns []string) (HistorySink, error) {
	var sinks history.Multi
	for _, d := range dsns {
		s, err := factory.NewSinkFromDSN(d)
		if err != nil {
			return nil, fmt.Errorf("history sink %q: %w", d, err)
		}
		sinks = append(sinks, s)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// NewHTTPServer starts an HTTP server exposing the run API for p.
func NewHTTPServer(addr, basePath string, p *Pipeline, withMetrics bool) (*http.Server, error) {
	return iapi.NewServer(addr, iapi.NewRouter(p, basePath).WithMetrics(withMetrics))
}

// NewTLSServer starts an HTTPS server exposing the run API for p.
func NewTLSServer(addr, basePath string, p *Pipeline, withMetrics bool, c TLSConfig) (*http.Server, error) {
	tc, err := tlsconf.Setup(c)
	if err != nil {
		return nil, err
	}
	return iapi.NewTLSServer(addr, iapi.NewRouter(p, basePath).WithMetrics(withMetrics), tc)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
