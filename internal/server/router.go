package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simctl/internal/metrics"
	"github.com/loykin/simctl/internal/pipeline"
	"github.com/loykin/simctl/internal/process"
)

// Router exposes a pipeline over HTTP.
// Endpoints:
//
//	POST {basePath}/runs          body: {"mode":"dot"|"step","n":20}
//	POST {basePath}/runs/advance  continue a paused stepping run
//	POST {basePath}/runs/stop     terminate the active run
//	GET  {basePath}/runs/status   active run and last outcome
//	GET  {basePath}/runs/output   lines of the active run
//	GET  {basePath}/runs/events   server-sent notices; ?until=finished ends after one run
//	GET  {basePath}/charts/:name  generated chart images
//	GET  /metrics                 Prometheus, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	pl       *pipeline.Pipeline
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(pl *pipeline.Pipeline, basePath string) *Router {
	return &Router{pl: pl, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts the Prometheus handler at /metrics.
func (r *Router) WithMetrics(on bool) *Router {
	r.metrics = on
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/runs", r.handleStart)
	group.POST("/runs/advance", r.handleAdvance)
	group.POST("/runs/stop", r.handleStop)
	group.GET("/runs/status", r.handleStatus)
	group.GET("/runs/output", r.handleOutput)
	group.GET("/runs/events", r.handleEvents)
	group.GET("/charts/:name", r.handleChart)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

func newHTTPServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: event streams last as long as a run
		IdleTimeout: 60 * time.Second,
	}
}

// NewServer starts a standalone HTTP server on addr using this router.
// The returned server can be closed with Close or Shutdown.
func NewServer(addr string, r *Router) (*http.Server, error) {
	server := newHTTPServer(addr, r)
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewTLSServer is NewServer over HTTPS with the certificates in cfg.
func NewTLSServer(addr string, r *Router, cfg *tls.Config) (*http.Server, error) {
	if cfg == nil {
		return nil, errors.New("server: TLS config is required")
	}
	server := newHTTPServer(addr, r)
	server.TLSConfig = cfg
	go func() { _ = server.ListenAndServeTLS("", "") }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	Mode string `json:"mode"`
	N    int    `json:"n"`
}

type startResp struct {
	ID   string        `json:"id"`
	Mode pipeline.Mode `json:"mode"`
	Args []string      `json:"args"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.N < 0 {
		writeError(c, http.StatusBadRequest, "n must not be negative", "")
		return
	}
	s, err := r.pl.Start(mode, pipeline.Params{N: req.N})
	var le *process.LaunchError
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeError(c, http.StatusConflict, err.Error(), "")
	case errors.As(err, &le):
		writeError(c, http.StatusBadGateway, err.Error(), s.ID)
	case err != nil:
		writeError(c, http.StatusInternalServerError, err.Error(), "")
	default:
		writeJSON(c, http.StatusAccepted, startResp{ID: s.ID, Mode: s.Mode, Args: s.Args})
	}
}

func (r *Router) handleAdvance(c *gin.Context) {
	err := r.pl.Advance()
	var ioErr *process.ChildIOError
	switch {
	case errors.Is(err, pipeline.ErrNotAwaiting):
		writeError(c, http.StatusConflict, err.Error(), "")
	case errors.As(err, &ioErr):
		writeError(c, http.StatusBadGateway, err.Error(), "")
	case err != nil:
		writeError(c, http.StatusInternalServerError, err.Error(), "")
	default:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.pl.Stop(); err != nil {
		writeError(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.pl.Status())
}

func (r *Router) handleOutput(c *gin.Context) {
	s := r.pl.Active()
	if s == nil {
		writeError(c, http.StatusNotFound, "no active run", "")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"run_id": s.ID, "lines": s.Output()})
}

// handleEvents streams notices as server-sent events. The first event is
// the current status, sent once the subscription is in place.
func (r *Router) handleEvents(c *gin.Context) {
	untilFinished := c.Query("until") == "finished"
	ch, cancel := r.pl.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", r.pl.Status())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case n, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(n.Kind), n)
			return !(untilFinished && n.Kind == pipeline.KindFinished)
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Router) handleChart(c *gin.Context) {
	path, ok := chartPath(r.pl.Config().ChartPath(), c.Param("name"))
	if !ok {
		writeError(c, http.StatusNotFound, "unknown chart", "")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(c, http.StatusNotFound, "chart not generated", "")
		return
	}
	c.File(path)
}
