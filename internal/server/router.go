package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/procmux/internal/config"
	"github.com/loykin/procmux/internal/metrics"
	"github.com/loykin/procmux/internal/process"
	"github.com/loykin/procmux/internal/processor"
)

// Pool is the view of the multiplexer the HTTP API needs.
type Pool interface {
	Tuning() *config.Tuning
	Processors() []processor.Snapshot
	Processes() []process.Status
	Status(pid int) (process.Status, bool)
	Start(ctx context.Context, spec process.Spec, opts ...process.Option) (*process.Handle, error)
}

// Router provides embeddable HTTP handlers for inspecting the multiplexer.
// Endpoints:
//
//	GET  {basePath}/tuning
//	GET  {basePath}/processors
//	GET  {basePath}/processes
//	GET  {basePath}/status       query: pid=N
//	POST {basePath}/run          body: Spec JSON, query: wait=5s (optional)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	pool     Pool
	basePath string
	metrics  bool
}

type RouterOption func(*Router)

// WithMetrics mounts the prometheus handler at /metrics, outside basePath.
func WithMetrics(enabled bool) RouterOption {
	return func(r *Router) { r.metrics = enabled }
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(pool Pool, basePath string, opts ...RouterOption) *Router {
	r := &Router{pool: pool, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Register adds the API routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/tuning", r.handleTuning)
	group.GET("/processors", r.handleProcessors)
	group.GET("/processes", r.handleProcesses)
	group.GET("/status", r.handleStatus)
	group.POST("/run", r.handleRun)
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down through the returned http.Server.
func NewServer(addr string, router *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleTuning(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.pool.Tuning())
}

func (r *Router) handleProcessors(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.pool.Processors())
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.pool.Processes())
}

func (r *Router) handleStatus(c *gin.Context) {
	raw := c.Query("pid")
	if raw == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pid query param required"})
		return
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid pid: " + raw})
		return
	}
	st, ok := r.pool.Status(pid)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown pid " + raw})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRun(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	for field, p := range map[string]string{
		"work_dir":        spec.WorkDir,
		"log.dir":         spec.Log.Dir,
		"log.stdout_path": spec.Log.StdoutPath,
		"log.stderr_path": spec.Log.StderrPath,
	} {
		if !isSafeAbsPath(p) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
			return
		}
	}
	var wait time.Duration
	if ws := c.Query("wait"); ws != "" {
		d, err := time.ParseDuration(ws)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + ws})
			return
		}
		wait = d
	}

	h, err := r.pool.Start(c.Request.Context(), spec)
	if err != nil {
		if h == nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		st, _ := h.Wait(ctx)
		writeJSON(c, http.StatusOK, st)
		return
	}
	writeJSON(c, http.StatusOK, h.Status())
}
