// Package server provides embeddable HTTP handlers for the supervision
// subsystem, mounted by the daemon and usable standalone.
package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bobmatnyc/localops/internal/deployment"
	mng "github.com/bobmatnyc/localops/internal/manager"
	"github.com/bobmatnyc/localops/internal/metrics"
)

// Router exposes the manager over HTTP.
// Endpoints under {basePath}:
//
//	POST /deployments/start        body: deployment config JSON
//	POST /deployments/stop         query: id=...&purge=true
//	POST /deployments/restart      query: id=...
//	GET  /deployments/status       query: id=...
//	GET  /deployments              query: filter=running|stopped|...
//	GET  /deployments/health       query: id=...
//	GET  /deployments/restarts     query: id=...
//	GET  /deployments/logs         query: id=...
//	GET  /deployments/monitor      query: id=...&interval=2s  (SSE stream)
//	POST /deployments/autorestart  query: id=...&enabled=true|false
//	GET  /alerts                   query: id=... (optional)
//	GET  /metrics
//	GET  /healthz
type Router struct {
	mgr      *mng.Manager
	basePath string
}

// NewRouter constructs a Router with a configurable basePath, e.g. "/api".
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/deployments/start", r.handleStart)
	group.POST("/deployments/stop", r.handleStop)
	group.POST("/deployments/restart", r.handleRestart)
	group.GET("/deployments/status", r.handleStatus)
	group.GET("/deployments", r.handleList)
	group.GET("/deployments/health", r.handleHealth)
	group.GET("/deployments/restarts", r.handleRestartHistory)
	group.GET("/deployments/logs", r.handleLogs)
	group.GET("/deployments/monitor", r.handleMonitor)
	group.POST("/deployments/autorestart", r.handleAutoRestart)
	group.GET("/alerts", r.handleAlerts)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *mng.Manager) (*http.Server, error) {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// writeErr maps the subsystem's typed errors onto HTTP statuses.
func writeErr(c *gin.Context, err error) {
	var (
		vErr  *deployment.ValidationError
		pErr  *deployment.PortConflictError
		cErr  *deployment.CircuitOpenError
		tErr  *deployment.StopTimeoutError
		sErr  *deployment.SpawnError
		dgErr *deployment.StatePersistenceError
	)
	switch {
	case errors.Is(err, deployment.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error(), Kind: "not_found"})
	case errors.As(err, &vErr):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error(), Kind: "validation"})
	case errors.As(err, &pErr):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error(), Kind: "port_conflict"})
	case errors.As(err, &cErr):
		writeJSON(c, http.StatusLocked, errorResp{Error: err.Error(), Kind: "circuit_open"})
	case errors.As(err, &tErr):
		writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error(), Kind: "stop_timeout"})
	case errors.As(err, &sErr):
		writeJSON(c, http.StatusUnprocessableEntity, errorResp{Error: err.Error(), Kind: "spawn"})
	case errors.As(err, &dgErr):
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error(), Kind: "state_degraded"})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) requireID(c *gin.Context) (string, bool) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return "", false
	}
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return "", false
	}
	return id, true
}

func (r *Router) handleStart(c *gin.Context) {
	var cfg deployment.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeID(cfg.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if !isSafeAbsPath(cfg.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(cfg.Log.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid log.dir: must be absolute path without traversal"})
		return
	}
	rec, err := r.mgr.Start(c.Request.Context(), cfg)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	purge := c.Query("purge") == "true"
	if err := r.mgr.Stop(c.Request.Context(), id, purge); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	rec, err := r.mgr.Restart(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	snap, err := r.mgr.Status(id)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleList(c *gin.Context) {
	snaps, err := r.mgr.List(c.Query("filter"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snaps)
}

func (r *Router) handleHealth(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.HealthHistory(id))
}

func (r *Router) handleRestartHistory(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.RestartHistory(id))
}

func (r *Router) handleLogs(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Tail(id))
}

// handleMonitor streams snapshots as server-sent events until the client
// disconnects.
func (r *Router) handleMonitor(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	interval := 2 * time.Second
	if s := c.Query("interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	ch, err := r.mgr.Monitor(c.Request.Context(), id, interval)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		snap, open := <-ch
		if !open {
			return false
		}
		c.SSEvent("snapshot", snap)
		return true
	})
}

func (r *Router) handleAutoRestart(c *gin.Context) {
	id, ok := r.requireID(c)
	if !ok {
		return
	}
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "enabled query param must be true or false"})
		return
	}
	if err := r.mgr.SetAutoRestart(c.Request.Context(), id, enabled); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAlerts(c *gin.Context) {
	id := c.Query("id")
	if id != "" && !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id"})
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Alerts(id))
}

func (r *Router) handleHealthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"ok": true, "state_degraded": r.mgr.Degraded()}
	writeJSON(c, status, body)
}
