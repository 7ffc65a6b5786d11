package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scriptbatch/internal/auth"
	"github.com/loykin/scriptbatch/internal/batch"
	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/metrics"
	"github.com/loykin/scriptbatch/internal/store"
)

// Router provides embeddable HTTP handlers for batch commands.
// Endpoints:
//   POST {basePath}/batches                    body: batch.Request JSON
//   GET  {basePath}/batches                    command summaries
//   GET  {basePath}/batches/:command/results   query: state=... (optional)
//   POST {basePath}/batches/:command/cancel
//   PUT  {basePath}/workitems                  body: store.WorkItem JSON
//   GET  {basePath}/workitems/:id
//   GET  {basePath}/workitems/:id/journal
//   GET  {basePath}/metrics                    when metrics are enabled
//   POST {basePath}/auth/login                 when authentication is enabled
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	d        *batch.Dispatcher
	basePath string
	metrics  bool
	authSvc  *auth.Service
	auth     *auth.Middleware
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(d *batch.Dispatcher, basePath string) *Router {
	return &Router{d: d, basePath: normalizeBase(basePath)}
}

// WithMetrics serves the Prometheus registry under {basePath}/metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// WithAuth requires a bearer token or basic credentials on every batch and
// work item route. The caller's name replaces the submitter of a batch.
func (r *Router) WithAuth(svc *auth.Service) *Router {
	r.authSvc = svc
	r.auth = auth.NewMiddleware(svc)
	return r
}

func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	if r.auth.Enabled() {
		group.POST("/auth/login", r.handleLogin)
	}

	m := r.auth
	read := func(res string) gin.HandlerFunc { return m.GinRequirePermission(res, auth.ActionRead) }
	write := func(res string) gin.HandlerFunc { return m.GinRequirePermission(res, auth.ActionWrite) }
	api := group.Group("", m.GinAuth())
	api.POST("/batches", write(auth.ResourceBatch), r.handleSubmit)
	api.GET("/batches", read(auth.ResourceBatch), r.handleList)
	api.GET("/batches/:command/results", read(auth.ResourceBatch), r.handleResults)
	api.POST("/batches/:command/cancel", write(auth.ResourceBatch), r.handleCancel)
	api.PUT("/workitems", write(auth.ResourceWorkItem), r.handlePutWorkItem)
	api.GET("/workitems/:id", read(auth.ResourceWorkItem), r.handleWorkItem)
	api.GET("/workitems/:id/journal", read(auth.ResourceWorkItem), r.handleJournal)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// SubmitResponse is returned for an accepted batch.
type SubmitResponse struct {
	RunID   string         `json:"run_id"`
	Command string         `json:"command"`
	Records []batch.Record `json:"records"`
}

func (r *Router) handleSubmit(c *gin.Context) {
	var req batch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if caller, ok := auth.Caller(c); ok {
		req.Submitter = caller.Username
	}
	if !validCommandName(req.Command) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid command: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	b, err := r.d.Prepare(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := b.Execute(); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, SubmitResponse{RunID: b.ID(), Command: b.Command(), Records: b.Records()})
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.d.Registry.Commands())
}

func (r *Router) handleResults(c *gin.Context) {
	command := c.Param("command")
	if !r.d.Registry.Has(command) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown command " + command})
		return
	}
	recs := r.d.Registry.ResultsFor(command)
	if s := c.Query("state"); s != "" {
		want := batch.State(s)
		if !want.Valid() {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid state " + s})
			return
		}
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.State == want {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleCancel(c *gin.Context) {
	if !r.d.Registry.Cancel(c.Param("command")) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown command " + c.Param("command")})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePutWorkItem(c *gin.Context) {
	var item store.WorkItem
	if err := c.ShouldBindJSON(&item); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	// script paths come from the network; only absolute executables are accepted
	for _, st := range item.Steps {
		for _, sc := range st.Scripts {
			if !validScriptPath(executablePath(sc)) {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path of script " + strconv.Quote(sc.Name) + ": must be absolute without traversal"})
				return
			}
		}
	}
	if err := r.d.Repo.PutWorkItem(c.Request.Context(), item); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWorkItem(c *gin.Context) {
	id, ok := workItemID(c)
	if !ok {
		return
	}
	item, err := r.d.Repo.WorkItem(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, item)
}

func (r *Router) handleJournal(c *gin.Context) {
	id, ok := workItemID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	entries, err := r.d.Repo.Journal(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	writeJSON(c, http.StatusOK, entries)
}

func workItemID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work item id " + strconv.Quote(c.Param("id"))})
		return 0, false
	}
	return id, true
}

// writeError maps an error kind to an HTTP status.
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		code = http.StatusBadRequest
	case apperrors.KindNotFound:
		code = http.StatusNotFound
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
