package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/histd/internal/auth"
	"github.com/loykin/histd/internal/history"
	"github.com/loykin/histd/internal/lifecycle"
	"github.com/loykin/histd/internal/metrics"
	"github.com/loykin/histd/internal/store"
	"github.com/loykin/histd/internal/syncer"
)

// Router provides the daemon's RPC handlers.
// Endpoints:
//
//	POST {basePath}/history/start   body: startReq, returns {"id"}
//	POST {basePath}/history/end     body: endReq, returns {"id","idx"}
//	GET  {basePath}/history         query: limit, q (prefix), session
//	GET  {basePath}/status
//	GET  {basePath}/log             query: host, from, limit (decoded entries)
//	GET  {basePath}/sync/heads
//	GET  {basePath}/sync/entries    query: host, from, limit
//	POST {basePath}/sync/entries    body: []store.Entry
//	POST {basePath}/sync/run
//
// basePath may be empty or start with '/'; no trailing slash. With Auth
// set, /sync/heads and /sync/entries need a token with the sync scope and
// every other route needs the history scope.
type Router struct {
	svc      *lifecycle.Service
	log      *store.AppendLog
	query    history.Querier
	sync     SyncRunner
	self     *metrics.SelfCollector
	auth     *auth.Tokens
	logger   *slog.Logger
	basePath string
	started  time.Time
}

// SyncRunner runs one sync round on demand.
type SyncRunner interface {
	SyncOnce(ctx context.Context) (syncer.Report, error)
}

// Deps are the components the router serves. Query, Sync, Self and Auth
// are optional.
type Deps struct {
	Service *lifecycle.Service
	Log     *store.AppendLog
	Query   history.Querier
	Sync    SyncRunner
	Self    *metrics.SelfCollector
	Auth    *auth.Tokens
	Logger  *slog.Logger
}

// Paging bounds for the log and sync routes.
const (
	defaultPage = 100
	maxPage     = 1000
)

func NewRouter(d Deps, basePath string) *Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		svc:      d.Service,
		log:      d.Log,
		query:    d.Query,
		sync:     d.Sync,
		self:     d.Self,
		auth:     d.Auth,
		logger:   logger.With("component", "rpc"),
		basePath: sanitizeBase(basePath),
		started:  time.Now(),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath, auth.GinAuth(r.auth))

	local := group.Group("", auth.GinRequireScope(r.auth, auth.ScopeHistory))
	local.POST("/history/start", r.handleStart)
	local.POST("/history/end", r.handleEnd)
	local.GET("/history", r.handleList)
	local.GET("/status", r.handleStatus)
	local.GET("/log", r.handleLog)
	local.POST("/sync/run", r.handleSyncRun)

	peer := group.Group("/sync", auth.GinRequireScope(r.auth, auth.ScopeSync))
	peer.GET("/heads", r.handleHeads)
	peer.GET("/entries", r.handlePullEntries)
	peer.POST("/entries", r.handlePushEntries)
	return g
}

// --- Handlers ---

// wireTimestamp accepts the start time as either a JSON number or a string.
// Parsing is left to the service so both forms get the same validation.
type wireTimestamp string

func (w *wireTimestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = wireTimestamp(s)
	case string(b) == "null":
		*w = ""
	default:
		*w = wireTimestamp(b)
	}
	return nil
}

type startReq struct {
	Command   string        `json:"command"`
	Cwd       string        `json:"cwd"`
	Session   string        `json:"session"`
	Hostname  string        `json:"hostname"`
	Timestamp wireTimestamp `json:"timestamp"`
}

type startResp struct {
	ID string `json:"id"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	id, err := r.svc.StartHistory(c.Request.Context(), lifecycle.StartRequest{
		Command:   req.Command,
		Cwd:       req.Cwd,
		Session:   req.Session,
		Hostname:  req.Hostname,
		Timestamp: string(req.Timestamp),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{ID: id})
}

type endReq struct {
	ID   string `json:"id"`
	Exit int64  `json:"exit"`
	// Duration in nanoseconds; 0 means measure elapsed time.
	Duration uint64 `json:"duration"`
}

func (r *Router) handleEnd(c *gin.Context) {
	var req endReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res, err := r.svc.EndHistory(c.Request.Context(), req.ID, req.Exit, history.DurationFromWire(req.Duration))
	if err != nil {
		code, kind := classify(err)
		if kind == KindStorage {
			r.logger.Error("end history failed", "id", req.ID, "error", err)
		}
		writeJSON(c, code, errorResp{Error: err.Error(), Kind: kind})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleList(c *gin.Context) {
	if r.query == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history sink does not support queries", Kind: KindUnavailable})
		return
	}
	q := history.Query{Prefix: c.Query("q"), Session: c.Query("session")}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit")
			return
		}
		q.Limit = n
	}
	rows, err := r.query.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []history.Record{}
	}
	writeJSON(c, http.StatusOK, rows)
}

type statusResp struct {
	Host    string              `json:"host"`
	Running int                 `json:"running"`
	Next    uint64              `json:"next"`
	Heads   map[string]uint64   `json:"heads"`
	Uptime  string              `json:"uptime"`
	Sync    bool                `json:"sync"`
	Self    *metrics.SelfSample `json:"self,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	heads, err := r.log.Heads(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := statusResp{
		Host:    r.log.Host(),
		Running: r.svc.Running(),
		Next:    r.log.Next(),
		Heads:   heads,
		Uptime:  time.Since(r.started).Round(time.Second).String(),
		Sync:    r.sync != nil,
	}
	if r.self != nil {
		if s, ok := r.self.Last(); ok {
			resp.Self = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

// pageParams reads host, from and limit. host defaults to the local host.
func (r *Router) pageParams(c *gin.Context) (string, uint64, int, bool) {
	host := c.DefaultQuery("host", r.log.Host())
	if !isSafeName(host) {
		badRequest(c, "invalid host")
		return "", 0, 0, false
	}
	var from uint64
	if s := c.Query("from"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "invalid from")
			return "", 0, 0, false
		}
		from = n
	}
	limit := defaultPage
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return "", 0, 0, false
		}
		limit = min(n, maxPage)
	}
	return host, from, limit, true
}

func (r *Router) readPage(ctx context.Context, host string, from uint64, limit int) ([]store.Entry, error) {
	out := make([]store.Entry, 0, min(limit, defaultPage))
	for e, err := range r.log.ReadFrom(ctx, host, from) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type logItem struct {
	Host   string          `json:"host"`
	Idx    uint64          `json:"idx"`
	ID     string          `json:"id"`
	Record *history.Record `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *Router) handleLog(c *gin.Context) {
	host, from, limit, ok := r.pageParams(c)
	if !ok {
		return
	}
	entries, err := r.readPage(c.Request.Context(), host, from, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]logItem, 0, len(entries))
	for _, e := range entries {
		it := logItem{Host: e.Host, Idx: e.Idx, ID: e.ID}
		if rec, err := r.log.Decode(e); err != nil {
			it.Error = err.Error()
		} else {
			it.Record = &rec
		}
		items = append(items, it)
	}
	writeJSON(c, http.StatusOK, items)
}

type headsResp struct {
	Heads map[string]uint64 `json:"heads"`
}

func (r *Router) handleHeads(c *gin.Context) {
	heads, err := r.log.Heads(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, headsResp{Heads: heads})
}

func (r *Router) handlePullEntries(c *gin.Context) {
	host, from, limit, ok := r.pageParams(c)
	if !ok {
		return
	}
	entries, err := r.readPage(c.Request.Context(), host, from, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

type ingestResp struct {
	Inserted int `json:"inserted"`
}

func (r *Router) handlePushEntries(c *gin.Context) {
	var entries []store.Entry
	if err := c.ShouldBindJSON(&entries); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	n, err := r.log.Ingest(c.Request.Context(), entries...)
	if err != nil {
		r.logger.Warn("ingest rejected", "inserted", n, "error", err)
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ingestResp{Inserted: n})
}

func (r *Router) handleSyncRun(c *gin.Context) {
	if r.sync == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "sync is not configured", Kind: KindUnavailable})
		return
	}
	rep, err := r.sync.SyncOnce(c.Request.Context())
	if err != nil {
		metrics.IncSyncRun("error")
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error(), Kind: KindInternal})
		return
	}
	metrics.IncSyncRun("ok")
	writeJSON(c, http.StatusOK, rep)
}
