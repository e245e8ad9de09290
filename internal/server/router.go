package server

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/studyhook/internal/auth"
	"github.com/loykin/studyhook/internal/dispatcher"
	"github.com/loykin/studyhook/internal/event"
)

// maxEventBody bounds one ingress request.
const maxEventBody = 1 << 20

// Publisher receives events accepted by the ingress.
type Publisher interface {
	Publish(e event.Event) int
}

// StatsProvider reports delivery counters for the status endpoint.
type StatsProvider interface {
	Stats() dispatcher.Stats
}

// Options configures the router. Metrics is mounted at /metrics when set.
type Options struct {
	BasePath string
	Auth     auth.Credentials
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Router provides embeddable HTTP handlers for the event ingress.
// Endpoints:
//
//	POST {basePath}/events   body: one change object or an array of them
//	GET  {basePath}/status   delivery counters
//	GET  {basePath}/healthz  liveness, no auth
//	GET  /metrics            Prometheus, when enabled
//
// Accepted events are published asynchronously; Wait blocks until every
// publish started so far has returned.
type Router struct {
	pub      Publisher
	stats    StatsProvider
	basePath string
	auth     *auth.Middleware
	metrics  http.Handler
	log      *slog.Logger
	started  time.Time

	inflight sync.WaitGroup
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/events, /api/status.
func NewRouter(pub Publisher, stats StatsProvider, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		pub:      pub,
		stats:    stats,
		basePath: sanitizeBase(opts.BasePath),
		auth:     auth.NewMiddleware(opts.Auth),
		metrics:  opts.Metrics,
		log:      log.With("component", "ingress"),
		started:  time.Now(),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	g.GET(r.basePath+"/healthz", r.handleHealth)

	group := g.Group(r.basePath)
	group.Use(r.auth.GinAuth())
	group.POST("/events", r.handleEvents)
	group.GET("/status", r.handleStatus)
	return g
}

// Wait blocks until in-flight publishes complete.
func (r *Router) Wait() { r.inflight.Wait() }

// NewServer builds an http.Server for h. A non-nil tlsCfg makes the caller
// serve with ListenAndServeTLS("", "").
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type acceptedResp struct {
	Accepted int `json:"accepted"`
}

type statusResp struct {
	dispatcher.Stats
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{UptimeSeconds: int64(time.Since(r.started).Seconds())}
	if r.stats != nil {
		resp.Stats = r.stats.Stats()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleEvents(c *gin.Context) {
	changes, err := decodeChanges(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBody))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	events := make([]event.Event, 0, len(changes))
	for _, ch := range changes {
		if err := ch.Validate(); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		events = append(events, ch.Event())
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		for _, ev := range events {
			r.pub.Publish(ev)
		}
	}()
	r.log.Debug("events accepted", "count", len(events))
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: len(events)})
}

// decodeChanges accepts a single change object or an array of them.
func decodeChanges(body io.Reader) ([]event.Change, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] == '[' {
		var list []event.Change
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one event.Change
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []event.Change{one}, nil
}
