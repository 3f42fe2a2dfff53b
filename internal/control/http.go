// Package control exposes the operator surface: health, status, start/stop
// of the two drivers, metrics, and the observer WebSocket endpoint.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/signalsfoundry/trackcast/internal/ingest"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/internal/sim"
	"github.com/signalsfoundry/trackcast/timectrl"
)

// Targets used in control metrics and routes.
const (
	TargetSimulation = "simulation"
	TargetIngest     = "ingest"
)

// Simulation is the engine surface the server drives.
type Simulation interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Status() sim.Status
}

// Ingest is the ingest runner surface the server drives.
type Ingest interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Status() ingest.Status
	RunOnce(ctx context.Context, now time.Time) ingest.RunReport
}

// TrackCounter reports registry sizes.
type TrackCounter interface {
	ActiveCount() int
	Count() int
}

// ObserverCounter reports broker state.
type ObserverCounter interface {
	Count() int
	MembersOf(topic string) []string
}

// Checker is a dependency probed by /healthz, such as a store connection.
type Checker interface {
	Ping(ctx context.Context) error
}

// MetricsRecorder counts control actions.
type MetricsRecorder interface {
	ControlAction(target, action, result string)
}

// Server serves the HTTP control surface.
type Server struct {
	// base outlives any single request; drivers started over HTTP run
	// under it.
	base context.Context

	sim       Simulation
	ingest    Ingest
	tracks    TrackCounter
	observers ObserverCounter
	topics    []string
	checks    map[string]Checker
	health    *Health

	ws       http.Handler
	metrics  http.Handler
	config   any
	recorder MetricsRecorder
	origins  []string

	log     logging.Logger
	clock   timectrl.SimClock
	started time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithIngest enables the /control/ingest routes.
func WithIngest(in Ingest) Option {
	return func(s *Server) { s.ingest = in }
}

// WithWebSocket mounts h at /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.ws = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMetricsRecorder counts control actions.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithCheck adds a named dependency probed by /healthz.
func WithCheck(name string, c Checker) Option {
	return func(s *Server) {
		if c != nil {
			s.checks[name] = c
		}
	}
}

// WithHealth keeps the gRPC health status in step with the simulation.
func WithHealth(h *Health) Option {
	return func(s *Server) { s.health = h }
}

// WithConfigView serves v, which must be safe to expose, at /config.
func WithConfigView(v any) Option {
	return func(s *Server) { s.config = v }
}

// WithAllowedOrigins restricts CORS. Defaults to any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithTopics lists the topics whose membership /status reports.
func WithTopics(topics ...string) Option {
	return func(s *Server) { s.topics = topics }
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock sets the clock used for uptime and manual ingest runs.
func WithClock(c timectrl.SimClock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewServer returns a control server. base is the process context under
// which started drivers run.
func NewServer(base context.Context, simulation Simulation, tracks TrackCounter, observers ObserverCounter, opts ...Option) *Server {
	s := &Server{
		base:      base,
		sim:       simulation,
		tracks:    tracks,
		observers: observers,
		checks:    make(map[string]Checker),
		origins:   []string{"*"},
		log:       logging.Noop(),
		clock:     timectrl.WallClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.started = s.clock.Now()
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.config != nil {
		r.Get("/config", s.handleConfig)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/control", func(r chi.Router) {
		r.Post("/simulation/{action}", s.handleSimulation)
		if s.ingest != nil {
			r.Post("/ingest/{action}", s.handleIngest)
		}
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, s.log.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set("X-Request-ID", logging.RequestIDFromContext(ctx))

		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		if r.URL.Path == "/ws" {
			return
		}
		reqLog.Debug(ctx, "http request",
			logging.Int("status", ww.Status()),
			logging.Duration("duration", time.Since(started)),
		)
	})
}

type healthResponse struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: map[string]bool{"server": true}, Timestamp: s.clock.Now()}
	code := http.StatusOK
	for name, c := range s.checks {
		err := c.Ping(ctx)
		resp.Checks[name] = err == nil
		if err != nil {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			logging.FromContext(ctx, s.log).Warn(ctx, "health check failed",
				logging.String("check", name),
				logging.Err(err),
			)
		}
	}
	writeJSON(w, code, resp)
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Uptime     string         `json:"uptime"`
	Tracks     TrackStats     `json:"tracks"`
	Observers  ObserverStats  `json:"observers"`
	Simulation sim.Status     `json:"simulation"`
	Ingest     *ingest.Status `json:"ingest,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TrackStats counts registry entries.
type TrackStats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// ObserverStats counts broker members.
type ObserverStats struct {
	Connected int            `json:"connected"`
	ByTopic   map[string]int `json:"byTopic,omitempty"`
}

// Snapshot assembles the current status.
func (s *Server) Snapshot() StatusResponse {
	now := s.clock.Now()
	resp := StatusResponse{
		Uptime:     now.Sub(s.started).Round(time.Second).String(),
		Tracks:     TrackStats{Active: s.tracks.ActiveCount(), Total: s.tracks.Count()},
		Observers:  ObserverStats{Connected: s.observers.Count()},
		Simulation: s.sim.Status(),
		Timestamp:  now,
	}
	if len(s.topics) > 0 {
		resp.Observers.ByTopic = make(map[string]int, len(s.topics))
		for _, topic := range s.topics {
			resp.Observers.ByTopic[topic] = len(s.observers.MembersOf(topic))
		}
	}
	if s.ingest != nil {
		st := s.ingest.Status()
		resp.Ingest = &st
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config)
}

type actionResponse struct {
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Running   bool      `json:"running"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Report    any       `json:"report,omitempty"`
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	ctx := r.Context()

	var err error
	switch action {
	case "start":
		err = s.sim.Start(s.base)
	case "stop":
		s.sim.Stop()
	case "restart":
		s.sim.Stop()
		err = s.sim.Start(s.base)
	default:
		s.record(TargetSimulation, action, "invalid")
		writeError(w, http.StatusBadRequest, "action must be one of: start, stop, restart")
		return
	}
	s.health.SetSimulationRunning(s.sim.Running())

	resp := actionResponse{Target: TargetSimulation, Action: action, Running: s.sim.Running(), Timestamp: s.clock.Now()}
	s.finish(ctx, w, resp, err)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	ctx := r.Context()

	resp := actionResponse{Target: TargetIngest, Action: action}
	var err error
	switch action {
	case "start":
		err = s.ingest.Start(s.base)
	case "stop":
		s.ingest.Stop()
	case "refresh":
		report := s.ingest.RunOnce(ctx, s.clock.Now())
		resp.Report = map[string]any{
			"fetched":  report.Fetched,
			"inserted": len(report.Inserted),
			"retired":  len(report.Retired),
		}
		err = report.Err
	default:
		s.record(TargetIngest, action, "invalid")
		writeError(w, http.StatusBadRequest, "action must be one of: start, stop, refresh")
		return
	}
	resp.Running = s.ingest.Running()
	resp.Timestamp = s.clock.Now()
	s.finish(ctx, w, resp, err)
}

func (s *Server) finish(ctx context.Context, w http.ResponseWriter, resp actionResponse, err error) {
	log := logging.FromContext(ctx, s.log)
	switch {
	case errors.Is(err, timectrl.ErrAlreadyRunning):
		s.record(resp.Target, resp.Action, "noop")
		resp.Message = resp.Target + " already running"
		writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		s.record(resp.Target, resp.Action, "error")
		log.Error(ctx, "control action failed",
			logging.String("target", resp.Target),
			logging.String("action", resp.Action),
			logging.Err(err),
		)
		resp.Message = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		s.record(resp.Target, resp.Action, "ok")
		log.Info(ctx, "control action applied",
			logging.String("target", resp.Target),
			logging.String("action", resp.Action),
			logging.Bool("running", resp.Running),
		)
		resp.Message = resp.Target + " " + resp.Action + " completed"
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) record(target, action, result string) {
	if s.recorder != nil {
		s.recorder.ControlAction(target, action, result)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": http.StatusText(code), "message": msg})
}

// CheckNames lists the configured health checks in a stable order.
func (s *Server) CheckNames() []string {
	out := make([]string, 0, len(s.checks))
	for name := range s.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
