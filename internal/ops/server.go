// Package ops exposes the read-only operational HTTP surface: liveness,
// readiness with dependency checks, and Prometheus metrics. It binds to
// loopback by default and never mutates pipeline state.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/crossarb/internal/config"
)

// Checker probes one dependency. Implementations must respect the
// context deadline; the server caps each probe at checkTimeout.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a named closure to Checker.
type CheckerFunc struct {
	Component string
	Fn        func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.Component }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

const checkTimeout = 2 * time.Second

// Server serves /health, /ready and /metrics.
type Server struct {
	cfg      config.OpsConfig
	log      zerolog.Logger
	checkers []Checker
	metrics  http.Handler
	start    time.Time
	version  string

	httpSrv *http.Server
}

// NewServer builds the ops server. metricsHandler may be nil, in which
// case /metrics returns 404.
func NewServer(cfg config.OpsConfig, log zerolog.Logger, version string, metricsHandler http.Handler, checkers ...Checker) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "ops").Logger(),
		checkers: checkers,
		metrics:  metricsHandler,
		start:    time.Now(),
		version:  version,
	}
}

// Router builds the route table. Exposed so tests can drive handlers
// without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Start begins serving and returns immediately. Listen errors after
// startup are logged, not fatal to the pipeline.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		s.log.Info().Msg("ops server disabled")
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info().Str("addr", addr).Msg("ops server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops server stopped")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string                 `json:"status"` // healthy, degraded
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo carries process-level stats.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAllocBytes uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult is one dependency probe outcome.
type CheckResult struct {
	Status   string `json:"status"` // pass, fail
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

func (s *Server) runChecks(ctx context.Context) (map[string]CheckResult, bool) {
	results := make(map[string]CheckResult, len(s.checkers))
	healthy := true
	for _, c := range s.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		started := time.Now()
		err := c.Check(cctx)
		cancel()
		res := CheckResult{Status: "pass", Duration: time.Since(started).String()}
		if err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			healthy = false
		}
		results[c.Name()] = res
	}
	return results, healthy
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		Version:   s.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAllocBytes: mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Checks: checks,
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleReady reports whether every dependency probe passes. Unlike
// /health it returns a minimal body suitable for load-balancer checks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	_, healthy := s.runChecks(r.Context())
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
