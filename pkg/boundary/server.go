// Package boundary exposes the engine over HTTP/JSON. It performs
// argument shaping and error translation only; all business logic
// lives behind the stage services and the coordinator.
package boundary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/logx"
	"ideaforge/pkg/metrics"
	"ideaforge/pkg/pipeline"
	"ideaforge/pkg/provider"
	"ideaforge/pkg/review"
)

// StatusNotStarted is the wire-only status reported when a stage has no
// artifact yet. It never appears on a persisted artifact.
const StatusNotStarted = "NotStarted"

const (
	readHeaderTimeout = 10 * time.Second
	healthTimeout     = 15 * time.Second
)

// Server is the HTTP boundary adapter.
type Server struct {
	coordinator *pipeline.Coordinator
	artifacts   *artifact.Store
	reviews     *review.Registry
	pool        *provider.Pool
	usage       *metrics.QueryService
	reviewWait  time.Duration
	httpServer  *http.Server
	logger      *logx.Logger
}

// defaultReviewWait bounds GET /review/{id}/await when no wait is
// configured.
const defaultReviewWait = 10 * time.Minute

// NewServer creates the boundary server listening on addr. usage may be
// nil when no Prometheus server is configured; reviewWait bounds the
// blocking review await endpoint.
func NewServer(addr string, coordinator *pipeline.Coordinator, artifacts *artifact.Store,
	reviews *review.Registry, pool *provider.Pool, usage *metrics.QueryService,
	reviewWait time.Duration) *Server {
	if reviewWait <= 0 {
		reviewWait = defaultReviewWait
	}
	s := &Server{
		coordinator: coordinator,
		artifacts:   artifacts,
		reviews:     reviews,
		pool:        pool,
		usage:       usage,
		reviewWait:  reviewWait,
		logger:      logx.NewLogger("boundary"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Stage starts
	mux.HandleFunc("POST /requirements/start", s.handleStartRequirements)
	mux.HandleFunc("POST /planning/start", s.handleStartPlanning)
	mux.HandleFunc("POST /stories/start", s.handleStartStories)
	mux.HandleFunc("POST /prompt/start", s.handleStartPrompt)

	// Status, result, and prerequisite probes per stage
	for wire, st := range wireStages() {
		mux.HandleFunc("GET /"+wire+"/{id}/status", s.handleStatus(st))
		mux.HandleFunc("GET /"+wire+"/{id}", s.handleResult(st))
		mux.HandleFunc("GET /"+wire+"/can-start/{parentId}", s.handleCanStart(st))
	}

	// Stories accessors
	mux.HandleFunc("GET /stories/{id}/count", s.handleStoryCount)
	mux.HandleFunc("GET /stories/{id}/{index}", s.handleStoryAt)

	// Reviews
	mux.HandleFunc("GET /review/pending", s.handleReviewPending)
	mux.HandleFunc("GET /review/{id}", s.handleReviewGet)
	mux.HandleFunc("GET /review/{id}/await", s.handleReviewAwait)
	mux.HandleFunc("POST /review/{id}/approve", s.handleReviewDecide(review.DecisionApproved))
	mux.HandleFunc("POST /review/{id}/reject", s.handleReviewDecide(review.DecisionRejected))

	// Projects
	mux.HandleFunc("POST /projects", s.handleProjectCreate)
	mux.HandleFunc("GET /projects", s.handleProjectList)
	mux.HandleFunc("GET /projects/{id}", s.handleProjectGet)
	mux.HandleFunc("DELETE /projects/{id}", s.handleProjectDelete)
	mux.HandleFunc("GET /projects/{id}/progress", s.handleProjectProgress)

	// Operations
	mux.HandleFunc("GET /usage/{provider}", s.handleUsage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// wireStages maps URL path segments to pipeline stages.
func wireStages() map[string]artifact.Stage {
	return map[string]artifact.Stage{
		"requirements": artifact.StageREQ,
		"planning":     artifact.StagePLAN,
		"stories":      artifact.StageSTORIES,
		"prompt":       artifact.StagePROMPT,
	}
}

// Start runs the HTTP server until Shutdown or failure.
func (s *Server) Start() error {
	s.logger.Info("boundary listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("boundary server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, status := codeFor(err)
	s.writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "ArgumentInvalid",
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}
