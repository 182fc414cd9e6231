// Package api exposes the core's operations over a thin HTTP dispatcher.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rag-core/internal/chat"
	"rag-core/internal/chunking"
	"rag-core/internal/di"
	"rag-core/internal/logging"
	"rag-core/internal/pipeline"
	"rag-core/pkg/types"
)

// Health thresholds. Open breakers dominate queue depth: a half-open fleet
// is degraded even with an empty queue.
const (
	criticalOpenRatio = 0.5
	criticalQueue     = 25
	degradedQueue     = 10
)

// Server is the HTTP dispatcher over the composition root.
type Server struct {
	container *di.Container
	logger    logging.Logger
	router    chi.Router
}

// NewServer creates the dispatcher and mounts its routes.
func NewServer(container *di.Container) *Server {
	s := &Server{
		container: container,
		logger:    container.Logger.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.traceMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents/analyze", s.handleAnalyze)
		r.Post("/documents/process", s.handleProcessBatch)
		r.Post("/chat", s.handleChat)

		r.Post("/cache/warm", s.handleCacheWarm)
		r.Get("/cache/stats", s.handleCacheStats)

		r.Get("/circuit-breakers", s.handleBreakers)
		r.Post("/circuit-breakers/reset", s.handleBreakersReset)

		r.Get("/interventions", s.handleInterventionList)
		r.Post("/interventions/{id}/resolve", s.handleInterventionResolve)
		r.Post("/interventions/{id}/dismiss", s.handleInterventionDismiss)

		r.Get("/metrics", s.handleMetrics)
		r.Get("/health", s.handleHealth)
	})
	s.router = r
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithTrace(r.Context(), r.Header.Get("X-Trace-Id"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type analyzeRequest struct {
	Path            string `json:"path"`
	MaxTags         int    `json:"max_tags,omitempty"`
	GenerateSummary bool   `json:"generate_summary,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	analysis, err := s.container.Analyzer.Analyze(r.Context(), req.Path, req.MaxTags, req.GenerateSummary)
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	s.respond(w, http.StatusOK, analysis)
}

type processBatchRequest struct {
	Paths              []string `json:"paths"`
	Strategy           string   `json:"strategy,omitempty"`
	OptimizerStrategy  string   `json:"optimizer_strategy,omitempty"`
	GenerateEmbeddings bool     `json:"generate_embeddings,omitempty"`
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req processBatchRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Paths) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("paths are required"))
		return
	}

	// Per-document failures live inside the result; the batch itself is 200.
	result, err := s.container.Pipeline.Process(r.Context(), req.Paths, pipeline.Options{
		Strategy:           chunking.ParseStrategy(req.Strategy),
		OptimizerStrategy:  chunking.OptimizerStrategy(req.OptimizerStrategy),
		GenerateEmbeddings: req.GenerateEmbeddings,
		EmbeddingModel:     s.container.Config.Provider.EmbeddingModel,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.container.Chat.Chat(r.Context(), req)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		if types.CodeOf(err) == types.ErrorCodeConversationArchived {
			s.respondError(w, http.StatusConflict, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, resp)
}

type cacheWarmRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	var req cacheWarmRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	warmed := 0
	if len(req.Paths) == 0 {
		n, err := s.container.Cache.WarmPopular(r.Context(), s.container.Config.Storage.WarmupPopularMinimum)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		warmed = n
	}
	for _, path := range req.Paths {
		n, err := s.container.Cache.WarmDocument(r.Context(), path)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		warmed += n
	}
	s.respond(w, http.StatusOK, map[string]int{"items_warmed": warmed})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.container.Cache.Stats())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.container.Breakers.Stats())
}

func (s *Server) handleBreakersReset(w http.ResponseWriter, r *http.Request) {
	s.container.Breakers.ResetAll()
	s.logger.Info("circuit breakers reset")
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInterventionList(w http.ResponseWriter, r *http.Request) {
	status := types.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.container.Interventions.List(r.Context(), status, 100)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, tasks)
}

type resolveRequest struct {
	Steps []string `json:"steps,omitempty"`
	Note  string   `json:"note,omitempty"`
}

func (s *Server) handleInterventionResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.container.Interventions.Resolve(r.Context(), chi.URLParam(r, "id"), req.Steps); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleInterventionDismiss(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.container.Interventions.Dismiss(r.Context(), chi.URLParam(r, "id"), req.Note); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.container.Metrics(r.Context()))
}

type healthResponse struct {
	Status               string    `json:"status"`
	OpenBreakerRatio     float64   `json:"open_breaker_ratio"`
	PendingInterventions int64     `json:"pending_interventions"`
	CheckedAt            time.Time `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	openRatio := s.container.Breakers.OpenRatio()
	pending, err := s.container.Interventions.PendingDepth(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respond(w, http.StatusOK, healthResponse{
		Status:               healthStatus(openRatio, pending),
		OpenBreakerRatio:     openRatio,
		PendingInterventions: pending,
		CheckedAt:            time.Now().UTC(),
	})
}

// healthStatus derives overall health from the open-breaker ratio and the
// intervention queue depth.
func healthStatus(openRatio float64, pending int64) string {
	switch {
	case openRatio >= criticalOpenRatio || pending >= criticalQueue:
		return "critical"
	case openRatio > 0 || pending >= degradedQueue:
		return "degraded"
	case pending > 0:
		return "warning"
	default:
		return "healthy"
	}
}

// statusFor maps core error codes onto HTTP statuses.
func statusFor(err error) int {
	switch types.CodeOf(err) {
	case types.ErrorCodeFileAccess:
		return http.StatusNotFound
	case types.ErrorCodeUnsupportedKind:
		return http.StatusUnsupportedMediaType
	case types.ErrorCodeConversationArchived:
		return http.StatusConflict
	case types.ErrorCodeCircuitOpen:
		return http.StatusServiceUnavailable
	case types.ErrorCodeConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, dst interface{}) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encoding failed", "error", err.Error())
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}
