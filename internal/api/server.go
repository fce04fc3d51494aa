// Package api provides the HTTP server for the gamification engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoryapp/gamify/internal/app/engagement"
	"github.com/memoryapp/gamify/internal/domain"
	"github.com/memoryapp/gamify/internal/health"
	"github.com/memoryapp/gamify/internal/infra/metrics"
	"github.com/memoryapp/gamify/internal/log"
)

// Server is the HTTP API over one engine.
type Server struct {
	engine         *engagement.Engine
	checker        *health.Checker
	metricsEnabled bool
	timeout        time.Duration
	now            func() time.Time
}

// NewServer creates a new API server.
func NewServer(e *engagement.Engine) *Server {
	return &Server{
		engine:  e,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetChecker reports the checker's results on /health.
func (s *Server) SetChecker(c *health.Checker) { s.checker = c }

// SetClock overrides the time source handed to the engine.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// SetTimeout bounds each request. Non-positive values are ignored.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(corsMiddleware)
	r.Use(latencyMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rules", s.handleRules)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/profile", s.handleEnroll)
			r.Get("/profile", s.handleProfile)
			r.Post("/checkin", s.handleCheckIn)
			r.Post("/freeze", s.handleFreeze)
			r.Post("/spin", s.handleSpin)
			r.Get("/rewards", s.handleRewards)
			r.Get("/quests", s.handleListQuests)
			r.Post("/quests/daily", s.handleGenerate(domain.QuestDaily))
			r.Post("/quests/weekly", s.handleGenerate(domain.QuestWeekly))
			r.Post("/quests/{questID}/progress", s.handleProgress)
			r.Post("/quests/{questID}/claim", s.handleClaim)
			r.Post("/actions", s.handleAction)
			r.Get("/alerts", s.handleAlerts)
		})

		r.Post("/admin/users/{userID}/adjust", s.handleAdjust)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.checker.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.checker.Statuses(),
	})
}

// latencyMiddleware records request duration by route pattern.
func latencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPLatency.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errorType(status),
		},
	})
}

func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "contention"
	default:
		return "error"
	}
}

// writeEngineError maps engine errors onto status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
			"err":        err,
		}).Error("[api] request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
