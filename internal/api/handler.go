/**
 * HTTP API for the OCR orchestrator
 *
 * Thin JSON layer over the orchestrator, the provider registry and the
 * ground-truth service. Authentication is terminated upstream; the caller's
 * identity arrives in the X-User-ID header and is carried into the audit
 * trail together with the client IP and user agent.
 */

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/ocr-orchestrator/internal/audit"
	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/groundtruth"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
	"github.com/adverant/nexus/ocr-orchestrator/internal/orchestrator"
	"github.com/adverant/nexus/ocr-orchestrator/internal/providers"
	"github.com/adverant/nexus/ocr-orchestrator/internal/registry"
)

const (
	// MaxBodySize bounds JSON request bodies
	MaxBodySize = 1 << 20
	Version     = "1.0.0"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies wires the API
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Scheduler    orchestrator.Scheduler
	Registry     *registry.Registry
	GroundTruth  *groundtruth.Service
	Audit        *audit.Recorder
	Providers    *providers.Set
	HealthChecks map[string]HealthCheck
	// Mode is reported by /health ("queue" or "inline")
	Mode string
}

// Handler serves the HTTP API
type Handler struct {
	deps      Dependencies
	logger    *logging.Logger
	startTime time.Time
}

// NewHandler creates a new API handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		deps:      deps,
		logger:    logging.NewLogger("API"),
		startTime: time.Now(),
	}
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	base := router.PathPrefix("/api/v1/ocr").Subrouter()

	// Jobs
	base.HandleFunc("/jobs", h.SubmitJobs).Methods("POST")
	base.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	base.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	base.HandleFunc("/jobs/{id}", h.DeleteJob).Methods("DELETE")
	base.HandleFunc("/jobs/{id}/pages", h.GetPages).Methods("GET")
	base.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	base.HandleFunc("/jobs/{id}/audit", h.GetAuditTrail).Methods("GET")
	base.HandleFunc("/jobs/{id}/corrections", h.ListCorrections).Methods("GET")

	// Routing
	base.HandleFunc("/recommend", h.Recommend).Methods("POST")

	// Provider administration
	base.HandleFunc("/providers", h.ListProviders).Methods("GET")
	base.HandleFunc("/providers/{name}", h.UpdateProvider).Methods("PATCH")
	base.HandleFunc("/providers/{name}/models", h.ListModels).Methods("GET")
	base.HandleFunc("/providers/{name}/default-model", h.SetDefaultModel).Methods("PUT")

	// Models
	base.HandleFunc("/models/train", h.TrainModel).Methods("POST")
	base.HandleFunc("/models/{id}/evaluate", h.EvaluateModel).Methods("POST")

	// Corrections
	base.HandleFunc("/corrections", h.SubmitCorrection).Methods("POST")
	base.HandleFunc("/corrections/{id}", h.GetCorrection).Methods("GET")
	base.HandleFunc("/corrections/{id}", h.UpdateCorrection).Methods("PATCH")
	base.HandleFunc("/corrections/{id}", h.DeleteCorrection).Methods("DELETE")
	base.HandleFunc("/corrections/{id}/validate", h.ValidateCorrection).Methods("POST")

	// Health check
	router.HandleFunc("/health", h.Health).Methods("GET")

	return h.loggingMiddleware(router)
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Timestamp    string            `json:"timestamp"`
	Uptime       string            `json:"uptime"`
	Mode         string            `json:"mode"`
	Providers    []string          `json:"providers"`
	Dependencies map[string]string `json:"dependencies"`
	AuditFailed  int64             `json:"auditWriteFailures"`
}

// Health reports dependency status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:       "healthy",
		Version:      Version,
		Timestamp:    time.Now().Format(time.RFC3339),
		Uptime:       time.Since(h.startTime).String(),
		Mode:         h.deps.Mode,
		Dependencies: map[string]string{},
	}
	if h.deps.Providers != nil {
		response.Providers = h.deps.Providers.Names()
	}
	if h.deps.Audit != nil {
		response.AuditFailed = h.deps.Audit.FailedWrites()
	}

	for name, check := range h.deps.HealthChecks {
		if err := check(ctx); err != nil {
			response.Dependencies[name] = err.Error()
			response.Status = "degraded"
			continue
		}
		response.Dependencies[name] = "ok"
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, response)
}

// Helper methods

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) sendError(w http.ResponseWriter, status int, message string, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("API error", "message", message, "status", status, "error", err)
	}

	response := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}
	if err != nil {
		response["details"] = err.Error()
		if code := ocrerrors.CodeOf(err); code != "" {
			response["code"] = code
		}
	}
	h.sendJSON(w, status, response)
}

// sendServiceError maps a service error onto an HTTP status. Errors without
// a code are request validation failures.
func (h *Handler) sendServiceError(w http.ResponseWriter, message string, err error) {
	h.sendError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch ocrerrors.CodeOf(err) {
	case "":
		return http.StatusBadRequest
	case ocrerrors.ErrorNotFound:
		return http.StatusNotFound
	case ocrerrors.ErrorInvalidTransition:
		return http.StatusConflict
	case ocrerrors.ErrorPolicyViolation:
		return http.StatusForbidden
	case ocrerrors.ErrorConfigurationMissing, ocrerrors.ErrorUnsupportedLanguage:
		return http.StatusUnprocessableEntity
	case ocrerrors.ErrorRateLimited:
		return http.StatusTooManyRequests
	case ocrerrors.ErrorNetworkTimeout:
		return http.StatusGatewayTimeout
	case ocrerrors.ErrorServerUnreachable, ocrerrors.ErrorProviderFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// clientInfo extracts the caller identity for the audit trail
func clientInfo(r *http.Request) orchestrator.ClientInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return orchestrator.ClientInfo{
		UserID:    r.Header.Get("X-User-ID"),
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}

// Middleware

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		h.logger.Info("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"durationMs", time.Since(start).Milliseconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
