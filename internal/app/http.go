package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"feedbackhub/api/internal/auth"
	"feedbackhub/api/internal/config"
	"feedbackhub/api/internal/ratelimit"
)

// Rate limit policy names. They prefix the client key so every endpoint keeps
// its own budget.
const (
	policyUpdateStatus = "update_status"
	policyUpdateTags   = "update_tags"
	policyUpvote       = "upvote"
	policyCreateTag    = "create_tag"
	policyCreateType   = "create_type"
	policyReadAudit    = "read_audit"
)

type HTTPServer struct {
	service    *Service
	limiter    ratelimit.Limiter
	limits     config.RateLimits
	corsOrigin string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, limiter ratelimit.Limiter, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	limits := service.cfg.RateLimits
	if limits == (config.RateLimits{}) {
		limits = config.DefaultRateLimits()
	}
	corsOrigin := service.cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	return &HTTPServer{
		service:    service,
		limiter:    limiter,
		limits:     limits,
		corsOrigin: corsOrigin,
		timeout:    service.cfg.RequestTimeout,
		logger:     logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/posts/{postId}", func(r chi.Router) {
		r.With(s.rateLimit(policyUpdateStatus, s.limits.UpdateStatus), s.requireIdentity).Patch("/status", s.handleUpdateStatus)
		r.With(s.rateLimit(policyUpdateTags, s.limits.UpdateTags), s.requireIdentity).Patch("/tags", s.handleUpdateTags)
		r.With(s.rateLimit(policyUpvote, s.limits.Upvote), s.requireIdentity).Post("/upvote", s.handleToggleUpvote)
	})
	r.With(s.rateLimit(policyCreateTag, s.limits.CreateTag), s.requireIdentity).Post("/tags", s.handleCreateTag)
	r.With(s.rateLimit(policyCreateType, s.limits.CreateType), s.requireIdentity).Post("/types", s.handleCreateType)
	r.With(s.rateLimit(policyReadAudit, s.limits.ReadAudit), s.requireIdentity).Get("/companies/{companyId}/audit-log", s.handleAuditLog)

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body UpdateStatusInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, errInvalidBody)
		return
	}
	payload, err := s.service.UpdatePostStatus(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "postId"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	var body UpdateTagsInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, errInvalidBody)
		return
	}
	payload, err := s.service.UpdatePostTags(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "postId"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleToggleUpvote(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ToggleUpvote(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "postId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var body CreateTagInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, errInvalidBody)
		return
	}
	payload, err := s.service.CreateTag(r.Context(), identityFrom(r.Context()), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleCreateType(w http.ResponseWriter, r *http.Request) {
	var body CreateTypeInput
	if err := decodeBody(r, &body); err != nil {
		s.writeServiceError(w, r, errInvalidBody)
		return
	}
	payload, err := s.service.CreateType(r.Context(), identityFrom(r.Context()), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	filters := AuditLogFilterInput{Action: r.URL.Query().Get("action")}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeServiceError(w, r, validationError("limit must be a positive integer"))
			return
		}
		filters.Limit = limit
	}
	payload, err := s.service.AuditLog(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "companyId"), filters)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// rateLimit runs before authentication. A limiter outage lets the request
// through and is logged.
func (s *HTTPServer) rateLimit(policy string, limit config.Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := ratelimit.ClientKey(r)
			result, err := s.limiter.Check(r.Context(), policy+":"+clientKey, limit.Requests, limit.Window)
			if err != nil {
				s.logger.Error("rate limit check failed, allowing request",
					zap.String("policy", policy),
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			header.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				header.Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.ResetAt)))
				s.logger.Warn("rate limited",
					zap.String("policy", policy),
					zap.String("client_key", clientKey),
					zap.String("request_id", requestIDFrom(r.Context())),
				)
				s.writeServiceError(w, r, errRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(resetAt time.Time) int {
	seconds := int(math.Ceil(time.Until(resetAt).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.service.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityKey{}).(auth.Identity)
	return identity
}

func requestIDFrom(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("panic while serving request",
					zap.String("request_id", requestID),
					zap.Any("panic", recovered),
				)
				if !writer.wroteHeader {
					writeError(writer, http.StatusInternalServerError, errInternal.Code, errInternal.Message, nil)
				}
			}
			s.logger.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", writer.status),
				zap.Int64("duration_ms", time.Since(started).Milliseconds()),
			)
		}()

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

type identityKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeServiceError never exposes internal error text. The service has already
// logged internal failures with their identifiers; this adds the request id.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("invalid JSON body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
		return errUnauthorized.Status, errUnauthorized.Code, errUnauthorized.Message, nil
	}
	return errInternal.Status, errInternal.Code, errInternal.Message, nil
}
