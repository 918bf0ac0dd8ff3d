package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"payment-switch/internal/logging"
	"payment-switch/internal/models"
	"payment-switch/internal/payments"
	"payment-switch/internal/queue"
	"payment-switch/internal/ratelimit"
	"payment-switch/internal/telemetry"
)

// Payments is the orchestrator surface the HTTP adapter drives.
type Payments interface {
	ProcessPayment(ctx context.Context, req payments.PaymentRequest, rc models.RequestContext) (payments.Result, error)
	ProcessOfflinePayment(ctx context.Context, operation string, req payments.OfflineRequest, rc models.RequestContext) (payments.Result, error)
	ProcessRefund(ctx context.Context, txnID string, req payments.RefundRequest, rc models.RequestContext) (payments.Result, error)
	GetTransactionStatus(ctx context.Context, txnID string) (payments.StatusResult, error)
}

type Queue interface {
	GetStatus() models.QueueStatus
	GetJob(id string) (models.Job, bool)
	CancelJob(id string) bool
}

type DeadLetters interface {
	Peek(ctx context.Context, count int64) ([]queue.DeadLetterEntry, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the payment switch.
type Server struct {
	payments    Payments
	queue       Queue
	deadLetters DeadLetters
	limiter     Limiter
	logger      *zap.Logger
}

// New constructs the API server. deadLetters and limiter may be nil.
func New(p Payments, q Queue, deadLetters DeadLetters, limiter Limiter, logger *zap.Logger) *Server {
	return &Server{
		payments:    p,
		queue:       q,
		deadLetters: deadLetters,
		limiter:     limiter,
		logger:      logging.Resolve(logger).With(zap.String("module", "api")),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/payments", s.handlePayment)
			r.Post("/payments/offline/{operation}", s.handleOffline)
			r.Post("/transactions/{txnId}/refund", s.handleRefund)
		})
		r.Get("/transactions/{txnId}", s.handleStatus)

		r.Get("/queue", s.handleQueueStatus)
		r.Get("/queue/jobs/{id}", s.handleGetJob)
		r.Post("/queue/jobs/{id}/cancel", s.handleCancel)
		r.Get("/queue/dead-letters", s.handleDeadLetters)
	})
	return r
}

// processingOptions are the per-request switches accepted next to every request body.
type processingOptions struct {
	Synchronous     bool             `json:"synchronous"`
	SkipRiskCheck   bool             `json:"skipRiskCheck"`
	ForceConversion bool             `json:"forceConversion"`
	AllowFXFailure  bool             `json:"allowFXFailure"`
	TargetCurrency  string           `json:"targetCurrency"`
	UserLocation    *models.Location `json:"userLocation"`
}

type paymentBody struct {
	payments.PaymentRequest
	processingOptions
}

type offlineBody struct {
	payments.OfflineRequest
	processingOptions
}

type refundBody struct {
	payments.RefundRequest
	processingOptions
}

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var body paymentBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.payments.ProcessPayment(r.Context(), body.PaymentRequest, requestContext(r, body.processingOptions))
	s.respond(w, r, "payment", res, err)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	var body offlineBody
	if !decode(w, r, &body) {
		return
	}
	operation := chi.URLParam(r, "operation")
	res, err := s.payments.ProcessOfflinePayment(r.Context(), operation, body.OfflineRequest, requestContext(r, body.processingOptions))
	s.respond(w, r, "offline_payment", res, err)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var body refundBody
	if !decode(w, r, &body) {
		return
	}
	if body.Reason == "" {
		writeError(w, r, http.StatusBadRequest, "refund reason is required")
		return
	}
	txnID := chi.URLParam(r, "txnId")
	res, err := s.payments.ProcessRefund(r.Context(), txnID, body.RefundRequest, requestContext(r, body.processingOptions))
	s.respond(w, r, "refund", res, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnId")
	res, err := s.payments.GetTransactionStatus(r.Context(), txnID)
	if err != nil {
		s.fail(w, r, "status", err)
		return
	}
	if res.NotFound {
		writeError(w, r, http.StatusNotFound, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res, Timestamp: timestamp(), RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetStatus())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.GetJob(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.queue.GetJob(id); !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if !s.queue.CancelJob(id) {
		http.Error(w, "job is running or already finished", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDeadLetters returns the most recent dead-lettered jobs.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []queue.DeadLetterEntry{}})
		return
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.deadLetters.Peek(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read dead letters", zap.String("event", "dlq_read_error"), zap.Error(err))
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// rateLimit applies a token bucket per client before any transaction is created.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.limiter.Allow(r.Context(), "client:"+clientFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.String("event", "rate_limit_error"), zap.Error(err))
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(decision.Remaining)))
		if !decision.Allowed {
			telemetry.RateLimitHits.Inc()
			secs := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, r, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, action string, res payments.Result, err error) {
	if err != nil {
		s.fail(w, r, action, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res, Timestamp: timestamp(), RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("event", "request_failed"),
			zap.String("action", action),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, r, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payments.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payments.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, payments.ErrRefundNotAllowed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func requestContext(r *http.Request, opts processingOptions) models.RequestContext {
	return models.RequestContext{
		Synchronous:     opts.Synchronous,
		Source:          "api",
		UserAgent:       r.UserAgent(),
		IPAddress:       remoteIP(r),
		SkipRiskCheck:   opts.SkipRiskCheck,
		ForceConversion: opts.ForceConversion,
		AllowFXFailure:  opts.AllowFXFailure,
		TargetCurrency:  opts.TargetCurrency,
		UserLocation:    opts.UserLocation,
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Error: msg, Timestamp: timestamp(), RequestID: middleware.GetReqID(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
