// Package httpapi exposes the orchestrators over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/admin"
	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/correlation"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/orchestrator"
	"pkt.systems/catalogd/internal/pipeline"
	"pkt.systems/catalogd/internal/status"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/svcfields"
)

const defaultMaxAdminBody = 64 << 10

var kindPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Config wires a Handler.
type Config struct {
	Requests       *orchestrator.Orchestrator
	Admin          *admin.Orchestrator
	Settings       *admin.Settings
	Leases         *lease.Manager
	Status         *status.Publisher
	Backend        storage.Backend
	Limiter        *RateLimiter
	Clock          clock.Clock
	Logger         pslog.Logger
	TracingEnabled bool
	MaxAdminBody   int64
}

// Handler serves the HTTP surface.
type Handler struct {
	requests     *orchestrator.Orchestrator
	admin        *admin.Orchestrator
	settings     *admin.Settings
	leases       *lease.Manager
	status       *status.Publisher
	backend      storage.Backend
	limiter      *RateLimiter
	clock        clock.Clock
	logger       pslog.Logger
	tracer       trace.Tracer
	tracing      bool
	maxAdminBody int64
}

// New builds a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBody := cfg.MaxAdminBody
	if maxBody <= 0 {
		maxBody = defaultMaxAdminBody
	}
	return &Handler{
		requests:     cfg.Requests,
		admin:        cfg.Admin,
		settings:     cfg.Settings,
		leases:       cfg.Leases,
		status:       cfg.Status,
		backend:      cfg.Backend,
		limiter:      cfg.Limiter,
		clock:        clock.Or(cfg.Clock),
		logger:       logger,
		tracer:       otel.Tracer("pkt.systems/catalogd/httpapi"),
		tracing:      cfg.TracingEnabled,
		maxAdminBody: maxBody,
	}
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /{$}", h.wrap("root", h.handleRoot))
	mux.Handle("GET /run-scrape", h.wrap("run", h.runKind(pipeline.KindScrape)))
	mux.Handle("GET /run-musts", h.wrap("run", h.runKind(pipeline.KindMusts)))
	mux.Handle("GET /run/{kind}", h.wrap("run", h.handleRun))
	mux.Handle("GET /status", h.wrap("status", h.handleStatus))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealthz))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReadyz))
	mux.Handle("POST /admin", h.wrap("admin", h.handleAdmin))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("api", "http", operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := correlation.Resolve(r.Header.Get(api.HeaderRequestID))
		ctx = correlation.WithID(ctx, reqID)
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "catalogd.api."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("catalogd.operation", operation),
					attribute.String("catalogd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(api.HeaderRequestID, reqID)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if h.tracing {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "catalogd.http."+operation)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := svcfields.FromContext(ctx, h.logger)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.failure", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) error {
	res := h.requests.Handle(r.Context(), pipeline.KindRoot)
	h.writeJSON(w, res.HTTPStatus, res.Body, nil)
	return nil
}

func (h *Handler) runKind(kind string) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		res := h.requests.Handle(r.Context(), kind)
		h.writeJSON(w, res.HTTPStatus, res.Body, nil)
		return nil
	}
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) error {
	kind := strings.ToLower(r.PathValue("kind"))
	if !kindPattern.MatchString(kind) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_kind", Detail: "kind must match " + kindPattern.String()}
	}
	return h.runKind(kind)(w, r)
}

func lockStatus(s lease.Status) api.LockStatus {
	return api.LockStatus{Active: s.Active, Owner: s.Owner, AcquiredAt: s.AcquiredAt, ExpiresAt: s.ExpiresAt}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	value, err := h.status.Compute(ctx)
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error()}
	}
	runStatus, err := h.leases.RunStatus(ctx)
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error()}
	}
	adminStatus, err := h.leases.AdminStatus(ctx)
	if err != nil {
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error()}
	}
	h.writeJSON(w, http.StatusOK, api.StatusResponse{
		Status:    value,
		UpdatedAt: h.clock.Now().UTC(),
		Run:       lockStatus(runStatus),
		Admin:     lockStatus(adminStatus),
	}, map[string]string{"Cache-Control": "no-cache"})
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
	return nil
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) error {
	if h.backend != nil {
		if err := h.backend.Ping(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error()}
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, nil)
	return nil
}

func (h *Handler) handleAdmin(w http.ResponseWriter, r *http.Request) error {
	if !h.limiter.Allow(clientAddress(r)) {
		return httpError{Status: http.StatusTooManyRequests, Code: "rate_limited", Detail: "too many admin requests", RetryAfter: 1}
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxAdminBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: err.Error()}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if err := admin.ValidateRequest(body); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: err.Error()}
	}
	var req api.AdminRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if authErr := admin.Authenticate(h.settings.AdminSecret(), r.Header.Get(api.HeaderAdminSecret)); authErr != nil {
		svcfields.FromContext(r.Context(), h.logger).Warn("admin.auth.failed", "code", authErr.Code)
		h.writeJSON(w, authErr.HTTPStatus, api.AdminResponse{
			Action:  req.Action,
			Status:  api.AdminStatusFailed,
			Message: authErr.Message,
		}, nil)
		return nil
	}
	token := strings.TrimSpace(r.Header.Get(api.HeaderAdminLockToken))
	if token == "" {
		token, _ = req.Payload["lock_token"].(string)
	}
	resp, code := h.admin.Handle(r.Context(), req.Action, req.Payload, token)
	h.writeJSON(w, code, resp, nil)
	return nil
}
