// internal/api/http/instance_handler.go
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/metrics"
	"batch-dispatch/internal/security"
	"batch-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Identity headers set by the authenticating proxy in front of the API.
const (
	HeaderUser   = "X-Batch-User"
	HeaderGroups = "X-Batch-Groups"
)

// InstanceHandler 负责处理作业提交与查询的 HTTP 请求。
type InstanceHandler struct {
	service  *usecase.SubmissionService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewInstanceHandler 创建一个新的 InstanceHandler，并初始化 validator。
func NewInstanceHandler(service *usecase.SubmissionService, logger *slog.Logger) *InstanceHandler {
	validate := validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return &InstanceHandler{
		service:  service,
		logger:   logger.With("component", "instance-handler"),
		validate: validate,
		tracer:   otel.Tracer("batch-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the instance and execution routes on mux.
func (h *InstanceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /instances", h.instrument("/instances", h.handleSubmit))
	mux.Handle("POST /instances/{id}/restart", h.instrument("/instances/{id}/restart", h.handleRestart))
	mux.Handle("GET /instances/{id}", h.instrument("/instances/{id}", h.handleGetInstance))
	mux.Handle("GET /executions/{id}", h.instrument("/executions/{id}", h.handleGetExecution))
}

func (h *InstanceHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// identity reads the submitter from the identity headers.
func identity(r *http.Request) (security.Identity, bool) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		return security.Identity{}, false
	}
	id := security.Identity{Subject: user}
	for _, g := range strings.Split(r.Header.Get(HeaderGroups), ",") {
		if g = strings.TrimSpace(g); g != "" {
			id.Groups = append(id.Groups, g)
		}
	}
	return id, true
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id >= 0
}

// handleSubmit handles POST /instances.
func (h *InstanceHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Submit")
	defer span.End()

	id, ok := identity(r)
	if !ok {
		http.Error(w, "missing "+HeaderUser+" header", http.StatusUnauthorized)
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.valid(w, span, &req) {
		return
	}

	inst, exec, err := h.service.Submit(ctx, req.ToSubmission(), id)
	if err != nil {
		h.fail(w, span, "error submitting job", err)
		return
	}
	span.SetAttributes(attribute.Int64("job.instance_id", inst.ID))
	writeJSON(w, http.StatusCreated, SubmitJobResponse{Instance: inst, Execution: exec})
}

// handleRestart handles POST /instances/{id}/restart.
func (h *InstanceHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Restart")
	defer span.End()

	id, ok := identity(r)
	if !ok {
		http.Error(w, "missing "+HeaderUser+" header", http.StatusUnauthorized)
		return
	}
	instanceID, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("job.instance_id", instanceID))

	var req RestartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.valid(w, span, &req) {
		return
	}

	inst, exec, err := h.service.Restart(ctx, instanceID, toParameters(req.Parameters), id)
	if err != nil {
		h.fail(w, span, "error restarting job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitJobResponse{Instance: inst, Execution: exec})
}

func (h *InstanceHandler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}
	inst, err := h.service.GetInstance(r.Context(), instanceID)
	if err != nil {
		h.fail(w, trace.SpanFromContext(r.Context()), "error getting job instance", err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *InstanceHandler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}
	exec, err := h.service.GetExecution(r.Context(), executionID)
	if err != nil {
		h.fail(w, trace.SpanFromContext(r.Context()), "error getting job execution", err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *InstanceHandler) valid(w http.ResponseWriter, span trace.Span, req any) bool {
	err := h.validate.Struct(req)
	if err == nil {
		return true
	}
	span.SetStatus(codes.Error, "Validation failed")
	span.RecordError(err)
	var details []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details = append(details, "Field '"+fe.Namespace()+"' failed on the '"+fe.Tag()+"' tag.")
		}
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Validation failed",
		"details": details,
	})
	return false
}

// fail maps a domain error to an HTTP status.
func (h *InstanceHandler) fail(w http.ResponseWriter, span trace.Span, msg string, err error) {
	span.RecordError(err)
	status := http.StatusInternalServerError
	switch {
	case domain.IsKind(err, domain.KindInvalidParameters):
		status = http.StatusBadRequest
	case domain.IsKind(err, domain.KindSecurity):
		status = http.StatusUnauthorized
	case domain.IsKind(err, domain.KindNoSuchJobInstance), domain.IsKind(err, domain.KindNoSuchJobExecution):
		status = http.StatusNotFound
	case domain.IsKind(err, domain.KindIllegalStatusTransition):
		status = http.StatusConflict
	}
	if status >= 500 {
		span.SetStatus(codes.Error, msg)
		h.logger.Error(msg, "error", err)
		http.Error(w, "Internal server error", status)
		return
	}
	h.logger.Warn(msg, "error", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
