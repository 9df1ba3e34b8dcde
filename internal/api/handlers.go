package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/LeventeLantos/sms-dispatch/internal/apperr"
	"github.com/LeventeLantos/sms-dispatch/internal/model"
	"github.com/LeventeLantos/sms-dispatch/internal/provider"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
	"github.com/LeventeLantos/sms-dispatch/internal/service"
)

const (
	TenantHeader = "X-Tenant-ID"

	maxRequestBody = 4 << 20
	maxWebhookBody = 64 << 10
)

// Engine is what the handlers need from the dispatch engine.
type Engine interface {
	Send(ctx context.Context, tenantID string, req service.SendRequest) (service.SendResult, error)
	SubmitBulk(ctx context.Context, tenantID string, req service.BulkRequest) (service.BulkResult, error)
	BulkJob(ctx context.Context, tenantID, id string) (model.BulkJob, error)
	CancelBulk(ctx context.Context, tenantID, id string) (model.BulkJob, error)
	JobStatus(ctx context.Context, tenantID, queueName, id string) (service.JobStatus, error)
	CancelJob(ctx context.Context, tenantID, queueName, id string) (service.JobStatus, error)
	Message(ctx context.Context, tenantID, id string) (model.Message, error)
	ListMessages(ctx context.Context, tenantID string, status model.Status, limit, offset int) ([]model.Message, error)
	Quota(ctx context.Context, tenantID string) (quota.Snapshot, error)
	Providers(ctx context.Context, tenantID string) (service.TenantProviders, error)
	Webhook(ctx context.Context, providerName string, payload provider.WebhookPayload) (service.WebhookResult, error)
}

var _ Engine = (*service.Engine)(nil)

// Runner is a background loop that can be toggled at runtime.
type Runner interface {
	Start() bool
	Stop() bool
	IsRunning() bool
}

type Handler struct {
	engine      Engine
	maintenance Runner
	logger      *slog.Logger
}

func NewHandler(e Engine, maintenance Runner) *Handler {
	return &Handler{
		engine:      e,
		maintenance: maintenance,
		logger:      slog.Default().With("component", "api"),
	}
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// withTenant rejects requests that do not name a tenant.
func withTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TenantHeader)
		if id == "" {
			writeError(w, &apperr.Error{Kind: apperr.KindTenantNotFound, Message: TenantHeader + " header is required"})
			return
		}
		next(w, r, id)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req service.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.engine.Send(r.Context(), tenantID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) SubmitBulk(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req service.BulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.engine.SubmitBulk(r.Context(), tenantID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) GetBulk(w http.ResponseWriter, r *http.Request, tenantID string) {
	b, err := h.engine.BulkJob(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) CancelBulk(w http.ResponseWriter, r *http.Request, tenantID string) {
	b, err := h.engine.CancelBulk(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	st, err := h.engine.JobStatus(r.Context(), tenantID, r.URL.Query().Get("queue"), r.PathValue("jobId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request, tenantID string) {
	st, err := h.engine.CancelJob(r.Context(), tenantID, r.URL.Query().Get("queue"), r.PathValue("jobId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request, tenantID string) {
	m, err := h.engine.Message(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request, tenantID string) {
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.engine.ListMessages(r.Context(), tenantID, model.Status(q.Get("status")), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) Quota(w http.ResponseWriter, r *http.Request, tenantID string) {
	snap, err := h.engine.Quota(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) Providers(w http.ResponseWriter, r *http.Request, tenantID string) {
	out, err := h.engine.Providers(r.Context(), tenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Webhook acknowledges every callback for a known provider, parseable or
// not, so the provider does not keep retrying.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("webhook body unreadable", "provider", name, "error", err)
	}
	payload := provider.WebhookPayload{Header: r.Header.Clone(), Body: body}
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/x-www-form-urlencoded" {
		if form, err := url.ParseQuery(string(body)); err == nil {
			payload.Form = form
		}
	}

	res, err := h.engine.Webhook(r.Context(), name, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "applied": res.Applied})
}

func (h *Handler) MaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.maintenance.IsRunning()})
}

func (h *Handler) MaintenanceStart(w http.ResponseWriter, r *http.Request) {
	h.maintenance.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.maintenance.IsRunning()})
}

func (h *Handler) MaintenanceStop(w http.ResponseWriter, r *http.Request) {
	h.maintenance.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.maintenance.IsRunning()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, apperr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// RetryAfter is in seconds.
	RetryAfter int            `json:"retryAfter,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := apperr.As(err); !ok {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "INTERNAL"})
		return
	}

	body := errorBody{Error: ae.Message, Code: string(ae.Kind), Details: ae.Details}
	if ae.RetryAfter > 0 {
		body.RetryAfter = int(math.Ceil(ae.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, ae.HTTPStatus(), body)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
