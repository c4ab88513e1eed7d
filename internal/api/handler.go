package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adityanageshsir/dispatchd/internal/domain"
	"github.com/adityanageshsir/dispatchd/internal/registry"
	"github.com/adityanageshsir/dispatchd/internal/repository"
)

// testProbeClient is the narrow surface handler.Test needs from an HTTP
// client; satisfied by *http.Client.
type testProbeClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handler is the Admin API (C4.6): tenant-isolated CRUD over
// subscriptions plus read-only delivery history, grounded on the
// reference implementation's internal/api/handler.go but rebuilt
// against the Subscription Registry and the Outbox instead of an
// EventRepository.
type Handler struct {
	registry   *registry.Registry
	outboxRepo repository.OutboxRepository
	httpClient testProbeClient
	logger     *slog.Logger
}

func NewHandler(reg *registry.Registry, outboxRepo repository.OutboxRepository, httpClient testProbeClient, logger *slog.Logger) *Handler {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: reg, outboxRepo: outboxRepo, httpClient: httpClient, logger: logger}
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// writeDomainError maps the three domain error kinds to their HTTP
// status, collapsing Forbidden into the same 404 body as NotFound so a
// caller cannot distinguish "doesn't exist" from "not yours" (Testable
// Property 8).
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	var nferr *domain.NotFoundError
	var ferr *domain.ForbiddenError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &nferr):
		respondError(w, http.StatusNotFound, "subscription not found")
	case errors.As(err, &ferr):
		respondError(w, http.StatusNotFound, "subscription not found")
	default:
		h.logger.Error("admin api request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type createWebhookRequest struct {
	URL             string   `json:"url"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Events          []string `json:"events"`
	MaxAttempts     int      `json:"max_attempts,omitempty"`
	BackoffBaseMS   int      `json:"backoff_base_ms,omitempty"`
	MaxPayloadBytes int      `json:"max_payload_bytes,omitempty"`
	NotifyOnFailure *bool    `json:"notify_on_failure,omitempty"`
}

func (req createWebhookRequest) toSpec() domain.SubscriptionSpec {
	return domain.SubscriptionSpec{
		URL:             req.URL,
		Name:            req.Name,
		Description:     req.Description,
		EventMask:       req.Events,
		MaxAttempts:     req.MaxAttempts,
		BackoffBaseMS:   req.BackoffBaseMS,
		MaxPayloadBytes: req.MaxPayloadBytes,
		NotifyOnFailure: req.NotifyOnFailure,
	}
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := h.registry.Create(r.Context(), tenantFromContext(r.Context()), req.toSpec())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := atoiOr(q.Get("limit"), 20)
	offset := atoiOr(q.Get("offset"), 0)
	var active *bool
	if v := q.Get("active"); v != "" {
		b := v == "true" || v == "1"
		active = &b
	}
	subs, err := h.registry.List(r.Context(), tenantFromContext(r.Context()), active, limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, subs)
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.registry.Get(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := h.registry.Update(r.Context(), tenantFromContext(r.Context()), id, req.toSpec())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Delete(r.Context(), tenantFromContext(r.Context()), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.registry.RotateSecret(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

type testProbeResult struct {
	OK         bool   `json:"ok"`
	HTTPCode   int    `json:"http_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// Test builds a synthetic "webhook.test" payload, signs it with the
// subscription's current secret, and POSTs it synchronously — no
// Outbox row is created, so a failed probe never counts against the
// subscription's retry budget or stats.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.registry.Get(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	body, _ := json.Marshal(map[string]any{
		"event": "webhook.test",
		"data":  map[string]string{"message": "this is a test delivery"},
	})
	signature := signBody(body, sub.Secret)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		respondJSON(w, http.StatusOK, testProbeResult{OK: false, Error: err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", "webhook.test")
	req.Header.Set("X-Webhook-Delivery", "test")

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		respondJSON(w, http.StatusOK, testProbeResult{OK: false, LatencyMs: latency, Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 400
	respondJSON(w, http.StatusOK, testProbeResult{OK: ok, HTTPCode: resp.StatusCode, LatencyMs: latency})
}

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), tenantFromContext(r.Context()), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	filter := repository.AttemptFilter{
		Status:    domain.AttemptStatus(q.Get("status")),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Start = &t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.End = &t
		}
	}
	limit := atoiOr(q.Get("limit"), 20)
	offset := atoiOr(q.Get("offset"), 0)

	attempts, err := h.outboxRepo.ListForSubscription(r.Context(), id, filter, limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.registry.Get(r.Context(), tenantFromContext(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	summary, err := h.outboxRepo.Stats(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"subscription_stats": sub.Stats,
		"outbox_summary":     summary,
	})
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
