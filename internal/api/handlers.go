package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"key.share/config"
	"key.share/internal/service"
)

// ShareService is the lifecycle surface the handlers drive.
type ShareService interface {
	Create(ctx context.Context, secret []byte, ttl time.Duration, source string) (string, time.Time, error)
	Retrieve(ctx context.Context, code, source string) ([]byte, error)
	Revoke(ctx context.Context, code, source string) error
	Ping(ctx context.Context) error
}

type Handler struct {
	service ShareService
	config  *config.Config
	log     *zap.Logger
	ready   *atomic.Bool
}

func NewHandler(svc ShareService, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		service: svc,
		config:  cfg,
		log:     log,
		ready:   atomic.NewBool(true),
	}
}

// SetReady flips the readiness probe. The server clears it before draining.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type CreateRequest struct {
	Secret     string `json:"secret"`
	TTLMinutes int    `json:"ttlMinutes,omitempty"`
}

type CreateResponse struct {
	ShareCode string    `json:"shareCode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CodeRequest struct {
	ShareCode string `json:"shareCode"`
}

type RetrieveResponse struct {
	Secret string `json:"secret"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		h.json(w, http.StatusServiceUnavailable, StatusResponse{Status: "unavailable"})
		return
	}
	h.json(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, StatusResponse{Status: "alive"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		h.json(w, http.StatusServiceUnavailable, StatusResponse{Status: "not ready"})
		return
	}
	if err := h.service.Ping(r.Context()); err != nil {
		h.json(w, http.StatusServiceUnavailable, StatusResponse{Status: "store unavailable"})
		return
	}
	h.json(w, http.StatusOK, StatusResponse{Status: "ready"})
}

func (h *Handler) CreateShare(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Secret == "" {
		h.error(w, http.StatusBadRequest, "secret is required")
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	code, expiresAt, err := h.service.Create(r.Context(), []byte(req.Secret), ttl, source(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.json(w, http.StatusCreated, CreateResponse{
		ShareCode: code,
		ExpiresAt: expiresAt,
	})
}

func (h *Handler) RetrieveShare(w http.ResponseWriter, r *http.Request) {
	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}

	secret, err := h.service.Retrieve(r.Context(), code, source(r))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, RetrieveResponse{Secret: string(secret)})
}

func (h *Handler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	code, ok := h.decodeCode(w, r)
	if !ok {
		return
	}

	if err := h.service.Revoke(r.Context(), code, source(r)); err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.json(w, http.StatusOK, StatusResponse{Status: "revoked"})
}

func (h *Handler) decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}

	if req.ShareCode == "" {
		h.error(w, http.StatusBadRequest, "shareCode is required")
		return "", false
	}

	return req.ShareCode, true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEmptySecret):
		h.error(w, http.StatusBadRequest, "secret is required")
	case errors.Is(err, service.ErrSecretTooLarge):
		h.error(w, http.StatusBadRequest, "secret is too large")
	case errors.Is(err, service.ErrInvalidTTL):
		h.error(w, http.StatusBadRequest, "ttlMinutes is out of range")
	case errors.Is(err, service.ErrInvalidInput):
		h.error(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, service.ErrNotFound):
		h.error(w, http.StatusNotFound, "share not found")
	case errors.Is(err, service.ErrLocked):
		h.error(w, http.StatusLocked, "share is locked")
	case errors.Is(err, service.ErrThrottled):
		w.Header().Set("Retry-After", retryAfter(h.config.RateLimit.Window))
		h.error(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, service.ErrUnavailable), errors.Is(err, service.ErrExhaustedRetries):
		w.Header().Set("Retry-After", "1")
		h.error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		h.log.Error("unexpected service error", zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

// source identifies the caller for throttling and audit. RealIP has already
// replaced RemoteAddr when a proxy header is present.
func source(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
