package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/fsm"
	"github.com/footron/build-manager/pkg/metrics"
)

// WebhookPath is where GitHub delivers events.
const WebhookPath = "/build/webhook"

const (
	// GitHub caps webhook payloads at 25 MB.
	maxBodySize = 25 << 20

	deliveryWindow = time.Hour
)

// Starter runs a deployment job in the background.
type Starter interface {
	Start(ctx context.Context, job *fsm.Job)
}

// Handler is the webhook listener. It verifies signatures, drops
// redelivered events and hands matched jobs to a Starter.
type Handler struct {
	dispatcher *Dispatcher
	starter    Starter
	secret     []byte
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewHandler creates a Handler. An empty secret makes every delivery fail
// with 500, so a misconfigured listener never accepts unsigned events.
func NewHandler(dispatcher *Dispatcher, starter Starter, secret string, m *metrics.Metrics) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		starter:    starter,
		secret:     []byte(secret),
		metrics:    m,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
}

// Routes returns the listener's mux: the webhook, /healthz and /metrics.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+WebhookPath, h)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}

// ServeHTTP handles one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	if len(h.secret) == 0 {
		slog.Error("webhook_secret_missing")
		h.fail(w, eventType, http.StatusInternalServerError, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		slog.Error("webhook_read_failed", "error", err)
		h.fail(w, eventType, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxBodySize {
		h.fail(w, eventType, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := VerifySignature(h.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		slog.Warn("webhook_unauthorized", "error", err, "remote_addr", r.RemoteAddr)
		h.fail(w, eventType, http.StatusUnauthorized, "unauthorized")
		return
	}

	if deliveryID != "" && !h.claim(deliveryID) {
		slog.Info("webhook_duplicate", "delivery_id", deliveryID, "event", eventType)
		h.metrics.ObserveEvent(eventType, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	slog.Info("webhook_received", "event", eventType, "delivery_id", deliveryID)

	result, err := h.dispatcher.Handle(r.Context(), eventType, body)
	if err != nil {
		slog.Error("webhook_dispatch_failed", "event", eventType, "delivery_id", deliveryID, "error", err)
		code := http.StatusInternalServerError
		if result.Disposition == Rejected || stderrors.Is(err, errors.ErrUnknownEventKind) {
			code = http.StatusBadRequest
		}
		h.release(deliveryID)
		h.fail(w, eventType, code, err.Error())
		return
	}

	if result.Job != nil {
		h.starter.Start(r.Context(), result.Job)
	}
	h.metrics.ObserveEvent(eventType, result.Disposition)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, eventType string, code int, message string) {
	h.metrics.ObserveEvent(eventType, fmt.Sprintf("error_%d", code))
	writeJSON(w, code, map[string]string{"status": "error", "error": message})
}

// claim records deliveryID and reports whether it is new, that is not
// claimed within the window before.
func (h *Handler) claim(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, at := range h.deliveries {
		if now.Sub(at) > deliveryWindow {
			delete(h.deliveries, id)
		}
	}

	if _, ok := h.deliveries[deliveryID]; ok {
		return false
	}
	h.deliveries[deliveryID] = now
	return true
}

// release forgets a claimed delivery whose dispatch failed, so GitHub's
// redelivery of it is processed.
func (h *Handler) release(deliveryID string) {
	if deliveryID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deliveries, deliveryID)
}

// VerifySignature checks a "sha256=<hex>" X-Hub-Signature-256 value.
func VerifySignature(secret, body []byte, signature string) error {
	if signature == "" {
		return stderrors.New("signature is empty")
	}
	digest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return stderrors.New("signature lacks sha256= prefix")
	}
	sum, err := hex.DecodeString(digest)
	if err != nil {
		return errors.Wrap(err, "invalid hex signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sum) {
		return stderrors.New("signature mismatch")
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response_write_failed", "error", err)
	}
}
