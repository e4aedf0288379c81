package redelivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// StatsSource reports policy counters; *Policy implements it.
type StatsSource interface {
	Stats() PolicyStats
}

// Handler provides HTTP endpoints for inspecting attempt records, policy
// counters and dead letters.
type Handler struct {
	attempts AttemptStore
	locker   KeyLocker
	dlq      DeadLetterStore
	replay   Processor
	policies []StatsSource
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPolicyStats adds policies whose counters /policies/stats reports.
func WithPolicyStats(policies ...StatsSource) HandlerOption {
	return func(h *Handler) {
		h.policies = append(h.policies, policies...)
	}
}

// WithAttemptLocker makes attempt resets take the per-key lock, so a reset
// never interleaves with a delivery of the same key.
func WithAttemptLocker(l KeyLocker) HandlerOption {
	return func(h *Handler) {
		h.locker = l
	}
}

// WithHandlerLogger sets the logger. Defaults to slog.Default().
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = loggerOrDefault(l)
	}
}

// NewHandler creates an admin HTTP handler. Retried dead letters are rebuilt
// with ReplayMessage and handed to replay, usually a Policy wrapping a
// Republisher. dlq and replay may be nil, in which case the endpoints that
// need them report that they are not configured.
func NewHandler(attempts AttemptStore, dlq DeadLetterStore, replay Processor, opts ...HandlerOption) *Handler {
	h := &Handler{attempts: attempts, dlq: dlq, replay: replay, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a chi.Router with all admin endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/policies/stats", h.handlePolicyStats)

	r.Route("/attempts", func(r chi.Router) {
		r.Delete("/", h.handleClearAttempts)
		r.Get("/{key}", h.handleGetAttempt)
		r.Delete("/{key}", h.handleResetAttempt)
	})

	r.Route("/dead-letters", func(r chi.Router) {
		r.Use(h.requireDeadLetters)
		r.Get("/", h.handleList)
		r.Get("/stats", h.handleStats)
		r.Get("/{dlqID}", h.handleGet)
		r.Post("/{dlqID}/retry", h.handleRetry)
		r.Post("/{dlqID}/discard", h.handleDiscard)
		r.Post("/retry-all", h.handleRetryAll)
	})
	return r
}

func (h *Handler) requireDeadLetters(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.dlq == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "dead-letter store not configured"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handlePolicyStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]PolicyStats, 0, len(h.policies))
	for _, p := range h.policies {
		stats = append(stats, p.Stats())
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	a, err := h.attempts.Get(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "attempt record not found"})
		return
	}
	if err != nil {
		h.logger.Error("get attempt failed", "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "count": a.Count})
}

func (h *Handler) handleResetAttempt(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	reset := func(ctx context.Context) error {
		return h.attempts.Delete(ctx, key)
	}

	var err error
	if h.locker != nil {
		err = h.locker.WithLock(r.Context(), key, reset)
	} else {
		err = reset(r.Context())
	}
	if errors.Is(err, ErrLockAcquisition) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "attempt record is locked"})
		return
	}
	if err != nil {
		h.logger.Error("reset attempt failed", "key", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "key": key})
}

func (h *Handler) handleClearAttempts(w http.ResponseWriter, r *http.Request) {
	if err := h.attempts.Clear(r.Context()); err != nil {
		h.logger.Error("clear attempts failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := ListOpts{}

	if v := r.URL.Query().Get("recovered"); v != "" {
		b := v == "true"
		opts.Recovered = &b
	}
	if v := r.URL.Query().Get("reason"); v != "" {
		opts.Reason = v
	}
	if v := r.URL.Query().Get("policy"); v != "" {
		opts.Policy = v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	entries, err := h.dlq.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list dead letters failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []DeadLetter{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "dlqID")
	entry, err := h.dlq.Get(r.Context(), dlqID)
	if err != nil {
		h.writeDeadLetterError(w, dlqID, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "dlqID")

	entry, err := h.dlq.Get(r.Context(), dlqID)
	if err != nil {
		h.writeDeadLetterError(w, dlqID, err)
		return
	}

	if entry.Recovered {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already recovered"})
		return
	}

	if h.replay == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "replay not configured"})
		return
	}

	if err := h.replayEntry(r.Context(), entry); err != nil {
		h.logger.Error("failed to replay dead letter", "dlq_id", dlqID, "error", err)
		if errors.Is(err, ErrRedeliveryExhausted) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "replay budget exhausted"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to replay"})
		return
	}

	if err := h.dlq.MarkRecovered(r.Context(), dlqID, "api-retry"); err != nil {
		h.logger.Error("failed to mark recovered", "dlq_id", dlqID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "retried", "dlq_id": dlqID})
}

func (h *Handler) handleDiscard(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "dlqID")

	if err := h.dlq.MarkRecovered(r.Context(), dlqID, "manual-discard"); err != nil {
		h.writeDeadLetterError(w, dlqID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded", "dlq_id": dlqID})
}

func (h *Handler) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	if h.replay == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "replay not configured"})
		return
	}

	policy := r.URL.Query().Get("policy")
	entries, err := h.dlq.ListRecoverable(r.Context(), policy)
	if err != nil {
		h.logger.Error("list recoverable failed", "policy", policy, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	retried := 0
	failed := 0
	for i := range entries {
		entry := &entries[i]
		if err := h.replayEntry(r.Context(), entry); err != nil {
			h.logger.Error("retry-all: failed to replay", "dlq_id", entry.DLQID, "error", err)
			failed++
			continue
		}
		if err := h.dlq.MarkRecovered(r.Context(), entry.DLQID, "api-retry-all"); err != nil {
			h.logger.Error("retry-all: failed to mark recovered", "dlq_id", entry.DLQID, "error", err)
		}
		retried++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"retried": retried,
		"failed":  failed,
		"total":   len(entries),
	})
}

// replayEntry runs the replay message of e through the replay processor. A
// message the processor drops counts as a failed replay.
func (h *Handler) replayEntry(ctx context.Context, e *DeadLetter) error {
	out, err := h.replay.Process(ctx, e.ReplayMessage())
	if err != nil {
		return err
	}
	if out == nil {
		return fmt.Errorf("replay of %s was dropped", e.DLQID)
	}
	return nil
}

func (h *Handler) writeDeadLetterError(w http.ResponseWriter, dlqID string, err error) {
	switch {
	case errors.Is(err, ErrDeadLetterNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letter not found"})
	case errors.Is(err, ErrAlreadyRecovered):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already recovered"})
	default:
		h.logger.Error("dead letter lookup failed", "dlq_id", dlqID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		h.logger.Error("dead letter stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
