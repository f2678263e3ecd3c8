package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListDeadLetterQueue handles GET /v1/dlq?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tenantID *uuid.UUID
	if tenantIDStr := r.URL.Query().Get("tenant_id"); tenantIDStr != "" {
		id, err := uuid.Parse(tenantIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
			return
		}
		tenantID = &id
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	items, err := h.deps.DeadLetters.ListDeadLetters(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list dead letter queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letter queue", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   items,
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
	})
}

func (h *Handler) dlqID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// GetDeadLetterItem handles GET /v1/dlq/{id}
func (h *Handler) GetDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dlqID(w, r)
	if !ok {
		return
	}

	item, err := h.deps.DeadLetters.GetDeadLetter(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dlqID(w, r)
	if !ok {
		return
	}

	// Retry re-enqueues the confirmation as a fresh outbox message
	msg, err := h.deps.DeadLetters.RetryDeadLetter(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to retry dead letter item", zap.Error(err), zap.String("id", id.String()))
		h.writeErr(w, err)
		return
	}

	h.logger.Info("dead letter item retried",
		zap.String("dlq_id", id.String()),
		zap.String("outbox_id", msg.ID.String()),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":        id.String(),
		"status":    "retried",
		"outbox_id": msg.ID.String(),
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.dlqID(w, r)
	if !ok {
		return
	}

	if err := h.deps.DeadLetters.DiscardDeadLetter(r.Context(), id); err != nil {
		h.logger.Error("failed to discard dead letter item", zap.Error(err), zap.String("id", id.String()))
		h.writeErr(w, err)
		return
	}

	h.logger.Info("dead letter item discarded", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": "discarded",
	})
}
