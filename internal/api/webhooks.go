package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/notify"
	"github.com/lalithlochan/pixbill/internal/reconcile"
	"github.com/lalithlochan/pixbill/internal/tracker"
)

const maxWebhookBody = 1 << 20

// flexID accepts an identifier sent either as a JSON string or a number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type paymentNotification struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

// PaymentWebhook handles POST /webhooks/payments
//
// The notification only names the charge; its status is always queried
// from the provider again.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	var n paymentNotification
	n.Type = firstNonEmpty(q.Get("type"), q.Get("topic"))
	n.Data.ID = flexID(firstNonEmpty(q.Get("data.id"), q.Get("id")))

	raw, err := readBody(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		var body paymentNotification
		if err := json.Unmarshal(raw, &body); err != nil {
			h.writeErr(w, errs.NewMalformedPayload(err.Error()))
			return
		}
		if t := firstNonEmpty(body.Type, body.Topic); t != "" {
			n.Type = t
		}
		if body.Data.ID != "" {
			n.Data.ID = body.Data.ID
		}
		n.Action = body.Action
	}

	if n.Type != "payment" && !strings.HasPrefix(n.Action, "payment.") {
		h.logger.Debug("ignoring non-payment notification", zap.String("type", n.Type), zap.String("action", n.Action))
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	chargeID := strings.TrimSpace(string(n.Data.ID))
	if chargeID == "" {
		h.writeErr(w, errs.NewMalformedPayload("missing data.id"))
		return
	}

	out, err := h.deps.Reconciler.HandleNotification(ctx, chargeID)
	if reconcile.IsNoop(err) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed", "charge_id": chargeID})
		return
	}
	if err != nil {
		h.logger.Warn("payment notification failed",
			zap.String("charge_id", chargeID),
			zap.String("code", string(errs.CodeOf(err))),
			zap.Error(err),
		)
		h.writeErr(w, err)
		return
	}

	h.logger.Info("payment notification processed",
		zap.String("charge_id", chargeID),
		zap.String("action", out.Decision.Action.String()),
		zap.String("status", out.Decision.Status),
		zap.Bool("applied", out.Applied),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    out.Payment.Status,
		"charge_id": chargeID,
		"applied":   out.Applied,
	})
}

type messagingEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type messageUpdate struct {
	KeyID string `json:"keyId"`
	Key   struct {
		ID string `json:"id"`
	} `json:"key"`
	Status json.RawMessage `json:"status"`
	Error  string          `json:"error"`
}

func (m messageUpdate) id() string {
	if m.KeyID != "" {
		return m.KeyID
	}
	return m.Key.ID
}

type connectionUpdate struct {
	Instance string `json:"instance"`
	State    string `json:"state"`
}

// eventName folds the provider spellings (MESSAGES_UPDATE, messages-update,
// messages.update) into one.
func eventName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", ".", "-", ".").Replace(s)
}

// rawStatus returns a status sent either as a string or a number.
func rawStatus(b json.RawMessage) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return ""
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return ""
		}
		return s
	}
	return string(b)
}

// decodeMany decodes data holding either one object or an array of them.
func decodeMany[T any](data json.RawMessage) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var items []T
		err := json.Unmarshal(data, &items)
		return items, err
	}
	var item T
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return []T{item}, nil
}

// MessagingWebhook handles POST /webhooks/messaging and
// /webhooks/messaging/{event}
func (h *Handler) MessagingWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := readBody(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	var ev messagingEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.writeErr(w, errs.NewMalformedPayload(err.Error()))
		return
	}
	event := eventName(firstNonEmpty(ev.Event, chi.URLParam(r, "event")))

	switch event {
	case "messages.update", "messages.upsert", "send.message":
	case "connection.update":
		h.connectionUpdate(w, r, ev)
		return
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	updates, err := decodeMany[messageUpdate](ev.Data)
	if err != nil {
		h.writeErr(w, errs.NewMalformedPayload(err.Error()))
		return
	}

	outcomes := make(map[string]int)
	for _, u := range updates {
		id, status := u.id(), rawStatus(u.Status)
		if id == "" || status == "" {
			outcomes["skipped"]++
			continue
		}
		outcome, err := h.deps.Tracker.HandleUpdate(ctx, tracker.Update{
			ProviderMessageID: id,
			Status:            status,
			Error:             u.Error,
		})
		if err != nil {
			h.logger.Error("failed to apply message status",
				zap.String("provider_message_id", id),
				zap.String("status", status),
				zap.Error(err),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to apply message status", "")
			return
		}
		outcomes[outcome]++
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "processed",
		"event":    event,
		"outcomes": outcomes,
	})
}

func (h *Handler) connectionUpdate(w http.ResponseWriter, r *http.Request, ev messagingEvent) {
	var cu connectionUpdate
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &cu); err != nil {
			h.writeErr(w, errs.NewMalformedPayload(err.Error()))
			return
		}
	}
	instance := firstNonEmpty(ev.Instance, cu.Instance)

	h.logger.Info("messaging connection update",
		zap.String("instance", instance),
		zap.String("state", cu.State),
	)

	if cu.State == gateway.StateClose && h.deps.Alerts != nil {
		err := h.deps.Alerts.Alert(r.Context(), notify.Alert{
			Kind:    notify.AlertSessionDisconnect,
			Subject: "Messaging session disconnected",
			Message: "Session " + instance + " closed its connection and needs to be paired again.",
			Fields:  map[string]string{"instance": instance},
		})
		if err != nil {
			h.logger.Warn("failed to raise disconnect alert", zap.String("instance", instance), zap.Error(err))
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "event": "connection.update"})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
