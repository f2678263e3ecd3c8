// Package tracker applies delivery status updates reported by the
// messaging provider to stored message records.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/metrics"
	"github.com/lalithlochan/pixbill/internal/notify"
)

var deviceSuffix = regexp.MustCompile(`(_\d+)+$`)

// NormalizeMessageID strips the trailing "_<digits>" device suffix some
// provider versions append to message ids.
func NormalizeMessageID(id string) string {
	return deviceSuffix.ReplaceAllString(strings.TrimSpace(id), "")
}

// MapProviderStatus maps a provider status, textual or numeric, onto a
// message status. ok is false for statuses the service does not track.
func MapProviderStatus(raw string) (status string, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "SENT", "SERVER_ACK", "1", "2":
		return db.MessageSent, true
	case "DELIVERED", "DELIVERY_ACK", "3":
		return db.MessageDelivered, true
	case "READ", "READ_ACK", "PLAYED", "4":
		return db.MessageRead, true
	case "FAILED", "ERROR", "0":
		return db.MessageFailed, true
	}
	return "", false
}

func level(status string) int {
	switch status {
	case db.MessageSent:
		return 1
	case db.MessageDelivered:
		return 2
	case db.MessageRead:
		return 3
	}
	return 0
}

// ShouldApply reports whether moving from stored to next is progress.
// failed is absorbing.
func ShouldApply(stored, next string) bool {
	if stored == db.MessageFailed {
		return false
	}
	if next == db.MessageFailed {
		return true
	}
	return level(next) > level(stored)
}

// Store is the slice of the repository the tracker needs.
type Store interface {
	FindMessageByProviderID(ctx context.Context, providerID string) (*db.MessageRecord, error)
	AdvanceMessageStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) (bool, error)
}

// Update is one status change reported by the provider.
type Update struct {
	ProviderMessageID string
	Status            string
	Error             string
}

// Outcome of an update
const (
	OutcomeApplied       = "applied"
	OutcomeStale         = "stale"
	OutcomeUnknownStatus = "unknown_status"
	OutcomeUnknownRecord = "unknown_record"
)

type Tracker struct {
	store  Store
	alerts notify.AlertSink
	logger *zap.Logger
}

func New(store Store, alerts notify.AlertSink, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, alerts: alerts, logger: logger}
}

// HandleUpdate applies u if it moves the message forward. Unknown messages
// and statuses are reported through the outcome, not as errors: the
// provider also reports messages this service never sent.
func (t *Tracker) HandleUpdate(ctx context.Context, u Update) (string, error) {
	status, ok := MapProviderStatus(u.Status)
	if !ok {
		t.logger.Debug("ignoring unmapped provider status",
			zap.String("provider_message_id", u.ProviderMessageID),
			zap.String("status", u.Status),
		)
		metrics.RecordStatusUpdate("unknown", OutcomeUnknownStatus)
		return OutcomeUnknownStatus, nil
	}

	msg, err := t.lookup(ctx, u.ProviderMessageID)
	if errors.Is(err, errs.ErrUnknownRecord) {
		metrics.RecordStatusUpdate(status, OutcomeUnknownRecord)
		return OutcomeUnknownRecord, nil
	}
	if err != nil {
		return "", err
	}

	if !ShouldApply(msg.Status, status) {
		metrics.RecordStatusUpdate(status, OutcomeStale)
		return OutcomeStale, nil
	}

	var errMsg *string
	if status == db.MessageFailed && u.Error != "" {
		errMsg = &u.Error
	}
	applied, err := t.store.AdvanceMessageStatus(ctx, msg.ID, status, errMsg)
	if err != nil {
		return "", fmt.Errorf("advance message %s: %w", msg.ID, err)
	}
	if !applied {
		// A concurrent update got there first.
		metrics.RecordStatusUpdate(status, OutcomeStale)
		return OutcomeStale, nil
	}

	t.logger.Debug("message status advanced",
		zap.String("message_id", msg.ID.String()),
		zap.String("from", msg.Status),
		zap.String("to", status),
	)
	metrics.RecordStatusUpdate(status, OutcomeApplied)

	if status == db.MessageFailed {
		t.alertFailed(ctx, msg, u.Error)
	}
	return OutcomeApplied, nil
}

func (t *Tracker) lookup(ctx context.Context, raw string) (*db.MessageRecord, error) {
	normalized := NormalizeMessageID(raw)
	if normalized == "" {
		return nil, errs.NewUnknownRecord("message", raw)
	}
	msg, err := t.store.FindMessageByProviderID(ctx, normalized)
	if err == nil || !errors.Is(err, errs.ErrUnknownRecord) || normalized == raw {
		return msg, err
	}
	return t.store.FindMessageByProviderID(ctx, raw)
}

func (t *Tracker) alertFailed(ctx context.Context, msg *db.MessageRecord, reason string) {
	a := notify.Alert{
		Kind:     notify.AlertMessageFailed,
		TenantID: msg.TenantID.String(),
		Subject:  "Message delivery failed",
		Message:  fmt.Sprintf("%s message to %s failed: %s", msg.Kind, msg.Phone, reason),
		Fields:   map[string]string{"message_id": msg.ID.String()},
	}
	if err := t.alerts.Alert(ctx, a); err != nil {
		t.logger.Warn("failed to raise delivery alert", zap.Error(err), zap.String("message_id", msg.ID.String()))
	}
}
