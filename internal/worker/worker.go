// Package worker delivers payment confirmations from the transactional
// outbox, retrying with backoff and dead-lettering what keeps failing.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/dispatch"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/metrics"
	"github.com/lalithlochan/pixbill/internal/notify"
)

type Repository interface {
	ClaimOutbox(ctx context.Context, limit int) ([]*db.OutboxMessage, error)
	UpdateOutboxStatus(ctx context.Context, id uuid.UUID, status string, attempt int, errorMsg *string, nextRetryAt *time.Time) error
	MoveToDeadLetter(ctx context.Context, msg *db.OutboxMessage, lastError string) (*db.DeadLetterMessage, error)
}

// Sender sends and records one message. It is satisfied by
// *dispatch.Dispatcher.
type Sender interface {
	SendSingle(ctx context.Context, p dispatch.Part) (*db.MessageRecord, error)
}

type Worker struct {
	repo   Repository
	sender Sender
	alerts notify.AlertSink
	config Config
	logger *zap.Logger
	now    func() time.Time
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

func New(repo Repository, sender Sender, alerts notify.AlertSink, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Worker{
		repo:   repo,
		sender: sender,
		alerts: alerts,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start polls the outbox until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("poll_interval", w.config.PollInterval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) int {
	msgs, err := w.repo.ClaimOutbox(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to claim outbound messages", zap.Error(err))
		return 0
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, msg)
	}
	return len(msgs)
}

func (w *Worker) process(ctx context.Context, msg *db.OutboxMessage) {
	_, err := w.sender.SendSingle(ctx, dispatch.Part{
		TenantID:  msg.TenantID,
		AccountID: msg.AccountID,
		PaymentID: msg.PaymentID,
		Instance:  msg.Instance,
		Phone:     msg.Phone,
		Kind:      db.KindPaymentConfirmation,
		Text:      msg.Body,
	})
	attempt := msg.Attempt + 1
	log := w.logger.With(zap.String("outbox_id", msg.ID.String()), zap.Int("attempt", attempt))

	if dispatch.Delivered(err) {
		if err != nil {
			log.Warn("payment confirmation delivered but not recorded", zap.Error(err))
		}
		if err := w.repo.UpdateOutboxStatus(ctx, msg.ID, db.OutboxSent, attempt, nil, nil); err != nil {
			log.Error("failed to mark outbound message sent", zap.Error(err))
			return
		}
		metrics.RecordOutboxProcessed(db.OutboxSent)
		log.Info("payment confirmation sent")
		return
	}

	errMsg := err.Error()
	log.Warn("payment confirmation failed", zap.Error(err))

	if attempt >= w.config.MaxRetries || permanent(err) {
		w.deadLetter(ctx, log, msg, errMsg)
		return
	}

	next := w.nextRetry(attempt)
	if err := w.repo.UpdateOutboxStatus(ctx, msg.ID, db.OutboxPending, attempt, &errMsg, &next); err != nil {
		log.Error("failed to reschedule outbound message", zap.Error(err))
		return
	}
	metrics.RecordOutboxProcessed("retry")
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, msg *db.OutboxMessage, lastErr string) {
	dlq, err := w.repo.MoveToDeadLetter(ctx, msg, lastErr)
	if err != nil {
		log.Error("failed to move outbound message to dead letter queue", zap.Error(err))
		return
	}
	metrics.RecordOutboxProcessed(db.OutboxDeadLettered)
	log.Info("outbound message dead-lettered", zap.String("dlq_id", dlq.ID.String()))

	err = w.alerts.Alert(ctx, notify.Alert{
		Kind:     notify.AlertDeadLettered,
		TenantID: msg.TenantID.String(),
		Subject:  "Payment confirmation dead-lettered",
		Message:  lastErr,
		Fields:   map[string]string{"dlq_id": dlq.ID.String(), "phone": msg.Phone},
	})
	if err != nil {
		log.Warn("failed to raise dead letter alert", zap.Error(err))
	}
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, errs.ErrGatewayRejected) || errors.Is(err, errs.ErrConfigurationMissing)
}

func (w *Worker) nextRetry(attempt int) time.Time {
	idx := attempt - 1
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return w.now().Add(retryDelays[idx])
}
