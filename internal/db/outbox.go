package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/errs"
)

// Rows left in processing longer than this are assumed abandoned by a
// crashed worker and become claimable again.
const processingLease = 10 * time.Minute

const outboxColumns = `
	id, tenant_id, account_id, payment_id, instance, phone, body,
	status, attempt, error_message, next_retry_at, created_at, updated_at`

func scanOutbox(row pgx.Row) (*OutboxMessage, error) {
	var m OutboxMessage
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.AccountID,
		&m.PaymentID,
		&m.Instance,
		&m.Phone,
		&m.Body,
		&m.Status,
		&m.Attempt,
		&m.ErrorMessage,
		&m.NextRetryAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertOutbox(ctx context.Context, q querier, msg *OutboxMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.Status = OutboxPending

	query := `
		INSERT INTO outbound_messages (
			id, tenant_id, account_id, payment_id, instance, phone, body, status, attempt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.AccountID,
		msg.PaymentID,
		msg.Instance,
		msg.Phone,
		msg.Body,
		msg.Status,
		msg.Attempt,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert outbound message: %w", err)
	}
	return nil
}

// ClaimOutbox marks up to limit due messages as processing and returns
// them. Concurrent workers never receive the same row.
func (r *Repository) ClaimOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	query := `
		UPDATE outbound_messages
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE (status = $2 AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
			   OR (status = $1 AND updated_at < NOW() - $3::interval)
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	lease := fmt.Sprintf("%d seconds", int(processingLease.Seconds()))
	rows, err := r.db.Pool().Query(ctx, query, OutboxProcessing, OutboxPending, lease, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbound messages: %w", err)
	}
	defer rows.Close()

	var msgs []*OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbound message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound messages: %w", err)
	}
	return msgs, nil
}

// UpdateOutboxStatus records the outcome of a send attempt
func (r *Repository) UpdateOutboxStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	attempt int,
	errorMsg *string,
	nextRetryAt *time.Time,
) error {
	query := `
		UPDATE outbound_messages
		SET status = $1, attempt = $2, error_message = $3, next_retry_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempt, errorMsg, nextRetryAt, id)
	if err != nil {
		r.logger.Error("failed to update outbound message",
			zap.Error(err),
			zap.String("outbox_id", id.String()),
		)
		return fmt.Errorf("update outbound message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errs.NewUnknownRecord("outbound message", id.String())
	}
	return nil
}

// MoveToDeadLetter moves an outbound message that exhausted its retries to
// the dead letter queue
func (r *Repository) MoveToDeadLetter(ctx context.Context, msg *OutboxMessage, lastError string) (*DeadLetterMessage, error) {
	dlq := &DeadLetterMessage{
		ID:                uuid.New(),
		OriginalMessageID: msg.ID,
		TenantID:          msg.TenantID,
		PaymentID:         msg.PaymentID,
		Instance:          msg.Instance,
		Phone:             msg.Phone,
		Body:              msg.Body,
		Attempts:          msg.Attempt,
		LastError:         lastError,
		Status:            DLQStatusPending,
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		insertQuery := `
			INSERT INTO dead_letter_messages (
				id, original_message_id, tenant_id, payment_id, instance,
				phone, body, attempts, last_error, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, insertQuery,
			dlq.ID,
			dlq.OriginalMessageID,
			dlq.TenantID,
			dlq.PaymentID,
			dlq.Instance,
			dlq.Phone,
			dlq.Body,
			dlq.Attempts,
			dlq.LastError,
			dlq.Status,
		).Scan(&dlq.CreatedAt, &dlq.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE outbound_messages SET status = $1, error_message = $2, updated_at = NOW() WHERE id = $3`,
			OutboxDeadLettered, lastError, msg.ID)
		if err != nil {
			return fmt.Errorf("update outbound message status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("outbound message moved to dead letter queue",
		zap.String("outbox_id", msg.ID.String()),
		zap.String("dlq_id", dlq.ID.String()),
		zap.String("last_error", lastError),
	)
	return dlq, nil
}

const deadLetterColumns = `
	id, original_message_id, tenant_id, payment_id, instance, phone, body,
	attempts, last_error, status, retried_message_id, created_at, updated_at`

func scanDeadLetter(row pgx.Row) (*DeadLetterMessage, error) {
	var d DeadLetterMessage
	err := row.Scan(
		&d.ID,
		&d.OriginalMessageID,
		&d.TenantID,
		&d.PaymentID,
		&d.Instance,
		&d.Phone,
		&d.Body,
		&d.Attempts,
		&d.LastError,
		&d.Status,
		&d.RetriedMessageID,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeadLetters retrieves DLQ items, optionally filtered by tenant
func (r *Repository) ListDeadLetters(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]*DeadLetterMessage, error) {
	query := `SELECT ` + deadLetterColumns + `
		FROM dead_letter_messages
		WHERE ($1::uuid IS NULL OR tenant_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetterMessage
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return items, nil
}

// GetDeadLetter retrieves a single DLQ item by ID
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetterMessage, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_messages WHERE id = $1`

	d, err := scanDeadLetter(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("dead letter", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	return d, nil
}

// RetryDeadLetter re-enqueues a DLQ item as a fresh outbound message and
// marks it retried
func (r *Repository) RetryDeadLetter(ctx context.Context, dlqID uuid.UUID) (*OutboxMessage, error) {
	var msg *OutboxMessage

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		d, err := scanDeadLetter(tx.QueryRow(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letter_messages WHERE id = $1 FOR UPDATE`, dlqID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.NewUnknownRecord("dead letter", dlqID.String())
		}
		if err != nil {
			return fmt.Errorf("lock dead letter: %w", err)
		}
		if d.Status != DLQStatusPending {
			return errs.NewAlreadyTerminal("dead letter", d.Status)
		}

		msg = &OutboxMessage{
			TenantID:  d.TenantID,
			PaymentID: d.PaymentID,
			Instance:  d.Instance,
			Phone:     d.Phone,
			Body:      d.Body,
		}
		if err := insertOutbox(ctx, tx, msg); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE dead_letter_messages SET status = $1, retried_message_id = $2, updated_at = NOW() WHERE id = $3`,
			DLQStatusRetried, msg.ID, dlqID)
		if err != nil {
			return fmt.Errorf("update dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("dead letter retried",
		zap.String("dlq_id", dlqID.String()),
		zap.String("outbox_id", msg.ID.String()),
	)
	return msg, nil
}

// DiscardDeadLetter marks a DLQ item as discarded (won't be retried)
func (r *Repository) DiscardDeadLetter(ctx context.Context, dlqID uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE dead_letter_messages SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		DLQStatusDiscarded, dlqID, DLQStatusPending)
	if err != nil {
		return fmt.Errorf("discard dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errs.NewUnknownRecord("pending dead letter", dlqID.String())
	}

	r.logger.Info("dead letter discarded", zap.String("dlq_id", dlqID.String()))
	return nil
}
