package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/billing"
	"github.com/lalithlochan/pixbill/internal/errs"
)

const paymentColumns = `
	id, owner_type, tenant_id, account_id, plan_id, amount,
	external_id, external_ref, status, COALESCE(qr_code_text, ''),
	expires_at, paid_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*PaymentRecord, error) {
	var p PaymentRecord
	err := row.Scan(
		&p.ID,
		&p.OwnerType,
		&p.TenantID,
		&p.AccountID,
		&p.PlanID,
		&p.Amount,
		&p.ExternalID,
		&p.ExternalRef,
		&p.Status,
		&p.QRCodeText,
		&p.ExpiresAt,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a pending charge
func (r *Repository) CreatePayment(ctx context.Context, p *PaymentRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}

	query := `
		INSERT INTO payments (
			id, owner_type, tenant_id, account_id, plan_id, amount,
			external_id, external_ref, status, qr_code_text, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		p.ID,
		p.OwnerType,
		p.TenantID,
		p.AccountID,
		p.PlanID,
		p.Amount,
		p.ExternalID,
		p.ExternalRef,
		p.Status,
		p.QRCodeText,
		p.ExpiresAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create payment",
			zap.Error(err),
			zap.String("external_id", p.ExternalID),
		)
		return fmt.Errorf("insert payment: %w", err)
	}

	r.logger.Info("payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("owner_type", p.OwnerType),
		zap.String("external_id", p.ExternalID),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return nil
}

// GetPaymentByExternalID retrieves a payment by the provider charge id
func (r *Repository) GetPaymentByExternalID(ctx context.Context, externalID string) (*PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_id = $1`

	p, err := scanPayment(r.db.Pool().QueryRow(ctx, query, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("payment", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

// ListPendingPayments returns pending charges, oldest first
func (r *Repository) ListPendingPayments(ctx context.Context, limit int) ([]*PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, PaymentPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending payments: %w", err)
	}
	defer rows.Close()

	var payments []*PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// ExpirePendingPayments cancels every pending charge whose expiry has
// passed and returns the ids it cancelled.
func (r *Repository) ExpirePendingPayments(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE payments
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at <= $3
		RETURNING id
	`

	rows, err := r.db.Pool().Query(ctx, query, PaymentCancelled, PaymentPending, now)
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired ids: %w", err)
	}
	return ids, nil
}

// ClosePayment moves a pending payment to failed or cancelled. It reports
// false when the payment was no longer pending.
func (r *Repository) ClosePayment(ctx context.Context, id uuid.UUID, status string) (bool, error) {
	if status != PaymentFailed && status != PaymentCancelled {
		return false, fmt.Errorf("close payment: invalid status %q", status)
	}

	result, err := r.db.Pool().Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, status, PaymentPending)
	if err != nil {
		return false, fmt.Errorf("close payment: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ApprovePayment marks a payment approved and applies its side effects in
// one transaction: subscription renewal for tenant-owned payments, due-date
// rollover for account-owned ones, and the confirmation outbox row. The
// status update is a compare-and-set on status <> 'approved'; the caller
// that loses the race gets Applied == false and nothing else is touched.
func (r *Repository) ApprovePayment(ctx context.Context, id uuid.UUID, eff ApprovalEffects) (*ApprovalOutcome, error) {
	out := &ApprovalOutcome{}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE payments
			SET status = $2, paid_at = $3, updated_at = NOW()
			WHERE id = $1 AND status <> $2
			RETURNING ` + paymentColumns

		p, err := scanPayment(tx.QueryRow(ctx, query, id, PaymentApproved, eff.PaidAt))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("approve payment: %w", err)
		}
		out.Payment = p
		out.Applied = true

		tenant, err := scanTenant(tx.QueryRow(ctx,
			`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, p.TenantID))
		if err != nil {
			return fmt.Errorf("load tenant: %w", err)
		}
		out.Tenant = tenant

		switch p.OwnerType {
		case OwnerAccount:
			if err := r.rollDueDate(ctx, tx, p, eff, out); err != nil {
				return err
			}
		case OwnerTenant:
			if err := r.renewSubscription(ctx, tx, p, eff, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("approve payment: unknown owner type %q", p.OwnerType)
		}

		if eff.Confirmation == nil {
			return nil
		}
		if msg := eff.Confirmation(out); msg != nil {
			if err := insertOutbox(ctx, tx, msg); err != nil {
				return err
			}
			out.Confirmation = msg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.Applied {
		p, err := r.getPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		out.Payment = p
		return out, nil
	}

	r.logger.Info("payment approved",
		zap.String("payment_id", id.String()),
		zap.String("owner_type", out.Payment.OwnerType),
		zap.Bool("confirmation_enqueued", out.Confirmation != nil),
	)
	return out, nil
}

func (r *Repository) rollDueDate(ctx context.Context, tx pgx.Tx, p *PaymentRecord, eff ApprovalEffects, out *ApprovalOutcome) error {
	if p.AccountID == nil {
		return fmt.Errorf("approve payment %s: account owner without account id", p.ID)
	}

	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, *p.AccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NewUnknownRecord("account", p.AccountID.String())
	}
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	next := billing.NextDueDate(acc.DueDate, eff.Today)
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET due_date = $2, updated_at = NOW() WHERE id = $1`, acc.ID, next); err != nil {
		return fmt.Errorf("roll due date: %w", err)
	}

	acc.DueDate = &next
	out.Account = acc
	out.NewDueDate = &next
	return nil
}

func (r *Repository) renewSubscription(ctx context.Context, tx pgx.Tx, p *PaymentRecord, eff ApprovalEffects, out *ApprovalOutcome) error {
	var (
		current *time.Time
		trial   bool
		planID  string
	)

	var sub Subscription
	err := tx.QueryRow(ctx,
		`SELECT status, plan_id, expires_at FROM subscriptions WHERE tenant_id = $1 FOR UPDATE`,
		p.TenantID,
	).Scan(&sub.Status, &sub.PlanID, &sub.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("lock subscription: %w", err)
	default:
		current = &sub.ExpiresAt
		trial = sub.Status == SubscriptionTrial
		planID = sub.PlanID
	}
	if p.PlanID != nil && *p.PlanID != "" {
		planID = *p.PlanID
	}

	expires := billing.ExtendSubscription(current, trial, eff.Now, eff.SubscriptionTermDays)
	query := `
		INSERT INTO subscriptions (tenant_id, status, plan_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET status = EXCLUDED.status, plan_id = EXCLUDED.plan_id,
			expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, query, p.TenantID, SubscriptionActive, planID, expires); err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}

	out.SubscriptionExpiresAt = &expires
	return nil
}

func (r *Repository) getPayment(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	p, err := scanPayment(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("payment", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}
