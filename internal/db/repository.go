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

// Repository handles database operations for tenants, accounts, messages
// and payments.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Offsets backing the per-tenant notify_* flag columns, in column order.
var flagOffsets = [...]int{-5, -3, -2, -1, 0, 1}

func rulesFromFlags(flags [len(flagOffsets)]bool) []NotificationRule {
	rules := make([]NotificationRule, 0, len(flags))
	for i, enabled := range flags {
		rules = append(rules, NotificationRule{OffsetDays: flagOffsets[i], Enabled: enabled})
	}
	return rules
}

const tenantColumns = `
	id, name, COALESCE(owner_phone, ''), COALESCE(instance_name, ''),
	payment_preference, COALESCE(manual_pix_code, ''), COALESCE(payment_access_token, ''),
	message_delay_seconds,
	notify_5_days_before, notify_3_days_before, notify_2_days_before,
	notify_1_day_before, notify_on_due_date, notify_1_day_after`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var flags [len(flagOffsets)]bool
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.OwnerPhone,
		&t.Instance,
		&t.PaymentPreference,
		&t.ManualPixCode,
		&t.PaymentAccessToken,
		&t.PacingSeconds,
		&flags[0], &flags[1], &flags[2], &flags[3], &flags[4], &flags[5],
	)
	if err != nil {
		return nil, err
	}
	t.Rules = rulesFromFlags(flags)
	return &t, nil
}

// ListMessagingTenants returns every tenant that has a messaging session
// configured.
func (r *Repository) ListMessagingTenants(ctx context.Context) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + `
		FROM tenants
		WHERE instance_name IS NOT NULL AND instance_name <> ''
		ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return tenants, nil
}

// GetTenant retrieves a tenant by ID
func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`

	t, err := scanTenant(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("tenant", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return t, nil
}

// SetTenantInstance records the messaging session name provisioned for a
// tenant.
func (r *Repository) SetTenantInstance(ctx context.Context, id uuid.UUID, instance string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE tenants SET instance_name = $2, updated_at = NOW() WHERE id = $1`, id, instance)
	if err != nil {
		return fmt.Errorf("update tenant instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return errs.NewUnknownRecord("tenant", id.String())
	}
	return nil
}

const accountColumns = `id, tenant_id, name, phone, COALESCE(email, ''), due_date, amount, status`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.Name,
		&a.Phone,
		&a.Email,
		&a.DueDate,
		&a.Amount,
		&a.Status,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListDueAccounts returns the active accounts of a tenant whose due date is
// exactly dueDate.
func (r *Repository) ListDueAccounts(ctx context.Context, tenantID uuid.UUID, dueDate time.Time) ([]*Account, error) {
	query := `SELECT ` + accountColumns + `
		FROM accounts
		WHERE tenant_id = $1 AND status = $2 AND due_date = $3
		ORDER BY name ASC`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, AccountActive, dueDate)
	if err != nil {
		return nil, fmt.Errorf("query due accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount retrieves an account by ID
func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("account", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// GetTemplate returns the tenant's template for offset, or nil when the
// tenant has no override.
func (r *Repository) GetTemplate(ctx context.Context, tenantID uuid.UUID, offsetDays int) (*MessageTemplate, error) {
	query := `
		SELECT id, tenant_id, offset_days, body
		FROM message_templates
		WHERE tenant_id = $1 AND offset_days = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var tpl MessageTemplate
	err := r.db.Pool().QueryRow(ctx, query, tenantID, offsetDays).Scan(
		&tpl.ID,
		&tpl.TenantID,
		&tpl.OffsetDays,
		&tpl.Body,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &tpl, nil
}

// CreateMessage inserts a message record for one provider send attempt
func (r *Repository) CreateMessage(ctx context.Context, msg *MessageRecord) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	query := `
		INSERT INTO messages (
			id, tenant_id, account_id, template_id, payment_id, kind,
			body, phone, provider_message_id, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sent_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.AccountID,
		msg.TemplateID,
		msg.PaymentID,
		msg.Kind,
		msg.Body,
		msg.Phone,
		msg.ProviderMessageID,
		msg.Status,
		msg.ErrorMessage,
	).Scan(&msg.SentAt, &msg.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("kind", msg.Kind),
		)
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindMessageByProviderID looks up a message by the id the provider
// assigned to it.
func (r *Repository) FindMessageByProviderID(ctx context.Context, providerID string) (*MessageRecord, error) {
	query := `
		SELECT
			id, tenant_id, account_id, template_id, payment_id, kind,
			body, phone, provider_message_id, status, error_message,
			sent_at, updated_at
		FROM messages
		WHERE provider_message_id = $1
		ORDER BY sent_at DESC
		LIMIT 1
	`

	var msg MessageRecord
	err := r.db.Pool().QueryRow(ctx, query, providerID).Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.AccountID,
		&msg.TemplateID,
		&msg.PaymentID,
		&msg.Kind,
		&msg.Body,
		&msg.Phone,
		&msg.ProviderMessageID,
		&msg.Status,
		&msg.ErrorMessage,
		&msg.SentAt,
		&msg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("message", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return &msg, nil
}

// AdvanceMessageStatus moves a message along sent < delivered < read, or to
// failed from any non-failed state. The guard is evaluated against the
// stored row in the same statement, so concurrent webhooks cannot regress
// it. Reports whether the row changed.
func (r *Repository) AdvanceMessageStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) (bool, error) {
	query := `
		UPDATE messages
		SET status = $2::text,
			error_message = COALESCE($3, error_message),
			updated_at = NOW()
		WHERE id = $1
		  AND status <> 'failed'
		  AND (
			$2::text = 'failed'
			OR (CASE $2::text WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)
			 > (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)
		  )
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status, errorMsg)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ClaimNotification reserves the (account, offset, day) slot. It reports
// false when the slot was already claimed by an earlier run.
func (r *Repository) ClaimNotification(ctx context.Context, accountID uuid.UUID, offsetDays int, runDate time.Time) (bool, error) {
	query := `
		INSERT INTO notification_claims (account_id, offset_days, run_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, offset_days, run_date) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, accountID, offsetDays, runDate)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseNotification drops a claim so the next cycle can retry the send.
func (r *Repository) ReleaseNotification(ctx context.Context, accountID uuid.UUID, offsetDays int, runDate time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_claims WHERE account_id = $1 AND offset_days = $2 AND run_date = $3`,
		accountID, offsetDays, runDate)
	if err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

// TouchJobRun records the last run time of a scheduled job.
func (r *Repository) TouchJobRun(ctx context.Context, name string, at time.Time) error {
	query := `
		INSERT INTO job_runs (name, last_run_at) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET last_run_at = EXCLUDED.last_run_at
	`
	if _, err := r.db.Pool().Exec(ctx, query, name, at); err != nil {
		return fmt.Errorf("upsert job run: %w", err)
	}
	return nil
}

// GetSubscription retrieves the platform subscription of a tenant
func (r *Repository) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	var s Subscription
	err := r.db.Pool().QueryRow(ctx,
		`SELECT tenant_id, status, plan_id, expires_at FROM subscriptions WHERE tenant_id = $1`,
		tenantID,
	).Scan(&s.OwnerID, &s.Status, &s.PlanID, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewUnknownRecord("subscription", tenantID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return &s, nil
}

// StartTrial creates a trial subscription for a tenant that has none. An
// existing subscription is returned unchanged.
func (r *Repository) StartTrial(ctx context.Context, tenantID uuid.UUID, planID string, expiresAt time.Time) (*Subscription, error) {
	query := `
		INSERT INTO subscriptions (tenant_id, status, plan_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO NOTHING
	`
	result, err := r.db.Pool().Exec(ctx, query, tenantID, SubscriptionTrial, planID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert trial subscription: %w", err)
	}
	if result.RowsAffected() == 1 {
		r.logger.Info("trial started",
			zap.String("tenant_id", tenantID.String()),
			zap.Time("expires_at", expiresAt),
		)
	}
	return r.GetSubscription(ctx, tenantID)
}
