// Package reconcile merges payment webhooks and scheduled polling into one
// idempotent status transition per payment.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/billing"
	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/metrics"
)

// Sources of a reconciliation
const (
	SourceWebhook = "webhook"
	SourceSweep   = "sweep"
)

// Store is the slice of the repository the reconciler needs.
type Store interface {
	GetPaymentByExternalID(ctx context.Context, externalID string) (*db.PaymentRecord, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	ListPendingPayments(ctx context.Context, limit int) ([]*db.PaymentRecord, error)
	ExpirePendingPayments(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ClosePayment(ctx context.Context, id uuid.UUID, status string) (bool, error)
	ApprovePayment(ctx context.Context, id uuid.UUID, eff db.ApprovalEffects) (*db.ApprovalOutcome, error)
}

// StatusQuerier reads the provider status of a charge.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, creds gateway.Credentials, chargeID string) (*gateway.ChargeStatus, error)
}

type Config struct {
	// PlatformToken authenticates tenant-owned (subscription) charges.
	PlatformToken string
	// PlatformInstance sends subscription confirmations to tenant owners.
	PlatformInstance     string
	SubscriptionTermDays int
	Location             *time.Location
	SweepLimit           int
}

type Reconciler struct {
	store   Store
	querier StatusQuerier
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(store Store, querier StatusQuerier, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SubscriptionTermDays <= 0 {
		cfg.SubscriptionTermDays = 30
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 500
	}
	return &Reconciler{
		store:   store,
		querier: querier,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Outcome reports what one reconciliation did.
type Outcome struct {
	Payment  *db.PaymentRecord
	Decision Decision
	// Applied is false when the decision was a no-op or another
	// reconciliation won the compare-and-set.
	Applied      bool
	Approval     *db.ApprovalOutcome
	Confirmation *db.OutboxMessage
}

// HandleNotification reconciles the payment a webhook points at. The
// notification body is never trusted; the provider is queried again.
func (r *Reconciler) HandleNotification(ctx context.Context, chargeID string) (*Outcome, error) {
	p, err := r.store.GetPaymentByExternalID(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if p.Status == db.PaymentApproved {
		return &Outcome{Payment: p, Decision: Decision{Terminal: true}}, errs.NewAlreadyTerminal("payment", chargeID)
	}

	st, err := r.queryStatus(ctx, p)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, SourceWebhook, p, st)
}

// Apply executes the decision for p and the provider status st.
func (r *Reconciler) Apply(ctx context.Context, source string, p *db.PaymentRecord, st *gateway.ChargeStatus) (*Outcome, error) {
	mapped := gateway.MapChargeStatus(st.ProviderStatus)
	d := Decide(p.Status, mapped)
	out := &Outcome{Payment: p, Decision: d}

	switch d.Action {
	case ActionApprove:
		now := r.now()
		paidAt := now
		if st.PaidAt != nil {
			paidAt = *st.PaidAt
		}
		approval, err := r.store.ApprovePayment(ctx, p.ID, db.ApprovalEffects{
			PaidAt:               paidAt,
			Now:                  now,
			Today:                billing.Day(now, r.cfg.Location),
			SubscriptionTermDays: r.cfg.SubscriptionTermDays,
			Confirmation:         r.confirmation,
		})
		if err != nil {
			return nil, fmt.Errorf("approve payment %s: %w", p.ID, err)
		}
		out.Approval = approval
		out.Applied = approval.Applied
		out.Confirmation = approval.Confirmation
		if approval.Payment != nil {
			out.Payment = approval.Payment
		}

	case ActionClose:
		changed, err := r.store.ClosePayment(ctx, p.ID, d.Status)
		if err != nil {
			return nil, fmt.Errorf("close payment %s: %w", p.ID, err)
		}
		out.Applied = changed
		if changed {
			p.Status = d.Status
		}

	default:
		return out, nil
	}

	if out.Applied {
		metrics.RecordPaymentTransition(source, d.Status)
		r.logger.Info("payment reconciled",
			zap.String("payment_id", p.ID.String()),
			zap.String("external_id", p.ExternalID),
			zap.String("source", source),
			zap.String("status", d.Status),
		)
	} else {
		r.logger.Debug("payment transition lost the race",
			zap.String("payment_id", p.ID.String()),
			zap.String("source", source),
			zap.String("action", d.Action.String()),
		)
	}
	return out, nil
}

// SweepReport summarizes one reconciliation sweep.
type SweepReport struct {
	Expired   int      `json:"expired"`
	Checked   int      `json:"checked"`
	Approved  int      `json:"approved"`
	Closed    int      `json:"closed"`
	Unchanged int      `json:"unchanged"`
	Errors    []string `json:"errors,omitempty"`
}

// Sweep expires overdue charges, then polls the provider for every charge
// still pending. Per-payment failures are collected in the report.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	expired, err := r.store.ExpirePendingPayments(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	report.Expired = len(expired)
	metrics.RecordPaymentsExpired(len(expired))

	pending, err := r.store.ListPendingPayments(ctx, r.cfg.SweepLimit)
	if err != nil {
		return report, fmt.Errorf("list pending payments: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		report.Checked++

		st, err := r.queryStatus(ctx, p)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", p.ExternalID, err))
			continue
		}
		out, err := r.Apply(ctx, SourceSweep, p, st)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", p.ExternalID, err))
			continue
		}

		switch {
		case !out.Applied:
			report.Unchanged++
		case out.Decision.Action == ActionApprove:
			report.Approved++
		default:
			report.Closed++
		}
	}

	r.logger.Info("reconciliation sweep finished",
		zap.Int("expired", report.Expired),
		zap.Int("checked", report.Checked),
		zap.Int("approved", report.Approved),
		zap.Int("closed", report.Closed),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (r *Reconciler) queryStatus(ctx context.Context, p *db.PaymentRecord) (*gateway.ChargeStatus, error) {
	creds, err := r.credentials(ctx, p)
	if err != nil {
		return nil, err
	}
	st, err := r.querier.QueryStatus(ctx, creds, p.ExternalID)
	if err != nil {
		metrics.RecordGatewayError("query charge", string(errs.CodeOf(err)))
		return nil, fmt.Errorf("query charge %s: %w", p.ExternalID, err)
	}
	return st, nil
}

func (r *Reconciler) credentials(ctx context.Context, p *db.PaymentRecord) (gateway.Credentials, error) {
	if p.OwnerType == db.OwnerTenant {
		if r.cfg.PlatformToken == "" {
			return gateway.Credentials{}, errs.NewConfigurationMissing("platform payment access token")
		}
		return gateway.Credentials{AccessToken: r.cfg.PlatformToken}, nil
	}

	tenant, err := r.store.GetTenant(ctx, p.TenantID)
	if err != nil {
		return gateway.Credentials{}, fmt.Errorf("load tenant %s: %w", p.TenantID, err)
	}
	if tenant.PaymentAccessToken == "" {
		return gateway.Credentials{}, errs.NewConfigurationMissing("tenant payment access token")
	}
	return gateway.Credentials{AccessToken: tenant.PaymentAccessToken}, nil
}

// IsNoop reports whether err from HandleNotification means there was
// nothing to do.
func IsNoop(err error) bool {
	return errors.Is(err, errs.ErrAlreadyTerminal)
}
