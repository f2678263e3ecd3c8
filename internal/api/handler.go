// Package api exposes the provider webhooks, the manual job triggers and
// the operator endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/circuitbreaker"
	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/notify"
	"github.com/lalithlochan/pixbill/internal/reconcile"
	"github.com/lalithlochan/pixbill/internal/scheduler"
	"github.com/lalithlochan/pixbill/internal/tracker"
)

// PaymentReconciler reconciles charges with the payment provider
type PaymentReconciler interface {
	HandleNotification(ctx context.Context, chargeID string) (*reconcile.Outcome, error)
	Sweep(ctx context.Context) (*reconcile.SweepReport, error)
}

// StatusTracker applies delivery status updates
type StatusTracker interface {
	HandleUpdate(ctx context.Context, u tracker.Update) (string, error)
}

// DailyRunner runs the reminder batch
type DailyRunner interface {
	RunDaily(ctx context.Context, opts scheduler.Options) (*scheduler.RunReport, error)
}

// SessionProvider provisions messaging sessions
type SessionProvider interface {
	CreateSession(ctx context.Context, instance string) (*gateway.Session, error)
	SetWebhook(ctx context.Context, instance, webhookURL string) error
}

// TenantRepository defines the tenant operations used by session provisioning
type TenantRepository interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	SetTenantInstance(ctx context.Context, id uuid.UUID, instance string) error
	StartTrial(ctx context.Context, tenantID uuid.UUID, planID string, expiresAt time.Time) (*db.Subscription, error)
}

// DeadLetterRepository defines the dead letter queue operations
type DeadLetterRepository interface {
	ListDeadLetters(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]*db.DeadLetterMessage, error)
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*db.DeadLetterMessage, error)
	RetryDeadLetter(ctx context.Context, id uuid.UUID) (*db.OutboxMessage, error)
	DiscardDeadLetter(ctx context.Context, id uuid.UUID) error
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// BreakerSource lists the circuit breakers reported by /health. Breakers
// are created per messaging instance, so the list grows at runtime.
type BreakerSource interface {
	Breakers() []*circuitbreaker.CircuitBreaker
}

// Dependencies wires the handler to the rest of the service. Nil members
// disable the routes that need them.
type Dependencies struct {
	Reconciler  PaymentReconciler
	Tracker     StatusTracker
	Scheduler   DailyRunner
	Sessions    SessionProvider
	Tenants     TenantRepository
	DeadLetters DeadLetterRepository
	Alerts      notify.AlertSink
	Breakers    BreakerSource
	Checks      map[string]HealthCheck
}

type Config struct {
	JobToken           string
	WebhookURL         string
	TrialDays          int
	SubscriptionPlanID string
	Location           *time.Location
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Dependencies
	cfg    Config
	now    func() time.Time
	// jobs is the parent context of background job runs
	jobs context.Context
}

// NewHandler creates a new API handler. Background runs started through the
// job endpoints are cancelled with ctx.
func NewHandler(ctx context.Context, logger *zap.Logger, deps Dependencies, cfg Config) *Handler {
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = 7
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SubscriptionPlanID == "" {
		cfg.SubscriptionPlanID = "standard"
	}
	return &Handler{
		logger: logger,
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		jobs:   ctx,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeErr maps a coded error to its HTTP status. Uncoded errors are
// internal and their text is not exposed.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal error", "")
		return
	}

	status := http.StatusInternalServerError
	switch e.Code {
	case errs.CodeMalformedPayload:
		status = http.StatusBadRequest
	case errs.CodeUnknownRecord:
		status = http.StatusNotFound
	case errs.CodeAlreadyTerminal:
		status = http.StatusConflict
	case errs.CodeConfigurationMissing:
		status = http.StatusUnprocessableEntity
	case errs.CodeGatewayRejected:
		status = http.StatusBadGateway
	case errs.CodeGatewayUnavailable:
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, status, string(e.Code), e.Message, e.Details)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unavailable"
			status, code = "unavailable", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	breakers := []circuitbreaker.Stats{}
	if h.deps.Breakers != nil {
		for _, cb := range h.deps.Breakers.Breakers() {
			st := cb.Stats()
			if st.State != circuitbreaker.StateClosed.String() && code == http.StatusOK {
				status = "degraded"
			}
			breakers = append(breakers, st)
		}
	}

	h.writeJSON(w, code, map[string]any{
		"status":   status,
		"checks":   checks,
		"breakers": breakers,
	})
}
