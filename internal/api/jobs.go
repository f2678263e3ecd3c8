package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/billing"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/scheduler"
)

// DailyRun handles POST /v1/jobs/daily-run?force=true
//
// The run paces its sends and can outlive the request, so it is started in
// the background and reported through the usual sinks.
func (h *Handler) DailyRun(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	go func() {
		report, err := h.deps.Scheduler.RunDaily(h.jobs, scheduler.Options{Force: force})
		if err != nil {
			h.logger.Error("manual daily run failed", zap.Bool("force", force), zap.Error(err))
			return
		}
		h.logger.Info("manual daily run finished",
			zap.Bool("force", force),
			zap.Bool("skipped", report.Skipped),
			zap.Int("sent", report.Totals.Sent),
			zap.Int("errors", report.ErrorCount()),
		)
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"job":    scheduler.JobName,
		"status": "started",
		"force":  force,
	})
}

// Reconcile handles POST /v1/jobs/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Reconciler.Sweep(r.Context())
	if err != nil {
		h.logger.Error("manual reconciliation failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "job_failed", "Reconciliation sweep failed", "")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type sessionRequest struct {
	Instance string `json:"instance"`
}

// ProvisionSession handles POST /v1/tenants/{id}/session
//
// It creates the messaging session, subscribes the webhook, records the
// session on the tenant and starts the trial subscription. Every step is
// safe to repeat.
func (h *Handler) ProvisionSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant ID", "ID must be a valid UUID")
		return
	}

	var req sessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	tenant, err := h.deps.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	instance := firstNonEmpty(strings.TrimSpace(req.Instance), tenant.Instance, "pixbill-"+tenantID.String()[:8])
	log := h.logger.With(zap.String("tenant_id", tenantID.String()), zap.String("instance", instance))

	session, err := h.deps.Sessions.CreateSession(ctx, instance)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrGatewayRejected) && instance == tenant.Instance:
		// the provider refuses to create a session that already exists
		log.Info("messaging session already exists", zap.Error(err))
		session = &gateway.Session{Instance: instance}
	default:
		log.Error("failed to create messaging session", zap.Error(err))
		h.writeErr(w, err)
		return
	}

	if h.cfg.WebhookURL == "" {
		log.Warn("messaging webhook URL not configured, delivery statuses will not be tracked")
	} else if err := h.deps.Sessions.SetWebhook(ctx, instance, h.cfg.WebhookURL); err != nil {
		log.Error("failed to set messaging webhook", zap.Error(err))
		h.writeErr(w, err)
		return
	}

	if err := h.deps.Tenants.SetTenantInstance(ctx, tenantID, instance); err != nil {
		log.Error("failed to record tenant instance", zap.Error(err))
		h.writeErr(w, err)
		return
	}

	expires := billing.Day(h.now(), h.cfg.Location).AddDate(0, 0, h.cfg.TrialDays)
	sub, err := h.deps.Tenants.StartTrial(ctx, tenantID, h.cfg.SubscriptionPlanID, expires)
	if err != nil {
		log.Error("failed to start trial", zap.Error(err))
		h.writeErr(w, err)
		return
	}

	log.Info("messaging session provisioned", zap.String("subscription_status", sub.Status))
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"tenant_id":    tenantID.String(),
		"instance":     instance,
		"qr_code":      session.QRCodeBase64,
		"subscription": sub,
	})
}

// JobTokenMiddleware requires the shared job token in X-Job-Token. An empty
// token disables the check.
func JobTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("X-Job-Token") != token {
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "unauthorized",
					Title:  "Unauthorized",
					Status: http.StatusUnauthorized,
					Detail: "missing or invalid X-Job-Token",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
