// Package scheduler runs the daily reminder cycle across all tenants with a
// connected messaging session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/pixbill/internal/billing"
	"github.com/lalithlochan/pixbill/internal/circuitbreaker"
	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/dispatch"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/metrics"
	"github.com/lalithlochan/pixbill/internal/notify"
	"github.com/lalithlochan/pixbill/internal/redis"
	"github.com/lalithlochan/pixbill/internal/rules"
)

// JobName identifies the daily run in job_runs and in the run guard.
const JobName = "daily-run"

// Store is the slice of the repository the scheduler reads and writes.
type Store interface {
	ListMessagingTenants(ctx context.Context) ([]*db.Tenant, error)
	ListDueAccounts(ctx context.Context, tenantID uuid.UUID, dueDate time.Time) ([]*db.Account, error)
	GetTemplate(ctx context.Context, tenantID uuid.UUID, offsetDays int) (*db.MessageTemplate, error)
	ClaimNotification(ctx context.Context, accountID uuid.UUID, offsetDays int, runDate time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, accountID uuid.UUID, offsetDays int, runDate time.Time) error
	TouchJobRun(ctx context.Context, name string, at time.Time) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) *dispatch.Result
}

// SessionChecker reports the messaging session state of a tenant.
type SessionChecker interface {
	ConnectionState(ctx context.Context, instance string) (string, error)
}

// RunGuard keeps two runs of the same day from overlapping. It is
// satisfied by *redis.IdempotencyService.
type RunGuard interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

type Config struct {
	Location          *time.Location
	TenantConcurrency int
	// GuardTTL is how long a finished run blocks a rerun of its day.
	GuardTTL time.Duration
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	sessions   SessionChecker
	guard      RunGuard
	reports    notify.ReportSink
	alerts     notify.AlertSink
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Scheduler. guard may be nil, in which case only the
// per-account claims prevent duplicate reminders.
func New(
	store Store,
	dispatcher Dispatcher,
	sessions SessionChecker,
	guard RunGuard,
	reports notify.ReportSink,
	alerts notify.AlertSink,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TenantConcurrency <= 0 {
		cfg.TenantConcurrency = 1
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 36 * time.Hour
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		sessions:   sessions,
		guard:      guard,
		reports:    reports,
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Options control a single run.
type Options struct {
	// Force bypasses the run guard. Per-account claims still apply.
	Force bool
}

// OffsetStats counts reminders for one offset.
type OffsetStats struct {
	Matched int `json:"matched"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (s *OffsetStats) add(o OffsetStats) {
	s.Matched += o.Matched
	s.Sent += o.Sent
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}

type TenantReport struct {
	TenantID uuid.UUID            `json:"tenant_id"`
	Name     string               `json:"name"`
	Offsets  map[int]*OffsetStats `json:"offsets"`
	Errors   []string             `json:"errors,omitempty"`
}

func (t *TenantReport) stats(offset int) *OffsetStats {
	st, ok := t.Offsets[offset]
	if !ok {
		st = &OffsetStats{}
		t.Offsets[offset] = st
	}
	return st
}

func (t *TenantReport) fail(format string, args ...any) {
	t.Errors = append(t.Errors, fmt.Sprintf(format, args...))
}

// RunReport is the outcome of one daily run.
type RunReport struct {
	Date       time.Time       `json:"date"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Skipped    bool            `json:"skipped"`
	Reason     string          `json:"reason,omitempty"`
	Tenants    []*TenantReport `json:"tenants"`
	Totals     OffsetStats     `json:"totals"`
	Error      string          `json:"error,omitempty"`
}

// ErrorCount is the number of per-tenant errors collected.
func (r *RunReport) ErrorCount() int {
	n := 0
	for _, t := range r.Tenants {
		n += len(t.Errors)
	}
	return n
}

// Summary renders the report for the operator e-mail.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily reminder run %s\n", billing.FormatDate(r.Date))
	if r.Error != "" {
		fmt.Fprintf(&b, "Run failed: %s\n", r.Error)
	}
	fmt.Fprintf(&b, "Tenants: %d  matched: %d  sent: %d  failed: %d  skipped: %d\n",
		len(r.Tenants), r.Totals.Matched, r.Totals.Sent, r.Totals.Failed, r.Totals.Skipped)

	for _, t := range r.Tenants {
		fmt.Fprintf(&b, "\n%s (%s)\n", t.Name, t.TenantID)
		offsets := make([]int, 0, len(t.Offsets))
		for off := range t.Offsets {
			offsets = append(offsets, off)
		}
		sort.Ints(offsets)
		for _, off := range offsets {
			st := t.Offsets[off]
			fmt.Fprintf(&b, "  offset %+d: matched=%d sent=%d failed=%d skipped=%d\n",
				off, st.Matched, st.Sent, st.Failed, st.Skipped)
		}
		for _, e := range t.Errors {
			fmt.Fprintf(&b, "  error: %s\n", e)
		}
	}
	return b.String()
}

// RunDaily sends every reminder due today. Per-tenant problems are
// collected in the report; an error is returned only when the run could
// not start.
func (s *Scheduler) RunDaily(ctx context.Context, opts Options) (*RunReport, error) {
	started := s.now()
	today := billing.Day(started, s.cfg.Location)
	report := &RunReport{Date: today, StartedAt: started}
	dateKey := today.Format("2006-01-02")

	guarded := false
	if s.guard != nil && !opts.Force {
		prev, err := s.guard.CheckOrReserve(ctx, JobName, dateKey)
		switch {
		case errors.Is(err, redis.ErrInProgress):
			report.Skipped, report.Reason = true, "run in progress"
			s.logger.Info("daily run already in progress", zap.String("date", dateKey))
			return report, nil
		case err != nil:
			s.logger.Warn("run guard unavailable, relying on claims", zap.Error(err))
		case prev != nil:
			report.Skipped, report.Reason = true, "already completed"
			s.logger.Info("daily run already completed", zap.String("date", dateKey), zap.String("summary", prev.Summary))
			return report, nil
		default:
			guarded = true
		}
	}

	tenants, err := s.store.ListMessagingTenants(ctx)
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = s.now()
		if guarded {
			if rerr := s.guard.Release(ctx, JobName, dateKey); rerr != nil {
				s.logger.Warn("failed to release run guard", zap.Error(rerr))
			}
		}
		s.publish(ctx, report)
		return report, fmt.Errorf("list tenants: %w", err)
	}

	s.logger.Info("daily run started",
		zap.String("date", dateKey),
		zap.Int("tenants", len(tenants)),
		zap.Bool("forced", opts.Force),
	)

	report.Tenants = make([]*TenantReport, len(tenants))
	var g errgroup.Group
	g.SetLimit(s.cfg.TenantConcurrency)
	for i, t := range tenants {
		t := t
		tr := &TenantReport{TenantID: t.ID, Name: t.Name, Offsets: map[int]*OffsetStats{}}
		report.Tenants[i] = tr
		g.Go(func() error {
			s.runTenant(ctx, t, today, tr)
			return nil
		})
	}
	_ = g.Wait()

	for _, tr := range report.Tenants {
		for _, st := range tr.Offsets {
			report.Totals.add(*st)
		}
	}
	report.FinishedAt = s.now()
	metrics.RecordDailyRun(report.FinishedAt.Sub(started))

	if err := s.store.TouchJobRun(ctx, JobName, report.FinishedAt); err != nil {
		s.logger.Warn("failed to record job run", zap.Error(err))
	}
	if s.guard != nil {
		result := &redis.IdempotencyResult{
			Reference: dateKey,
			Summary: fmt.Sprintf("sent=%d failed=%d skipped=%d",
				report.Totals.Sent, report.Totals.Failed, report.Totals.Skipped),
		}
		if err := s.guard.Store(ctx, JobName, dateKey, result, s.cfg.GuardTTL); err != nil {
			s.logger.Warn("failed to store run result", zap.Error(err))
		}
	}

	s.logger.Info("daily run finished",
		zap.String("date", dateKey),
		zap.Int("matched", report.Totals.Matched),
		zap.Int("sent", report.Totals.Sent),
		zap.Int("failed", report.Totals.Failed),
		zap.Int("skipped", report.Totals.Skipped),
		zap.Int("errors", report.ErrorCount()),
		zap.Duration("duration", report.FinishedAt.Sub(started)),
	)
	s.publish(ctx, report)
	return report, nil
}

func (s *Scheduler) publish(ctx context.Context, report *RunReport) {
	subject := "Daily reminder run " + billing.FormatDate(report.Date)
	if err := s.reports.SendReport(ctx, subject, report.Summary()); err != nil {
		s.logger.Warn("failed to send run report", zap.Error(err))
	}

	if report.Error == "" && report.ErrorCount() == 0 {
		return
	}
	msg := report.Error
	if msg == "" {
		msg = fmt.Sprintf("%d tenant errors", report.ErrorCount())
	}
	err := s.alerts.Alert(ctx, notify.Alert{
		Kind:    notify.AlertDailyRunIncomplete,
		Subject: subject + " incomplete",
		Message: msg,
	})
	if err != nil {
		s.logger.Warn("failed to raise run alert", zap.Error(err))
	}
}

func (s *Scheduler) runTenant(ctx context.Context, t *db.Tenant, today time.Time, tr *TenantReport) {
	log := s.logger.With(zap.String("tenant_id", t.ID.String()), zap.String("instance", t.Instance))

	state, err := s.sessions.ConnectionState(ctx, t.Instance)
	if err != nil {
		tr.fail("connection state: %v", err)
		log.Warn("skipping tenant, connection state unavailable", zap.Error(err))
		return
	}
	if state != gateway.StateOpen {
		tr.fail("session not connected (state %q)", state)
		log.Warn("skipping tenant, session not connected", zap.String("state", state))
		return
	}

	for _, offset := range rules.DueOffsets(t.Rules) {
		if ctx.Err() != nil {
			tr.fail("run cancelled: %v", ctx.Err())
			return
		}
		if abort := s.runOffset(ctx, log, t, today, offset, tr); abort {
			return
		}
	}
}

// runOffset sends the reminders of one offset. It reports true when the
// rest of the tenant must be skipped.
func (s *Scheduler) runOffset(ctx context.Context, log *zap.Logger, t *db.Tenant, today time.Time, offset int, tr *TenantReport) bool {
	due := billing.DueDateFor(today, offset)
	accounts, err := s.store.ListDueAccounts(ctx, t.ID, due)
	if err != nil {
		tr.fail("offset %+d: list accounts: %v", offset, err)
		log.Error("failed to list due accounts", zap.Int("offset", offset), zap.Error(err))
		return true
	}
	if len(accounts) == 0 {
		return false
	}

	body := DefaultTemplate(offset)
	var templateID *uuid.UUID
	tpl, err := s.store.GetTemplate(ctx, t.ID, offset)
	if err != nil {
		log.Warn("template lookup failed, using default", zap.Int("offset", offset), zap.Error(err))
	} else if tpl != nil {
		body = tpl.Body
		templateID = &tpl.ID
	}

	st := tr.stats(offset)
	for _, acc := range accounts {
		st.Matched++
		metrics.RecordReminder(offset, "matched")

		claimed, err := s.store.ClaimNotification(ctx, acc.ID, offset, today)
		if err != nil {
			st.Failed++
			metrics.RecordReminder(offset, "failed")
			tr.fail("offset %+d: claim %s: %v", offset, acc.ID, err)
			continue
		}
		if !claimed {
			st.Skipped++
			metrics.RecordReminder(offset, "skipped")
			continue
		}

		res := s.dispatcher.Dispatch(ctx, dispatch.Event{
			Tenant:     t,
			Account:    acc,
			TemplateID: templateID,
			Body:       Render(body, acc, due, offset),
		})
		if res.Sent() {
			st.Sent++
			metrics.RecordReminder(offset, "sent")
			if res.RecordErr != nil {
				log.Warn("reminder delivered but not fully recorded",
					zap.String("account_id", acc.ID.String()),
					zap.Int("offset", offset),
					zap.Error(res.RecordErr),
				)
			}
			continue
		}

		st.Failed++
		metrics.RecordReminder(offset, "failed")
		log.Warn("reminder not sent",
			zap.String("account_id", acc.ID.String()),
			zap.Int("offset", offset),
			zap.Error(res.Err),
		)
		if err := s.store.ReleaseNotification(ctx, acc.ID, offset, today); err != nil {
			log.Error("failed to release claim", zap.String("account_id", acc.ID.String()), zap.Error(err))
		}

		if errors.Is(res.Err, circuitbreaker.ErrCircuitOpen) {
			tr.fail("offset %+d: messaging provider unavailable, tenant aborted", offset)
			return true
		}
		if ctx.Err() != nil {
			tr.fail("run cancelled: %v", ctx.Err())
			return true
		}
	}
	return false
}
