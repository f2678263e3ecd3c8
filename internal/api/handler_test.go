package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
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

var ErrDatabaseError = errors.New("database error")

type mockReconciler struct {
	charges  []string
	outcome  *reconcile.Outcome
	err      error
	sweep    *reconcile.SweepReport
	sweepErr error
}

func (m *mockReconciler) HandleNotification(_ context.Context, chargeID string) (*reconcile.Outcome, error) {
	m.charges = append(m.charges, chargeID)
	return m.outcome, m.err
}

func (m *mockReconciler) Sweep(context.Context) (*reconcile.SweepReport, error) {
	return m.sweep, m.sweepErr
}

type mockTracker struct {
	updates []tracker.Update
	err     error
}

func (m *mockTracker) HandleUpdate(_ context.Context, u tracker.Update) (string, error) {
	m.updates = append(m.updates, u)
	if m.err != nil {
		return "", m.err
	}
	return tracker.OutcomeApplied, nil
}

type mockRunner struct {
	called chan scheduler.Options
}

func (m *mockRunner) RunDaily(_ context.Context, opts scheduler.Options) (*scheduler.RunReport, error) {
	m.called <- opts
	return &scheduler.RunReport{}, nil
}

type mockSessions struct {
	created    []string
	webhooks   []string
	createErr  error
	webhookErr error
}

func (m *mockSessions) CreateSession(_ context.Context, instance string) (*gateway.Session, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, instance)
	return &gateway.Session{Instance: instance, QRCodeBase64: "qr-base64"}, nil
}

func (m *mockSessions) SetWebhook(_ context.Context, instance, url string) error {
	m.webhooks = append(m.webhooks, instance+"="+url)
	return m.webhookErr
}

type mockTenants struct {
	tenants   map[uuid.UUID]*db.Tenant
	instances map[uuid.UUID]string
	trials    map[uuid.UUID]time.Time
}

func newMockTenants(ts ...*db.Tenant) *mockTenants {
	m := &mockTenants{
		tenants:   make(map[uuid.UUID]*db.Tenant),
		instances: make(map[uuid.UUID]string),
		trials:    make(map[uuid.UUID]time.Time),
	}
	for _, t := range ts {
		m.tenants[t.ID] = t
	}
	return m
}

func (m *mockTenants) GetTenant(_ context.Context, id uuid.UUID) (*db.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, errs.NewUnknownRecord("tenant", id.String())
	}
	return t, nil
}

func (m *mockTenants) SetTenantInstance(_ context.Context, id uuid.UUID, instance string) error {
	m.instances[id] = instance
	return nil
}

func (m *mockTenants) StartTrial(_ context.Context, id uuid.UUID, planID string, expiresAt time.Time) (*db.Subscription, error) {
	m.trials[id] = expiresAt
	return &db.Subscription{OwnerID: id, Status: db.SubscriptionTrial, PlanID: planID, ExpiresAt: expiresAt}, nil
}

type mockDeadLetters struct {
	items      map[uuid.UUID]*db.DeadLetterMessage
	listTenant *uuid.UUID
	shouldFail bool
}

func (m *mockDeadLetters) ListDeadLetters(_ context.Context, tenantID *uuid.UUID, limit, offset int) ([]*db.DeadLetterMessage, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	m.listTenant = tenantID
	var out []*db.DeadLetterMessage
	for _, d := range m.items {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockDeadLetters) GetDeadLetter(_ context.Context, id uuid.UUID) (*db.DeadLetterMessage, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, errs.NewUnknownRecord("dead letter", id.String())
	}
	return d, nil
}

func (m *mockDeadLetters) RetryDeadLetter(_ context.Context, id uuid.UUID) (*db.OutboxMessage, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, errs.NewUnknownRecord("dead letter", id.String())
	}
	if d.Status != db.DLQStatusPending {
		return nil, errs.NewAlreadyTerminal("dead letter", d.Status)
	}
	d.Status = db.DLQStatusRetried
	return &db.OutboxMessage{ID: uuid.New(), Status: db.OutboxPending}, nil
}

func (m *mockDeadLetters) DiscardDeadLetter(_ context.Context, id uuid.UUID) error {
	d, ok := m.items[id]
	if !ok || d.Status != db.DLQStatusPending {
		return errs.NewUnknownRecord("pending dead letter", id.String())
	}
	d.Status = db.DLQStatusDiscarded
	return nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingAlerts) Alert(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

// newRouter mounts the handler the way the server does.
func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Post("/webhooks/payments", h.PaymentWebhook)
	r.Post("/webhooks/messaging", h.MessagingWebhook)
	r.Post("/webhooks/messaging/{event}", h.MessagingWebhook)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(JobTokenMiddleware(h.cfg.JobToken))
			r.Post("/jobs/daily-run", h.DailyRun)
			r.Post("/jobs/reconcile", h.Reconcile)
			r.Post("/tenants/{id}/session", h.ProvisionSession)
		})
		r.Get("/dlq", h.ListDeadLetterQueue)
		r.Get("/dlq/{id}", h.GetDeadLetterItem)
		r.Post("/dlq/{id}/retry", h.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", h.DiscardDeadLetterItem)
	})
	return r
}

func newTestHandler(deps Dependencies, cfg Config) *Handler {
	h := NewHandler(context.Background(), zap.NewNop(), deps, cfg)
	h.now = func() time.Time { return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC) }
	return h
}

func do(t *testing.T, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	var e ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return e
}

func TestPaymentWebhook(t *testing.T) {
	approved := &reconcile.Outcome{
		Payment:  &db.PaymentRecord{Status: db.PaymentApproved},
		Decision: reconcile.Decision{Action: reconcile.ActionApprove, Status: db.PaymentApproved, Terminal: true},
		Applied:  true,
	}

	tests := []struct {
		name           string
		target         string
		body           string
		outcome        *reconcile.Outcome
		err            error
		expectedStatus int
		expectedCharge string
		expectedType   string
	}{
		{
			name:           "approved payment",
			target:         "/webhooks/payments",
			body:           `{"type":"payment","action":"payment.updated","data":{"id":"123456"}}`,
			outcome:        approved,
			expectedStatus: http.StatusOK,
			expectedCharge: "123456",
		},
		{
			name:           "numeric id",
			target:         "/webhooks/payments",
			body:           `{"type":"payment","data":{"id":987654321}}`,
			outcome:        approved,
			expectedStatus: http.StatusOK,
			expectedCharge: "987654321",
		},
		{
			name:           "query string form",
			target:         "/webhooks/payments?type=payment&data.id=555",
			outcome:        approved,
			expectedStatus: http.StatusOK,
			expectedCharge: "555",
		},
		{
			name:           "non-payment type is ignored",
			target:         "/webhooks/payments",
			body:           `{"type":"merchant_order","data":{"id":"1"}}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "malformed body",
			target:         "/webhooks/payments",
			body:           `{"type":`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   string(errs.CodeMalformedPayload),
		},
		{
			name:           "missing id",
			target:         "/webhooks/payments",
			body:           `{"type":"payment","data":{}}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   string(errs.CodeMalformedPayload),
		},
		{
			name:           "unknown charge",
			target:         "/webhooks/payments",
			body:           `{"type":"payment","data":{"id":"404"}}`,
			err:            errs.NewUnknownRecord("payment", "404"),
			expectedStatus: http.StatusNotFound,
			expectedCharge: "404",
			expectedType:   string(errs.CodeUnknownRecord),
		},
		{
			name:           "already approved is acknowledged",
			target:         "/webhooks/payments",
			body:           `{"type":"payment","data":{"id":"77"}}`,
			err:            errs.NewAlreadyTerminal("payment", "77"),
			expectedStatus: http.StatusOK,
			expectedCharge: "77",
		},
		{
			name:           "provider unavailable asks for redelivery",
			target:         "/webhooks/payments",
			body:           `{"type":"payment","data":{"id":"88"}}`,
			err:            errs.NewGatewayUnavailable("query charge", 503, nil),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCharge: "88",
			expectedType:   string(errs.CodeGatewayUnavailable),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockReconciler{outcome: tt.outcome, err: tt.err}
			h := newRouter(newTestHandler(Dependencies{Reconciler: rec}, Config{}))

			resp := do(t, h, http.MethodPost, tt.target, tt.body)

			if resp.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, resp.Code, resp.Body.String())
			}
			if tt.expectedCharge == "" && len(rec.charges) != 0 {
				t.Errorf("reconciler should not be called, got %v", rec.charges)
			}
			if tt.expectedCharge != "" && (len(rec.charges) != 1 || rec.charges[0] != tt.expectedCharge) {
				t.Errorf("expected charge %q, got %v", tt.expectedCharge, rec.charges)
			}
			if tt.expectedType != "" {
				if e := decodeError(t, resp); e.Type != tt.expectedType {
					t.Errorf("expected error type %q, got %q", tt.expectedType, e.Type)
				}
			}
		})
	}
}

func TestMessagingWebhook_StatusUpdates(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		expected []tracker.Update
	}{
		{
			name:     "single object with keyId and string status",
			target:   "/webhooks/messaging",
			body:     `{"event":"messages.update","instance":"academia","data":{"keyId":"ABC123","status":"DELIVERY_ACK"}}`,
			expected: []tracker.Update{{ProviderMessageID: "ABC123", Status: "DELIVERY_ACK"}},
		},
		{
			name:   "array with key.id and numeric status",
			target: "/webhooks/messaging",
			body: `{"event":"MESSAGES_UPDATE","data":[
				{"key":{"id":"A1"},"status":3},
				{"key":{"id":"A2"},"status":4}
			]}`,
			expected: []tracker.Update{
				{ProviderMessageID: "A1", Status: "3"},
				{ProviderMessageID: "A2", Status: "4"},
			},
		},
		{
			name:     "event taken from the path",
			target:   "/webhooks/messaging/messages-upsert",
			body:     `{"data":{"key":{"id":"B1"},"status":"SERVER_ACK"}}`,
			expected: []tracker.Update{{ProviderMessageID: "B1", Status: "SERVER_ACK"}},
		},
		{
			name:   "entries without id or status are skipped",
			target: "/webhooks/messaging",
			body:   `{"event":"send.message","data":[{"status":"READ"},{"keyId":"C1"}]}`,
		},
		{
			name:   "unrelated event is ignored",
			target: "/webhooks/messaging",
			body:   `{"event":"chats.update","data":{"keyId":"D1","status":"READ"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTracker{}
			h := newRouter(newTestHandler(Dependencies{Tracker: tr}, Config{}))

			resp := do(t, h, http.MethodPost, tt.target, tt.body)

			if resp.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
			}
			if len(tr.updates) != len(tt.expected) {
				t.Fatalf("expected %d updates, got %+v", len(tt.expected), tr.updates)
			}
			for i, u := range tt.expected {
				if tr.updates[i] != u {
					t.Errorf("update %d: expected %+v, got %+v", i, u, tr.updates[i])
				}
			}
		})
	}
}

func TestMessagingWebhook_Malformed(t *testing.T) {
	h := newRouter(newTestHandler(Dependencies{Tracker: &mockTracker{}}, Config{}))

	resp := do(t, h, http.MethodPost, "/webhooks/messaging", `not json`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	resp = do(t, h, http.MethodPost, "/webhooks/messaging", `{"event":"messages.update","data":"oops"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed data, got %d", resp.Code)
	}
}

func TestMessagingWebhook_TrackerError(t *testing.T) {
	h := newRouter(newTestHandler(Dependencies{Tracker: &mockTracker{err: ErrDatabaseError}}, Config{}))

	resp := do(t, h, http.MethodPost, "/webhooks/messaging", `{"event":"messages.update","data":{"keyId":"X","status":"READ"}}`)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestMessagingWebhook_ConnectionClosedAlerts(t *testing.T) {
	alerts := &recordingAlerts{}
	h := newRouter(newTestHandler(Dependencies{Tracker: &mockTracker{}, Alerts: alerts}, Config{}))

	resp := do(t, h, http.MethodPost, "/webhooks/messaging", `{"event":"connection.update","instance":"academia","data":{"state":"open"}}`)
	if resp.Code != http.StatusOK || len(alerts.alerts) != 0 {
		t.Fatalf("open connection should not alert: %d %+v", resp.Code, alerts.alerts)
	}

	resp = do(t, h, http.MethodPost, "/webhooks/messaging", `{"event":"CONNECTION_UPDATE","instance":"academia","data":{"state":"close"}}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(alerts.alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts.alerts))
	}
	if a := alerts.alerts[0]; a.Kind != notify.AlertSessionDisconnect || a.Fields["instance"] != "academia" {
		t.Errorf("unexpected alert: %+v", a)
	}
}

func TestDailyRun(t *testing.T) {
	runner := &mockRunner{called: make(chan scheduler.Options, 1)}
	h := newRouter(newTestHandler(Dependencies{Scheduler: runner}, Config{JobToken: "secret"}))

	resp := do(t, h, http.MethodPost, "/v1/jobs/daily-run?force=true", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	resp = do(t, h, http.MethodPost, "/v1/jobs/daily-run?force=true", "", "X-Job-Token", "secret")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}

	select {
	case opts := <-runner.called:
		if !opts.Force {
			t.Error("expected force to be passed through")
		}
	case <-time.After(time.Second):
		t.Fatal("daily run was not started")
	}
}

func TestReconcile(t *testing.T) {
	rec := &mockReconciler{sweep: &reconcile.SweepReport{Expired: 2, Checked: 5, Approved: 1}}
	h := newRouter(newTestHandler(Dependencies{Reconciler: rec}, Config{}))

	resp := do(t, h, http.MethodPost, "/v1/jobs/reconcile", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var report reconcile.SweepReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Expired != 2 || report.Checked != 5 || report.Approved != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	rec.sweepErr = ErrDatabaseError
	if resp := do(t, h, http.MethodPost, "/v1/jobs/reconcile", ""); resp.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.Code)
	}
}

func TestProvisionSession(t *testing.T) {
	tenant := &db.Tenant{ID: uuid.MustParse("6f1c2d3e-0000-4000-8000-000000000001"), Name: "Academia Forte"}

	t.Run("creates session, webhook, instance and trial", func(t *testing.T) {
		tenants := newMockTenants(tenant)
		sessions := &mockSessions{}
		h := newRouter(newTestHandler(
			Dependencies{Tenants: tenants, Sessions: sessions},
			Config{WebhookURL: "https://billing.example.com/webhooks/messaging", TrialDays: 7},
		))

		resp := do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID.String()+"/session", `{"instance":"academia"}`)
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
		}

		if len(sessions.created) != 1 || sessions.created[0] != "academia" {
			t.Errorf("unexpected sessions: %v", sessions.created)
		}
		if len(sessions.webhooks) != 1 || sessions.webhooks[0] != "academia=https://billing.example.com/webhooks/messaging" {
			t.Errorf("unexpected webhooks: %v", sessions.webhooks)
		}
		if tenants.instances[tenant.ID] != "academia" {
			t.Errorf("instance not recorded: %v", tenants.instances)
		}
		want := time.Date(2026, 10, 23, 0, 0, 0, 0, time.UTC)
		if got := tenants.trials[tenant.ID]; !got.Equal(want) {
			t.Errorf("expected trial until %v, got %v", want, got)
		}

		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body["qr_code"] != "qr-base64" {
			t.Errorf("expected pairing QR code in response, got %v", body["qr_code"])
		}
	})

	t.Run("derives the instance name", func(t *testing.T) {
		tenants := newMockTenants(tenant)
		sessions := &mockSessions{}
		h := newRouter(newTestHandler(Dependencies{Tenants: tenants, Sessions: sessions}, Config{}))

		resp := do(t, h, http.MethodPost, "/v1/tenants/"+tenant.ID.String()+"/session", "")
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.Code)
		}
		if tenants.instances[tenant.ID] != "pixbill-6f1c2d3e" {
			t.Errorf("unexpected instance %q", tenants.instances[tenant.ID])
		}
		if len(sessions.webhooks) != 0 {
			t.Error("webhook should not be set without a URL")
		}
	})

	t.Run("existing session is reused", func(t *testing.T) {
		connected := &db.Tenant{ID: uuid.New(), Instance: "academia"}
		tenants := newMockTenants(connected)
		sessions := &mockSessions{createErr: errs.NewGatewayRejected("create session", 403, "instance name already in use")}
		h := newRouter(newTestHandler(Dependencies{Tenants: tenants, Sessions: sessions}, Config{}))

		resp := do(t, h, http.MethodPost, "/v1/tenants/"+connected.ID.String()+"/session", "")
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
		}
		if _, ok := tenants.trials[connected.ID]; !ok {
			t.Error("trial should still be ensured")
		}
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name           string
			target         string
			sessions       *mockSessions
			expectedStatus int
		}{
			{"invalid id", "/v1/tenants/not-a-uuid/session", &mockSessions{}, http.StatusBadRequest},
			{"unknown tenant", "/v1/tenants/" + uuid.New().String() + "/session", &mockSessions{}, http.StatusNotFound},
			{
				"provider down",
				"/v1/tenants/" + tenant.ID.String() + "/session",
				&mockSessions{createErr: errs.NewGatewayUnavailable("create session", 502, nil)},
				http.StatusServiceUnavailable,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tenants := newMockTenants(tenant)
				h := newRouter(newTestHandler(Dependencies{Tenants: tenants, Sessions: tt.sessions}, Config{}))

				resp := do(t, h, http.MethodPost, tt.target, "")
				if resp.Code != tt.expectedStatus {
					t.Fatalf("expected %d, got %d", tt.expectedStatus, resp.Code)
				}
				if len(tenants.trials) != 0 {
					t.Error("trial should not start on failure")
				}
			})
		}
	})
}

func TestDeadLetterQueue(t *testing.T) {
	id := uuid.New()
	tenantID := uuid.New()
	dl := &mockDeadLetters{items: map[uuid.UUID]*db.DeadLetterMessage{
		id: {ID: id, TenantID: tenantID, Status: db.DLQStatusPending, LastError: "GATEWAY_REJECTED"},
	}}
	h := newRouter(newTestHandler(Dependencies{DeadLetters: dl}, Config{}))

	resp := do(t, h, http.MethodGet, "/v1/dlq?tenant_id="+tenantID.String()+"&limit=500", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var list struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if list.Count != 1 || list.Limit != 20 {
		t.Errorf("unexpected list: %+v", list)
	}
	if dl.listTenant == nil || *dl.listTenant != tenantID {
		t.Error("tenant filter not passed through")
	}

	if resp := do(t, h, http.MethodGet, "/v1/dlq?tenant_id=bad", ""); resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad tenant, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/v1/dlq/"+id.String(), ""); resp.Code != http.StatusOK {
		t.Errorf("expected 200 for get, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/v1/dlq/"+uuid.New().String(), ""); resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown item, got %d", resp.Code)
	}

	if resp := do(t, h, http.MethodPost, "/v1/dlq/"+id.String()+"/retry", ""); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for retry, got %d", resp.Code)
	}
	resp = do(t, h, http.MethodPost, "/v1/dlq/"+id.String()+"/retry", "")
	if resp.Code != http.StatusConflict {
		t.Errorf("expected 409 for second retry, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodPost, "/v1/dlq/"+id.String()+"/discard", ""); resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 discarding a retried item, got %d", resp.Code)
	}

	dl.shouldFail = true
	if resp := do(t, h, http.MethodGet, "/v1/dlq", ""); resp.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.Code)
	}
}

type staticBreakers []*circuitbreaker.CircuitBreaker

func (s staticBreakers) Breakers() []*circuitbreaker.CircuitBreaker { return s }

func TestHealth(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "messaging:tenant-a", MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())
	healthy := func(context.Context) error { return nil }

	h := newRouter(newTestHandler(Dependencies{
		Breakers: staticBreakers{cb},
		Checks:   map[string]HealthCheck{"database": healthy},
	}, Config{}))

	resp := do(t, h, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected ok, got %d %s", resp.Code, resp.Body.String())
	}

	cb.RecordFailure()
	resp = do(t, h, http.MethodGet, "/health", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"status":"degraded"`) {
		t.Fatalf("open breaker should degrade, got %d %s", resp.Code, resp.Body.String())
	}

	h = newRouter(newTestHandler(Dependencies{
		Checks: map[string]HealthCheck{"database": func(context.Context) error { return ErrDatabaseError }},
	}, Config{}))
	resp = do(t, h, http.MethodGet, "/health", "")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
