package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordReminder(t *testing.T) {
	before := testutil.ToFloat64(remindersTotal.WithLabelValues("-3", "sent"))
	RecordReminder(-3, "sent")
	RecordReminder(-3, "sent")

	if got := testutil.ToFloat64(remindersTotal.WithLabelValues("-3", "sent")) - before; got != 2 {
		t.Errorf("expected 2 increments, got %v", got)
	}
}

func TestRecordPaymentsExpired(t *testing.T) {
	before := testutil.ToFloat64(paymentsExpired)
	RecordPaymentsExpired(3)
	if got := testutil.ToFloat64(paymentsExpired) - before; got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
}

func TestRecorders(t *testing.T) {
	RecordMessageSent("reminder", "sent")
	RecordPaymentTransition("webhook", "approved")
	RecordStatusUpdate("read", "applied")
	RecordGatewayError("send text", "GATEWAY_UNAVAILABLE")
	RecordOutboxProcessed("sent")
	RecordPacerWait(1500 * time.Millisecond)
	RecordRateLimitRejection("webhook")
	RecordDailyRun(2 * time.Second)
	SetBreakerState("messaging", 1)

	if got := testutil.ToFloat64(breakerState.WithLabelValues("messaging")); got != 1 {
		t.Errorf("expected breaker state 1, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	RecordMessageSent("pix_qr", "failed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pixbill_messages_sent_total") {
		t.Error("expected pixbill metrics in the exposition")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/dlq/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/dlq/{id}/retry", "202"))

	req := httptest.NewRequest("POST", "/v1/dlq/abc/retry", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/dlq/{id}/retry", "202"))
	if after-before != 1 {
		t.Errorf("expected request recorded under route pattern, delta %v", after-before)
	}
}
