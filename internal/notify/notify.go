// Package notify delivers operator alerts and run summary reports to the
// outside world: SNS and SES in production, the log otherwise.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Alert kinds
const (
	AlertMessageFailed      = "message_failed"
	AlertSessionDisconnect  = "session_disconnected"
	AlertDeadLettered       = "dead_lettered"
	AlertDailyRunIncomplete = "daily_run_incomplete"
)

// Alert is an operator-facing event.
type Alert struct {
	Kind     string            `json:"kind"`
	TenantID string            `json:"tenant_id,omitempty"`
	Subject  string            `json:"subject"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// AlertSink receives operator alerts
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// ReportSink receives the daily run summary
type ReportSink interface {
	SendReport(ctx context.Context, subject, body string) error
}

// LogSink writes alerts and reports to the logger. It is the fallback
// when no AWS destination is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Alert(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", a.Kind),
		zap.String("tenant_id", a.TenantID),
		zap.String("subject", a.Subject),
		zap.String("message", a.Message),
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Warn("operator alert", fields...)
	return nil
}

func (s *LogSink) SendReport(_ context.Context, subject, body string) error {
	s.logger.Info("run report", zap.String("subject", subject), zap.String("body", body))
	return nil
}

// MultiAlerter fans an alert out to every sink and joins their errors.
type MultiAlerter struct {
	sinks []AlertSink
}

func NewMultiAlerter(sinks ...AlertSink) *MultiAlerter {
	return &MultiAlerter{sinks: sinks}
}

func (m *MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
