// Package dispatch turns one notification event into the ordered sequence
// of provider sends it requires and records every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/metrics"
	"github.com/lalithlochan/pixbill/internal/tracker"
)

// Fixed texts of the optional chains
const (
	QRCaption            = "Pague com PIX: escaneie o QR Code acima ou use o código copia e cola que enviaremos a seguir."
	ManualLeadIn         = "Para pagar via PIX, copie o código abaixo:"
	ManualConfirmRequest = "Após o pagamento, responda esta mensagem com o comprovante para confirmarmos."
)

// Store records sends and the charges created for them.
type Store interface {
	CreateMessage(ctx context.Context, msg *db.MessageRecord) error
	CreatePayment(ctx context.Context, p *db.PaymentRecord) error
}

// ErrNotRecorded marks a send the provider accepted whose record could not
// be stored. The customer already has the message: callers must treat it as
// delivered and never send it again.
var ErrNotRecorded = errors.New("message sent but not recorded")

// Delivered reports whether err, as returned by SendSingle, still means the
// provider accepted the message.
func Delivered(err error) bool {
	return err == nil || errors.Is(err, ErrNotRecorded)
}

// Charger creates PIX charges.
type Charger interface {
	CreateCharge(ctx context.Context, creds gateway.Credentials, req gateway.ChargeRequest) (*gateway.Charge, error)
}

type Config struct {
	// Delay between consecutive sends of a tenant without an override.
	Delay           time.Duration
	NotificationURL string
	// ChargeExpiry is requested from the provider. ChargeFallback is
	// stored when the provider does not quote an expiry.
	ChargeExpiry   time.Duration
	ChargeFallback time.Duration
}

type Dispatcher struct {
	store     Store
	messenger gateway.Messenger
	charger   Charger
	pacer     *Pacer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func New(store Store, messenger gateway.Messenger, charger Charger, pacer *Pacer, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		messenger: messenger,
		charger:   charger,
		pacer:     pacer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Event is one reminder for one account.
type Event struct {
	Tenant     *db.Tenant
	Account    *db.Account
	TemplateID *uuid.UUID
	Body       string
}

// Result describes what a dispatch sent. Err is the primary send failure;
// ChainErr stops the optional chain and never changes the primary record.
// RecordErr collects messages that were delivered but not stored.
type Result struct {
	Primary   *db.MessageRecord
	Parts     []*db.MessageRecord
	Payment   *db.PaymentRecord
	Err       error
	ChainErr  error
	RecordErr error
}

func (r *Result) notRecorded(err error) {
	r.RecordErr = errors.Join(r.RecordErr, err)
}

// Sent reports whether the primary message was accepted.
func (r *Result) Sent() bool {
	return r.Err == nil && r.Primary != nil && r.Primary.Status == db.MessageSent
}

// Part is a single message to send and record.
type Part struct {
	TenantID    uuid.UUID
	AccountID   *uuid.UUID
	PaymentID   *uuid.UUID
	TemplateID  *uuid.UUID
	Instance    string
	Phone       string
	Kind        string
	Text        string
	ImageBase64 string
	// Delay overrides Config.Delay when positive.
	Delay time.Duration
}

// Dispatch sends the primary text and, depending on the tenant's payment
// preference, the charge or manual-code chain.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Result {
	res := &Result{}
	base := d.basePart(ev)

	primary := base
	primary.Kind = db.KindReminder
	primary.TemplateID = ev.TemplateID
	primary.Text = ev.Body

	rec, err := d.SendSingle(ctx, primary)
	res.Primary = rec
	if !Delivered(err) {
		res.Err = err
		return res
	}
	if err != nil {
		res.notRecorded(err)
	}

	switch ev.Tenant.PaymentPreference {
	case db.PreferenceAutomaticCharge:
		res.ChainErr = d.chargeChain(ctx, ev, base, res)
	case db.PreferenceManualCode:
		res.ChainErr = d.manualChain(ctx, ev, base, res)
	}

	if res.ChainErr != nil {
		d.logger.Warn("optional chain stopped",
			zap.String("tenant_id", ev.Tenant.ID.String()),
			zap.String("account_id", ev.Account.ID.String()),
			zap.String("preference", ev.Tenant.PaymentPreference),
			zap.Error(res.ChainErr),
		)
	}
	return res
}

func (d *Dispatcher) basePart(ev Event) Part {
	accountID := ev.Account.ID
	p := Part{
		TenantID:  ev.Tenant.ID,
		AccountID: &accountID,
		Instance:  ev.Tenant.Instance,
		Phone:     ev.Account.Phone,
	}
	if ev.Tenant.PacingSeconds != nil && *ev.Tenant.PacingSeconds > 0 {
		p.Delay = time.Duration(*ev.Tenant.PacingSeconds) * time.Second
	}
	return p
}

func (d *Dispatcher) chargeChain(ctx context.Context, ev Event, base Part, res *Result) error {
	if ev.Tenant.PaymentAccessToken == "" {
		return errs.NewConfigurationMissing("tenant payment access token")
	}
	if d.charger == nil {
		return errs.NewConfigurationMissing("payment client")
	}

	now := d.now()
	req := gateway.ChargeRequest{
		Amount:          ev.Account.Amount,
		Description:     fmt.Sprintf("%s - %s", ev.Tenant.Name, ev.Account.Name),
		PayerEmail:      ev.Account.Email,
		ExternalRef:     gateway.ExternalRef(ev.Tenant.ID, ev.Account.ID, now),
		NotificationURL: d.cfg.NotificationURL,
	}
	if d.cfg.ChargeExpiry > 0 {
		req.ExpiresAt = now.Add(d.cfg.ChargeExpiry)
	}

	charge, err := d.charger.CreateCharge(ctx, gateway.Credentials{AccessToken: ev.Tenant.PaymentAccessToken}, req)
	if err != nil {
		metrics.RecordGatewayError("create charge", string(errs.CodeOf(err)))
		return fmt.Errorf("create charge: %w", err)
	}

	expiresAt := now.Add(d.cfg.ChargeFallback)
	if charge.ExpiresAt != nil {
		expiresAt = *charge.ExpiresAt
	}
	accountID := ev.Account.ID
	payment := &db.PaymentRecord{
		OwnerType:   db.OwnerAccount,
		TenantID:    ev.Tenant.ID,
		AccountID:   &accountID,
		Amount:      ev.Account.Amount,
		ExternalID:  charge.ChargeID,
		ExternalRef: req.ExternalRef,
		Status:      db.PaymentPending,
		QRCodeText:  charge.QRText,
		ExpiresAt:   expiresAt,
	}
	if err := d.store.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("persist charge %s: %w", charge.ChargeID, err)
	}
	res.Payment = payment

	if charge.QRText == "" {
		return errs.NewGatewayRejected("create charge", 0, "charge without pix code")
	}

	base.PaymentID = &payment.ID
	parts := make([]Part, 0, 2)
	if charge.QRImageBase64 != "" {
		qr := base
		qr.Kind = db.KindPixQR
		qr.ImageBase64 = charge.QRImageBase64
		qr.Text = QRCaption
		parts = append(parts, qr)
	}
	code := base
	code.Kind = db.KindPixCode
	code.Text = charge.QRText
	parts = append(parts, code)

	return d.sendChain(ctx, parts, res)
}

func (d *Dispatcher) manualChain(ctx context.Context, ev Event, base Part, res *Result) error {
	if ev.Tenant.ManualPixCode == "" {
		return errs.NewConfigurationMissing("tenant manual pix code")
	}

	parts := []Part{
		withText(base, db.KindManualLeadIn, ManualLeadIn),
		withText(base, db.KindManualCode, ev.Tenant.ManualPixCode),
		withText(base, db.KindManualConfirmRequest, ManualConfirmRequest),
	}
	return d.sendChain(ctx, parts, res)
}

func withText(p Part, kind, text string) Part {
	p.Kind = kind
	p.Text = text
	return p
}

func (d *Dispatcher) sendChain(ctx context.Context, parts []Part, res *Result) error {
	for _, p := range parts {
		rec, err := d.SendSingle(ctx, p)
		if rec != nil {
			res.Parts = append(res.Parts, rec)
		}
		if Delivered(err) {
			if err != nil {
				res.notRecorded(fmt.Errorf("%s: %w", p.Kind, err))
			}
			continue
		}
		return fmt.Errorf("%s: %w", p.Kind, err)
	}
	return nil
}

// SendSingle waits for the tenant's pacing slot, sends p and records the
// attempt. The returned record is nil only when the wait was cancelled. A
// delivered message that could not be recorded yields ErrNotRecorded.
func (d *Dispatcher) SendSingle(ctx context.Context, p Part) (*db.MessageRecord, error) {
	if d.pacer != nil {
		delay := d.cfg.Delay
		if p.Delay > 0 {
			delay = p.Delay
		}
		if err := d.pacer.Wait(ctx, p.TenantID.String(), delay); err != nil {
			return nil, err
		}
	}

	var (
		sent *gateway.SendResult
		err  error
		op   = "send text"
	)
	if p.ImageBase64 != "" {
		op = "send image"
		sent, err = d.messenger.SendImage(ctx, p.Instance, p.Phone, p.ImageBase64, p.Text)
	} else {
		sent, err = d.messenger.SendText(ctx, p.Instance, p.Phone, p.Text)
	}
	if err == nil && sent.StatusCode != 200 && sent.StatusCode != 201 {
		err = errs.NewGatewayRejected(op, sent.StatusCode, "unexpected status")
	}

	rec := &db.MessageRecord{
		TenantID:   p.TenantID,
		AccountID:  p.AccountID,
		TemplateID: p.TemplateID,
		PaymentID:  p.PaymentID,
		Kind:       p.Kind,
		Body:       p.Text,
		Phone:      p.Phone,
		Status:     db.MessageSent,
	}
	if err != nil {
		msg := err.Error()
		rec.Status = db.MessageFailed
		rec.ErrorMessage = &msg
		metrics.RecordGatewayError(op, string(errs.CodeOf(err)))
	} else if id := tracker.NormalizeMessageID(sent.MessageID); id != "" {
		rec.ProviderMessageID = &id
	}
	metrics.RecordMessageSent(p.Kind, rec.Status)

	if storeErr := d.store.CreateMessage(ctx, rec); storeErr != nil {
		d.logger.Error("failed to record message",
			zap.String("tenant_id", p.TenantID.String()),
			zap.String("kind", p.Kind),
			zap.String("status", rec.Status),
			zap.Error(storeErr),
		)
		if err == nil {
			return rec, fmt.Errorf("%w: %w", ErrNotRecorded, storeErr)
		}
		return rec, errors.Join(err, fmt.Errorf("record message: %w", storeErr))
	}
	return rec, err
}
