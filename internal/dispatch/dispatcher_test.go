package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/redis"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.Wrap(rdb, zap.NewNop()), mr
}

type memStore struct {
	messages  []*db.MessageRecord
	payments  []*db.PaymentRecord
	recordErr error
}

func (m *memStore) CreateMessage(_ context.Context, msg *db.MessageRecord) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) CreatePayment(_ context.Context, p *db.PaymentRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.payments = append(m.payments, p)
	return nil
}

type sentMessage struct {
	kind  string
	text  string
	image string
}

type fakeMessenger struct {
	sent []sentMessage
	// failAt makes the n-th send (0-based) fail with err.
	failAt int
	err    error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{failAt: -1}
}

func (f *fakeMessenger) result(kind, text, image string) (*gateway.SendResult, error) {
	n := len(f.sent)
	f.sent = append(f.sent, sentMessage{kind: kind, text: text, image: image})
	if n == f.failAt {
		return nil, f.err
	}
	return &gateway.SendResult{MessageID: "3EB0" + string(rune('A'+n)) + "_1", StatusCode: 201}, nil
}

func (f *fakeMessenger) CreateSession(context.Context, string) (*gateway.Session, error) {
	return &gateway.Session{}, nil
}

func (f *fakeMessenger) ConnectionState(context.Context, string) (string, error) {
	return gateway.StateOpen, nil
}

func (f *fakeMessenger) SendText(_ context.Context, _, _, text string) (*gateway.SendResult, error) {
	return f.result("text", text, "")
}

func (f *fakeMessenger) SendImage(_ context.Context, _, _, image, caption string) (*gateway.SendResult, error) {
	return f.result("image", caption, image)
}

func (f *fakeMessenger) SetWebhook(context.Context, string, string) error { return nil }

type fakeCharger struct {
	req    gateway.ChargeRequest
	creds  gateway.Credentials
	charge *gateway.Charge
	err    error
}

func (f *fakeCharger) CreateCharge(_ context.Context, creds gateway.Credentials, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.creds, f.req = creds, req
	if f.err != nil {
		return nil, f.err
	}
	return f.charge, nil
}

func fixture(pref string) Event {
	due := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	tenant := &db.Tenant{
		ID:                 uuid.New(),
		Name:               "Academia Centro",
		Instance:           "academia-centro",
		PaymentPreference:  pref,
		PaymentAccessToken: "APP_USR-1",
		ManualPixCode:      "00020126580014br.gov.bcb.pix",
	}
	account := &db.Account{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		Name:     "Maria",
		Phone:    "11999990000",
		Email:    "maria@example.com",
		DueDate:  &due,
		Amount:   decimal.RequireFromString("150.00"),
		Status:   db.AccountActive,
	}
	return Event{Tenant: tenant, Account: account, Body: "Olá Maria"}
}

func newTestDispatcher(store Store, m gateway.Messenger, c Charger) *Dispatcher {
	return New(store, m, c, NewPacer(nil, zap.NewNop()), Config{
		ChargeExpiry:   24 * time.Hour,
		ChargeFallback: 30 * time.Minute,
	}, zap.NewNop())
}

func TestDispatch_PrimaryOnly(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	d := newTestDispatcher(store, m, nil)

	res := d.Dispatch(context.Background(), fixture(db.PreferenceNone))

	require.True(t, res.Sent())
	require.Len(t, store.messages, 1)
	rec := store.messages[0]
	assert.Equal(t, db.MessageSent, rec.Status)
	assert.Equal(t, db.KindReminder, rec.Kind)
	assert.Equal(t, "Olá Maria", rec.Body)
	require.NotNil(t, rec.ProviderMessageID)
	assert.Equal(t, "3EB0A", *rec.ProviderMessageID, "provider id is stored normalized")
}

func TestDispatch_PrimaryFailureSendsNothingElse(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	m.failAt = 0
	m.err = errs.NewGatewayUnavailable("send text", 503, nil)
	c := &fakeCharger{}
	d := newTestDispatcher(store, m, c)

	res := d.Dispatch(context.Background(), fixture(db.PreferenceAutomaticCharge))

	assert.False(t, res.Sent())
	assert.ErrorIs(t, res.Err, errs.ErrGatewayUnavailable)
	require.Len(t, store.messages, 1)
	assert.Equal(t, db.MessageFailed, store.messages[0].Status)
	require.NotNil(t, store.messages[0].ErrorMessage)
	assert.Nil(t, store.messages[0].ProviderMessageID)
	assert.Len(t, m.sent, 1)
	assert.Empty(t, c.req.ExternalRef, "no charge may be created")
	assert.Empty(t, store.payments)
}

func TestDispatch_AutomaticChargeChainOrder(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	c := &fakeCharger{charge: &gateway.Charge{
		ChargeID:      "1319",
		QRImageBase64: "iVBORw0KGgo=",
		QRText:        "00020101021226",
		ExpiresAt:     &expires,
	}}
	d := newTestDispatcher(store, m, c)
	ev := fixture(db.PreferenceAutomaticCharge)

	res := d.Dispatch(context.Background(), ev)

	require.True(t, res.Sent())
	require.NoError(t, res.ChainErr)
	require.Len(t, m.sent, 3)
	assert.Equal(t, "text", m.sent[0].kind)
	assert.Equal(t, "image", m.sent[1].kind)
	assert.Equal(t, QRCaption, m.sent[1].text)
	assert.Equal(t, "00020101021226", m.sent[2].text)

	require.Len(t, store.payments, 1)
	p := store.payments[0]
	assert.Equal(t, db.OwnerAccount, p.OwnerType)
	assert.Equal(t, db.PaymentPending, p.Status)
	assert.Equal(t, "1319", p.ExternalID)
	assert.True(t, p.ExpiresAt.Equal(expires))
	assert.Equal(t, "APP_USR-1", c.creds.AccessToken)
	assert.Equal(t, "maria@example.com", c.req.PayerEmail)

	require.Len(t, res.Parts, 2)
	for _, part := range res.Parts {
		require.NotNil(t, part.PaymentID)
		assert.Equal(t, p.ID, *part.PaymentID)
	}
	assert.Nil(t, store.messages[0].PaymentID)
}

func TestDispatch_ChargeWithoutExpiryUsesFallback(t *testing.T) {
	store := &memStore{}
	c := &fakeCharger{charge: &gateway.Charge{ChargeID: "1", QRText: "000201"}}
	d := newTestDispatcher(store, newFakeMessenger(), c)

	before := time.Now()
	res := d.Dispatch(context.Background(), fixture(db.PreferenceAutomaticCharge))

	require.NoError(t, res.ChainErr)
	require.NotNil(t, res.Payment)
	assert.WithinDuration(t, before.Add(30*time.Minute), res.Payment.ExpiresAt, 5*time.Second)
	assert.Len(t, res.Parts, 1, "no image without a QR image")
}

func TestDispatch_MissingCredentialsSkipsChain(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	c := &fakeCharger{}
	d := newTestDispatcher(store, m, c)
	ev := fixture(db.PreferenceAutomaticCharge)
	ev.Tenant.PaymentAccessToken = ""

	res := d.Dispatch(context.Background(), ev)

	assert.True(t, res.Sent())
	assert.ErrorIs(t, res.ChainErr, errs.ErrConfigurationMissing)
	assert.Len(t, m.sent, 1)
	assert.Len(t, store.messages, 1)
	assert.Equal(t, db.MessageSent, store.messages[0].Status)
}

func TestDispatch_ChainFailureKeepsPrimarySent(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	m.failAt = 1
	m.err = errs.NewGatewayRejected("send image", 400, "invalid media")
	c := &fakeCharger{charge: &gateway.Charge{ChargeID: "9", QRImageBase64: "x", QRText: "000201"}}
	d := newTestDispatcher(store, m, c)

	res := d.Dispatch(context.Background(), fixture(db.PreferenceAutomaticCharge))

	assert.True(t, res.Sent())
	assert.ErrorIs(t, res.ChainErr, errs.ErrGatewayRejected)
	require.Len(t, store.messages, 2, "code text is not sent after the image failed")
	assert.Equal(t, db.MessageSent, store.messages[0].Status)
	assert.Equal(t, db.MessageFailed, store.messages[1].Status)
}

func TestDispatch_ManualCodeChain(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	d := newTestDispatcher(store, m, nil)
	ev := fixture(db.PreferenceManualCode)

	res := d.Dispatch(context.Background(), ev)

	require.NoError(t, res.ChainErr)
	require.Len(t, m.sent, 4)
	assert.Equal(t, ManualLeadIn, m.sent[1].text)
	assert.Equal(t, ev.Tenant.ManualPixCode, m.sent[2].text)
	assert.Equal(t, ManualConfirmRequest, m.sent[3].text)

	kinds := make([]string, 0, len(store.messages))
	for _, rec := range store.messages {
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []string{db.KindReminder, db.KindManualLeadIn, db.KindManualCode, db.KindManualConfirmRequest}, kinds)
}

func TestDispatch_ManualCodeMissing(t *testing.T) {
	store := &memStore{}
	m := newFakeMessenger()
	d := newTestDispatcher(store, m, nil)
	ev := fixture(db.PreferenceManualCode)
	ev.Tenant.ManualPixCode = ""

	res := d.Dispatch(context.Background(), ev)

	assert.True(t, res.Sent())
	assert.ErrorIs(t, res.ChainErr, errs.ErrConfigurationMissing)
	assert.Len(t, m.sent, 1)
}

func TestSendSingle_UnexpectedStatusIsFailure(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(store, &statusMessenger{code: 202}, nil)

	rec, err := d.SendSingle(context.Background(), Part{TenantID: uuid.New(), Kind: db.KindPaymentConfirmation, Text: "ok"})

	require.Error(t, err)
	assert.Equal(t, db.MessageFailed, rec.Status)
}

type statusMessenger struct {
	fakeMessenger
	code int
}

func (s statusMessenger) SendText(context.Context, string, string, string) (*gateway.SendResult, error) {
	return &gateway.SendResult{MessageID: "X", StatusCode: s.code}, nil
}

func TestSendSingle_DeliveredButNotRecorded(t *testing.T) {
	store := &memStore{recordErr: errors.New("connection refused")}
	m := newFakeMessenger()
	d := newTestDispatcher(store, m, nil)

	rec, err := d.SendSingle(context.Background(), Part{TenantID: uuid.New(), Kind: db.KindPaymentConfirmation, Text: "ok"})

	require.ErrorIs(t, err, ErrNotRecorded)
	assert.True(t, Delivered(err))
	assert.Equal(t, db.MessageSent, rec.Status)
	assert.Len(t, m.sent, 1)
}

func TestSendSingle_FailedSendNotRecordedIsNotDelivered(t *testing.T) {
	store := &memStore{recordErr: errors.New("connection refused")}
	m := newFakeMessenger()
	m.failAt = 0
	m.err = errs.NewGatewayUnavailable("send text", 503, nil)
	d := newTestDispatcher(store, m, nil)

	_, err := d.SendSingle(context.Background(), Part{TenantID: uuid.New(), Kind: db.KindPaymentConfirmation, Text: "ok"})

	require.ErrorIs(t, err, errs.ErrGatewayUnavailable)
	assert.NotErrorIs(t, err, ErrNotRecorded)
	assert.False(t, Delivered(err))
}

func TestDispatch_UnrecordedSendsKeepChainGoing(t *testing.T) {
	store := &memStore{recordErr: errors.New("connection refused")}
	m := newFakeMessenger()
	d := newTestDispatcher(store, m, nil)

	res := d.Dispatch(context.Background(), fixture(db.PreferenceManualCode))

	assert.True(t, res.Sent(), "the reminder reached the customer")
	assert.NoError(t, res.Err)
	assert.NoError(t, res.ChainErr)
	assert.ErrorIs(t, res.RecordErr, ErrNotRecorded)
	assert.Len(t, m.sent, 4)
	assert.Len(t, res.Parts, 3)
}
