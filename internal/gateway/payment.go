package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
)

// Credentials authenticate calls against the payment provider on behalf
// of one receiver (a tenant, or the platform itself).
type Credentials struct {
	AccessToken string
}

// ChargeRequest describes a PIX charge to create
type ChargeRequest struct {
	Amount          decimal.Decimal
	Description     string
	PayerEmail      string
	ExternalRef     string
	NotificationURL string
	ExpiresAt       time.Time
}

// Charge is a created PIX charge
type Charge struct {
	ChargeID      string
	QRImageBase64 string
	QRText        string
	// ExpiresAt is the provider-quoted expiry, nil when the provider did
	// not return one.
	ExpiresAt *time.Time
}

// ChargeStatus is the provider's view of a charge
type ChargeStatus struct {
	ProviderStatus string
	PaidAt         *time.Time
}

type PaymentConfig struct {
	BaseURL string
	Timeout time.Duration
}

// PaymentClient talks to the PIX payment provider
type PaymentClient struct {
	api    *apiClient
	logger *zap.Logger
}

func NewPaymentClient(cfg PaymentConfig, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{
		api:    newAPIClient(cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

type chargePayer struct {
	Email string `json:"email"`
}

type createChargeBody struct {
	TransactionAmount json.Number  `json:"transaction_amount"`
	Description       string       `json:"description"`
	PaymentMethodID   string       `json:"payment_method_id"`
	Payer             *chargePayer `json:"payer,omitempty"`
	ExternalReference string       `json:"external_reference"`
	NotificationURL   string       `json:"notification_url,omitempty"`
	DateOfExpiration  string       `json:"date_of_expiration,omitempty"`
}

type chargeResponse struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	DateOfExpiration   string      `json:"date_of_expiration"`
	DateApproved       string      `json:"date_approved"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func authHeaders(creds Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds.AccessToken}
}

// CreateCharge creates a PIX charge. The external reference doubles as the
// provider idempotency key, so a repeated request returns the same charge.
func (c *PaymentClient) CreateCharge(ctx context.Context, creds Credentials, req ChargeRequest) (*Charge, error) {
	if creds.AccessToken == "" {
		return nil, errs.NewConfigurationMissing("payment access token")
	}
	if req.ExternalRef == "" {
		return nil, fmt.Errorf("create charge: external reference is required")
	}

	body := createChargeBody{
		TransactionAmount: json.Number(req.Amount.StringFixed(2)),
		Description:       req.Description,
		PaymentMethodID:   "pix",
		ExternalReference: req.ExternalRef,
		NotificationURL:   req.NotificationURL,
	}
	if req.PayerEmail != "" {
		body.Payer = &chargePayer{Email: req.PayerEmail}
	}
	if !req.ExpiresAt.IsZero() {
		body.DateOfExpiration = req.ExpiresAt.Format("2006-01-02T15:04:05.000-07:00")
	}

	headers := authHeaders(creds)
	headers["X-Idempotency-Key"] = req.ExternalRef

	var resp chargeResponse
	if _, err := c.api.do(ctx, "create charge", "POST", "/v1/payments", headers, body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errs.NewGatewayRejected("create charge", 0, "response without charge id")
	}

	charge := &Charge{
		ChargeID:      resp.ID.String(),
		QRImageBase64: resp.PointOfInteraction.TransactionData.QRCodeBase64,
		QRText:        resp.PointOfInteraction.TransactionData.QRCode,
		ExpiresAt:     parseProviderTime(resp.DateOfExpiration),
	}

	c.logger.Info("charge created",
		zap.String("charge_id", charge.ChargeID),
		zap.String("external_ref", req.ExternalRef),
		zap.String("amount", req.Amount.StringFixed(2)),
	)
	return charge, nil
}

// QueryStatus fetches the current provider status of a charge
func (c *PaymentClient) QueryStatus(ctx context.Context, creds Credentials, chargeID string) (*ChargeStatus, error) {
	if creds.AccessToken == "" {
		return nil, errs.NewConfigurationMissing("payment access token")
	}

	var resp chargeResponse
	path := "/v1/payments/" + url.PathEscape(chargeID)
	if _, err := c.api.do(ctx, "query charge", "GET", path, authHeaders(creds), nil, &resp); err != nil {
		return nil, err
	}

	return &ChargeStatus{
		ProviderStatus: resp.Status,
		PaidAt:         parseProviderTime(resp.DateApproved),
	}, nil
}

func parseProviderTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// ExternalRef composes the unique reference of a charge from its owner and
// creation time. Tenant-owned charges pass uuid.Nil as account.
func ExternalRef(tenant, account uuid.UUID, t time.Time) string {
	owner := "platform"
	if account != uuid.Nil {
		owner = account.String()
	}
	return fmt.Sprintf("%s:%s:%d", tenant, owner, t.UnixMilli())
}

// MapChargeStatus maps a provider status onto the internal payment status.
// Unknown values map to failed.
func MapChargeStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "pending", "in_process", "in_mediation":
		return db.PaymentPending
	case "approved", "authorized":
		return db.PaymentApproved
	case "cancelled", "refunded", "charged_back":
		return db.PaymentCancelled
	default:
		return db.PaymentFailed
	}
}
