package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment preference values configured per tenant
const (
	PreferenceNone            = "none"
	PreferenceAutomaticCharge = "automatic-charge"
	PreferenceManualCode      = "manual-code"
)

// NotificationRule enables a reminder at OffsetDays relative to the due
// date. Negative offsets are days before it, positive offsets days after.
type NotificationRule struct {
	OffsetDays int  `json:"offset_days"`
	Enabled    bool `json:"enabled"`
}

// Tenant is the billing business using the service. Read-only to the core.
type Tenant struct {
	ID                 uuid.UUID          `json:"id"`
	Name               string             `json:"name"`
	OwnerPhone         string             `json:"owner_phone"`
	Instance           string             `json:"instance"`
	PaymentPreference  string             `json:"payment_preference"`
	ManualPixCode      string             `json:"-"`
	PaymentAccessToken string             `json:"-"`
	PacingSeconds      *int               `json:"pacing_seconds,omitempty"`
	Rules              []NotificationRule `json:"rules"`
}

// Account status constants
const (
	AccountActive   = "active"
	AccountInactive = "inactive"
)

// Account is a billed customer of a tenant. The core only reads it, except
// for the due-date rollover after an approved payment.
type Account struct {
	ID       uuid.UUID       `json:"id"`
	TenantID uuid.UUID       `json:"tenant_id"`
	Name     string          `json:"name"`
	Phone    string          `json:"phone"`
	Email    string          `json:"email,omitempty"`
	DueDate  *time.Time      `json:"due_date,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Status   string          `json:"status"`
}

// MessageTemplate is a tenant override of the built-in reminder text.
type MessageTemplate struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	OffsetDays int       `json:"offset_days"`
	Body       string    `json:"body"`
}

// Message status constants, ordered by delivery progress
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
	MessageFailed    = "failed"
)

// Message kinds, one per part of a dispatched sequence
const (
	KindReminder             = "reminder"
	KindPixQR                = "pix_qr"
	KindPixCode              = "pix_code"
	KindManualLeadIn         = "manual_lead_in"
	KindManualCode           = "manual_code"
	KindManualConfirmRequest = "manual_confirm_request"
	KindPaymentConfirmation  = "payment_confirmation"
)

// MessageRecord is one provider send attempt
type MessageRecord struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	AccountID         *uuid.UUID `json:"account_id,omitempty"`
	TemplateID        *uuid.UUID `json:"template_id,omitempty"`
	PaymentID         *uuid.UUID `json:"payment_id,omitempty"`
	Kind              string     `json:"kind"`
	Body              string     `json:"body"`
	Phone             string     `json:"phone"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	Status            string     `json:"status"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	SentAt            time.Time  `json:"sent_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Payment status constants
const (
	PaymentPending   = "pending"
	PaymentApproved  = "approved"
	PaymentFailed    = "failed"
	PaymentCancelled = "cancelled"
)

// Payment owner variants
const (
	OwnerTenant  = "tenant"
	OwnerAccount = "account"
)

// PaymentRecord is a PIX charge owned either by a tenant (platform
// subscription) or by one of its accounts.
type PaymentRecord struct {
	ID          uuid.UUID       `json:"id"`
	OwnerType   string          `json:"owner_type"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	AccountID   *uuid.UUID      `json:"account_id,omitempty"`
	PlanID      *string         `json:"plan_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalID  string          `json:"external_id"`
	ExternalRef string          `json:"external_ref"`
	Status      string          `json:"status"`
	QRCodeText  string          `json:"qr_code_text,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Subscription status constants
const (
	SubscriptionTrial   = "trial"
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

// Subscription is a tenant's platform plan.
type Subscription struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	Status    string    `json:"status"`
	PlanID    string    `json:"plan_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Outbox status constants
const (
	OutboxPending      = "pending"
	OutboxProcessing   = "processing"
	OutboxSent         = "sent"
	OutboxDeadLettered = "dead_lettered"
)

// OutboxMessage is a confirmation message waiting to be sent by the worker
type OutboxMessage struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	AccountID    *uuid.UUID `json:"account_id,omitempty"`
	PaymentID    *uuid.UUID `json:"payment_id,omitempty"`
	Instance     string     `json:"instance"`
	Phone        string     `json:"phone"`
	Body         string     `json:"body"`
	Status       string     `json:"status"`
	Attempt      int        `json:"attempt"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DLQ Status constants
const (
	DLQStatusPending   = "pending"
	DLQStatusRetried   = "retried"
	DLQStatusDiscarded = "discarded"
)

// DeadLetterMessage represents an outbox message that exhausted its retries
type DeadLetterMessage struct {
	ID                uuid.UUID  `json:"id"`
	OriginalMessageID uuid.UUID  `json:"original_message_id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	PaymentID         *uuid.UUID `json:"payment_id,omitempty"`
	Instance          string     `json:"instance"`
	Phone             string     `json:"phone"`
	Body              string     `json:"body"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error"`
	Status            string     `json:"status"`
	RetriedMessageID  *uuid.UUID `json:"retried_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ApprovalEffects carries what ApprovePayment needs to apply side effects
// inside the approval transaction.
type ApprovalEffects struct {
	PaidAt               time.Time
	Now                  time.Time
	Today                time.Time
	SubscriptionTermDays int
	// Confirmation builds the outbox message from the applied outcome.
	// Returning nil skips the confirmation.
	Confirmation func(*ApprovalOutcome) *OutboxMessage
}

// ApprovalOutcome describes what an approval changed. Applied is false when
// the payment was already approved and nothing was touched.
type ApprovalOutcome struct {
	Payment               *PaymentRecord
	Applied               bool
	Tenant                *Tenant
	Account               *Account
	NewDueDate            *time.Time
	SubscriptionExpiresAt *time.Time
	Confirmation          *OutboxMessage
}
