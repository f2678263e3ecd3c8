package gateway

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/errs"
)

// Connection states reported by the messaging provider
const (
	StateOpen       = "open"
	StateConnecting = "connecting"
	StateClose      = "close"
)

// Events the service subscribes to on every session
var WebhookEvents = []string{"MESSAGES_UPDATE", "MESSAGES_UPSERT", "SEND_MESSAGE", "CONNECTION_UPDATE"}

// Messenger is the messaging provider surface. It is implemented by
// MessagingClient and by the circuit-breaker decorator around it.
type Messenger interface {
	CreateSession(ctx context.Context, instance string) (*Session, error)
	ConnectionState(ctx context.Context, instance string) (string, error)
	SendText(ctx context.Context, instance, phone, text string) (*SendResult, error)
	SendImage(ctx context.Context, instance, phone, imageBase64, caption string) (*SendResult, error)
	SetWebhook(ctx context.Context, instance, webhookURL string) error
}

// SendResult is the provider's acceptance of a message
type SendResult struct {
	MessageID  string
	StatusCode int
}

// Session is a newly created messaging session
type Session struct {
	Instance     string
	QRCodeBase64 string
}

type MessagingConfig struct {
	BaseURL     string
	APIKey      string
	CountryCode string
	Timeout     time.Duration
}

// MessagingClient talks to the chat messaging provider
type MessagingClient struct {
	api         *apiClient
	apiKey      string
	countryCode string
	logger      *zap.Logger
}

func NewMessagingClient(cfg MessagingConfig, logger *zap.Logger) *MessagingClient {
	return &MessagingClient{
		api:         newAPIClient(cfg.BaseURL, cfg.Timeout, logger),
		apiKey:      cfg.APIKey,
		countryCode: cfg.CountryCode,
		logger:      logger,
	}
}

func (c *MessagingClient) headers() map[string]string {
	return map[string]string{"apikey": c.apiKey}
}

// variant is one accepted request shape of an endpoint whose payload
// changed between provider versions.
type variant struct {
	name string
	body any
}

// postVariants tries each variant in order and stops at the first one the
// provider accepts. Only a rejection moves on to the next variant; an
// unavailable provider ends the call.
func (c *MessagingClient) postVariants(ctx context.Context, op, path string, variants []variant, out any) (int, error) {
	var lastErr error
	var lastStatus int
	for _, v := range variants {
		status, err := c.api.do(ctx, op, "POST", path, c.headers(), v.body, out)
		if err == nil {
			c.logger.Debug("payload variant accepted", zap.String("op", op), zap.String("variant", v.name))
			return status, nil
		}
		if !errors.Is(err, errs.ErrGatewayRejected) {
			return status, err
		}
		c.logger.Debug("payload variant rejected",
			zap.String("op", op),
			zap.String("variant", v.name),
			zap.Error(err),
		)
		lastErr, lastStatus = err, status
	}
	return lastStatus, lastErr
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

func (c *MessagingClient) sendResult(status int, resp sendResponse) *SendResult {
	return &SendResult{MessageID: resp.Key.ID, StatusCode: status}
}

type sendTextBody struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText sends a plain text message
func (c *MessagingClient) SendText(ctx context.Context, instance, phone, text string) (*SendResult, error) {
	number := NormalizePhone(phone, c.countryCode)
	if number == "" {
		return nil, errs.NewGatewayRejected("send text", 0, "empty phone number")
	}

	var resp sendResponse
	path := "/message/sendText/" + url.PathEscape(instance)
	status, err := c.api.do(ctx, "send text", "POST", path, c.headers(), sendTextBody{Number: number, Text: text}, &resp)
	if err != nil {
		return nil, err
	}
	return c.sendResult(status, resp), nil
}

type mediaFlat struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype"`
	Media     string `json:"media"`
	Caption   string `json:"caption"`
	FileName  string `json:"fileName"`
}

type mediaNested struct {
	Number       string `json:"number"`
	MediaMessage struct {
		MediaType string `json:"mediatype"`
		Media     string `json:"media"`
		Caption   string `json:"caption"`
		FileName  string `json:"fileName"`
	} `json:"mediaMessage"`
}

// SendImage sends a base64 PNG with a caption
func (c *MessagingClient) SendImage(ctx context.Context, instance, phone, imageBase64, caption string) (*SendResult, error) {
	number := NormalizePhone(phone, c.countryCode)
	if number == "" {
		return nil, errs.NewGatewayRejected("send image", 0, "empty phone number")
	}

	flat := mediaFlat{
		Number:    number,
		MediaType: "image",
		MimeType:  "image/png",
		Media:     imageBase64,
		Caption:   caption,
		FileName:  "pix.png",
	}
	nested := mediaNested{Number: number}
	nested.MediaMessage.MediaType = "image"
	nested.MediaMessage.Media = imageBase64
	nested.MediaMessage.Caption = caption
	nested.MediaMessage.FileName = "pix.png"

	var resp sendResponse
	path := "/message/sendMedia/" + url.PathEscape(instance)
	status, err := c.postVariants(ctx, "send image", path, []variant{
		{name: "flat", body: flat},
		{name: "media-message", body: nested},
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.sendResult(status, resp), nil
}

type createInstanceBody struct {
	InstanceName string `json:"instanceName"`
	QRCode       bool   `json:"qrcode"`
	Integration  string `json:"integration"`
}

type createInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
	} `json:"instance"`
	QRCode struct {
		Base64 string `json:"base64"`
	} `json:"qrcode"`
}

// CreateSession creates a messaging session and returns its pairing QR code
func (c *MessagingClient) CreateSession(ctx context.Context, instance string) (*Session, error) {
	var resp createInstanceResponse
	body := createInstanceBody{InstanceName: instance, QRCode: true, Integration: "WHATSAPP-BAILEYS"}
	if _, err := c.api.do(ctx, "create session", "POST", "/instance/create", c.headers(), body, &resp); err != nil {
		return nil, err
	}

	name := resp.Instance.InstanceName
	if name == "" {
		name = instance
	}
	c.logger.Info("messaging session created", zap.String("instance", name))
	return &Session{Instance: name, QRCodeBase64: resp.QRCode.Base64}, nil
}

type connectionStateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
	State string `json:"state"`
}

// ConnectionState returns the session state, e.g. "open"
func (c *MessagingClient) ConnectionState(ctx context.Context, instance string) (string, error) {
	var resp connectionStateResponse
	path := "/instance/connectionState/" + url.PathEscape(instance)
	if _, err := c.api.do(ctx, "connection state", "GET", path, c.headers(), nil, &resp); err != nil {
		return "", err
	}
	if resp.Instance.State != "" {
		return resp.Instance.State, nil
	}
	return resp.State, nil
}

type webhookNested struct {
	Webhook struct {
		Enabled  bool     `json:"enabled"`
		URL      string   `json:"url"`
		ByEvents bool     `json:"byEvents"`
		Base64   bool     `json:"base64"`
		Events   []string `json:"events"`
	} `json:"webhook"`
}

type webhookFlat struct {
	Enabled         bool     `json:"enabled"`
	URL             string   `json:"url"`
	WebhookByEvents bool     `json:"webhook_by_events"`
	Events          []string `json:"events"`
}

// SetWebhook points the session's event webhook at webhookURL
func (c *MessagingClient) SetWebhook(ctx context.Context, instance, webhookURL string) error {
	if webhookURL == "" {
		return errs.NewConfigurationMissing("messaging webhook url")
	}

	var nested webhookNested
	nested.Webhook.Enabled = true
	nested.Webhook.URL = webhookURL
	nested.Webhook.Events = WebhookEvents

	flat := webhookFlat{Enabled: true, URL: webhookURL, Events: WebhookEvents}

	path := "/webhook/set/" + url.PathEscape(instance)
	_, err := c.postVariants(ctx, "set webhook", path, []variant{
		{name: "nested", body: nested},
		{name: "flat", body: flat},
	}, nil)
	return err
}
