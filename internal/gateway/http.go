// Package gateway holds the REST clients for the payment provider (PIX
// charges) and the messaging provider (chat sessions and sends). Every call
// is a single attempt bounded by a timeout; failures come back as *errs.Error
// with GATEWAY_UNAVAILABLE for network errors and 5xx responses and
// GATEWAY_REJECTED for 4xx responses.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/errs"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "pixbill/1.0"
)

// apiClient is the shared JSON transport of both provider clients.
type apiClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func newAPIClient(baseURL string, timeout time.Duration, logger *zap.Logger) *apiClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
		logger:  logger,
	}
}

// do sends body as JSON and decodes a 2xx response into out. It returns the
// HTTP status code even on failure so callers can record it.
func (c *apiClient) do(ctx context.Context, op, method, path string, headers map[string]string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", c.timeout, err)
		}
		return 0, errs.NewGatewayUnavailable(op, 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, errs.NewGatewayUnavailable(op, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	c.logger.Debug("gateway call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, errs.NewGatewayUnavailable(op, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, preview(raw)))
	case resp.StatusCode >= 300:
		return resp.StatusCode, errs.NewGatewayRejected(op, resp.StatusCode, preview(raw))
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errs.NewGatewayRejected(op, resp.StatusCode,
				fmt.Sprintf("decode response: %v", err))
		}
	}
	return resp.StatusCode, nil
}

func preview(raw []byte) string {
	const max = 512
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
