package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := NewUnknownRecord("payment", "123")
	wrapped := fmt.Errorf("handle webhook: %w", err)

	if !errors.Is(wrapped, ErrUnknownRecord) {
		t.Fatal("expected wrapped error to match ErrUnknownRecord")
	}
	if errors.Is(wrapped, ErrAlreadyTerminal) {
		t.Fatal("unknown record must not match ErrAlreadyTerminal")
	}
}

func TestCodeOfAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      Code
		retryable bool
	}{
		{"unavailable", NewGatewayUnavailable("send text", 502, errors.New("bad gateway")), CodeGatewayUnavailable, true},
		{"rejected", NewGatewayRejected("send text", 400, `{"error":"bad number"}`), CodeGatewayRejected, false},
		{"config", NewConfigurationMissing("payment access token"), CodeConfigurationMissing, false},
		{"plain", errors.New("boom"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.code {
				t.Errorf("CodeOf() = %q, want %q", got, tt.code)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewGatewayUnavailable("query status", 0, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}
