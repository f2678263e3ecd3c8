package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/gateway"
)

// ProtectedMessenger wraps a gateway.Messenger with one CircuitBreaker per
// messaging instance, so a tenant whose instance is down never blocks the
// others. Only unavailability (network errors, timeouts, 5xx) trips a
// breaker: a rejected payload says nothing about the provider's health.
type ProtectedMessenger struct {
	next   gateway.Messenger
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

var _ gateway.Messenger = (*ProtectedMessenger)(nil)

// NewProtectedMessenger returns a decorator that builds breakers from cfg
// on first use. Each breaker is named cfg.Name + ":" + instance.
func NewProtectedMessenger(next gateway.Messenger, cfg Config, logger *zap.Logger) *ProtectedMessenger {
	return &ProtectedMessenger{
		next:     next,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the circuit breaker guarding instance.
func (p *ProtectedMessenger) Breaker(instance string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[instance]
	if !ok {
		cfg := p.cfg
		cfg.Name = p.cfg.Name + ":" + instance
		cb = New(cfg, p.logger)
		p.breakers[instance] = cb
	}
	return cb
}

// Breakers returns every breaker created so far, ordered by name.
func (p *ProtectedMessenger) Breakers() []*CircuitBreaker {
	p.mu.Lock()
	out := make([]*CircuitBreaker, 0, len(p.breakers))
	for _, cb := range p.breakers {
		out = append(out, cb)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (p *ProtectedMessenger) admit(op, instance string) (*CircuitBreaker, error) {
	cb := p.Breaker(instance)
	if cb.Allow() {
		return cb, nil
	}
	p.logger.Warn("circuit breaker rejected call",
		zap.String("breaker", cb.Name()),
		zap.String("op", op),
		zap.String("instance", instance),
	)
	return nil, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.Name())
}

func record(cb *CircuitBreaker, err error) {
	if err != nil && errors.Is(err, errs.ErrGatewayUnavailable) {
		cb.RecordFailure()
		return
	}
	cb.RecordSuccess()
}

func (p *ProtectedMessenger) CreateSession(ctx context.Context, instance string) (*gateway.Session, error) {
	cb, err := p.admit("create session", instance)
	if err != nil {
		return nil, err
	}
	s, err := p.next.CreateSession(ctx, instance)
	record(cb, err)
	return s, err
}

func (p *ProtectedMessenger) ConnectionState(ctx context.Context, instance string) (string, error) {
	cb, err := p.admit("connection state", instance)
	if err != nil {
		return "", err
	}
	state, err := p.next.ConnectionState(ctx, instance)
	record(cb, err)
	return state, err
}

func (p *ProtectedMessenger) SendText(ctx context.Context, instance, phone, text string) (*gateway.SendResult, error) {
	cb, err := p.admit("send text", instance)
	if err != nil {
		return nil, err
	}
	res, err := p.next.SendText(ctx, instance, phone, text)
	record(cb, err)
	return res, err
}

func (p *ProtectedMessenger) SendImage(ctx context.Context, instance, phone, imageBase64, caption string) (*gateway.SendResult, error) {
	cb, err := p.admit("send image", instance)
	if err != nil {
		return nil, err
	}
	res, err := p.next.SendImage(ctx, instance, phone, imageBase64, caption)
	record(cb, err)
	return res, err
}

func (p *ProtectedMessenger) SetWebhook(ctx context.Context, instance, webhookURL string) error {
	cb, err := p.admit("set webhook", instance)
	if err != nil {
		return err
	}
	err = p.next.SetWebhook(ctx, instance, webhookURL)
	record(cb, err)
	return err
}
