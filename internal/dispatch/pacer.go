package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/metrics"
	"github.com/lalithlochan/pixbill/internal/redis"
)

const minLimiterWait = 100 * time.Millisecond

// Limiter is the shared per-tenant send budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Pacer spaces sends of one tenant. Each caller reserves the next slot,
// max(now, previous slot + delay), and sleeps until it; the Redis limiter
// then caps the tenant's volume across replicas.
type Pacer struct {
	mu      sync.Mutex
	slots   map[string]time.Time
	limiter Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewPacer returns a pacer. limiter may be nil.
func NewPacer(limiter Limiter, logger *zap.Logger) *Pacer {
	return &Pacer{
		slots:   make(map[string]time.Time),
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

func (p *Pacer) reserve(key string, delay time.Duration) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, s := range p.slots {
		// A slot in the past imposes no wait.
		if k != key && !s.After(now) {
			delete(p.slots, k)
		}
	}
	slot := p.slots[key]
	if slot.Before(now) {
		slot = now
	}
	p.slots[key] = slot.Add(delay)
	return slot
}

func (p *Pacer) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Wait blocks until key may send again. It returns ctx.Err() if the
// context ends first.
func (p *Pacer) Wait(ctx context.Context, key string, delay time.Duration) error {
	start := p.now()
	defer func() { metrics.RecordPacerWait(p.now().Sub(start)) }()

	if err := sleepUntil(ctx, p.reserve(key, delay), p.now); err != nil {
		return err
	}
	if p.limiter == nil {
		return nil
	}

	for {
		res, err := p.limiter.Allow(ctx, key)
		if err != nil {
			// Fail open: local pacing still holds.
			p.logger.Warn("send limiter unavailable", zap.String("key", key), zap.Error(err))
			return nil
		}
		if res.Allowed {
			return nil
		}
		metrics.RecordRateLimitRejection("tenant_send")
		p.logger.Debug("tenant send budget exhausted",
			zap.String("key", key),
			zap.Time("reset_at", res.ResetAt),
		)
		resetAt := res.ResetAt
		if floor := p.now().Add(minLimiterWait); resetAt.Before(floor) {
			resetAt = floor
		}
		if err := sleepUntil(ctx, resetAt, p.now); err != nil {
			return err
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time, now func() time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
