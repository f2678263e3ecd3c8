package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultLockTTL bounds how long a reservation blocks other callers if
	// its owner dies without storing a result.
	DefaultLockTTL = 2 * time.Hour

	processingMarker = "processing"
)

// ErrInProgress indicates the key is reserved by a caller that has not
// stored its result yet.
var ErrInProgress = errors.New("idempotency key is reserved by a run in progress")

// IdempotencyResult is what a finished caller leaves behind for duplicates.
type IdempotencyResult struct {
	Reference  string `json:"reference"`
	StatusCode int    `json:"status_code,omitempty"`
	Summary    string `json:"summary,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService makes an operation run at most once per key using
// SET NX reservations.
type IdempotencyService struct {
	client  *Client
	logger  *zap.Logger
	lockTTL time.Duration
}

// NewIdempotencyService creates a new idempotency service. A zero lockTTL
// uses DefaultLockTTL.
func NewIdempotencyService(client *Client, logger *zap.Logger, lockTTL time.Duration) *IdempotencyService {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &IdempotencyService{
		client:  client,
		logger:  logger,
		lockTTL: lockTTL,
	}
}

func (s *IdempotencyService) buildKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Check retrieves a stored result.
// Returns (nil, nil) if the key is free, (result, nil) if a result exists,
// or ErrInProgress while the key is reserved.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrInProgress
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}
	return &result, nil
}

// Store saves the result of a finished operation, replacing the
// reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the key with SET NX. Returns true if this caller owns it.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, key), processingMarker, s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation that has no stored result, so a failed
// operation can be attempted again. Stored results are left alone.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	k := s.buildKey(scope, key)
	val, err := s.client.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	if err := s.client.rdb.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Forget removes the key whatever it holds.
func (s *IdempotencyService) Forget(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the stored result if there is one, otherwise
// reserves the key and returns (nil, nil). A key reserved by someone else
// yields ErrInProgress.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrInProgress
	}
	return nil, nil
}
