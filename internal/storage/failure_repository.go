package storage

import (
	"context"
	"fmt"
)

const failedContentKey = "pins:failed"

// FailureRepository records content ids that could not be pinned, with the reason
type FailureRepository struct {
	redis *RedisStore
}

// NewFailureRepository creates a new failure repository
func NewFailureRepository(redis *RedisStore) *FailureRepository {
	return &FailureRepository{redis: redis}
}

// Record stores reason for cid, replacing any earlier reason
func (r *FailureRepository) Record(ctx context.Context, cid, reason string) error {
	if err := r.redis.client.HSet(ctx, failedContentKey, cid, reason).Err(); err != nil {
		return fmt.Errorf("failed to record pin failure for %s: %w", cid, err)
	}
	return nil
}

// Clear forgets a failure, typically after a later pin succeeded
func (r *FailureRepository) Clear(ctx context.Context, cid string) error {
	if err := r.redis.client.HDel(ctx, failedContentKey, cid).Err(); err != nil {
		return fmt.Errorf("failed to clear pin failure for %s: %w", cid, err)
	}
	return nil
}

// List returns every failed content id and its reason
func (r *FailureRepository) List(ctx context.Context) (map[string]string, error) {
	failures, err := r.redis.client.HGetAll(ctx, failedContentKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pin failures: %w", err)
	}
	return failures, nil
}
