package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
)

const (
	dailyPointerPrefix = "nameops:daily:"
	dailyIndexKey      = "nameops:days"
)

// ContentStore is the content-addressed store records are published to
type ContentStore interface {
	Add(ctx context.Context, r io.Reader) (string, error)
	Stream(ctx context.Context, cid string) (io.ReadCloser, error)
	Pin(ctx context.Context, cid string) error
}

// DailyRecordRepository publishes daily records to the content store and keeps the
// per-date pointer and the date index in Redis.
type DailyRecordRepository struct {
	redis   *RedisStore
	content ContentStore
}

// NewDailyRecordRepository creates a new daily record repository
func NewDailyRecordRepository(redis *RedisStore, content ContentStore) *DailyRecordRepository {
	return &DailyRecordRepository{redis: redis, content: content}
}

func dailyPointerKey(date string) string {
	return dailyPointerPrefix + date
}

// CID returns the content id currently published for date
func (r *DailyRecordRepository) CID(ctx context.Context, date string) (string, error) {
	cid, err := r.redis.client.Get(ctx, dailyPointerKey(date)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", apperrors.NewNotFoundError("daily record", date)
		}
		return "", fmt.Errorf("failed to resolve daily record %s: %w", date, err)
	}
	return cid, nil
}

// Resolve returns the latest published record for date, or a not found error
func (r *DailyRecordRepository) Resolve(ctx context.Context, date string) (*models.DailyRecord, error) {
	cid, err := r.CID(ctx, date)
	if err != nil {
		return nil, err
	}

	body, err := r.content.Stream(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("failed to read daily record %s (%s): %w", date, cid, err)
	}
	defer body.Close()

	var record models.DailyRecord
	if err := json.NewDecoder(body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode daily record %s (%s): %w", date, cid, err)
	}
	return &record, nil
}

// Publish stores record, pins it and points its date at the new content id
func (r *DailyRecordRepository) Publish(ctx context.Context, record *models.DailyRecord) (string, error) {
	day, err := time.Parse(types.DateLayout, record.Date)
	if err != nil {
		return "", fmt.Errorf("invalid record date %q: %w", record.Date, err)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode daily record %s: %w", record.Date, err)
	}

	cid, err := r.content.Add(ctx, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to add daily record %s: %w", record.Date, err)
	}
	if err := r.content.Pin(ctx, cid); err != nil {
		return "", fmt.Errorf("failed to pin daily record %s: %w", record.Date, err)
	}

	_, err = r.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, dailyPointerKey(record.Date), cid, 0)
		pipe.ZAdd(ctx, dailyIndexKey, redis.Z{Score: float64(day.Unix()), Member: record.Date})
		return nil
	})
	if err != nil {
		return "", apperrors.NewStatePersistenceError("daily record pointer "+record.Date, err)
	}
	return cid, nil
}

// RecentDates returns up to n dates with a published record, newest first
func (r *DailyRecordRepository) RecentDates(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	dates, err := r.redis.client.ZRevRange(ctx, dailyIndexKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent dates: %w", err)
	}
	return dates, nil
}
