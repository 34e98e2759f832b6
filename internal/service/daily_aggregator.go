package service

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
)

// DailyRecordStore resolves and publishes daily records by date
type DailyRecordStore interface {
	Resolve(ctx context.Context, date string) (*models.DailyRecord, error)
	Publish(ctx context.Context, record *models.DailyRecord) (string, error)
}

// DailyAggregator folds name operations into the published record of their day
type DailyAggregator struct {
	store  DailyRecordStore
	logger *logging.Logger

	// merges are read-modify-write; serialise them within the process
	mu sync.Mutex
}

// NewDailyAggregator creates a new daily aggregator
func NewDailyAggregator(store DailyRecordStore) *DailyAggregator {
	return &DailyAggregator{
		store:  store,
		logger: logging.Component("daily_aggregator"),
	}
}

// MergeAndPublish unions ops into the record for date and republishes it.
// All ops are expected to come from the same block.
func (a *DailyAggregator) MergeAndPublish(ctx context.Context, date string, ops []types.NameOperation) (*models.DailyRecord, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("no name operations to merge for %s", date)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	logger := a.logger.WithField("date", date)

	record, err := a.store.Resolve(ctx, date)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			logger.WithError(err).Warn("Failed to resolve published record, starting fresh")
		}
		record = nil
	}

	block := ops[0]
	if record == nil {
		record = &models.DailyRecord{
			Date: date,
			Metadata: models.DailyMetadata{
				FirstBlockHeight: block.BlockHeight,
				FirstBlockHash:   block.BlockHash,
			},
		}
	}
	record.Date = date

	added := mergeOperations(record, ops)

	record.Metadata.LastBlockHeight = block.BlockHeight
	record.Metadata.LastBlockHash = block.BlockHash
	if block.BlockHeight < record.Metadata.FirstBlockHeight {
		record.Metadata.FirstBlockHeight = block.BlockHeight
		record.Metadata.FirstBlockHash = block.BlockHash
	}

	cid, err := a.store.Publish(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to publish daily record %s: %w", date, err)
	}

	logger.WithFields(map[string]interface{}{
		"cid":    cid,
		"added":  added,
		"total":  len(record.NameOps),
		"height": block.BlockHeight,
	}).Debug("Published daily record")

	return record, nil
}

// mergeOperations appends the operations not already present and returns how many were added
func mergeOperations(record *models.DailyRecord, ops []types.NameOperation) int {
	seen := make(map[types.NameOperation]struct{}, len(record.NameOps)+len(ops))
	for _, op := range record.NameOps {
		seen[op] = struct{}{}
	}

	added := 0
	for _, op := range ops {
		if _, dup := seen[op]; dup {
			continue
		}
		seen[op] = struct{}{}
		record.NameOps = append(record.NameOps, op)
		added++
	}
	return added
}
