package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nameop-indexer/internal/adapter"
	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/types"
)

// ChainSource is the chain read surface used by the block processor
type ChainSource interface {
	TxIDFromPos(ctx context.Context, height int64, pos int) (string, error)
	GetTransactions(ctx context.Context, txids []string) ([]*adapter.VerboseTx, error)
}

// BlockResult is the outcome of processing one height
type BlockResult struct {
	Height     int64
	BlockHash  string
	BlockDate  string // empty when the block had no transactions
	BlockTime  int64
	TxCount    int
	Operations []types.NameOperation
}

// BlockProcessorConfig holds block processor configuration
type BlockProcessorConfig struct {
	BatchSize           int
	PositionRetryDelay  time.Duration
	PositionMaxAttempts int
}

// BlockProcessor enumerates the transactions of a block and extracts its name operations
type BlockProcessor struct {
	chain  ChainSource
	config BlockProcessorConfig
	logger *logging.Logger
}

// NewBlockProcessor creates a new block processor
func NewBlockProcessor(chain ChainSource, config BlockProcessorConfig) *BlockProcessor {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.PositionMaxAttempts <= 0 {
		config.PositionMaxAttempts = 10
	}
	return &BlockProcessor{
		chain:  chain,
		config: config,
		logger: logging.Component("block-processor"),
	}
}

// ProcessHeight enumerates positions 0,1,2,... until the node reports no transaction at the
// position, then fetches the transactions in batches and decodes their outputs.
func (p *BlockProcessor) ProcessHeight(ctx context.Context, height int64) (*BlockResult, error) {
	txids, err := p.enumerate(ctx, height)
	if err != nil {
		return nil, err
	}

	result := &BlockResult{Height: height, TxCount: len(txids)}

	for start := 0; start < len(txids); start += p.config.BatchSize {
		end := start + p.config.BatchSize
		if end > len(txids) {
			end = len(txids)
		}

		txs, err := p.chain.GetTransactions(ctx, txids[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transactions %d-%d at height %d: %w", start, end-1, height, err)
		}

		for _, tx := range txs {
			if result.BlockHash == "" && tx.BlockHash != "" {
				result.BlockHash = tx.BlockHash
				result.BlockTime = tx.BlockTime
				if result.BlockTime == 0 {
					result.BlockTime = tx.Time
				}
			}
			result.Operations = append(result.Operations, adapter.ExtractNameOperations(tx, height)...)
		}
	}

	if result.TxCount > 0 && result.BlockTime != 0 {
		result.BlockDate = time.Unix(result.BlockTime, 0).UTC().Format(types.DateLayout)
	}

	p.logger.WithFields(map[string]interface{}{
		"height":   height,
		"txs":      result.TxCount,
		"name_ops": len(result.Operations),
	}).Debug("Processed block")

	return result, nil
}

func (p *BlockProcessor) enumerate(ctx context.Context, height int64) ([]string, error) {
	var txids []string
	for pos := 0; ; pos++ {
		txid, err := p.txIDWithRetry(ctx, height, pos)
		if err != nil {
			if errors.Is(err, apperrors.ErrTerminalEnumeration) {
				return txids, nil
			}
			return nil, err
		}
		txids = append(txids, txid)
	}
}

// txIDWithRetry retries transient failures at the same position. Connectivity errors
// are returned at once so the orchestrator can reconnect.
func (p *BlockProcessor) txIDWithRetry(ctx context.Context, height int64, pos int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.config.PositionMaxAttempts; attempt++ {
		txid, err := p.chain.TxIDFromPos(ctx, height, pos)
		if err == nil {
			return txid, nil
		}
		if errors.Is(err, apperrors.ErrTerminalEnumeration) || apperrors.IsConnectivity(err) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		lastErr = err
		p.logger.WithFields(map[string]interface{}{
			"height":  height,
			"pos":     pos,
			"attempt": attempt,
		}).WithError(err).Warn("Position query failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.config.PositionRetryDelay):
		}
	}
	return "", fmt.Errorf("position %d at height %d failed after %d attempts: %w",
		pos, height, p.config.PositionMaxAttempts, lastErr)
}
