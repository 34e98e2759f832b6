package worker

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameop-indexer/internal/adapter"
	apperrors "github.com/nameop-indexer/internal/errors"
)

// fakeChain serves blocks as lists of transactions. failures[pos] transient errors are
// returned before the position succeeds.
type fakeChain struct {
	mu       sync.Mutex
	blocks   map[int64][]*adapter.VerboseTx
	failures map[int]int
	connErr  error
	calls    map[int]int
	batches  [][]string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:   make(map[int64][]*adapter.VerboseTx),
		failures: make(map[int]int),
		calls:    make(map[int]int),
	}
}

func (f *fakeChain) TxIDFromPos(ctx context.Context, height int64, pos int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[pos]++
	if f.connErr != nil {
		return "", f.connErr
	}
	if f.failures[pos] > 0 {
		f.failures[pos]--
		return "", apperrors.NewTransientQueryError(adapter.MethodTxIDFromPos, -32000, "busy")
	}
	txs := f.blocks[height]
	if pos >= len(txs) {
		return "", apperrors.NewTerminalEnumerationError(height, pos)
	}
	return txs[pos].Txid, nil
}

func (f *fakeChain) GetTransactions(ctx context.Context, txids []string) ([]*adapter.VerboseTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), txids...))
	var out []*adapter.VerboseTx
	for _, id := range txids {
		found := false
		for _, txs := range f.blocks {
			for _, tx := range txs {
				if tx.Txid == id {
					out = append(out, tx)
					found = true
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown tx %s", id)
		}
	}
	return out, nil
}

func nameUpdateHex(t *testing.T, name, value string) string {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_3).AddData([]byte(name)).AddData([]byte(value)).
		AddOp(txscript.OP_2DROP).AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(make([]byte, 20)).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)
	return hex.EncodeToString(script)
}

func blockOf(t *testing.T, height int64, blockTime int64, txCount int, nameAt map[int]string) []*adapter.VerboseTx {
	t.Helper()
	txs := make([]*adapter.VerboseTx, txCount)
	for i := 0; i < txCount; i++ {
		tx := &adapter.VerboseTx{
			Txid:      fmt.Sprintf("tx-%d-%d", height, i),
			BlockHash: fmt.Sprintf("hash-%d", height),
			BlockTime: blockTime,
			Vout:      []adapter.Vout{{N: 0, Value: 1, ScriptPubKey: adapter.ScriptPubKey{Hex: "76a9"}}},
		}
		if name, ok := nameAt[i]; ok {
			tx.Vout = append(tx.Vout, adapter.Vout{N: 1, Value: 0.01, ScriptPubKey: adapter.ScriptPubKey{
				Hex:     nameUpdateHex(t, name, "ipfs://Qm"+name),
				Address: "Nowner",
			}})
		}
		txs[i] = tx
	}
	return txs
}

func TestBlockProcessor_ProcessHeight(t *testing.T) {
	chain := newFakeChain()
	// 2024-01-02T00:00:00Z
	chain.blocks[200] = blockOf(t, 200, 1704153600, 5, map[int]string{1: "e/alice", 4: "e/bob"})

	p := NewBlockProcessor(chain, BlockProcessorConfig{BatchSize: 2, PositionMaxAttempts: 3})
	result, err := p.ProcessHeight(context.Background(), 200)
	require.NoError(t, err)

	assert.Equal(t, int64(200), result.Height)
	assert.Equal(t, 5, result.TxCount)
	assert.Equal(t, "hash-200", result.BlockHash)
	assert.Equal(t, "2024-01-02", result.BlockDate)
	require.Len(t, result.Operations, 2)
	assert.Equal(t, "e/alice", result.Operations[0].NameID)
	assert.Equal(t, "e/bob", result.Operations[1].NameID)
	assert.Equal(t, "tx-200-4:1", result.Operations[1].Key())

	// 5 transactions in batches of 2
	assert.Len(t, chain.batches, 3)
}

func TestBlockProcessor_EmptyBlockHasNoDate(t *testing.T) {
	chain := newFakeChain()

	p := NewBlockProcessor(chain, BlockProcessorConfig{})
	result, err := p.ProcessHeight(context.Background(), 300)
	require.NoError(t, err)

	assert.Equal(t, 0, result.TxCount)
	assert.Empty(t, result.BlockDate)
	assert.Empty(t, result.Operations)
	assert.Empty(t, chain.batches)
}

func TestBlockProcessor_TransientErrorsRetrySamePosition(t *testing.T) {
	chain := newFakeChain()
	chain.blocks[10] = blockOf(t, 10, 1704153600, 3, nil)
	chain.failures[1] = 2

	p := NewBlockProcessor(chain, BlockProcessorConfig{PositionRetryDelay: time.Millisecond, PositionMaxAttempts: 5})
	result, err := p.ProcessHeight(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TxCount)
	assert.Equal(t, 1, chain.calls[0])
	assert.Equal(t, 3, chain.calls[1], "position 1 is retried, not skipped")
	assert.Equal(t, 1, chain.calls[2])
}

func TestBlockProcessor_RetryBudgetExhausted(t *testing.T) {
	chain := newFakeChain()
	chain.blocks[10] = blockOf(t, 10, 1704153600, 3, nil)
	chain.failures[0] = 100

	p := NewBlockProcessor(chain, BlockProcessorConfig{PositionRetryDelay: time.Millisecond, PositionMaxAttempts: 3})
	_, err := p.ProcessHeight(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransientQuery)
	assert.Equal(t, 3, chain.calls[0])
}

func TestBlockProcessor_ConnectivityErrorReturnsImmediately(t *testing.T) {
	chain := newFakeChain()
	chain.blocks[10] = blockOf(t, 10, 1704153600, 3, nil)
	chain.connErr = apperrors.NewConnectionLostError(nil)

	p := NewBlockProcessor(chain, BlockProcessorConfig{PositionRetryDelay: time.Millisecond, PositionMaxAttempts: 5})
	_, err := p.ProcessHeight(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConnectionLost)
	assert.Equal(t, 1, chain.calls[0])
}
