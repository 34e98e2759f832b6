package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
)

type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	ops       map[int64][]types.NameOperation
	failures  map[int64]int
	processed []int64
	onHeight  func(h int64)
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		ops:      make(map[int64][]types.NameOperation),
		failures: make(map[int64]int),
	}
}

func (f *fakeProcessor) ProcessHeight(ctx context.Context, h int64) (*BlockResult, error) {
	f.mu.Lock()
	f.processed = append(f.processed, h)
	if f.failures[h] > 0 {
		f.failures[h]--
		f.mu.Unlock()
		return nil, apperrors.NewTransientQueryError("blockchain.transaction.get", -1, "busy")
	}
	ops := f.ops[h]
	hook := f.onHeight
	f.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return &BlockResult{Height: h, BlockHash: fmt.Sprintf("hash-%d", h), BlockDate: "2024-01-02", TxCount: 1, Operations: ops}, nil
}

func (f *fakeProcessor) heights() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.processed...)
}

type memCursorStore struct {
	mu     sync.Mutex
	cursor *models.ScanCursor
	saves  int
}

func (m *memCursorStore) Load(ctx context.Context) (*models.ScanCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == nil {
		return nil, nil
	}
	c := *m.cursor
	return &c, nil
}

func (m *memCursorStore) Save(ctx context.Context, cursor *models.ScanCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cursor
	m.cursor = &c
	m.saves++
	return nil
}

func (m *memCursorStore) get() *models.ScanCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

type fakeMerger struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeMerger) MergeAndPublish(ctx context.Context, date string, ops []types.NameOperation) (*models.DailyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[date] += len(ops)
	if f.err != nil {
		return nil, f.err
	}
	return &models.DailyRecord{Date: date, NameOps: ops}, nil
}

type fakePins struct {
	mu       sync.Mutex
	tasks    []*models.PinTask
	idleWait int
}

func (f *fakePins) Submit(task *models.PinTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakePins) WaitIdle(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleWait++
	return nil
}

type scannerFixture struct {
	conn      *fakeConn
	processor *fakeProcessor
	cursors   *memCursorStore
	merger    *fakeMerger
	pins      *fakePins
	tips      *TipWatcher
	scanner   *Scanner
}

func newScannerFixture(t *testing.T, floor int64, tip int64) *scannerFixture {
	t.Helper()
	f := &scannerFixture{
		conn:      &fakeConn{connected: true},
		processor: newFakeProcessor(),
		cursors:   &memCursorStore{},
		merger:    &fakeMerger{},
		pins:      &fakePins{},
		tips:      NewTipWatcher(&mockTipSource{}),
	}
	f.tips.Observe(types.Tip{Height: tip, Hash: fmt.Sprintf("hash-%d", tip)})

	s, err := NewScanner(ScannerConfig{
		Connection:        f.conn,
		Processor:         f.processor,
		Cursors:           f.cursors,
		Aggregator:        f.merger,
		Pins:              f.pins,
		Tips:              f.tips,
		FloorHeight:       floor,
		HeightRetryDelay:  time.Millisecond,
		HeightMaxAttempts: 3,
	})
	require.NoError(t, err)
	f.scanner = s
	return f
}

func (f *scannerFixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.scanner.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = f.scanner.Stop(stopCtx)
	})
	return cancel
}

func (f *scannerFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.scanner.GetStatus().State == StateIdle
	}, 5*time.Second, 5*time.Millisecond)
}

func nameOp(txid string, height int64, value string) types.NameOperation {
	return types.NameOperation{
		Txid:        txid,
		BlockHeight: height,
		BlockTime:   1704153600,
		NameID:      "e/" + txid,
		NameValue:   value,
	}
}

func TestScanner_FreshStartWalksFromTipToFloor(t *testing.T) {
	f := newScannerFixture(t, 100, 105)
	f.processor.ops[103] = []types.NameOperation{
		nameOp("a", 103, "ipfs://QmA/meta.json"),
		nameOp("b", 103, "plain text"),
	}

	f.start(t)
	f.waitIdle(t)

	assert.Equal(t, heights(105, 100), f.processor.heights())

	cursor := f.cursors.get()
	require.NotNil(t, cursor)
	assert.Equal(t, int64(100), cursor.LastBlockHeight)
	assert.Equal(t, int64(105), cursor.TipHeight)
	assert.Empty(t, cursor.Rejoins)
	assert.Equal(t, 6, f.cursors.saves)

	require.Eventually(t, func() bool {
		f.merger.mu.Lock()
		defer f.merger.mu.Unlock()
		return f.merger.calls["2024-01-02"] == 2
	}, time.Second, 5*time.Millisecond)

	f.pins.mu.Lock()
	require.Len(t, f.pins.tasks, 1)
	assert.Equal(t, "QmA", f.pins.tasks[0].ContentReference)
	assert.Equal(t, int64(105), f.pins.tasks[0].TipHeight)
	assert.NotEmpty(t, f.pins.tasks[0].ID)
	f.pins.mu.Unlock()

	status := f.scanner.GetStatus()
	assert.Equal(t, int64(6), status.HeightsScanned)
	assert.Equal(t, int64(2), status.NameOpsFound)
}

func TestScanner_CatchesUpThenResumesFromCursor(t *testing.T) {
	f := newScannerFixture(t, 98, 103)
	f.cursors.cursor = &models.ScanCursor{LastBlockHeight: 100, TipHeight: 100}

	f.start(t)
	f.waitIdle(t)

	assert.Equal(t, heights(103, 98), f.processor.heights())
	assert.Equal(t, int64(103), f.cursors.get().TipHeight)
}

func TestScanner_NewTipAfterIdleScansOnlyNewBlocks(t *testing.T) {
	f := newScannerFixture(t, 100, 102)

	f.start(t)
	f.waitIdle(t)
	require.Equal(t, heights(102, 100), f.processor.heights())

	f.tips.Observe(types.Tip{Height: 104})

	require.Eventually(t, func() bool {
		return len(f.processor.heights()) == 6
	}, 5*time.Second, 5*time.Millisecond)
	f.waitIdle(t)

	// 104, 103, then rejoin at the old last height
	assert.Equal(t, []int64{102, 101, 100, 104, 103, 100}, f.processor.heights())
	assert.Equal(t, int64(104), f.cursors.get().TipHeight)
}

func TestScanner_RetriesFailedHeight(t *testing.T) {
	f := newScannerFixture(t, 100, 101)
	f.processor.failures[101] = 2

	f.start(t)
	f.waitIdle(t)

	assert.Equal(t, []int64{101, 101, 101, 100}, f.processor.heights())
}

func TestScanner_ReconnectsBeforeProcessing(t *testing.T) {
	f := newScannerFixture(t, 100, 100)
	f.conn.connected = false

	f.start(t)
	f.waitIdle(t)

	assert.Equal(t, 1, f.conn.connects)
	assert.Equal(t, []int64{100}, f.processor.heights())
}

func TestScanner_ConnectionExhaustedIsFatal(t *testing.T) {
	f := newScannerFixture(t, 100, 105)
	f.conn.connected = false
	f.conn.connectErr = apperrors.NewConnectionExhaustedError("ws://node", 3, errors.New("refused"))

	f.start(t)

	select {
	case <-f.scanner.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scanner did not stop")
	}
	assert.ErrorIs(t, f.scanner.Err(), apperrors.ErrConnectionExhausted)
	assert.Equal(t, 1, f.conn.connects, "exhausted connect is not retried per height")
	assert.Empty(t, f.processor.heights())
	assert.Equal(t, 1, f.pins.idleWait)
}

func TestScanner_StopsBetweenHeights(t *testing.T) {
	f := newScannerFixture(t, 100, 105)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.processor.onHeight = func(h int64) {
		if h == 103 {
			cancel()
		}
	}
	require.NoError(t, f.scanner.Start(ctx))

	select {
	case <-f.scanner.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scanner did not stop")
	}

	assert.NoError(t, f.scanner.Err())
	assert.Equal(t, []int64{105, 104, 103}, f.processor.heights())
	assert.Equal(t, int64(103), f.cursors.get().LastBlockHeight, "the height in flight completes and is checkpointed")
	assert.Equal(t, 1, f.pins.idleWait)
}

func TestScanner_AggregationFailureIsNotFatal(t *testing.T) {
	f := newScannerFixture(t, 100, 101)
	f.merger.err = errors.New("content store down")
	f.processor.ops[101] = []types.NameOperation{nameOp("a", 101, "v")}

	f.start(t)
	f.waitIdle(t)

	assert.Equal(t, []int64{101, 100}, f.processor.heights())
	require.Eventually(t, func() bool {
		return f.scanner.GetStatus().AggregationFailures == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNewScanner_Validation(t *testing.T) {
	_, err := NewScanner(ScannerConfig{})
	assert.Error(t, err)
}
