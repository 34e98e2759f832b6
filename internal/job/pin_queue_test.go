package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameop-indexer/internal/metrics"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
)

type handlerFunc func(ctx context.Context, task *models.PinTask) error

func (f handlerFunc) HandlePinTask(ctx context.Context, task *models.PinTask) error {
	return f(ctx, task)
}

func task(i int) *models.PinTask {
	return &models.PinTask{
		ID:               fmt.Sprintf("task-%d", i),
		ContentReference: fmt.Sprintf("Qm%d", i),
		NameOp:           types.NameOperation{NameID: fmt.Sprintf("e/%d", i)},
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPinQueue_BoundsConcurrency(t *testing.T) {
	var (
		running int32
		maxSeen int32
		release = make(chan struct{})
	)
	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}), PinQueueConfig{Workers: 2})

	for i := 0; i < 6; i++ {
		require.NoError(t, q.Submit(task(i)))
	}

	require.Eventually(t, func() bool { return q.Stats().Active == 2 }, time.Second, time.Millisecond)
	stats := q.Stats()
	assert.Equal(t, int64(6), stats.Submitted)
	assert.Equal(t, 4, stats.Pending)

	close(release)
	require.NoError(t, q.WaitIdle(testContext(t)))

	assert.Equal(t, int32(2), atomic.LoadInt32(&maxSeen))
	stats = q.Stats()
	assert.Equal(t, int64(6), stats.Succeeded)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Pending)
}

func TestPinQueue_FIFOWithSingleWorker(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil
	}), PinQueueConfig{Workers: 1})

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Submit(task(i)))
	}
	require.NoError(t, q.WaitIdle(testContext(t)))

	assert.Equal(t, []string{"task-0", "task-1", "task-2", "task-3"}, order)
}

func TestPinQueue_FailuresAndPanicsAreContained(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error {
		switch task.ID {
		case "task-0":
			return errors.New("content store unreachable")
		case "task-1":
			panic("boom")
		}
		return nil
	}), PinQueueConfig{Workers: 3, Metrics: m})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(task(i)))
	}
	require.NoError(t, q.WaitIdle(testContext(t)))

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PinTasks.WithLabelValues(metrics.PinStatusSubmitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PinTasks.WithLabelValues(metrics.PinStatusFailed)))

	// the queue keeps working after a panic
	require.NoError(t, q.Submit(task(9)))
	require.NoError(t, q.WaitIdle(testContext(t)))
	assert.Equal(t, int64(2), q.Stats().Succeeded)
}

func TestPinQueue_TaskTimeout(t *testing.T) {
	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error {
		<-ctx.Done()
		return ctx.Err()
	}), PinQueueConfig{Workers: 1, TaskTimeout: 10 * time.Millisecond})

	require.NoError(t, q.Submit(task(0)))
	require.NoError(t, q.WaitIdle(testContext(t)))
	assert.Equal(t, int64(1), q.Stats().Failed)
}

func TestPinQueue_WaitIdleWhenEmpty(t *testing.T) {
	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error { return nil }), PinQueueConfig{})
	assert.NoError(t, q.WaitIdle(testContext(t)))
}

func TestPinQueue_WaitIdleHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error {
		<-release
		return nil
	}), PinQueueConfig{Workers: 1})

	require.NoError(t, q.Submit(task(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestPinQueue_CloseDrainsAndRefuses(t *testing.T) {
	var done int32
	q := NewPinQueue(handlerFunc(func(ctx context.Context, task *models.PinTask) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return nil
	}), PinQueueConfig{Workers: 1})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(task(i)))
	}
	require.NoError(t, q.Close(testContext(t)))

	assert.Equal(t, int32(3), atomic.LoadInt32(&done))
	assert.Error(t, q.Submit(task(4)))
}
