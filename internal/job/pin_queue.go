// Package job runs the indexer's background work outside the scan loop.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/metrics"
	"github.com/nameop-indexer/internal/models"
)

// PinHandler executes one pin task
type PinHandler interface {
	HandlePinTask(ctx context.Context, task *models.PinTask) error
}

// PinQueueConfig holds pin queue configuration
type PinQueueConfig struct {
	Workers     int
	TaskTimeout time.Duration
	Metrics     *metrics.Metrics
}

// PinQueueStats is a snapshot of queue counters
type PinQueueStats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Active    int   `json:"active"`
	Pending   int   `json:"pending"`
}

// PinQueue runs pin tasks on a bounded worker pool. Submissions never block; tasks
// wait in FIFO order for a free worker.
type PinQueue struct {
	mu sync.Mutex

	handler     PinHandler
	pending     []*models.PinTask
	workerSem   chan struct{}
	taskTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *logging.Logger

	// tasks outlive the scan step that submitted them
	ctx    context.Context
	cancel context.CancelFunc

	closed bool
	active int
	idleCh chan struct{}
	stats  PinQueueStats
}

// NewPinQueue creates a new pin queue
func NewPinQueue(handler PinHandler, cfg PinQueueConfig) *PinQueue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 5 // Default to 5 workers
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &PinQueue{
		handler:     handler,
		workerSem:   make(chan struct{}, workers),
		taskTimeout: timeout,
		metrics:     cfg.Metrics,
		logger:      logging.Component("pin-queue"),
		ctx:         ctx,
		cancel:      cancel,
		idleCh:      idle,
	}
}

// Submit enqueues task. It returns an error only when the queue is closed.
func (q *PinQueue) Submit(task *models.PinTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("pin queue is closed")
	}

	if q.isIdleLocked() {
		q.idleCh = make(chan struct{})
	}
	q.pending = append(q.pending, task)
	q.stats.Submitted++
	q.metrics.PinTask(metrics.PinStatusSubmitted)

	q.dispatchLocked()
	return nil
}

// dispatchLocked starts pending tasks while worker slots are free
func (q *PinQueue) dispatchLocked() {
	for len(q.pending) > 0 {
		select {
		case q.workerSem <- struct{}{}:
		default:
			return
		}

		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.active++

		go q.run(task)
	}
}

func (q *PinQueue) run(task *models.PinTask) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pin task panicked: %v", r)
		}
		q.finish(task, err)
	}()

	ctx, cancel := context.WithTimeout(q.ctx, q.taskTimeout)
	defer cancel()

	err = q.handler.HandlePinTask(ctx, task)
}

func (q *PinQueue) finish(task *models.PinTask, err error) {
	logger := q.logger.WithFields(map[string]interface{}{
		"task_id": task.ID,
		"cid":     task.ContentReference,
		"name_id": task.NameOp.NameID,
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		q.stats.Failed++
		q.metrics.PinTask(metrics.PinStatusFailed)
		logger.WithError(err).Warn("Pin task failed")
	} else {
		q.stats.Succeeded++
		q.metrics.PinTask(metrics.PinStatusSucceeded)
		logger.Debug("Pin task completed")
	}

	q.active--
	<-q.workerSem
	q.dispatchLocked()

	if q.active == 0 && len(q.pending) == 0 && !q.isIdleLocked() {
		close(q.idleCh)
	}
}

func (q *PinQueue) isIdleLocked() bool {
	select {
	case <-q.idleCh:
		return true
	default:
		return false
	}
}

// WaitIdle blocks until no task is pending or running, or ctx ends
func (q *PinQueue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idleCh
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new tasks and waits for queued ones to finish. When ctx ends first,
// running tasks are cancelled.
func (q *PinQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.WaitIdle(ctx)
	q.cancel()
	if err != nil {
		return fmt.Errorf("pin queue did not drain: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the queue counters
func (q *PinQueue) Stats() PinQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.Active = q.active
	stats.Pending = len(q.pending)
	return stats
}
