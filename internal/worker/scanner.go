package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/metrics"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/retry"
	"github.com/nameop-indexer/internal/types"
)

// ConnectionManager keeps the query node connection up
type ConnectionManager interface {
	Connected() bool
	Connect(ctx context.Context) error
}

// HeightProcessor extracts the name operations of one height
type HeightProcessor interface {
	ProcessHeight(ctx context.Context, height int64) (*BlockResult, error)
}

// CursorStore persists the scan cursor
type CursorStore interface {
	Load(ctx context.Context) (*models.ScanCursor, error)
	Save(ctx context.Context, cursor *models.ScanCursor) error
}

// DailyMerger folds a block's operations into the record of their day
type DailyMerger interface {
	MergeAndPublish(ctx context.Context, date string, ops []types.NameOperation) (*models.DailyRecord, error)
}

// PinSubmitter accepts pin work without blocking
type PinSubmitter interface {
	Submit(task *models.PinTask) error
	WaitIdle(ctx context.Context) error
}

// TipSource reports the highest known tip and notifies when it rises
type TipSource interface {
	CurrentTip() (types.Tip, bool)
	Tips() <-chan types.Tip
}

// ScannerConfig holds configuration for the scanner
type ScannerConfig struct {
	Connection        ConnectionManager
	Processor         HeightProcessor
	Cursors           CursorStore
	Aggregator        DailyMerger
	Pins              PinSubmitter
	Tips              TipSource
	Metrics           *metrics.Metrics
	FloorHeight       int64
	HeightRetryDelay  time.Duration
	HeightMaxAttempts int
	// IdleCheckInterval is how often an idle scanner checks the query node session
	IdleCheckInterval time.Duration
}

// ScannerStatus is a snapshot of the scanner for the status API
type ScannerStatus struct {
	State               ScanState `json:"state"`
	Running             bool      `json:"running"`
	CurrentHeight       int64     `json:"currentHeight"`
	WalkTop             int64     `json:"walkTop"`
	HeightsScanned      int64     `json:"heightsScanned"`
	NameOpsFound        int64     `json:"nameOpsFound"`
	AggregationFailures int64     `json:"aggregationFailures"`
	LastHeightAt        time.Time `json:"lastHeightAt,omitempty"`
}

// Scanner walks the chain downward from the tip, hands each block's operations to the
// daily aggregator and the pin queue, and checkpoints after every height.
type Scanner struct {
	conn       ConnectionManager
	processor  HeightProcessor
	cursors    CursorStore
	aggregator DailyMerger
	pins       PinSubmitter
	tips       TipSource
	metrics    *metrics.Metrics
	floor      int64
	retryCfg   *retry.RetryConfig
	idleCheck  time.Duration
	logger     *logging.Logger

	mu      sync.RWMutex
	status  ScannerStatus
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	runErr  error

	stopOnce sync.Once
}

// NewScanner creates a new scanner
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if cfg.Connection == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("height processor cannot be nil")
	}
	if cfg.Cursors == nil {
		return nil, fmt.Errorf("cursor store cannot be nil")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("daily aggregator cannot be nil")
	}
	if cfg.Pins == nil {
		return nil, fmt.Errorf("pin queue cannot be nil")
	}
	if cfg.Tips == nil {
		return nil, fmt.Errorf("tip source cannot be nil")
	}

	attempts := cfg.HeightMaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.HeightRetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	idleCheck := cfg.IdleCheckInterval
	if idleCheck <= 0 {
		idleCheck = 5 * time.Second
	}

	return &Scanner{
		conn:       cfg.Connection,
		processor:  cfg.Processor,
		cursors:    cfg.Cursors,
		aggregator: cfg.Aggregator,
		pins:       cfg.Pins,
		tips:       cfg.Tips,
		metrics:    cfg.Metrics,
		floor:      cfg.FloorHeight,
		retryCfg:   retry.FixedBackoff(attempts, delay),
		idleCheck:  idleCheck,
		logger:     logging.Component("scanner"),
		status:     ScannerStatus{State: StateResolving},
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start runs the scanner in the background until ctx ends, Stop is called or a fatal error occurs
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner is already running")
	}
	s.running = true
	s.status.Running = true
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		err := s.Run(ctx)

		s.mu.Lock()
		s.running = false
		s.status.Running = false
		s.runErr = err
		s.mu.Unlock()

		if err != nil {
			s.logger.WithError(err).Error("Scanner stopped with error")
		}
	}()
	return nil
}

// Stop asks the scanner to stop after the current height and waits for it to finish
func (s *Scanner) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.logger.Info("Stopping scanner")

	select {
	case <-s.doneCh:
		s.logger.Info("Scanner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scanner stop timed out: %w", ctx.Err())
	}
}

// Done is closed once a started scanner has returned
func (s *Scanner) Done() <-chan struct{} {
	return s.doneCh
}

// Err returns the error a started scanner stopped with, if any
func (s *Scanner) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runErr
}

// GetStatus returns a snapshot of the scanner's progress
func (s *Scanner) GetStatus() ScannerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run executes walks until stopped. Each walk starts from the persisted cursor and the
// live tip; between walks the scanner is idle until a higher tip arrives. Before
// returning it drains pending aggregations and waits for the pin queue to go idle.
func (s *Scanner) Run(ctx context.Context) error {
	var group errgroup.Group
	defer func() {
		_ = group.Wait()

		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := s.pins.WaitIdle(drainCtx); err != nil {
			s.logger.WithError(err).Warn("Pin queue did not drain")
		}
	}()

	for {
		s.setState(StateResolving)

		tip, ok, err := s.waitForTip(ctx, nil)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		cursor, err := s.loadCursor(ctx)
		if err != nil {
			if s.stopping(ctx) {
				return nil
			}
			return err
		}

		plan := NewScanPlan(cursor, tip.Height, s.floor)
		s.logger.WithFields(map[string]interface{}{
			"live_tip": tip.Height,
			"top":      plan.Top(),
			"rejoins":  len(plan.Pending()),
			"floor":    s.floor,
		}).Info("Starting walk")

		completed, err := s.walk(ctx, plan, &group)
		if err != nil {
			return err
		}
		if !completed {
			return nil
		}

		s.setState(StateIdle)
		s.logger.WithField("top", plan.Top()).Info("Walk complete, waiting for a new tip")
		top := plan.Top()
		_, ok, err = s.waitForTip(ctx, &top)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// walk processes the plan's heights. It returns false without error when stopped.
func (s *Scanner) walk(ctx context.Context, plan *ScanPlan, group *errgroup.Group) (bool, error) {
	h, ok := plan.Start()
	for ok {
		if s.stopping(ctx) {
			return false, nil
		}

		s.mu.Lock()
		s.status.State = plan.State()
		s.status.CurrentHeight = h
		s.status.WalkTop = plan.Top()
		s.mu.Unlock()

		result, err := s.processWithRetry(ctx, h)
		if err != nil {
			if s.stopping(ctx) {
				return false, nil
			}
			return false, err
		}

		s.dispatch(ctx, result, plan.Top(), group)
		s.checkpoint(ctx, plan.Checkpoint(h))

		h, ok = plan.Next(h)
	}
	return true, nil
}

// processWithRetry retries the same height after transient failures. A node that
// cannot be reached within the client's connect budget ends the scan.
func (s *Scanner) processWithRetry(ctx context.Context, height int64) (*BlockResult, error) {
	var result *BlockResult
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context, attempt int) error {
		if err := s.ensureConnected(ctx); err != nil {
			return retry.Permanent(err)
		}

		r, err := s.processor.ProcessHeight(ctx, height)
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"height":  height,
				"attempt": attempt,
			}).WithError(err).Warn("Failed to process height")
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("height %d: %w", height, err)
	}
	return result, nil
}

func (s *Scanner) ensureConnected(ctx context.Context) error {
	if s.conn.Connected() {
		return nil
	}
	s.logger.Info("Query node disconnected, reconnecting")
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	s.metrics.Reconnected()
	return nil
}

// dispatch hands the block's operations to the aggregator as an observed background task
// and submits pin candidates to the queue.
func (s *Scanner) dispatch(ctx context.Context, result *BlockResult, tipHeight int64, group *errgroup.Group) {
	ops := result.Operations

	s.mu.Lock()
	s.status.HeightsScanned++
	s.status.NameOpsFound += int64(len(ops))
	s.status.LastHeightAt = time.Now()
	s.mu.Unlock()
	s.metrics.HeightScanned(result.Height, len(ops))

	if len(ops) == 0 {
		return
	}

	logger := s.logger.WithField("height", result.Height)
	logger.WithField("name_ops", len(ops)).Info("Found name operations")

	if result.BlockDate != "" {
		date := result.BlockDate
		aggCtx := context.WithoutCancel(ctx)
		group.Go(func() error {
			if _, err := s.aggregator.MergeAndPublish(aggCtx, date, ops); err != nil {
				s.mu.Lock()
				s.status.AggregationFailures++
				s.mu.Unlock()
				s.metrics.AggregationFailed()
				logger.WithField("date", date).WithError(err).Error("Daily aggregation failed")
			}
			return nil
		})
	}

	for _, op := range ops {
		ref, ok := op.ContentReference()
		if !ok {
			continue
		}
		task := &models.PinTask{
			ID:               uuid.NewString(),
			NameOp:           op,
			ContentReference: ref,
			TipHeight:        tipHeight,
			SubmittedAt:      time.Now(),
		}
		if err := s.pins.Submit(task); err != nil {
			logger.WithField("cid", ref).WithError(err).Warn("Pin task rejected")
		}
	}
}

// checkpoint persists the cursor. A failed save is logged and the walk continues;
// the next successful save supersedes it.
func (s *Scanner) checkpoint(ctx context.Context, cursor *models.ScanCursor) {
	cursor.UpdatedAt = time.Now().UTC()
	if err := s.cursors.Save(ctx, cursor); err != nil {
		s.logger.WithField("height", cursor.LastBlockHeight).
			WithError(apperrors.NewStatePersistenceError("scan cursor", err)).
			Error("Failed to save scan cursor")
	}
}

func (s *Scanner) loadCursor(ctx context.Context) (*models.ScanCursor, error) {
	var cursor *models.ScanCursor
	err := retry.Do(ctx, s.retryCfg, func(ctx context.Context, attempt int) error {
		c, err := s.cursors.Load(ctx)
		if err != nil {
			return err
		}
		cursor = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load scan cursor: %w", err)
	}
	return cursor, nil
}

// waitForTip returns the current tip once one is known and, when above is set, higher
// than *above. While waiting it re-establishes a dropped query node session so that
// tip pushes resume. It returns false when the scanner is stopping and an error when
// the node cannot be reached within the client's connect budget.
func (s *Scanner) waitForTip(ctx context.Context, above *int64) (types.Tip, bool, error) {
	ticker := time.NewTicker(s.idleCheck)
	defer ticker.Stop()

	for {
		if tip, ok := s.tips.CurrentTip(); ok && (above == nil || tip.Height > *above) {
			s.metrics.TipObserved(tip.Height)
			return tip, true, nil
		}
		select {
		case <-ctx.Done():
			return types.Tip{}, false, nil
		case <-s.stopCh:
			return types.Tip{}, false, nil
		case <-s.tips.Tips():
		case <-ticker.C:
			if err := s.ensureConnected(ctx); err != nil {
				if s.stopping(ctx) {
					return types.Tip{}, false, nil
				}
				return types.Tip{}, false, fmt.Errorf("idle reconnect: %w", err)
			}
		}
	}
}

func (s *Scanner) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scanner) setState(state ScanState) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}
