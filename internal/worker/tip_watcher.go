package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/types"
)

// TipSubscriber provides the node's tip and a stream of pushed tips
type TipSubscriber interface {
	SubscribeTips(ctx context.Context) (types.Tip, <-chan types.Tip, error)
	GetTip(ctx context.Context) (types.Tip, error)
}

// TipWatcher turns raw tip pushes and polls into strictly increasing tip events
type TipWatcher struct {
	source TipSubscriber
	logger *logging.Logger

	mu      sync.RWMutex
	current *types.Tip
	events  chan types.Tip
}

// NewTipWatcher creates a watcher over source
func NewTipWatcher(source TipSubscriber) *TipWatcher {
	return &TipWatcher{
		source: source,
		logger: logging.Component("tip-watcher"),
		events: make(chan types.Tip, 1),
	}
}

// Start subscribes and feeds pushes through Observe until ctx ends or the stream closes.
// A failed initial subscribe is returned to the caller and not retried.
func (w *TipWatcher) Start(ctx context.Context) error {
	initial, stream, err := w.source.SubscribeTips(ctx)
	if err != nil {
		return fmt.Errorf("tip subscription failed: %w", err)
	}
	w.Observe(initial)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tip, ok := <-stream:
				if !ok {
					w.logger.Warn("Tip stream closed")
					return
				}
				w.Observe(tip)
			}
		}
	}()

	return nil
}

// Poll asks the node for its tip explicitly and observes it
func (w *TipWatcher) Poll(ctx context.Context) (types.Tip, error) {
	tip, err := w.source.GetTip(ctx)
	if err != nil {
		return types.Tip{}, err
	}
	w.Observe(tip)
	return tip, nil
}

// Observe accepts tip only if no tip is known or it is strictly higher. Accepted tips
// are emitted on Tips; stale or duplicate tips are discarded.
func (w *TipWatcher) Observe(tip types.Tip) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != nil && tip.Height <= w.current.Height {
		return false
	}
	t := tip
	w.current = &t

	w.logger.WithFields(map[string]interface{}{
		"height": tip.Height,
		"hash":   tip.Hash,
	}).Debug("New tip")

	// Only the newest tip matters to a slow consumer: replace an unread event.
	for {
		select {
		case w.events <- tip:
			return true
		default:
		}
		select {
		case <-w.events:
		default:
		}
	}
}

// CurrentTip returns the highest observed tip
func (w *TipWatcher) CurrentTip() (types.Tip, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.current == nil {
		return types.Tip{}, false
	}
	return *w.current, true
}

// Tips delivers accepted tips. Events may coalesce; the latest is never lost.
func (w *TipWatcher) Tips() <-chan types.Tip {
	return w.events
}
