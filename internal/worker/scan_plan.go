package worker

import (
	"github.com/nameop-indexer/internal/models"
)

// ScanState is the orchestrator's position in its lifecycle
type ScanState string

const (
	StateResolving          ScanState = "resolving"
	StateCatchingUpToOldTip ScanState = "catching_up_to_old_tip"
	StateResumingFromCursor ScanState = "resuming_from_cursor"
	StateIdle               ScanState = "idle"
)

// ScanPlan is one downward walk. Pending rejoins send the walk back to where an earlier
// walk stopped once it reaches the top that walk started from.
type ScanPlan struct {
	start   int64
	top     int64
	floor   int64
	rejoins []models.Rejoin
}

// NewScanPlan resolves where to start from the stored cursor (nil if none) and the live tip
func NewScanPlan(cursor *models.ScanCursor, liveTip, floor int64) *ScanPlan {
	plan := &ScanPlan{floor: floor}

	switch {
	case cursor == nil:
		plan.start = liveTip
		plan.top = liveTip
	case liveTip > cursor.TipHeight:
		plan.start = liveTip
		plan.top = liveTip
		plan.rejoins = append([]models.Rejoin{{
			AtHeight:     cursor.TipHeight,
			ResumeHeight: cursor.LastBlockHeight,
		}}, cursor.Rejoins...)
	default:
		plan.start = cursor.LastBlockHeight
		plan.top = cursor.TipHeight
		plan.rejoins = append([]models.Rejoin(nil), cursor.Rejoins...)
	}

	return plan
}

// Start returns the first height to process, and false when it is already below the floor
func (p *ScanPlan) Start() (int64, bool) {
	return p.start, p.start >= p.floor
}

// Top is the tip height this walk covers from. It is persisted as the cursor's tip.
func (p *ScanPlan) Top() int64 {
	return p.top
}

// Next returns the height after h, following a pending rejoin when the walk reaches it.
// It returns false when the walk is complete.
func (p *ScanPlan) Next(h int64) (int64, bool) {
	next := h - 1
	for len(p.rejoins) > 0 && next <= p.rejoins[0].AtHeight {
		next = p.rejoins[0].ResumeHeight
		p.rejoins = p.rejoins[1:]
	}
	return next, next >= p.floor
}

// Pending returns a copy of the rejoins still ahead of the walk, nearest first
func (p *ScanPlan) Pending() []models.Rejoin {
	if len(p.rejoins) == 0 {
		return nil
	}
	return append([]models.Rejoin(nil), p.rejoins...)
}

// State reports whether the walk is still catching up to an earlier tip
func (p *ScanPlan) State() ScanState {
	if len(p.rejoins) > 0 {
		return StateCatchingUpToOldTip
	}
	return StateResumingFromCursor
}

// Checkpoint returns the cursor to persist after h has been processed
func (p *ScanPlan) Checkpoint(h int64) *models.ScanCursor {
	return &models.ScanCursor{
		LastBlockHeight: h,
		TipHeight:       p.top,
		Rejoins:         p.Pending(),
	}
}
