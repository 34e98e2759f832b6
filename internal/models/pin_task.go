package models

import (
	"time"

	"github.com/nameop-indexer/internal/types"
)

// PinTask is one unit of pin work. It is never persisted.
type PinTask struct {
	ID               string              `json:"id"`
	NameOp           types.NameOperation `json:"nameOp"`
	ContentReference string              `json:"contentReference"`
	TipHeight        int64               `json:"tipHeight"`
	SubmittedAt      time.Time           `json:"submittedAt"`
}
