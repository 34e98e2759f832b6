package models

import (
	"time"
)

// ScanCursor is the durable checkpoint of the downward scan
type ScanCursor struct {
	LastBlockHeight int64     `json:"lastBlockHeight"`
	TipHeight       int64     `json:"tipHeight"`
	UpdatedAt       time.Time `json:"updatedAt"`
	// Rejoins are pending jumps, nearest first. Absent in cursors written before a catch-up.
	Rejoins []Rejoin `json:"rejoin,omitempty"`
}

// Rejoin says: once the walk reaches AtHeight, continue at ResumeHeight
type Rejoin struct {
	AtHeight     int64 `json:"atHeight"`
	ResumeHeight int64 `json:"resumeHeight"`
}
