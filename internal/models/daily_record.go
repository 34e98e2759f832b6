package models

import (
	"github.com/nameop-indexer/internal/types"
)

// DailyMetadata bounds the blocks merged into a daily record
type DailyMetadata struct {
	FirstBlockHeight int64  `json:"firstBlockHeight"`
	FirstBlockHash   string `json:"firstBlockHash"`
	LastBlockHeight  int64  `json:"lastBlockHeight"`
	LastBlockHash    string `json:"lastBlockHash"`
}

// DailyRecord holds every name operation observed for one UTC day
type DailyRecord struct {
	Date     string                `json:"date"`
	Metadata DailyMetadata         `json:"metadata"`
	NameOps  []types.NameOperation `json:"nameOps"`
}
