package models

import (
	"time"

	"gorm.io/gorm"
)

// EquitySnapshot is one timestamped equity/balance observation. The
// series is append-only: every successful sync and every manual
// submission adds a row, and rows are never mutated or deduplicated.
type EquitySnapshot struct {
	gorm.Model
	UserID     uint      `gorm:"index;not null" json:"user_id"`
	Equity     float64   `gorm:"not null" json:"equity"`
	Balance    *float64  `json:"balance"`
	RecordedAt time.Time `gorm:"index" json:"recorded_at"`
}
