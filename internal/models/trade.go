package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade directions.
const (
	TradeTypeBuy  = "buy"
	TradeTypeSell = "sell"
)

// Trade is one position in the local ledger, either still open
// (ClosedAt nil) or closed. Broker-sourced trades carry a non-nil
// ExternalID derived from the remote position or deal id; the composite
// unique index on (user_id, external_id) is the sole deduplication key
// for idempotent reconciliation. Manually entered trades leave
// ExternalID nil, which the index permits any number of times.
type Trade struct {
	gorm.Model
	UserID     uint       `gorm:"uniqueIndex:idx_trades_user_external;not null" json:"user_id"`
	Symbol     string     `gorm:"not null" json:"symbol"`
	Type       string     `gorm:"not null" json:"type"`
	Lots       float64    `json:"lots"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price"`
	Profit     float64    `json:"profit"`
	OpenedAt   *time.Time `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at"`
	ExternalID *string    `gorm:"uniqueIndex:idx_trades_user_external" json:"external_id"`
}

// IsOpen reports whether the trade has not been closed yet.
func (t *Trade) IsOpen() bool {
	return t.ClosedAt == nil
}
