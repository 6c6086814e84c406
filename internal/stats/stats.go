package stats

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"broker-sync-go/internal/models"
)

// Snapshot holds the statistics computed over a user's ledger.
type Snapshot struct {
	Equity        float64 `json:"equity"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	OpenTrades    int     `json:"open_trades"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  float64 `json:"profit_factor"`
	TotalProfit   float64 `json:"total_profit"`
	AvgProfit     float64 `json:"avg_profit"`
	BestTrade     float64 `json:"best_trade"`
	WorstTrade    float64 `json:"worst_trade"`
	TodayProfit   float64 `json:"today_profit"`
}

// Aggregator is the read side of the ledger. Every call recomputes from
// the current rows; there is no cached view to go stale while syncs
// rewrite the ledger underneath.
type Aggregator struct {
	db *gorm.DB
}

// NewAggregator creates a new statistics aggregator.
func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Compute calculates the statistics snapshot for a user. Counts and
// ratios cover closed trades only; every ratio substitutes zero for a
// zero denominator instead of propagating NaN or Inf.
func (a *Aggregator) Compute(userID uint, now time.Time) (*Snapshot, error) {
	var trades []models.Trade
	if err := a.db.Where("user_id = ?", userID).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load trades for statistics: %w", err)
	}

	snap := &Snapshot{}
	var grossWin, grossLoss float64
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for _, t := range trades {
		if t.IsOpen() {
			snap.OpenTrades++
			continue
		}

		snap.TotalTrades++
		snap.TotalProfit += t.Profit

		if t.Profit > 0 {
			snap.WinningTrades++
			grossWin += t.Profit
		} else if t.Profit < 0 {
			snap.LosingTrades++
			grossLoss += math.Abs(t.Profit)
		}

		if snap.TotalTrades == 1 || t.Profit > snap.BestTrade {
			snap.BestTrade = t.Profit
		}
		if snap.TotalTrades == 1 || t.Profit < snap.WorstTrade {
			snap.WorstTrade = t.Profit
		}

		if !t.ClosedAt.Before(dayStart) {
			snap.TodayProfit += t.Profit
		}
	}

	if snap.TotalTrades > 0 {
		snap.WinRate = float64(snap.WinningTrades) / float64(snap.TotalTrades) * 100
		snap.AvgProfit = snap.TotalProfit / float64(snap.TotalTrades)
	}
	if grossLoss > 0 {
		snap.ProfitFactor = grossWin / grossLoss
	}

	var latest models.EquitySnapshot
	err := a.db.Where("user_id = ?", userID).Order("recorded_at desc").First(&latest).Error
	if err == nil {
		snap.Equity = latest.Equity
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load latest equity: %w", err)
	}

	return snap, nil
}
