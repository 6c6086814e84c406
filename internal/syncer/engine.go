package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"broker-sync-go/internal/gateway"
	"broker-sync-go/internal/models"
)

// Status classifies the outcome of one synchronization run.
type Status string

const (
	// StatusSynced means the ledger was reconciled against the remote account.
	StatusSynced Status = "synced"
	// StatusNoConnection means the user has no active broker connection.
	StatusNoConnection Status = "no_connection"
	// StatusDeploying means the remote account is still being deployed.
	StatusDeploying Status = "deploying"
	// StatusConnecting means the account is deployed but not yet connected.
	StatusConnecting Status = "connecting"
	// StatusUnavailable means the gateway could not be reached or answered
	// with something unusable; the sync is safe to retry shortly.
	StatusUnavailable Status = "unavailable"
)

// Result is the transient outcome of one reconciliation run.
type Result struct {
	Status         Status  `json:"status"`
	Success        bool    `json:"success"`
	TradesSynced   int     `json:"trades_synced"`
	Equity         float64 `json:"equity"`
	Balance        float64 `json:"balance"`
	FloatingProfit float64 `json:"floating_profit"`
	Message        string  `json:"message,omitempty"`
}

// Engine merges the remote account's open positions and historical deals
// into the local trade ledger. Every merge is idempotent, so repeated or
// concurrent runs for the same user converge instead of conflicting.
type Engine struct {
	logger      *zap.Logger
	db          *gorm.DB
	client      gateway.ClientInterface
	historyDays int
}

// NewEngine creates a new reconciliation engine.
func NewEngine(logger *zap.Logger, db *gorm.DB, client gateway.ClientInterface, historyDays int) *Engine {
	if historyDays <= 0 {
		historyDays = 30
	}
	return &Engine{
		logger:      logger,
		db:          db,
		client:      client,
		historyDays: historyDays,
	}
}

// Sync runs one reconciliation pass for the user. It polls the remote
// account's state, and when the account is deployed and connected, merges
// open positions and closed deals into the ledger and appends an equity
// snapshot. Gateway failures degrade to a retryable Result; the returned
// error is reserved for local persistence problems.
func (e *Engine) Sync(ctx context.Context, userID uint) (*Result, error) {
	log := e.logger.With(
		zap.String("run_id", uuid.NewString()),
		zap.Uint("user_id", userID),
	)

	var conn models.RemoteConnection
	err := e.db.Where("user_id = ? AND active = ?", userID, true).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Result{
			Status:  StatusNoConnection,
			Message: "no active broker connection; connect an account first",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load broker connection: %w", err)
	}
	log = log.With(zap.String("remote_account_id", conn.RemoteAccountID))

	state, err := e.client.GetAccountState(ctx, conn.RemoteAccountID)
	if err != nil {
		log.Warn("Account state query failed", zap.Error(err))
		return degraded(err), nil
	}

	switch ReadinessOf(state) {
	case Deploying:
		// Re-issuing the deploy request is idempotent and nudges a stuck
		// account forward.
		if err := e.client.DeployAccount(ctx, conn.RemoteAccountID); err != nil {
			log.Warn("Re-deploy request failed", zap.Error(err))
		}
		return &Result{
			Status:  StatusDeploying,
			Message: "your account is still being deployed; try again in a minute",
		}, nil
	case Connecting:
		return &Result{
			Status:  StatusConnecting,
			Message: "your account is connecting to the broker; try again shortly",
		}, nil
	}

	log.Info("Remote account ready, starting reconciliation", zap.String("region", state.Region))

	result := &Result{Status: StatusSynced, Success: true}

	info, err := e.client.GetAccountInformation(ctx, state.Region, conn.RemoteAccountID)
	if err != nil {
		// Positions and deals can still merge without the account summary;
		// only the equity snapshot is skipped.
		log.Warn("Account information fetch failed", zap.Error(err))
	} else {
		result.Equity = info.Equity
		result.Balance = info.Balance
		result.FloatingProfit = info.Equity - info.Balance
		if err := e.recordEquity(userID, info); err != nil {
			log.Error("Failed to append equity snapshot", zap.Error(err))
		}
	}

	positions, err := e.client.GetPositions(ctx, state.Region, conn.RemoteAccountID)
	if err != nil {
		// Skipping the merge keeps the existing open rows; wiping them on a
		// failed fetch would lose data.
		log.Warn("Open positions fetch failed, keeping current open rows", zap.Error(err))
	} else {
		result.TradesSynced += e.reconcilePositions(log, userID, positions)
	}

	to := time.Now()
	from := to.AddDate(0, 0, -e.historyDays)
	deals, err := e.client.GetDeals(ctx, state.Region, conn.RemoteAccountID, from, to)
	if err != nil {
		log.Warn("Deal history fetch failed", zap.Error(err))
	} else {
		result.TradesSynced += e.reconcileDeals(log, userID, deals)
	}

	log.Info("Reconciliation complete", zap.Int("trades_synced", result.TradesSynced))
	return result, nil
}

// degraded maps a gateway error onto a retryable (or, for configuration
// problems, operator-actionable) sync outcome.
func degraded(err error) *Result {
	if errors.Is(err, gateway.ErrNotConfigured) {
		return &Result{
			Status:  StatusUnavailable,
			Message: "broker synchronization is not configured on this server; contact support",
		}
	}
	return &Result{
		Status:  StatusUnavailable,
		Message: "the broker gateway did not respond; try again shortly",
	}
}

// reconcilePositions replaces the user's broker-sourced open rows with
// the currently reported snapshot. The remote list is authoritative: any
// position absent from it is no longer open, so delete-then-insert inside
// one transaction is a correct (and retry-safe) merge. Returns the number
// of rows written.
func (e *Engine) reconcilePositions(log *zap.Logger, userID uint, positions []gateway.Position) int {
	var written int

	err := e.db.Transaction(func(tx *gorm.DB) error {
		// Manual trades (external_id IS NULL) are never touched.
		err := tx.Where("user_id = ? AND closed_at IS NULL AND external_id IS NOT NULL", userID).
			Unscoped().Delete(&models.Trade{}).Error
		if err != nil {
			return fmt.Errorf("failed to clear open broker trades: %w", err)
		}

		for _, p := range positions {
			trade := tradeFromPosition(userID, p)
			if err := tx.Create(&trade).Error; err != nil {
				// One bad row must not abort the batch.
				log.Warn("Skipping open position",
					zap.String("position_id", p.ID),
					zap.String("symbol", p.Symbol),
					zap.Error(err),
				)
				continue
			}
			written++
		}
		return nil
	})
	if err != nil {
		log.Error("Open-position merge failed", zap.Error(err))
		return 0
	}

	return written
}

// reconcileDeals upserts one closed trade per filtered closing deal,
// keyed on (user id, external id). The same deal legitimately reappears
// across overlapping history windows on every sync, so the upsert is
// update-biased: re-processing only refreshes profit, exit price and
// close time. Returns the number of rows written.
func (e *Engine) reconcileDeals(log *zap.Logger, userID uint, deals []gateway.Deal) int {
	var written int

	for _, d := range deals {
		if !IsClosingTrade(d) {
			continue
		}

		extID := externalIDForDeal(d)
		var existing models.Trade
		err := e.db.Where("user_id = ? AND external_id = ?", userID, extID).First(&existing).Error

		switch {
		case err == nil:
			updates := map[string]any{
				"profit":     d.Profit,
				"exit_price": d.Price,
				"closed_at":  d.Time,
			}
			if err := e.db.Model(&existing).Updates(updates).Error; err != nil {
				log.Warn("Skipping deal update", zap.String("deal_id", d.ID), zap.Error(err))
				continue
			}
			written++
		case errors.Is(err, gorm.ErrRecordNotFound):
			trade := tradeFromDeal(userID, d)
			if err := e.db.Create(&trade).Error; err != nil {
				log.Warn("Skipping deal insert", zap.String("deal_id", d.ID), zap.Error(err))
				continue
			}
			written++
		default:
			log.Warn("Skipping deal, lookup failed", zap.String("deal_id", d.ID), zap.Error(err))
		}
	}

	return written
}

// recordEquity appends one equity/balance observation. The series is
// append-only; successive syncs never rewrite earlier rows.
func (e *Engine) recordEquity(userID uint, info *gateway.AccountInformation) error {
	balance := info.Balance
	snapshot := models.EquitySnapshot{
		UserID:     userID,
		Equity:     info.Equity,
		Balance:    &balance,
		RecordedAt: time.Now(),
	}
	return e.db.Create(&snapshot).Error
}
