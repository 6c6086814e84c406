package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"broker-sync-go/internal/gateway"
	"broker-sync-go/internal/models"
)

// Validation errors. These are rejected before anything reaches the
// gateway.
var (
	ErrUnsupportedPlatform = errors.New("unsupported platform: use mt4 or mt5")
	ErrMissingFields       = errors.New("account number, investor password and server name are required")
)

// Service tracks which remote account is the single active connection
// per user. Connecting provisions a new remote account, deactivates any
// previous connection and clears the user's ledger: a new remote account
// is a new trading history and must not be blended with the old one.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	client gateway.ClientInterface
}

// NewService creates a new connection registry.
func NewService(logger *zap.Logger, db *gorm.DB, client gateway.ClientInterface) *Service {
	return &Service{
		logger: logger,
		db:     db,
		client: client,
	}
}

// ConnectRequest carries the broker credentials for a new connection.
// InvestorPassword is the read-only credential; the trading password is
// deliberately never accepted or stored.
type ConnectRequest struct {
	Platform         string `json:"platform"`
	AccountNumber    string `json:"accountNumber"`
	InvestorPassword string `json:"investorPassword"`
	ServerName       string `json:"serverName"`
}

// Connect provisions a remote account for the user and registers it as
// the single active connection. Deployment completes asynchronously on
// the gateway side; the sync engine observes it through the state poller.
func (s *Service) Connect(ctx context.Context, userID uint, req ConnectRequest) (*models.RemoteConnection, error) {
	platform := strings.ToLower(req.Platform)
	if !models.IsSupportedPlatform(platform) {
		return nil, ErrUnsupportedPlatform
	}
	if req.AccountNumber == "" || req.InvestorPassword == "" || req.ServerName == "" {
		return nil, ErrMissingFields
	}

	remoteID, err := s.client.CreateAccount(ctx, gateway.CreateAccountRequest{
		Name:     fmt.Sprintf("user-%d-%s", userID, req.AccountNumber),
		Login:    req.AccountNumber,
		Password: req.InvestorPassword,
		Server:   req.ServerName,
		Platform: platform,
	})
	if err != nil {
		return nil, err
	}

	// Kick off deployment immediately. A failure here is not fatal: the
	// state poller re-issues the deploy request on every sync attempt.
	if err := s.client.DeployAccount(ctx, remoteID); err != nil {
		s.logger.Warn("Initial deploy request failed, poller will retry",
			zap.Uint("user_id", userID),
			zap.String("remote_account_id", remoteID),
			zap.Error(err),
		)
	}

	conn := models.RemoteConnection{
		UserID:          userID,
		Platform:        platform,
		AccountNumber:   req.AccountNumber,
		ServerName:      req.ServerName,
		RemoteAccountID: remoteID,
		Active:          true,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := deactivateConnections(tx, userID); err != nil {
			return err
		}
		if _, _, err := purgeLedger(tx, userID); err != nil {
			return err
		}
		if err := tx.Create(&conn).Error; err != nil {
			return fmt.Errorf("failed to save broker connection: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Broker connection registered",
		zap.Uint("user_id", userID),
		zap.String("platform", platform),
		zap.String("remote_account_id", remoteID),
	)
	return &conn, nil
}

// Disconnect deactivates the user's active connection and purges the
// ledger and equity history, so a future reconnect starts from an empty,
// unambiguous history. Connection rows themselves are kept.
func (s *Service) Disconnect(userID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := deactivateConnections(tx, userID); err != nil {
			return err
		}
		_, _, err := purgeLedger(tx, userID)
		return err
	})
}

// ResetData purges the user's trades and equity snapshots without
// touching the connection, letting an operator force a clean resync.
// Returns how many rows of each kind were removed.
func (s *Service) ResetData(userID uint) (tradesDeleted, snapshotsDeleted int64, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		tradesDeleted, snapshotsDeleted, err = purgeLedger(tx, userID)
		return err
	})
	return tradesDeleted, snapshotsDeleted, err
}

// Connections lists the user's connections, newest first.
func (s *Service) Connections(userID uint) ([]models.RemoteConnection, error) {
	var conns []models.RemoteConnection
	err := s.db.Where("user_id = ?", userID).Order("created_at desc").Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list broker connections: %w", err)
	}
	return conns, nil
}

func deactivateConnections(tx *gorm.DB, userID uint) error {
	err := tx.Model(&models.RemoteConnection{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("failed to deactivate previous connection: %w", err)
	}
	return nil
}

func purgeLedger(tx *gorm.DB, userID uint) (trades, snapshots int64, err error) {
	res := tx.Where("user_id = ?", userID).Unscoped().Delete(&models.Trade{})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("failed to purge trades: %w", res.Error)
	}
	trades = res.RowsAffected

	res = tx.Where("user_id = ?", userID).Unscoped().Delete(&models.EquitySnapshot{})
	if res.Error != nil {
		return 0, 0, fmt.Errorf("failed to purge equity snapshots: %w", res.Error)
	}
	snapshots = res.RowsAffected

	return trades, snapshots, nil
}
