package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"broker-sync-go/internal/database"
	"broker-sync-go/internal/gateway"
	"broker-sync-go/internal/models"
)

// fakeGateway implements gateway.ClientInterface with canned responses.
type fakeGateway struct {
	state        *gateway.AccountState
	stateErr     error
	info         *gateway.AccountInformation
	infoErr      error
	positions    []gateway.Position
	positionsErr error
	deals        []gateway.Deal
	dealsErr     error
	deployCalls  int
}

var _ gateway.ClientInterface = (*fakeGateway)(nil)

func (f *fakeGateway) CreateAccount(ctx context.Context, req gateway.CreateAccountRequest) (string, error) {
	return "acct-fake", nil
}

func (f *fakeGateway) DeployAccount(ctx context.Context, accountID string) error {
	f.deployCalls++
	return nil
}

func (f *fakeGateway) GetAccountState(ctx context.Context, accountID string) (*gateway.AccountState, error) {
	return f.state, f.stateErr
}

func (f *fakeGateway) GetAccountInformation(ctx context.Context, region, accountID string) (*gateway.AccountInformation, error) {
	return f.info, f.infoErr
}

func (f *fakeGateway) GetPositions(ctx context.Context, region, accountID string) ([]gateway.Position, error) {
	return f.positions, f.positionsErr
}

func (f *fakeGateway) GetDeals(ctx context.Context, region, accountID string, from, to time.Time) ([]gateway.Deal, error) {
	return f.deals, f.dealsErr
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func activeConnection(t *testing.T, db *gorm.DB, userID uint) {
	t.Helper()
	conn := models.RemoteConnection{
		UserID:          userID,
		Platform:        models.PlatformMT5,
		AccountNumber:   "100200",
		ServerName:      "Demo-Server",
		RemoteAccountID: "acct-1",
		Active:          true,
	}
	require.NoError(t, db.Create(&conn).Error)
}

func readyGateway() *fakeGateway {
	return &fakeGateway{
		state: &gateway.AccountState{
			State:            gateway.StateDeployed,
			ConnectionStatus: gateway.StatusConnected,
			Region:           "london",
		},
		info: &gateway.AccountInformation{Balance: 1000, Equity: 1025.5, Currency: "USD"},
	}
}

func countTrades(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Trade{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func countSnapshots(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.EquitySnapshot{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestSyncNoConnection(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(zap.NewNop(), db, readyGateway(), 30)

	result, err := engine.Sync(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, StatusNoConnection, result.Status)
	assert.False(t, result.Success)
}

func TestSyncWhileDeploying(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)
	gw := readyGateway()
	gw.state.State = "DEPLOYING"
	engine := NewEngine(zap.NewNop(), db, gw, 30)

	result, err := engine.Sync(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, StatusDeploying, result.Status)
	assert.NotEmpty(t, result.Message)
	// The idempotent re-deploy must have been issued.
	assert.Equal(t, 1, gw.deployCalls)
	assert.EqualValues(t, 0, countTrades(t, db, 1))
}

func TestSyncWhileConnecting(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)
	gw := readyGateway()
	gw.state.ConnectionStatus = "DISCONNECTED"
	engine := NewEngine(zap.NewNop(), db, gw, 30)

	result, err := engine.Sync(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, result.Status)
	assert.Equal(t, 0, gw.deployCalls)
}

func TestSyncGatewayUnreachable(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)
	gw := readyGateway()
	gw.state = nil
	gw.stateErr = errors.New("connection reset")
	engine := NewEngine(zap.NewNop(), db, gw, 30)

	result, err := engine.Sync(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, result.Status)
	assert.NotEmpty(t, result.Message)
}

// One open EURUSD buy position and one closing GBPUSD sell deal must land
// as exactly two ledger rows plus one equity snapshot.
func TestSyncScenario(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)

	gw := readyGateway()
	gw.positions = []gateway.Position{{
		ID:        "p1",
		Symbol:    "EURUSD",
		Type:      gateway.PositionTypeBuy,
		Volume:    1.0,
		OpenPrice: 1.1,
		Profit:    25.5,
		Time:      time.Now().Add(-2 * time.Hour),
	}}
	gw.deals = []gateway.Deal{
		{
			ID: "d1", Type: gateway.DealTypeSell, EntryType: gateway.DealEntryOut,
			Symbol: "GBPUSD", Volume: 0.5, Price: 1.25, Profit: -10.0, Time: time.Now().Add(-time.Hour),
		},
		// Opening leg and balance entry must be filtered out.
		{
			ID: "d2", Type: gateway.DealTypeBuy, EntryType: gateway.DealEntryIn,
			Symbol: "GBPUSD", Volume: 0.5, Price: 1.26, Time: time.Now().Add(-2 * time.Hour),
		},
		{
			ID: "d3", Type: "DEAL_TYPE_BALANCE", EntryType: gateway.DealEntryIn,
			Volume: 0, Profit: 500, Time: time.Now().Add(-3 * time.Hour),
		},
	}

	engine := NewEngine(zap.NewNop(), db, gw, 30)
	result, err := engine.Sync(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, StatusSynced, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TradesSynced)
	assert.Equal(t, 1025.5, result.Equity)
	assert.Equal(t, 1000.0, result.Balance)
	assert.InDelta(t, 25.5, result.FloatingProfit, 1e-9)

	var trades []models.Trade
	require.NoError(t, db.Where("user_id = ?", 1).Find(&trades).Error)
	require.Len(t, trades, 2)

	var open, closed int
	for _, tr := range trades {
		if tr.IsOpen() {
			open++
			assert.Equal(t, "EURUSD", tr.Symbol)
			assert.Equal(t, models.TradeTypeBuy, tr.Type)
			assert.Equal(t, 25.5, tr.Profit)
		} else {
			closed++
			assert.Equal(t, "GBPUSD", tr.Symbol)
			assert.Equal(t, models.TradeTypeSell, tr.Type)
			assert.Equal(t, -10.0, tr.Profit)
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, closed)

	assert.EqualValues(t, 1, countSnapshots(t, db, 1))
}

// Syncing twice against unchanged remote state must not duplicate
// anything: the ledger row count stays identical.
func TestSyncIdempotent(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)

	gw := readyGateway()
	gw.positions = []gateway.Position{{
		ID: "p1", Symbol: "EURUSD", Type: gateway.PositionTypeBuy, Volume: 1.0, OpenPrice: 1.1, Profit: 25.5,
	}}
	gw.deals = []gateway.Deal{{
		ID: "d1", Type: gateway.DealTypeSell, EntryType: gateway.DealEntryOut,
		Symbol: "GBPUSD", Volume: 0.5, Price: 1.25, Profit: -10.0, Time: time.Now(),
	}}

	engine := NewEngine(zap.NewNop(), db, gw, 30)

	_, err := engine.Sync(context.Background(), 1)
	require.NoError(t, err)
	first := countTrades(t, db, 1)

	result, err := engine.Sync(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, first, countTrades(t, db, 1))
	assert.Equal(t, 2, result.TradesSynced)
	// Equity snapshots are append-only: the second sync adds another row.
	assert.EqualValues(t, 2, countSnapshots(t, db, 1))
}

// A deal seen again in an overlapping history window resolves to the same
// row, with the mutable fields refreshed.
func TestSyncDealDedupAcrossWindows(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)

	closedAt := time.Now().Add(-time.Hour)
	gw := readyGateway()
	gw.deals = []gateway.Deal{{
		ID: "d1", Type: gateway.DealTypeSell, EntryType: gateway.DealEntryOut,
		Symbol: "GBPUSD", Volume: 0.5, Price: 1.25, Profit: -10.0, Time: closedAt,
	}}

	engine := NewEngine(zap.NewNop(), db, gw, 30)
	_, err := engine.Sync(context.Background(), 1)
	require.NoError(t, err)

	// Second window: same deal with a corrected profit, plus a new one.
	gw.deals[0].Profit = -9.5
	gw.deals = append(gw.deals, gateway.Deal{
		ID: "d2", Type: gateway.DealTypeBuy, EntryType: gateway.DealEntryOut,
		Symbol: "EURUSD", Volume: 1.0, Price: 1.12, Profit: 40.0, Time: time.Now(),
	})
	_, err = engine.Sync(context.Background(), 1)
	require.NoError(t, err)

	var trades []models.Trade
	require.NoError(t, db.Where("user_id = ?", 1).Order("id").Find(&trades).Error)
	require.Len(t, trades, 2)
	assert.Equal(t, "deal:d1", *trades[0].ExternalID)
	assert.Equal(t, -9.5, trades[0].Profit)
	assert.Equal(t, "deal:d2", *trades[1].ExternalID)
}

// A position open in sync #1 and absent in sync #2 must be removed: the
// remote open-position list is authoritative. Manual open trades are
// untouched.
func TestSyncOpenPositionAuthority(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)

	manual := models.Trade{UserID: 1, Symbol: "XAUUSD", Type: models.TradeTypeBuy, Lots: 0.1, EntryPrice: 2400}
	require.NoError(t, db.Create(&manual).Error)

	gw := readyGateway()
	gw.positions = []gateway.Position{{
		ID: "p1", Symbol: "EURUSD", Type: gateway.PositionTypeBuy, Volume: 1.0, OpenPrice: 1.1, Profit: 5,
	}}

	engine := NewEngine(zap.NewNop(), db, gw, 30)
	_, err := engine.Sync(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, countTrades(t, db, 1))

	// The position closed on the broker side; next poll no longer lists it.
	gw.positions = nil
	_, err = engine.Sync(context.Background(), 1)
	require.NoError(t, err)

	var trades []models.Trade
	require.NoError(t, db.Where("user_id = ?", 1).Find(&trades).Error)
	require.Len(t, trades, 1)
	assert.Equal(t, "XAUUSD", trades[0].Symbol)
	assert.Nil(t, trades[0].ExternalID)
}

// A failed positions fetch must keep the current open rows instead of
// wiping them, and must not stop the deal merge.
func TestSyncPartialFetchFailure(t *testing.T) {
	db := setupTestDB(t)
	activeConnection(t, db, 1)

	gw := readyGateway()
	gw.positions = []gateway.Position{{
		ID: "p1", Symbol: "EURUSD", Type: gateway.PositionTypeBuy, Volume: 1.0, OpenPrice: 1.1,
	}}
	engine := NewEngine(zap.NewNop(), db, gw, 30)
	_, err := engine.Sync(context.Background(), 1)
	require.NoError(t, err)

	gw.positions = nil
	gw.positionsErr = gateway.ErrMalformedResponse
	gw.deals = []gateway.Deal{{
		ID: "d1", Type: gateway.DealTypeSell, EntryType: gateway.DealEntryOut,
		Symbol: "GBPUSD", Volume: 0.5, Price: 1.25, Profit: -10.0, Time: time.Now(),
	}}

	result, err := engine.Sync(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, result.Status)
	assert.Equal(t, 1, result.TradesSynced)

	// The open row from the first sync survived the failed fetch.
	var openBroker int64
	require.NoError(t, db.Model(&models.Trade{}).
		Where("user_id = ? AND closed_at IS NULL AND external_id IS NOT NULL", 1).
		Count(&openBroker).Error)
	assert.EqualValues(t, 1, openBroker)
}
