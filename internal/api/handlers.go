package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"broker-sync-go/internal/gateway"
	"broker-sync-go/internal/models"
	"broker-sync-go/internal/registry"
	"broker-sync-go/internal/stats"
	"broker-sync-go/internal/syncer"
)

const (
	defaultTradePageSize = 50
	maxTradePageSize     = 500
	defaultHistoryDays   = 30
)

// Handler holds dependencies for the API endpoints.
type Handler struct {
	logger    *zap.Logger
	db        *gorm.DB
	registry  *registry.Service
	engine    *syncer.Engine
	stats     *stats.Aggregator
	jwtSecret string
}

// NewHandler creates a new Handler.
func NewHandler(logger *zap.Logger, db *gorm.DB, reg *registry.Service, engine *syncer.Engine, agg *stats.Aggregator, jwtSecret string) *Handler {
	return &Handler{
		logger:    logger,
		db:        db,
		registry:  reg,
		engine:    engine,
		stats:     agg,
		jwtSecret: jwtSecret,
	}
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req registry.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conn, err := h.registry.Connect(r.Context(), userID, req)
	if err != nil {
		h.writeConnectError(w, userID, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"connection": conn,
	})
}

// writeConnectError maps registry/gateway failures onto the error
// taxonomy: validation 400, configuration 503, permanent gateway
// rejection 502 with remediation text, everything else a retryable 503.
func (h *Handler) writeConnectError(w http.ResponseWriter, userID uint, err error) {
	var provisionErr *gateway.ProvisionError

	switch {
	case errors.Is(err, registry.ErrUnsupportedPlatform), errors.Is(err, registry.ErrMissingFields):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "broker synchronization is not configured on this server; contact support")
	case errors.As(err, &provisionErr):
		respondError(w, http.StatusBadGateway, provisionErr.Message)
	default:
		h.logger.Error("Broker connect failed", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "the broker gateway did not respond; try again shortly")
	}
}

func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	conns, err := h.registry.Connections(userID)
	if err != nil {
		h.logger.Error("Failed to list connections", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list broker connections")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	result, err := h.engine.Sync(r.Context(), userID)
	if err != nil {
		h.logger.Error("Sync failed", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "synchronization failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	if err := h.registry.Disconnect(userID); err != nil {
		h.logger.Error("Disconnect failed", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to disconnect broker")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	trades, snapshots, err := h.registry.ResetData(userID)
	if err != nil {
		h.logger.Error("Reset failed", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to reset data")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"tradesDeleted":    trades,
		"snapshotsDeleted": snapshots,
	})
}

func (h *Handler) handleListTrades(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	limit := queryInt(r, "limit", defaultTradePageSize)
	if limit <= 0 || limit > maxTradePageSize {
		limit = defaultTradePageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var trades []models.Trade
	// Open trades (closed_at NULL) sort first, then closed ones newest
	// first.
	err := h.db.Where("user_id = ?", userID).
		Order("closed_at IS NOT NULL, closed_at desc").
		Limit(limit).Offset(offset).
		Find(&trades).Error
	if err != nil {
		h.logger.Error("Failed to list trades", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	var total int64
	if err := h.db.Model(&models.Trade{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		h.logger.Error("Failed to count trades", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type addTradeRequest struct {
	Symbol     string     `json:"symbol"`
	Type       string     `json:"type"`
	Lots       float64    `json:"lots"`
	EntryPrice float64    `json:"entryPrice"`
	ExitPrice  *float64   `json:"exitPrice"`
	OpenedAt   *time.Time `json:"openedAt"`
	ClosedAt   *time.Time `json:"closedAt"`
}

func (h *Handler) handleAddTrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req addTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tradeType := req.Type
	if tradeType != models.TradeTypeBuy && tradeType != models.TradeTypeSell {
		respondError(w, http.StatusBadRequest, "type must be buy or sell")
		return
	}
	if req.Symbol == "" || req.Lots <= 0 || req.EntryPrice <= 0 {
		respondError(w, http.StatusBadRequest, "required fields: symbol, type, lots, entryPrice")
		return
	}

	trade := models.Trade{
		UserID:     userID,
		Symbol:     req.Symbol,
		Type:       tradeType,
		Lots:       req.Lots,
		EntryPrice: req.EntryPrice,
		ExitPrice:  req.ExitPrice,
		OpenedAt:   req.OpenedAt,
		ClosedAt:   req.ClosedAt,
		// ExternalID stays nil: manual trades never collide with
		// broker-sourced rows.
	}
	if req.ExitPrice != nil {
		trade.Profit = pipProfit(req.EntryPrice, *req.ExitPrice, req.Lots, tradeType)
	}

	if err := h.db.Create(&trade).Error; err != nil {
		h.logger.Error("Failed to save manual trade", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to save trade")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"trade":   trade,
	})
}

// pipProfit is the simplified pip model used for manually entered trades
// only; reconciled trades always keep the gateway-reported profit.
func pipProfit(entry, exit, lots float64, tradeType string) float64 {
	const pipValue = 10
	pips := (exit - entry) * 10000
	profit := pips * lots * pipValue
	if tradeType == models.TradeTypeSell {
		return -profit
	}
	return profit
}

func (h *Handler) handleDeleteTrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	tradeID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trade id")
		return
	}

	res := h.db.Where("id = ? AND user_id = ?", tradeID, userID).Unscoped().Delete(&models.Trade{})
	if res.Error != nil {
		h.logger.Error("Failed to delete trade", zap.Uint("user_id", userID), zap.Error(res.Error))
		respondError(w, http.StatusInternalServerError, "failed to delete trade")
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusNotFound, "trade not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	snap, err := h.stats.Compute(userID, time.Now())
	if err != nil {
		h.logger.Error("Failed to compute statistics", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleEquityHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	days := queryInt(r, "days", defaultHistoryDays)
	if days <= 0 {
		days = defaultHistoryDays
	}
	since := time.Now().AddDate(0, 0, -days)

	var snapshots []models.EquitySnapshot
	err := h.db.Where("user_id = ? AND recorded_at > ?", userID, since).
		Order("recorded_at asc").
		Find(&snapshots).Error
	if err != nil {
		h.logger.Error("Failed to load equity history", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load equity history")
		return
	}

	type point struct {
		Equity     float64   `json:"equity"`
		RecordedAt time.Time `json:"recordedAt"`
	}
	history := make([]point, 0, len(snapshots))
	for _, s := range snapshots {
		history = append(history, point{Equity: s.Equity, RecordedAt: s.RecordedAt})
	}

	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) handleAddEquitySnapshot(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req struct {
		Equity float64 `json:"equity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if math.IsNaN(req.Equity) || req.Equity <= 0 {
		respondError(w, http.StatusBadRequest, "equity must be a positive number")
		return
	}

	snapshot := models.EquitySnapshot{
		UserID:     userID,
		Equity:     req.Equity,
		RecordedAt: time.Now(),
	}
	if err := h.db.Create(&snapshot).Error; err != nil {
		h.logger.Error("Failed to save equity snapshot", zap.Uint("user_id", userID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to save equity snapshot")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"snapshot": snapshot,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
