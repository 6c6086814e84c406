package syncer

import (
	"fmt"
	"time"

	"broker-sync-go/internal/gateway"
	"broker-sync-go/internal/models"
)

// IsClosingTrade reports whether a deal is the closing leg of a real
// trade. Only buy/sell deals whose entry type marks them as closing a
// position, that carry a traded symbol and a positive volume qualify;
// balance adjustments, credits and position-opening legs must never
// reach the ledger. Every reconciled deal passes through this filter.
func IsClosingTrade(d gateway.Deal) bool {
	if d.Type != gateway.DealTypeBuy && d.Type != gateway.DealTypeSell {
		return false
	}
	if d.EntryType != gateway.DealEntryOut {
		return false
	}
	if d.Symbol == "" {
		return false
	}
	return d.Volume > 0
}

// externalIDForPosition derives the deduplication key for an open
// position. When the gateway omits the position id the key falls back to
// symbol plus open time (or wall clock when even that is missing), which
// is not guaranteed stable across syncs.
func externalIDForPosition(p gateway.Position) string {
	if p.ID != "" {
		return "pos:" + p.ID
	}
	at := p.Time
	if at.IsZero() {
		at = time.Now()
	}
	return fmt.Sprintf("pos:%s:%d", p.Symbol, at.UnixMilli())
}

// externalIDForDeal derives the deduplication key for a closed deal.
func externalIDForDeal(d gateway.Deal) string {
	return "deal:" + d.ID
}

// tradeTypeOf maps a gateway position or deal type onto a ledger
// direction.
func tradeTypeOf(gatewayType string) string {
	if gatewayType == gateway.PositionTypeBuy || gatewayType == gateway.DealTypeBuy {
		return models.TradeTypeBuy
	}
	return models.TradeTypeSell
}

// tradeFromPosition converts an open position into a ledger row. Exit
// price and close time stay nil while the position is open.
func tradeFromPosition(userID uint, p gateway.Position) models.Trade {
	extID := externalIDForPosition(p)
	trade := models.Trade{
		UserID:     userID,
		Symbol:     p.Symbol,
		Type:       tradeTypeOf(p.Type),
		Lots:       p.Volume,
		EntryPrice: p.OpenPrice,
		Profit:     p.Profit,
		ExternalID: &extID,
	}
	if !p.Time.IsZero() {
		openedAt := p.Time
		trade.OpenedAt = &openedAt
	}
	return trade
}

// tradeFromDeal converts a filtered closing deal into a closed ledger
// row. The gateway's signed profit is stored as-is; reconciled trades
// never recompute profit locally.
func tradeFromDeal(userID uint, d gateway.Deal) models.Trade {
	extID := externalIDForDeal(d)
	exitPrice := d.Price
	closedAt := d.Time
	return models.Trade{
		UserID:     userID,
		Symbol:     d.Symbol,
		Type:       tradeTypeOf(d.Type),
		Lots:       d.Volume,
		ExitPrice:  &exitPrice,
		Profit:     d.Profit,
		ClosedAt:   &closedAt,
		ExternalID: &extID,
	}
}
