package settlement

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mattdavey/papertrade/internal/types"
)

// Notifier receives one settlement event per terminal order transition.
// Delivery is fire-and-forget: the engine never waits on it and never rolls
// back a committed settlement because of it.
type Notifier interface {
	Notify(event types.SettlementEvent)
}

// Engine decides, on every incoming price tick, which pending orders fill
// now. Ticks arrive serially from the single upstream connection, so
// settlement passes never overlap.
type Engine struct {
	db       *Database
	notifier Notifier
}

func NewEngine(gormDB *gorm.DB, notifier Notifier) *Engine {
	return &Engine{
		db:       NewDatabase(gormDB),
		notifier: notifier,
	}
}

// HandleTick adapts the engine to the feed's tick hook.
func (e *Engine) HandleTick(tick types.PriceTick) {
	e.ProcessTick(tick.Price)
}

// ProcessTick runs one settlement pass against the given reference price.
// Each order is settled independently: a store failure on one order is
// logged and leaves that order PENDING for the next tick, it never aborts
// the rest of the pass.
func (e *Engine) ProcessTick(price decimal.Decimal) {
	logger := log.With().Str("component", "settlement_engine").Logger()

	orders, err := e.db.GetPendingOrders()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load pending orders")
		return
	}

	for i := range orders {
		order := &orders[i]

		if !eligible(order, price) {
			continue
		}

		status, err := e.db.SettleOrder(order)
		if err != nil {
			if errors.Is(err, ErrNotPending) {
				continue
			}
			logger.Error().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("failed to settle order, leaving pending")
			continue
		}

		logger.Info().
			Str("order_id", order.OrderID).
			Str("user_id", order.UserID).
			Str("side", order.Side).
			Str("status", status).
			Str("total_value", order.TotalValue.StringFixed(2)).
			Msg("order settled")

		e.notifier.Notify(types.SettlementEvent{
			UserID:     order.UserID,
			OrderID:    order.OrderID,
			Side:       order.Side,
			Status:     status,
			TotalValue: order.TotalValue,
		})
	}
}

// eligible reports whether the reference price permits the order to settle
// now. A MARKET order is always eligible. A BUY limit waits until the price
// drops to its limit; a SELL limit waits until the price rises to it.
func eligible(order *types.Order, price decimal.Decimal) bool {
	if order.OrderType != types.OrderTypeLimit {
		return true
	}
	switch order.Side {
	case types.SideBuy:
		return price.LessThanOrEqual(order.Price)
	case types.SideSell:
		return price.GreaterThanOrEqual(order.Price)
	}
	return false
}
