package types

import "github.com/shopspring/decimal"

// CreateOrderRequest is the order submission payload. Price is required for
// LIMIT orders and must be omitted for MARKET orders, which are priced from
// the latest feed tick.
type CreateOrderRequest struct {
	Side      string           `json:"side" binding:"required"`
	OrderType string           `json:"order_type" binding:"required"`
	Quantity  decimal.Decimal  `json:"quantity" binding:"required"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}
