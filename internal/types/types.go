package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order statuses. PENDING is the only non-terminal state: an order moves to
// COMPLETED or CANCELLED exactly once and never transitions again.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
)

// Order is a spot order against BTCUSD. Price is the reference price the
// order was created against (the limit price for LIMIT orders, the then
// current tick for MARKET orders) and TotalValue is quantity x price fixed at
// creation time. Settlement debits and credits TotalValue as stored, it is
// never recomputed against the triggering tick.
type Order struct {
	gorm.Model  `json:"-"`
	OrderID     string          `gorm:"uniqueIndex" json:"order_id"`
	UserID      string          `gorm:"index" json:"user_id"`
	Side        string          `json:"side"`       // BUY or SELL
	OrderType   string          `json:"order_type"` // MARKET or LIMIT
	Quantity    decimal.Decimal `gorm:"type:decimal(18,8)" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	TotalValue  decimal.Decimal `gorm:"type:decimal(10,2)" json:"total_value"`
	Status      string          `gorm:"index" json:"status"` // PENDING, COMPLETED, CANCELLED
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Balance holds one user's virtual funds: USD to 2 decimal places, BTC to 8.
// Both stay non-negative after every committed mutation. Rows are created
// lazily with the default endowment and mutated only by the settlement engine.
type Balance struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"uniqueIndex" json:"user_id"`
	USDBalance decimal.Decimal `gorm:"type:decimal(10,2)" json:"usd_balance"`
	BTCBalance decimal.Decimal `gorm:"type:decimal(18,8)" json:"btc_balance"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PriceTick is one immutable price observation from the upstream feed.
// Timestamp is the arrival time, not the exchange's embedded event time.
type PriceTick struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	PriceChange        decimal.Decimal `json:"priceChange"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	High               decimal.Decimal `json:"high"`
	Low                decimal.Decimal `json:"low"`
	Volume             decimal.Decimal `json:"volume"`
	Timestamp          time.Time       `json:"timestamp"`
}

// SettlementEvent describes one terminal order transition. It is pushed to
// the owner's active connection if there is one and dropped otherwise.
type SettlementEvent struct {
	UserID     string          `json:"-"`
	OrderID    string          `json:"order_id"`
	Side       string          `json:"side"`
	Status     string          `json:"status"` // COMPLETED or CANCELLED
	TotalValue decimal.Decimal `json:"total_value"`
}
