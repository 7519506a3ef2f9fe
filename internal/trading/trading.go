package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mattdavey/papertrade/internal/types"
	"github.com/mattdavey/papertrade/pkg/response"
)

var (
	ErrInvalidOrder        = errors.New("invalid order")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoReferencePrice    = errors.New("reference price unavailable")
)

// ReferencePriceSource supplies the current tick for pricing MARKET orders.
// The feed ingestor implements it.
type ReferencePriceSource interface {
	Last() (types.PriceTick, bool)
}

// Service handles order intake and order/balance reads. The intake balance
// check is advisory: funds are not reserved, and the settlement engine
// re-checks sufficiency against the balance it observes at fill time.
type Service struct {
	db   *Database
	feed ReferencePriceSource
}

func NewService(gormDB *gorm.DB, feed ReferencePriceSource) *Service {
	return &Service{
		db:   NewDatabase(gormDB),
		feed: feed,
	}
}

// SubmitOrder validates the request against the current balance snapshot and
// inserts a PENDING order. There is no synchronous fill: settlement outcomes
// surface through the push channel or order history.
func (s *Service) SubmitOrder(userID string, req *types.CreateOrderRequest) (*types.Order, error) {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if req.OrderType != types.OrderTypeMarket && req.OrderType != types.OrderTypeLimit {
		return nil, fmt.Errorf("%w: order_type must be MARKET or LIMIT", ErrInvalidOrder)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	quantity := req.Quantity.Round(8)
	if quantity.IsZero() {
		return nil, fmt.Errorf("%w: quantity must be at least 0.00000001", ErrInvalidOrder)
	}

	var refPrice decimal.Decimal
	switch req.OrderType {
	case types.OrderTypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: limit orders require a positive price", ErrInvalidOrder)
		}
		refPrice = req.Price.Round(2)
	case types.OrderTypeMarket:
		if req.Price != nil {
			return nil, fmt.Errorf("%w: market orders must not carry a price", ErrInvalidOrder)
		}
		tick, ok := s.feed.Last()
		if !ok {
			return nil, ErrNoReferencePrice
		}
		refPrice = tick.Price.Round(2)
	}

	totalValue := quantity.Mul(refPrice).Round(2)

	balance, err := s.db.GetOrCreateBalance(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	switch req.Side {
	case types.SideBuy:
		if balance.USDBalance.LessThan(totalValue) {
			return nil, ErrInsufficientBalance
		}
	case types.SideSell:
		if balance.BTCBalance.LessThan(quantity) {
			return nil, ErrInsufficientBalance
		}
	}

	now := time.Now()
	order := &types.Order{
		OrderID:    uuid.New().String(),
		UserID:     userID,
		Side:       req.Side,
		OrderType:  req.OrderType,
		Quantity:   quantity,
		Price:      refPrice,
		TotalValue: totalValue,
		Status:     types.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.db.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	log.Info().
		Str("component", "order_intake").
		Str("order_id", order.OrderID).
		Str("user_id", userID).
		Str("side", order.Side).
		Str("order_type", order.OrderType).
		Str("quantity", order.Quantity.StringFixed(8)).
		Str("total_value", order.TotalValue.StringFixed(2)).
		Msg("order accepted")

	return order, nil
}

// GetOrder retrieves one of the user's orders. Returns nil when not found.
func (s *Service) GetOrder(orderID, userID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndUserID(orderID, userID)
}

// GetOrders retrieves the user's order history, most recent first.
func (s *Service) GetOrders(userID string) ([]types.Order, error) {
	return s.db.GetOrdersByUserID(userID)
}

// GetBalance returns the user's balance, creating the default-endowed record
// if absent.
func (s *Service) GetBalance(userID string) (*types.Balance, error) {
	return s.db.GetOrCreateBalance(userID)
}

// GinHandlers contains HTTP handlers for trading endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to submit orders.
// Requires a valid JWT token.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Not authenticated")
			return
		}

		var req types.CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitOrder(userID, &req)
		switch {
		case err == nil:
			response.Success(c, order)
		case errors.Is(err, ErrInvalidOrder):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ErrInsufficientBalance):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ErrNoReferencePrice):
			response.BadRequest(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
	}
}

// GetOrdersHandler handles GET requests for the user's order history.
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Not authenticated")
			return
		}

		orders, err := h.service.GetOrders(userID)
		response.Handle(c, orders, err)
	}
}

// GetOrderStatusHandler handles GET requests for a single order.
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Not authenticated")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID, userID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// GetBalanceHandler handles GET requests for the user's balance.
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Not authenticated")
			return
		}

		balance, err := h.service.GetBalance(userID)
		response.Handle(c, balance, err)
	}
}
