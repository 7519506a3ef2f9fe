package trading

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mattdavey/papertrade/internal/types"
)

// Starting endowment for a lazily created balance.
var (
	DefaultUSDBalance = decimal.RequireFromString("100000.00")
	DefaultBTCBalance = decimal.RequireFromString("1.00000000")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrderByOrderIDAndUserID(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByUserID(userID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrCreateBalance returns the user's balance, creating it with the
// default endowment on first access.
func (d *Database) GetOrCreateBalance(userID string) (*types.Balance, error) {
	balance := types.Balance{
		UserID:     userID,
		USDBalance: DefaultUSDBalance,
		BTCBalance: DefaultBTCBalance,
	}
	if err := d.db.Where("user_id = ?", userID).FirstOrCreate(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}
