package settlement

import (
	"errors"
	"time"

	"github.com/mattdavey/papertrade/internal/types"
	"gorm.io/gorm"
)

// ErrNotPending is returned when an order's terminal transition is attempted
// but the stored row is no longer PENDING. The transaction is rolled back and
// no balance is touched.
var ErrNotPending = errors.New("order is not pending")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPendingOrders loads every order awaiting settlement. No ordering is
// required; each order is evaluated independently.
func (d *Database) GetPendingOrders() ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status = ?", types.StatusPending).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SettleOrder applies the terminal transition for one eligible order in a
// single transaction and returns the resulting status.
//
// A missing balance row or insufficient funds cancels the order without any
// balance mutation. A sufficient balance completes the order and moves the
// funds; the status update and the balance update commit together or not at
// all. The sufficiency check always uses the current stored balance, not the
// snapshot the order was validated against at intake.
func (d *Database) SettleOrder(order *types.Order) (string, error) {
	status := types.StatusCancelled

	err := d.db.Transaction(func(tx *gorm.DB) error {
		var balance types.Balance
		err := tx.Where("user_id = ?", order.UserID).First(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cancelOrder(tx, order)
		}
		if err != nil {
			return err
		}

		var sufficient bool
		switch order.Side {
		case types.SideBuy:
			sufficient = balance.USDBalance.GreaterThanOrEqual(order.TotalValue)
		case types.SideSell:
			sufficient = balance.BTCBalance.GreaterThanOrEqual(order.Quantity)
		}
		if !sufficient {
			return cancelOrder(tx, order)
		}

		if order.Side == types.SideBuy {
			balance.USDBalance = balance.USDBalance.Sub(order.TotalValue)
			balance.BTCBalance = balance.BTCBalance.Add(order.Quantity)
		} else {
			balance.USDBalance = balance.USDBalance.Add(order.TotalValue)
			balance.BTCBalance = balance.BTCBalance.Sub(order.Quantity)
		}

		now := time.Now()
		result := tx.Model(&types.Order{}).
			Where("order_id = ? AND status = ?", order.OrderID, types.StatusPending).
			Updates(map[string]interface{}{
				"status":       types.StatusCompleted,
				"completed_at": now,
				"updated_at":   now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotPending
		}

		if err := tx.Save(&balance).Error; err != nil {
			return err
		}

		order.Status = types.StatusCompleted
		order.CompletedAt = &now
		status = types.StatusCompleted
		return nil
	})

	return status, err
}

// cancelOrder moves the order to CANCELLED, guarded so an order can leave
// PENDING only once.
func cancelOrder(tx *gorm.DB, order *types.Order) error {
	result := tx.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", order.OrderID, types.StatusPending).
		Updates(map[string]interface{}{
			"status":     types.StatusCancelled,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}
	order.Status = types.StatusCancelled
	return nil
}
