package settlement

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mattdavey/papertrade/internal/types"
)

// eventRecorder captures emitted settlement events for assertions.
type eventRecorder struct {
	events []types.SettlementEvent
}

func (r *eventRecorder) Notify(event types.SettlementEvent) {
	r.events = append(r.events, event)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &types.Balance{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedBalance(t *testing.T, db *gorm.DB, userID, usd, btc string) {
	t.Helper()
	balance := types.Balance{
		UserID:     userID,
		USDBalance: dec(usd),
		BTCBalance: dec(btc),
	}
	if err := db.Create(&balance).Error; err != nil {
		t.Fatalf("failed to seed balance: %v", err)
	}
}

func seedOrder(t *testing.T, db *gorm.DB, userID, side, orderType, quantity, price string) *types.Order {
	t.Helper()
	qty := dec(quantity)
	px := dec(price)
	order := types.Order{
		OrderID:    uuid.New().String(),
		UserID:     userID,
		Side:       side,
		OrderType:  orderType,
		Quantity:   qty,
		Price:      px,
		TotalValue: qty.Mul(px).Round(2),
		Status:     types.StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return &order
}

func loadOrder(t *testing.T, db *gorm.DB, orderID string) *types.Order {
	t.Helper()
	var order types.Order
	if err := db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	return &order
}

func loadBalance(t *testing.T, db *gorm.DB, userID string) *types.Balance {
	t.Helper()
	var balance types.Balance
	if err := db.Where("user_id = ?", userID).First(&balance).Error; err != nil {
		t.Fatalf("failed to load balance: %v", err)
	}
	return &balance
}

func assertDecimal(t *testing.T, got, want decimal.Decimal, label string) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}

func TestMarketBuySettlesOnNextTick(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	seedBalance(t, db, "alice", "100000.00", "1.00000000")
	order := seedOrder(t, db, "alice", types.SideBuy, types.OrderTypeMarket, "0.5", "50000.00")

	engine.ProcessTick(dec("50000.00"))

	got := loadOrder(t, db, order.OrderID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	balance := loadBalance(t, db, "alice")
	assertDecimal(t, balance.USDBalance, dec("75000.00"), "usd balance")
	assertDecimal(t, balance.BTCBalance, dec("1.50000000"), "btc balance")

	if len(recorder.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(recorder.events))
	}
	event := recorder.events[0]
	if event.Status != types.StatusCompleted || event.Side != types.SideBuy {
		t.Errorf("unexpected event: %+v", event)
	}
	assertDecimal(t, event.TotalValue, dec("25000.00"), "event total value")
}

func TestSellLimitWaitsForTriggerPrice(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	seedBalance(t, db, "bob", "100000.00", "1.00000000")
	order := seedOrder(t, db, "bob", types.SideSell, types.OrderTypeLimit, "0.2", "60000.00")

	// Below the limit the order must stay pending.
	engine.ProcessTick(dec("50000.00"))
	engine.ProcessTick(dec("59999.99"))

	if got := loadOrder(t, db, order.OrderID); got.Status != types.StatusPending {
		t.Fatalf("expected PENDING below limit, got %s", got.Status)
	}
	if len(recorder.events) != 0 {
		t.Fatalf("expected no events below limit, got %d", len(recorder.events))
	}

	// First tick at or above the limit settles, crediting the notional
	// fixed at submission time, not quantity x trigger price.
	engine.ProcessTick(dec("61250.55"))

	got := loadOrder(t, db, order.OrderID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected COMPLETED at trigger, got %s", got.Status)
	}

	balance := loadBalance(t, db, "bob")
	assertDecimal(t, balance.USDBalance, dec("112000.00"), "usd balance")
	assertDecimal(t, balance.BTCBalance, dec("0.80000000"), "btc balance")
}

func TestBuyLimitWaitsForPriceDrop(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	seedBalance(t, db, "carol", "100000.00", "1.00000000")
	order := seedOrder(t, db, "carol", types.SideBuy, types.OrderTypeLimit, "1", "45000.00")

	engine.ProcessTick(dec("50000.00"))
	if got := loadOrder(t, db, order.OrderID); got.Status != types.StatusPending {
		t.Fatalf("expected PENDING above limit, got %s", got.Status)
	}

	engine.ProcessTick(dec("44999.00"))
	got := loadOrder(t, db, order.OrderID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected COMPLETED at or below limit, got %s", got.Status)
	}

	balance := loadBalance(t, db, "carol")
	assertDecimal(t, balance.USDBalance, dec("55000.00"), "usd balance")
	assertDecimal(t, balance.BTCBalance, dec("2.00000000"), "btc balance")
}

func TestMissingBalanceCancelsOrder(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	// No balance row exists for this user.
	order := seedOrder(t, db, "ghost", types.SideBuy, types.OrderTypeMarket, "0.5", "50000.00")

	engine.ProcessTick(dec("50000.00"))

	got := loadOrder(t, db, order.OrderID)
	if got.Status != types.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("cancelled order must not have completed_at")
	}

	var count int64
	db.Model(&types.Balance{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no balance rows, got %d", count)
	}

	if len(recorder.events) != 1 || recorder.events[0].Status != types.StatusCancelled {
		t.Fatalf("expected one CANCELLED event, got %+v", recorder.events)
	}
}

func TestInsufficientFundsCancelsWithoutMutation(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	seedBalance(t, db, "dave", "10.00", "0.01000000")
	order := seedOrder(t, db, "dave", types.SideBuy, types.OrderTypeMarket, "0.5", "50000.00")

	engine.ProcessTick(dec("50000.00"))

	got := loadOrder(t, db, order.OrderID)
	if got.Status != types.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}

	balance := loadBalance(t, db, "dave")
	assertDecimal(t, balance.USDBalance, dec("10.00"), "usd balance")
	assertDecimal(t, balance.BTCBalance, dec("0.01000000"), "btc balance")
}

func TestTerminalTransitionHappensOnce(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	seedBalance(t, db, "erin", "100000.00", "1.00000000")
	order := seedOrder(t, db, "erin", types.SideBuy, types.OrderTypeMarket, "0.5", "50000.00")

	engine.ProcessTick(dec("50000.00"))
	engine.ProcessTick(dec("50000.00"))
	engine.ProcessTick(dec("50000.00"))

	got := loadOrder(t, db, order.OrderID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if len(recorder.events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(recorder.events))
	}

	// The balance must have moved exactly once.
	balance := loadBalance(t, db, "erin")
	assertDecimal(t, balance.USDBalance, dec("75000.00"), "usd balance")
	assertDecimal(t, balance.BTCBalance, dec("1.50000000"), "btc balance")
}

func TestNoOverdraftAcrossOrdersInOnePass(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	// Each order passed the intake check individually, but the balance only
	// covers one of them. The engine re-checks at settlement time, so the
	// second must cancel rather than overdraw.
	seedBalance(t, db, "frank", "100000.00", "1.00000000")
	seedOrder(t, db, "frank", types.SideBuy, types.OrderTypeMarket, "1.2", "50000.00")
	seedOrder(t, db, "frank", types.SideBuy, types.OrderTypeMarket, "1.2", "50000.00")

	engine.ProcessTick(dec("50000.00"))

	balance := loadBalance(t, db, "frank")
	if balance.USDBalance.IsNegative() {
		t.Fatalf("overdraft committed: usd balance %s", balance.USDBalance)
	}
	assertDecimal(t, balance.USDBalance, dec("40000.00"), "usd balance")

	completed, cancelled := 0, 0
	for _, event := range recorder.events {
		switch event.Status {
		case types.StatusCompleted:
			completed++
		case types.StatusCancelled:
			cancelled++
		}
	}
	if completed != 1 || cancelled != 1 {
		t.Errorf("expected 1 completed and 1 cancelled, got %d/%d", completed, cancelled)
	}
}

func TestSellDebitsAssetAndCreditsCash(t *testing.T) {
	db := newTestDB(t)
	recorder := &eventRecorder{}
	engine := NewEngine(db, recorder)

	seedBalance(t, db, "grace", "1000.00", "2.00000000")
	seedOrder(t, db, "grace", types.SideSell, types.OrderTypeMarket, "0.75000000", "40000.00")

	engine.ProcessTick(dec("40000.00"))

	balance := loadBalance(t, db, "grace")
	assertDecimal(t, balance.USDBalance, dec("31000.00"), "usd balance")
	assertDecimal(t, balance.BTCBalance, dec("1.25000000"), "btc balance")
}

func TestMarketOrderIgnoresLimitConditions(t *testing.T) {
	order := &types.Order{Side: types.SideBuy, OrderType: types.OrderTypeMarket, Price: dec("45000.00")}
	if !eligible(order, dec("99999.00")) {
		t.Error("market order must always be eligible")
	}
}
