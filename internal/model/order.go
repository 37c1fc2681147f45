package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus order state machine: pending -> confirmed | failed
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderFailed    OrderStatus = "failed"
)

// Order order model
type Order struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement:false;comment:snowflake order id" json:"id"`
	UserID      uint64          `gorm:"type:bigint unsigned;not null;index;comment:user id" json:"user_id"`
	Status      OrderStatus     `gorm:"type:varchar(16);not null;default:pending;index;comment:pending, confirmed, failed" json:"status"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(12,2);not null;comment:sum of line totals" json:"total_amount"`
	FailReason  string          `gorm:"type:varchar(255);not null;default:'';comment:why the order failed" json:"fail_reason,omitempty"`
	CreatedAt   time.Time       `gorm:"index;comment:created at" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"comment:updated at" json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
}

// TableName set name
func (Order) TableName() string {
	return "orders"
}

// OrderItem a product line frozen at order time
type OrderItem struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement;comment:item id" json:"-"`
	OrderID   uint64          `gorm:"type:bigint unsigned;not null;index;comment:order id" json:"-"`
	ProductID uint64          `gorm:"type:bigint unsigned;not null;comment:product id" json:"product_id"`
	Name      string          `gorm:"type:varchar(200);not null;default:'';comment:product name at order time" json:"name"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null;comment:unit price at order time" json:"price"`
	Quantity  int             `gorm:"type:int;not null;comment:units" json:"quantity"`
	Total     decimal.Decimal `gorm:"type:decimal(12,2);not null;comment:price * quantity" json:"total"`
}

// TableName set name
func (OrderItem) TableName() string {
	return "order_items"
}

// Fail reasons recorded on orders
const (
	FailReasonPaymentFailed     = "payment_failed"
	FailReasonStockRolledBack   = "stock_rolled_back"
	FailReasonReservationFailed = "reservation_failed"
	FailReasonPublishFailed     = "publish_failed"
)

// IsPending check order is pending
func (o *Order) IsPending() bool {
	return o.Status == OrderPending
}

// IsTerminal check order reached confirmed or failed
func (o *Order) IsTerminal() bool {
	return o.Status == OrderConfirmed || o.Status == OrderFailed
}

// ItemByProduct returns the line for productID
func (o *Order) ItemByProduct(productID uint64) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return OrderItem{}, false
}

// CalculateTotal sums price * quantity over the items and fills each Total
func CalculateTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		items[i].Total = items[i].Price.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
		total = total.Add(items[i].Total)
	}
	return total
}
