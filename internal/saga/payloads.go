package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderLine product and quantity of an order line
type OrderLine struct {
	ProductID uint64 `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// PaidLine an order line with the price that was charged
type PaidLine struct {
	ProductID uint64          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderCreated emitted by order after persisting a pending order
type OrderCreated struct {
	OrderID uint64      `json:"orderId"`
	UserID  uint64      `json:"userId"`
	Items   []OrderLine `json:"items"`
}

// StockDecrement emitted by inventory for every reserved product
type StockDecrement struct {
	ProductID uint64 `json:"productId"`
	OrderID   uint64 `json:"orderId"`
	Quantity  int    `json:"quantity"`
	Remaining int    `json:"remaining"`
}

// PaymentSuccess emitted by payment after a successful charge
type PaymentSuccess struct {
	OrderID uint64     `json:"orderId"`
	UserID  uint64     `json:"userId"`
	Items   []PaidLine `json:"items"`
}

// PaymentFailure emitted by payment after a declined charge
type PaymentFailure struct {
	OrderID uint64 `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// OrderConfirmed emitted by inventory once reservations are confirmed
type OrderConfirmed struct {
	OrderID     uint64    `json:"orderId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// OrderFailed emitted by inventory for every product returned to stock
type OrderFailed struct {
	OrderID            uint64 `json:"orderId"`
	ProductID          uint64 `json:"productId"`
	RolledBackQuantity int    `json:"rolledBackQuantity"`
}

// ReservationFailed emitted by inventory when an order cannot be reserved
type ReservationFailed struct {
	OrderID   uint64 `json:"orderId"`
	ProductID uint64 `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}

// ProductCreated emitted by catalog for a new product
type ProductCreated struct {
	ProductID         uint64 `json:"productId"`
	Stock             int    `json:"stock"`
	LowStockThreshold int    `json:"lowStockThreshold,omitempty"`
}

// ProductDeleted emitted by catalog when a product is removed
type ProductDeleted struct {
	ProductID uint64 `json:"productId"`
}

var (
	errMissingOrder   = errors.New("orderId is required")
	errMissingProduct = errors.New("productId is required")
	errNoItems        = errors.New("items must not be empty")
)

func validateLine(i int, productID uint64, quantity int) error {
	if productID == 0 {
		return fmt.Errorf("items[%d]: %w", i, errMissingProduct)
	}
	if quantity <= 0 {
		return fmt.Errorf("items[%d]: quantity must be positive", i)
	}
	return nil
}

func (e *OrderCreated) Validate() error {
	if e.OrderID == 0 {
		return errMissingOrder
	}
	if len(e.Items) == 0 {
		return errNoItems
	}
	for i, item := range e.Items {
		if err := validateLine(i, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (e *StockDecrement) Validate() error {
	if e.ProductID == 0 {
		return errMissingProduct
	}
	return nil
}

func (e *PaymentSuccess) Validate() error {
	if e.OrderID == 0 {
		return errMissingOrder
	}
	if len(e.Items) == 0 {
		return errNoItems
	}
	for i, item := range e.Items {
		if err := validateLine(i, item.ProductID, item.Quantity); err != nil {
			return err
		}
		if item.Price.IsNegative() {
			return fmt.Errorf("items[%d]: price must not be negative", i)
		}
	}
	return nil
}

func (e *PaymentFailure) Validate() error {
	if e.OrderID == 0 {
		return errMissingOrder
	}
	return nil
}

func (e *OrderConfirmed) Validate() error {
	if e.OrderID == 0 {
		return errMissingOrder
	}
	return nil
}

func (e *OrderFailed) Validate() error {
	if e.ProductID == 0 {
		return errMissingProduct
	}
	if e.RolledBackQuantity < 0 {
		return errors.New("rolledBackQuantity must not be negative")
	}
	return nil
}

func (e *ReservationFailed) Validate() error {
	if e.OrderID == 0 {
		return errMissingOrder
	}
	return nil
}

func (e *ProductCreated) Validate() error {
	if e.ProductID == 0 {
		return errMissingProduct
	}
	if e.Stock < 0 {
		return errors.New("stock must not be negative")
	}
	return nil
}

func (e *ProductDeleted) Validate() error {
	if e.ProductID == 0 {
		return errMissingProduct
	}
	return nil
}
