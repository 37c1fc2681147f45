package model

import (
	"time"
)

// ReservationStatus lifecycle of a reservation
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationCanceled  ReservationStatus = "canceled"
)

// Reservation units of one product held for one order
type Reservation struct {
	ID               uint64            `gorm:"primaryKey;autoIncrement;comment:reservation id" json:"id"`
	OrderID          uint64            `gorm:"type:bigint unsigned;not null;uniqueIndex:uk_order_product,priority:1;comment:order id" json:"order_id"`
	ProductID        uint64            `gorm:"type:bigint unsigned;not null;uniqueIndex:uk_order_product,priority:2;index;comment:product id" json:"product_id"`
	ReservedQuantity int               `gorm:"type:int;not null;comment:units held" json:"reserved_quantity"`
	Status           ReservationStatus `gorm:"type:varchar(16);not null;default:pending;index;comment:pending, confirmed, released, canceled" json:"status"`
	CreatedAt        time.Time         `gorm:"comment:created at" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"comment:updated at" json:"updated_at"`
}

// TableName set name
func (Reservation) TableName() string {
	return "reservations"
}

// IsHolding reports whether the reservation still counts against the order
func (r *Reservation) IsHolding() bool {
	return r.Status == ReservationPending || r.Status == ReservationConfirmed
}

// ReservationLine one product requested by an order
type ReservationLine struct {
	ProductID uint64
	Quantity  int
}

// ReservationFailure a line that could not be reserved
type ReservationFailure struct {
	ProductID uint64
	Requested int
	Available int
	Reason    string
}

// Failure reasons
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonStockNotFound     = "stock_not_found"
)

// ReservationOutcome result of reserving an order's lines
type ReservationOutcome struct {
	Reserved  []Reservation
	Existing  []Reservation
	Failed    []ReservationFailure
	Remaining map[uint64]int
	// LowStock products left below their threshold
	LowStock []uint64
}

// AnyReserved reports whether the order holds at least one line
func (o *ReservationOutcome) AnyReserved() bool {
	return len(o.Reserved) > 0 || len(o.Existing) > 0
}
