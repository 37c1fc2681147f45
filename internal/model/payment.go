package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus outcome of a charge
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment one charge attempt per order
type Payment struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement;comment:payment row id" json:"id"`
	OrderID   uint64        `gorm:"type:bigint unsigned;not null;uniqueIndex;comment:order id" json:"order_id"`
	Amount    int64         `gorm:"type:bigint;not null;comment:amount in cents" json:"amount"`
	PaymentID string        `gorm:"type:varchar(64);not null;default:'';comment:gateway reference" json:"payment_id"`
	Status    PaymentStatus `gorm:"type:varchar(16);not null;comment:success, failed" json:"status"`
	CreatedAt time.Time     `gorm:"comment:created at" json:"created_at"`
	UpdatedAt time.Time     `gorm:"comment:updated at" json:"updated_at"`
}

// TableName set name
func (Payment) TableName() string {
	return "payments"
}

// SameAs reports whether p records the same charge as the given values
func (p *Payment) SameAs(amount int64, paymentID string, status PaymentStatus) bool {
	return p.Amount == amount && p.PaymentID == paymentID && p.Status == status
}

var hundred = decimal.NewFromInt(100)

// ToCents converts a money amount to integer cents, rounding half away from zero
func ToCents(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
