package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

// PaymentRepository payment repository interface
type PaymentRepository interface {
	// GetByOrderID gets the payment of an order
	GetByOrderID(ctx context.Context, orderID uint64) (*model.Payment, error)

	// Store records a charge result once per order. An identical existing row is
	// returned as a replay; a different one fails with ErrConflictingPayment.
	Store(ctx context.Context, payment *model.Payment) (*model.Payment, bool, error)
}

// paymentRepository payment repository implementation
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a payment repository
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// GetByOrderID gets the payment of an order
func (r *paymentRepository) GetByOrderID(ctx context.Context, orderID uint64) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func replayOrConflict(existing, want *model.Payment) (*model.Payment, bool, error) {
	if existing.SameAs(want.Amount, want.PaymentID, want.Status) {
		return existing, true, nil
	}
	return nil, false, utils.ErrConflictingPayment
}

// Store records a charge result once per order
func (r *paymentRepository) Store(ctx context.Context, payment *model.Payment) (*model.Payment, bool, error) {
	existing, err := r.GetByOrderID(ctx, payment.OrderID)
	if err == nil {
		return replayOrConflict(existing, payment)
	}
	if !errors.Is(err, utils.ErrPaymentNotFound) {
		return nil, false, err
	}

	err = r.db.WithContext(ctx).Create(payment).Error
	if err == nil {
		return payment, false, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}

	// lost a race past the lock; the unique index decided
	existing, err = r.GetByOrderID(ctx, payment.OrderID)
	if err != nil {
		return nil, false, err
	}
	return replayOrConflict(existing, payment)
}
