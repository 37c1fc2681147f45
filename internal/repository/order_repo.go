package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

// OrderRepository order repository interface
type OrderRepository interface {
	// Create creates an order with its items
	Create(ctx context.Context, order *model.Order) error

	// GetByID gets an order with its items
	GetByID(ctx context.Context, id uint64) (*model.Order, error)

	// GetStatus gets only the order status
	GetStatus(ctx context.Context, id uint64) (model.OrderStatus, error)

	// TransitionFromPending moves a pending order to status, reports false if
	// the order had already left pending
	TransitionFromPending(ctx context.Context, id uint64, status model.OrderStatus, reason string) (bool, error)
}

// orderRepository order repository implementation
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create creates an order with its items
func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(order).Error; err != nil {
			return err
		}

		if len(order.Items) > 0 {
			for i := range order.Items {
				order.Items[i].OrderID = order.ID
			}
			if err := tx.Create(&order.Items).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID gets an order with its items
func (r *orderRepository) GetByID(ctx context.Context, id uint64) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetStatus gets only the order status
func (r *orderRepository) GetStatus(ctx context.Context, id uint64) (model.OrderStatus, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Select("id", "status").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", utils.ErrOrderNotFound
		}
		return "", err
	}
	return order.Status, nil
}

// TransitionFromPending moves a pending order to status
func (r *orderRepository) TransitionFromPending(ctx context.Context, id uint64, status model.OrderStatus, reason string) (bool, error) {
	if status != model.OrderConfirmed && status != model.OrderFailed {
		return false, utils.NewError(utils.CodeInvalidParam, "orders can only move to confirmed or failed")
	}

	updates := map[string]interface{}{"status": status}
	if status == model.OrderFailed {
		updates["fail_reason"] = reason
	}

	result := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", id, model.OrderPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// nothing changed: either unknown or already terminal
	if _, err := r.GetStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
