package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

// StockRepository stock ledger interface
type StockRepository interface {
	// Reserve decrements available stock under a row lock
	Reserve(ctx context.Context, productID uint64, quantity int) (*model.Stock, error)

	// Release returns quantity to available stock
	Release(ctx context.Context, productID uint64, quantity int) error

	// SetAbsolute overwrites available stock
	SetAbsolute(ctx context.Context, productID uint64, quantity int) (*model.Stock, error)

	// Create initialises stock for a product, reports false if it already existed
	Create(ctx context.Context, stock *model.Stock) (bool, error)

	// Get gets stock by product ID
	Get(ctx context.Context, productID uint64) (*model.Stock, error)

	// ListByProductIDs lists stock for the given products
	ListByProductIDs(ctx context.Context, productIDs []uint64) ([]model.Stock, error)

	// Delete removes stock and every reservation of the product
	Delete(ctx context.Context, productID uint64) (bool, error)
}

// stockRepository stock ledger implementation
type stockRepository struct {
	db *gorm.DB
}

// NewStockRepository creates a stock repository
func NewStockRepository(db *gorm.DB) StockRepository {
	return &stockRepository{db: db}
}

// lockStock selects the stock row FOR UPDATE
func lockStock(tx *gorm.DB, productID uint64) (*model.Stock, error) {
	var stock model.Stock
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ?", productID).
		First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrStockNotFound
		}
		return nil, err
	}
	return &stock, nil
}

// reserveTx decrements stock inside tx. On ErrInsufficientStock the locked row
// is returned as well so callers can report what was available.
func reserveTx(tx *gorm.DB, productID uint64, quantity int) (*model.Stock, error) {
	if quantity <= 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "quantity must be positive")
	}

	stock, err := lockStock(tx, productID)
	if err != nil {
		return nil, err
	}
	return decrementLocked(tx, stock, quantity)
}

// decrementLocked decrements a row already locked by lockStock
func decrementLocked(tx *gorm.DB, stock *model.Stock, quantity int) (*model.Stock, error) {
	if stock.Stock < quantity {
		return stock, utils.ErrInsufficientStock
	}

	productID := stock.ProductID
	result := tx.Model(&model.Stock{}).
		Where("product_id = ? AND stock >= ?", productID, quantity).
		Update("stock", gorm.Expr("stock - ?", quantity))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return stock, utils.ErrInsufficientStock
	}

	stock.Stock -= quantity
	return stock, nil
}

// releaseTx increments stock inside tx
func releaseTx(tx *gorm.DB, productID uint64, quantity int) error {
	if quantity <= 0 {
		return utils.NewError(utils.CodeInvalidParam, "quantity must be positive")
	}

	result := tx.Model(&model.Stock{}).
		Where("product_id = ?", productID).
		Update("stock", gorm.Expr("stock + ?", quantity))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrStockNotFound
	}
	return nil
}

// Reserve decrements available stock under a row lock
func (r *stockRepository) Reserve(ctx context.Context, productID uint64, quantity int) (*model.Stock, error) {
	var reserved *model.Stock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stock, err := reserveTx(tx, productID, quantity)
		if err != nil {
			return err
		}
		reserved = stock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// Release returns quantity to available stock
func (r *stockRepository) Release(ctx context.Context, productID uint64, quantity int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return releaseTx(tx, productID, quantity)
	})
}

// SetAbsolute overwrites available stock
func (r *stockRepository) SetAbsolute(ctx context.Context, productID uint64, quantity int) (*model.Stock, error) {
	if quantity < 0 {
		return nil, utils.ErrNegativeStock
	}

	var updated *model.Stock
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stock, err := lockStock(tx, productID)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.Stock{}).
			Where("product_id = ?", productID).
			Update("stock", quantity).Error; err != nil {
			return err
		}
		stock.Stock = quantity
		updated = stock
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Create initialises stock for a product, reports false if it already existed
func (r *stockRepository) Create(ctx context.Context, stock *model.Stock) (bool, error) {
	if stock.Stock < 0 {
		return false, utils.ErrNegativeStock
	}
	if stock.LowStockThreshold <= 0 {
		stock.LowStockThreshold = model.DefaultLowStockThreshold
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(stock)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Get gets stock by product ID
func (r *stockRepository) Get(ctx context.Context, productID uint64) (*model.Stock, error) {
	var stock model.Stock
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrStockNotFound
		}
		return nil, err
	}
	return &stock, nil
}

// ListByProductIDs lists stock for the given products
func (r *stockRepository) ListByProductIDs(ctx context.Context, productIDs []uint64) ([]model.Stock, error) {
	var stocks []model.Stock
	if len(productIDs) == 0 {
		return stocks, nil
	}
	err := r.db.WithContext(ctx).
		Where("product_id IN ?", productIDs).
		Order("product_id").
		Find(&stocks).Error
	return stocks, err
}

// Delete removes stock and every reservation of the product
func (r *stockRepository) Delete(ctx context.Context, productID uint64) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", productID).Delete(&model.Reservation{}).Error; err != nil {
			return err
		}
		result := tx.Where("product_id = ?", productID).Delete(&model.Stock{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	return deleted, err
}
