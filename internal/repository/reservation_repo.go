package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulfillment/internal/model"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// ReservationRepository reservation tracker interface
type ReservationRepository interface {
	// Upsert overwrites the quantity and resets the status to pending, or inserts
	Upsert(ctx context.Context, orderID, productID uint64, quantity int) error

	// ConfirmAll moves every pending reservation of the order to confirmed
	ConfirmAll(ctx context.Context, orderID uint64) (int64, error)

	// CancelAndRelease returns pending quantities to stock and cancels them
	CancelAndRelease(ctx context.Context, orderID uint64) ([]model.Reservation, error)

	// ListByOrderID lists reservations of an order
	ListByOrderID(ctx context.Context, orderID uint64) ([]model.Reservation, error)

	// ReserveForOrder decrements stock and records reservations for each line
	ReserveForOrder(ctx context.Context, orderID uint64, lines []model.ReservationLine, allOrNothing bool) (*model.ReservationOutcome, error)
}

// reservationRepository reservation tracker implementation
type reservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository creates a reservation repository
func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &reservationRepository{db: db}
}

var errLineRejected = errors.New("reservation line rejected")

func upsertTx(tx *gorm.DB, orderID, productID uint64, quantity int) error {
	if quantity <= 0 {
		return utils.NewError(utils.CodeInvalidParam, "reserved quantity must be positive")
	}

	reservation := &model.Reservation{
		OrderID:          orderID,
		ProductID:        productID,
		ReservedQuantity: quantity,
		Status:           model.ReservationPending,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}, {Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reserved_quantity": quantity,
			"status":            model.ReservationPending,
			"updated_at":        time.Now().UTC(),
		}),
	}).Create(reservation).Error
}

// Upsert overwrites the quantity and resets the status to pending, or inserts
func (r *reservationRepository) Upsert(ctx context.Context, orderID, productID uint64, quantity int) error {
	return upsertTx(r.db.WithContext(ctx), orderID, productID, quantity)
}

// ConfirmAll moves every pending reservation of the order to confirmed
func (r *reservationRepository) ConfirmAll(ctx context.Context, orderID uint64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("order_id = ? AND status = ?", orderID, model.ReservationPending).
		Update("status", model.ReservationConfirmed)
	return result.RowsAffected, result.Error
}

// CancelAndRelease returns pending quantities to stock and cancels them.
// Reservations whose stock row is gone are marked released without a return.
func (r *reservationRepository) CancelAndRelease(ctx context.Context, orderID uint64) ([]model.Reservation, error) {
	var released []model.Reservation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []model.Reservation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ? AND status = ?", orderID, model.ReservationPending).
			Order("product_id").
			Find(&pending).Error; err != nil {
			return err
		}

		released = released[:0]
		for _, reservation := range pending {
			status := model.ReservationCanceled
			err := releaseTx(tx, reservation.ProductID, reservation.ReservedQuantity)
			if errors.Is(err, utils.ErrStockNotFound) {
				log.WithFields(map[string]interface{}{
					"order_id":   orderID,
					"product_id": reservation.ProductID,
				}).Warn("Stock missing while releasing reservation")
				status = model.ReservationReleased
			} else if err != nil {
				return err
			}

			if err := tx.Model(&model.Reservation{}).
				Where("id = ? AND status = ?", reservation.ID, model.ReservationPending).
				Update("status", status).Error; err != nil {
				return err
			}

			reservation.Status = status
			if status == model.ReservationCanceled {
				released = append(released, reservation)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ListByOrderID lists reservations of an order
func (r *reservationRepository) ListByOrderID(ctx context.Context, orderID uint64) ([]model.Reservation, error) {
	var reservations []model.Reservation
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("product_id").
		Find(&reservations).Error
	return reservations, err
}

// mergeLines sums duplicate products and sorts by product id so that every
// caller locks stock rows in the same order.
func mergeLines(lines []model.ReservationLine) ([]model.ReservationLine, error) {
	byProduct := make(map[uint64]int, len(lines))
	for _, line := range lines {
		if line.ProductID == 0 || line.Quantity <= 0 {
			return nil, utils.NewError(utils.CodeInvalidParam, "reservation lines need a product and a positive quantity")
		}
		byProduct[line.ProductID] += line.Quantity
	}

	merged := make([]model.ReservationLine, 0, len(byProduct))
	for productID, quantity := range byProduct {
		merged = append(merged, model.ReservationLine{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ProductID < merged[j].ProductID
	})
	return merged, nil
}

type lineResult struct {
	reservation model.Reservation
	existing    bool
	remaining   int
	low         bool
	failure     *model.ReservationFailure
}

// reserveLine locks the stock row, then skips lines that already hold a
// reservation so a redelivered order never reserves twice.
func reserveLine(tx *gorm.DB, orderID uint64, line model.ReservationLine) (*lineResult, error) {
	stock, err := lockStock(tx, line.ProductID)
	if errors.Is(err, utils.ErrStockNotFound) {
		return &lineResult{failure: &model.ReservationFailure{
			ProductID: line.ProductID,
			Requested: line.Quantity,
			Reason:    model.ReasonStockNotFound,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	var existing []model.Reservation
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ? AND product_id = ?", orderID, line.ProductID).
		Limit(1).
		Find(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &lineResult{reservation: existing[0], existing: true, remaining: stock.Stock, low: stock.IsLow()}, nil
	}

	stock, err = decrementLocked(tx, stock, line.Quantity)
	if errors.Is(err, utils.ErrInsufficientStock) {
		return &lineResult{failure: &model.ReservationFailure{
			ProductID: line.ProductID,
			Requested: line.Quantity,
			Available: stock.Stock,
			Reason:    model.ReasonInsufficientStock,
		}}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := upsertTx(tx, orderID, line.ProductID, line.Quantity); err != nil {
		return nil, err
	}
	return &lineResult{
		reservation: model.Reservation{
			OrderID:          orderID,
			ProductID:        line.ProductID,
			ReservedQuantity: line.Quantity,
			Status:           model.ReservationPending,
		},
		remaining: stock.Stock,
		low:       stock.IsLow(),
	}, nil
}

func (l *lineResult) apply(outcome *model.ReservationOutcome) {
	if l.failure == nil && l.low {
		outcome.LowStock = append(outcome.LowStock, l.reservation.ProductID)
	}
	switch {
	case l.failure != nil:
		outcome.Failed = append(outcome.Failed, *l.failure)
	case l.existing:
		outcome.Existing = append(outcome.Existing, l.reservation)
		outcome.Remaining[l.reservation.ProductID] = l.remaining
	default:
		outcome.Reserved = append(outcome.Reserved, l.reservation)
		outcome.Remaining[l.reservation.ProductID] = l.remaining
	}
}

// ReserveForOrder decrements stock and records reservations for each line.
// With allOrNothing the first rejected line rolls back the whole order;
// otherwise every line commits on its own and rejected lines are reported.
func (r *reservationRepository) ReserveForOrder(ctx context.Context, orderID uint64, lines []model.ReservationLine, allOrNothing bool) (*model.ReservationOutcome, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	outcome := &model.ReservationOutcome{Remaining: make(map[uint64]int)}
	db := r.db.WithContext(ctx)

	if allOrNothing {
		var results []*lineResult
		err := db.Transaction(func(tx *gorm.DB) error {
			results = results[:0]
			for _, line := range merged {
				res, err := reserveLine(tx, orderID, line)
				if err != nil {
					return err
				}
				if res.failure != nil {
					results = []*lineResult{res}
					return errLineRejected
				}
				results = append(results, res)
			}
			return nil
		})
		if err != nil && !errors.Is(err, errLineRejected) {
			return nil, err
		}
		for _, res := range results {
			res.apply(outcome)
		}
		return outcome, nil
	}

	for _, line := range merged {
		var res *lineResult
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			res, err = reserveLine(tx, orderID, line)
			if err != nil {
				return err
			}
			if res.failure != nil {
				return errLineRejected
			}
			return nil
		})
		if err != nil && !errors.Is(err, errLineRejected) {
			return nil, err
		}
		res.apply(outcome)
	}
	return outcome, nil
}
