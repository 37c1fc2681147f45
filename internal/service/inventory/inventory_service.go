package inventory

import (
	"context"
	"strconv"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/repository"
	"fulfillment/internal/saga"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// Publisher emits saga events
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// InventoryService owns stock and reservations
type InventoryService interface {
	// ReserveOrder reserves stock for a new order and announces the outcome
	ReserveOrder(ctx context.Context, evt *saga.OrderCreated) (*model.ReservationOutcome, error)

	// ConfirmOrder confirms the reservations of a paid order
	ConfirmOrder(ctx context.Context, orderID uint64) (int64, error)

	// ReleaseOrder returns the reserved stock of an unpaid order
	ReleaseOrder(ctx context.Context, orderID uint64) ([]model.Reservation, error)

	// InitStock creates the stock row of a new product
	InitStock(ctx context.Context, evt *saga.ProductCreated) (bool, error)

	// RemoveProduct deletes stock and reservations of a product
	RemoveProduct(ctx context.Context, productID uint64) (bool, error)

	GetStock(ctx context.Context, productID uint64) (*model.Stock, error)
	ListStocks(ctx context.Context, productIDs []uint64) ([]model.Stock, error)
	SetStock(ctx context.Context, productID uint64, quantity int) (*model.Stock, error)
	ListReservations(ctx context.Context, orderID uint64) ([]model.Reservation, error)
}

// inventoryService inventory service implementation
type inventoryService struct {
	stockRepo       repository.StockRepository
	reservationRepo repository.ReservationRepository
	publisher       Publisher
	allOrNothing    bool
	metrics         *monitor.MetricsCollector
	now             func() time.Time
}

// NewInventoryService creates an inventory service
func NewInventoryService(
	stockRepo repository.StockRepository,
	reservationRepo repository.ReservationRepository,
	publisher Publisher,
	cfg config.InventoryConfig,
	metrics *monitor.MetricsCollector,
) InventoryService {
	return &inventoryService{
		stockRepo:       stockRepo,
		reservationRepo: reservationRepo,
		publisher:       publisher,
		allOrNothing:    cfg.ReservationPolicy != config.PolicyPartial,
		metrics:         metrics,
		now:             time.Now,
	}
}

// ReserveOrder reserves stock for an order
func (s *inventoryService) ReserveOrder(ctx context.Context, evt *saga.OrderCreated) (*model.ReservationOutcome, error) {
	lines := make([]model.ReservationLine, 0, len(evt.Items))
	for _, item := range evt.Items {
		lines = append(lines, model.ReservationLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	outcome, err := s.reservationRepo.ReserveForOrder(ctx, evt.OrderID, lines, s.allOrNothing)
	if err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": evt.OrderID,
			"error":    err.Error(),
		}).Error("Failed to reserve stock")
		return nil, err
	}

	s.metrics.RecordReservation("reserved", len(outcome.Reserved))
	s.metrics.RecordReservation("duplicate", len(outcome.Existing))
	s.metrics.RecordReservation("rejected", len(outcome.Failed))

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": evt.OrderID,
		"reserved": len(outcome.Reserved),
		"existing": len(outcome.Existing),
		"rejected": len(outcome.Failed),
	}).Info("Order reservation processed")

	low := make(map[uint64]bool, len(outcome.LowStock))
	for _, productID := range outcome.LowStock {
		low[productID] = true
	}

	// Existing lines are announced again so a publish lost before a
	// redelivery still reaches the catalog.
	held := append(append([]model.Reservation{}, outcome.Reserved...), outcome.Existing...)
	for _, r := range held {
		remaining := outcome.Remaining[r.ProductID]
		s.metrics.RecordStockLevel(strconv.FormatUint(r.ProductID, 10), remaining, low[r.ProductID])
		if low[r.ProductID] {
			log.WithContext(ctx).WithFields(map[string]interface{}{
				"product_id": r.ProductID,
				"remaining":  remaining,
			}).Warn("Stock below threshold")
		}

		if err := s.publisher.Publish(ctx, saga.EventStockDecrement, saga.StockDecrement{
			ProductID: r.ProductID,
			OrderID:   evt.OrderID,
			Quantity:  r.ReservedQuantity,
			Remaining: remaining,
		}); err != nil {
			return nil, err
		}
	}

	if len(outcome.Failed) > 0 && (s.allOrNothing || !outcome.AnyReserved()) {
		failure := outcome.Failed[0]
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id":   evt.OrderID,
			"product_id": failure.ProductID,
			"requested":  failure.Requested,
			"available":  failure.Available,
			"reason":     failure.Reason,
		}).Warn("Order could not be reserved")

		if err := s.publisher.Publish(ctx, saga.EventReservationFailed, saga.ReservationFailed{
			OrderID:   evt.OrderID,
			ProductID: failure.ProductID,
			Requested: failure.Requested,
			Available: failure.Available,
			Reason:    failure.Reason,
		}); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// ConfirmOrder confirms reservations
func (s *inventoryService) ConfirmOrder(ctx context.Context, orderID uint64) (int64, error) {
	n, err := s.reservationRepo.ConfirmAll(ctx, orderID)
	if err != nil {
		return 0, err
	}

	if n == 0 {
		reservations, err := s.reservationRepo.ListByOrderID(ctx, orderID)
		if err != nil {
			return 0, err
		}
		if !anyConfirmed(reservations) {
			log.WithContext(ctx).WithField("order_id", orderID).Warn("No reservations to confirm")
			return 0, nil
		}
	}

	s.metrics.RecordReservation("confirmed", int(n))
	if err := s.publisher.Publish(ctx, saga.EventOrderConfirmed, saga.OrderConfirmed{
		OrderID:     orderID,
		ConfirmedAt: s.now().UTC(),
	}); err != nil {
		return n, err
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":  orderID,
		"confirmed": n,
	}).Info("Reservations confirmed")
	return n, nil
}

func anyConfirmed(reservations []model.Reservation) bool {
	for _, r := range reservations {
		if r.Status == model.ReservationConfirmed {
			return true
		}
	}
	return false
}

// ReleaseOrder rolls back reserved stock
func (s *inventoryService) ReleaseOrder(ctx context.Context, orderID uint64) ([]model.Reservation, error) {
	released, err := s.reservationRepo.CancelAndRelease(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		log.WithContext(ctx).WithField("order_id", orderID).Info("Nothing to release")
		return released, nil
	}

	s.metrics.RecordCompensation("release", len(released))
	for _, r := range released {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id":   orderID,
			"product_id": r.ProductID,
			"quantity":   r.ReservedQuantity,
		}).Info("Stock rolled back")

		if err := s.publisher.Publish(ctx, saga.EventOrderFailed, saga.OrderFailed{
			OrderID:            orderID,
			ProductID:          r.ProductID,
			RolledBackQuantity: r.ReservedQuantity,
		}); err != nil {
			return released, err
		}
	}
	return released, nil
}

// InitStock initialises product stock
func (s *inventoryService) InitStock(ctx context.Context, evt *saga.ProductCreated) (bool, error) {
	threshold := evt.LowStockThreshold
	if threshold <= 0 {
		threshold = model.DefaultLowStockThreshold
	}

	created, err := s.stockRepo.Create(ctx, &model.Stock{
		ProductID:         evt.ProductID,
		Stock:             evt.Stock,
		LowStockThreshold: threshold,
	})
	if err != nil {
		return false, err
	}

	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"product_id": evt.ProductID,
		"stock":      evt.Stock,
	})
	if !created {
		entry.Info("Stock already initialised")
		return false, nil
	}
	entry.Info("Stock initialised")
	s.metrics.RecordStockLevel(strconv.FormatUint(evt.ProductID, 10), evt.Stock, evt.Stock < threshold)
	return true, nil
}

// RemoveProduct removes product stock
func (s *inventoryService) RemoveProduct(ctx context.Context, productID uint64) (bool, error) {
	deleted, err := s.stockRepo.Delete(ctx, productID)
	if err != nil {
		return false, err
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"product_id": productID,
		"deleted":    deleted,
	}).Info("Product stock removed")
	return deleted, nil
}

// GetStock gets stock of a product
func (s *inventoryService) GetStock(ctx context.Context, productID uint64) (*model.Stock, error) {
	return s.stockRepo.Get(ctx, productID)
}

// ListStocks lists stock of several products
func (s *inventoryService) ListStocks(ctx context.Context, productIDs []uint64) ([]model.Stock, error) {
	if len(productIDs) == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "product ids cannot be empty")
	}
	return s.stockRepo.ListByProductIDs(ctx, productIDs)
}

// SetStock overwrites stock of a product
func (s *inventoryService) SetStock(ctx context.Context, productID uint64, quantity int) (*model.Stock, error) {
	stock, err := s.stockRepo.SetAbsolute(ctx, productID, quantity)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordStockLevel(strconv.FormatUint(productID, 10), stock.Stock, stock.IsLow())
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"product_id": productID,
		"stock":      stock.Stock,
	}).Info("Stock updated")
	return stock, nil
}

// ListReservations lists reservations of an order
func (s *inventoryService) ListReservations(ctx context.Context, orderID uint64) ([]model.Reservation, error) {
	reservations, err := s.reservationRepo.ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, utils.ErrReservationNotFound
	}
	return reservations, nil
}
