package order

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/catalog"
	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/repository"
	"fulfillment/internal/saga"
	"fulfillment/pkg/log"
	"fulfillment/pkg/snowflake"
	"fulfillment/pkg/utils"
)

// Line a product and quantity requested by a customer
type Line struct {
	ProductID uint64 `json:"product_id" binding:"required,gt=0"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// PlaceOrderRequest place order request
type PlaceOrderRequest struct {
	UserID uint64 `json:"user_id"`
	Items  []Line `json:"items" binding:"required,min=1,dive"`
}

// Publisher emits saga events
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// StockReader reads available stock from inventory
type StockReader interface {
	GetStocks(ctx context.Context, productIDs []uint64) ([]model.Stock, error)
}

// OrderService order service interface
type OrderService interface {
	// CreateOrder persists a pending order from already priced items
	CreateOrder(ctx context.Context, userID uint64, items []model.OrderItem) (*model.Order, error)

	// PlaceOrder prices the lines from the catalog, persists the order and emits order_created
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*model.Order, error)

	// GetOrder returns an order with its items
	GetOrder(ctx context.Context, id uint64) (*model.Order, error)

	// GetStatus returns only the order status
	GetStatus(ctx context.Context, id uint64) (model.OrderStatus, error)

	// Confirm moves a pending order to confirmed
	Confirm(ctx context.Context, id uint64) (bool, error)

	// Fail moves a pending order to failed
	Fail(ctx context.Context, id uint64, reason string) (bool, error)
}

// orderService order service implementation
type orderService struct {
	orderRepo   repository.OrderRepository
	products    catalog.Lookup
	stocks      StockReader
	publisher   Publisher
	idGenerator *snowflake.IDGenerator
	metrics     *monitor.MetricsCollector
}

// NewOrderService creates an order service. stocks may be nil, which skips
// the advisory stock pre-check.
func NewOrderService(
	orderRepo repository.OrderRepository,
	products catalog.Lookup,
	stocks StockReader,
	publisher Publisher,
	idGenerator *snowflake.IDGenerator,
	metrics *monitor.MetricsCollector,
) OrderService {
	return &orderService{
		orderRepo:   orderRepo,
		products:    products,
		stocks:      stocks,
		publisher:   publisher,
		idGenerator: idGenerator,
		metrics:     metrics,
	}
}

func validateItems(userID uint64, items []model.OrderItem) error {
	if userID == 0 {
		return utils.NewError(utils.CodeInvalidParam, "user id must be positive")
	}
	if len(items) == 0 {
		return utils.NewError(utils.CodeInvalidParam, "order must contain at least one item")
	}
	for i, item := range items {
		if item.ProductID == 0 {
			return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("items[%d]: product id must be positive", i))
		}
		if item.Quantity <= 0 {
			return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
		if item.Price.IsNegative() {
			return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("items[%d]: price cannot be negative", i))
		}
	}
	return nil
}

// CreateOrder creates an order
func (s *orderService) CreateOrder(ctx context.Context, userID uint64, items []model.OrderItem) (*model.Order, error) {
	if err := validateItems(userID, items); err != nil {
		return nil, err
	}

	lines := make([]model.OrderItem, len(items))
	copy(lines, items)

	order := &model.Order{
		ID:     s.idGenerator.NextID(),
		UserID: userID,
		Status: model.OrderPending,
		Items:  lines,
	}
	order.TotalAmount = model.CalculateTotal(order.Items)

	if err := s.orderRepo.Create(ctx, order); err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		}).Error("Failed to create order")
		return nil, err
	}

	s.metrics.RecordOrder(string(model.OrderPending))
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":     order.ID,
		"user_id":      userID,
		"total_amount": order.TotalAmount.String(),
		"items":        len(order.Items),
	}).Info("Order created")
	return order, nil
}

// PlaceOrder places an order
func (s *orderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*model.Order, error) {
	if req == nil || len(req.Items) == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "order must contain at least one item")
	}

	// 1. Price every line from the catalog
	items := make([]model.OrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		if line.ProductID == 0 || line.Quantity <= 0 {
			return nil, utils.NewError(utils.CodeInvalidParam, "product id and quantity must be positive")
		}
		product, err := s.products.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		items = append(items, model.OrderItem{
			ProductID: line.ProductID,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  line.Quantity,
		})
	}

	// 2. Advisory stock check, inventory has the final word when it reserves
	if err := s.precheckStock(ctx, items); err != nil {
		return nil, err
	}

	// 3. Persist as pending
	order, err := s.CreateOrder(ctx, req.UserID, items)
	if err != nil {
		return nil, err
	}

	// 4. Announce it to inventory
	event := saga.OrderCreated{OrderID: order.ID, UserID: order.UserID}
	for _, item := range order.Items {
		event.Items = append(event.Items, saga.OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if err := s.publisher.Publish(ctx, saga.EventOrderCreated, event); err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": order.ID,
			"error":    err.Error(),
		}).Error("Failed to publish order_created, failing order")

		if _, ferr := s.Fail(ctx, order.ID, model.FailReasonPublishFailed); ferr != nil {
			log.WithContext(ctx).WithError(ferr).WithField("order_id", order.ID).Error("Failed to mark order failed")
		}
		return nil, err
	}
	return order, nil
}

func (s *orderService) precheckStock(ctx context.Context, items []model.OrderItem) error {
	if s.stocks == nil {
		return nil
	}

	wanted := make(map[uint64]int, len(items))
	ids := make([]uint64, 0, len(items))
	for _, item := range items {
		if _, ok := wanted[item.ProductID]; !ok {
			ids = append(ids, item.ProductID)
		}
		wanted[item.ProductID] += item.Quantity
	}

	stocks, err := s.stocks.GetStocks(ctx, ids)
	if err != nil {
		if errors.Is(err, utils.ErrStockNotFound) {
			return err
		}
		// inventory being slow or down must not block order intake
		log.WithContext(ctx).WithError(err).Warn("Stock pre-check skipped")
		return nil
	}

	available := make(map[uint64]int, len(stocks))
	for _, st := range stocks {
		available[st.ProductID] = st.Stock
	}
	for _, id := range ids {
		have, ok := available[id]
		if !ok {
			return utils.NewError(utils.CodeStockNotFound, fmt.Sprintf("no stock for product %d", id))
		}
		if have < wanted[id] {
			return utils.NewError(utils.CodeInsufficientStock,
				fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", id, wanted[id], have))
		}
	}
	return nil
}

// GetOrder gets an order
func (s *orderService) GetOrder(ctx context.Context, id uint64) (*model.Order, error) {
	return s.orderRepo.GetByID(ctx, id)
}

// GetStatus gets order status
func (s *orderService) GetStatus(ctx context.Context, id uint64) (model.OrderStatus, error) {
	return s.orderRepo.GetStatus(ctx, id)
}

// Confirm confirms an order
func (s *orderService) Confirm(ctx context.Context, id uint64) (bool, error) {
	return s.transition(ctx, id, model.OrderConfirmed, "")
}

// Fail fails an order
func (s *orderService) Fail(ctx context.Context, id uint64, reason string) (bool, error) {
	return s.transition(ctx, id, model.OrderFailed, reason)
}

func (s *orderService) transition(ctx context.Context, id uint64, status model.OrderStatus, reason string) (bool, error) {
	changed, err := s.orderRepo.TransitionFromPending(ctx, id, status, reason)
	if err != nil {
		return false, err
	}

	entry := log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": id,
		"status":   string(status),
		"reason":   reason,
	})
	if !changed {
		entry.Info("Order already terminal, transition skipped")
		return false, nil
	}

	s.metrics.RecordOrder(string(status))
	entry.Info("Order status updated")
	return true, nil
}
