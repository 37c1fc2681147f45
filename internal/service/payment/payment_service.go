package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"fulfillment/internal/gateway"
	"fulfillment/internal/model"
	"fulfillment/internal/monitor"
	"fulfillment/internal/repository"
	"fulfillment/internal/saga"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/limiter"
	"fulfillment/pkg/lock"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

const (
	tracerName     = "fulfillment/internal/service/payment"
	gatewayBreaker = "payment-gateway"

	// ReasonGatewayError a charge that never reached a decision
	ReasonGatewayError = "gateway_error"
)

// Item a line the caller asks to pay for
type Item struct {
	ProductID uint64          `json:"productId" binding:"required,gt=0"`
	Quantity  int             `json:"quantity" binding:"required,gt=0"`
	Price     decimal.Decimal `json:"price" binding:"nonnegative_decimal"`
}

// PaymentRequest process payment request
type PaymentRequest struct {
	OrderID uint64 `json:"orderId" binding:"required,gt=0"`
	UserID  uint64 `json:"userId"`
	Items   []Item `json:"items" binding:"required,min=1,dive"`
}

// PaymentResult outcome of a payment attempt
type PaymentResult struct {
	OrderID   uint64              `json:"order_id"`
	Status    model.PaymentStatus `json:"status"`
	PaymentID string              `json:"payment_id,omitempty"`
	Amount    int64               `json:"amount"`
	Reason    string              `json:"reason,omitempty"`
	Replayed  bool                `json:"replayed"`
}

// OrderReader reads orders from the order service
type OrderReader interface {
	GetOrder(ctx context.Context, orderID uint64) (*model.Order, error)
}

// ReservationReader reads reservations from the inventory service
type ReservationReader interface {
	ListReservations(ctx context.Context, orderID uint64) ([]model.Reservation, error)
}

// Locker runs fn inside a named critical section
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Publisher emits saga events
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// PaymentService payment service interface
type PaymentService interface {
	// ProcessPayment validates an order against its reservations, charges it
	// and records the result once per order
	ProcessPayment(ctx context.Context, req *PaymentRequest) (*PaymentResult, error)

	// GetPayment gets the payment recorded for an order
	GetPayment(ctx context.Context, orderID uint64) (*model.Payment, error)
}

// Deps collaborators of the payment service. Attempts and Metrics are optional.
type Deps struct {
	Orders       OrderReader
	Reservations ReservationReader
	Gateway      gateway.Gateway
	Payments     repository.PaymentRepository
	Locker       Locker
	Breakers     *breaker.Manager
	Publisher    Publisher
	Attempts     limiter.RateLimiter
	Metrics      *monitor.MetricsCollector
}

type paymentService struct {
	Deps
}

// NewPaymentService creates a payment service
func NewPaymentService(deps Deps) PaymentService {
	return &paymentService{Deps: deps}
}

// IdempotencyKey is the gateway key of an order
func IdempotencyKey(orderID uint64) string {
	return "payment-" + strconv.FormatUint(orderID, 10)
}

// Amount sums round(price*100)*quantity in cents
func Amount(items []Item) int64 {
	var total int64
	for _, item := range items {
		total += model.ToCents(item.Price) * int64(item.Quantity)
	}
	return total
}

func validateRequest(req *PaymentRequest) error {
	if req == nil || req.OrderID == 0 {
		return utils.NewError(utils.CodeInvalidParam, "orderId is required")
	}
	if req.UserID == 0 {
		return utils.NewError(utils.CodeInvalidParam, "userId is required")
	}
	if len(req.Items) == 0 {
		return utils.NewError(utils.CodeInvalidParam, "items must not be empty")
	}

	seen := make(map[uint64]struct{}, len(req.Items))
	for i, item := range req.Items {
		if item.ProductID == 0 || item.Quantity <= 0 {
			return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("items[%d]: productId and quantity must be positive", i))
		}
		if item.Price.IsNegative() {
			return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("items[%d]: price cannot be negative", i))
		}
		if _, dup := seen[item.ProductID]; dup {
			return utils.NewError(utils.CodeInvalidParam, fmt.Sprintf("items[%d]: duplicate product %d", i, item.ProductID))
		}
		seen[item.ProductID] = struct{}{}
	}
	return nil
}

func checkPrices(order *model.Order, items []Item) error {
	for _, item := range items {
		line, ok := order.ItemByProduct(item.ProductID)
		if !ok || !line.Price.Equal(item.Price) {
			return utils.ErrPriceMismatch
		}
	}
	return nil
}

func checkReservations(reservations []model.Reservation, items []Item) error {
	for _, item := range items {
		matched := false
		for i := range reservations {
			r := &reservations[i]
			if r.ProductID == item.ProductID && r.IsHolding() && r.ReservedQuantity == item.Quantity {
				matched = true
				break
			}
		}
		if !matched {
			return utils.ErrReservationMismatch
		}
	}
	return nil
}

// ProcessPayment processes a payment
func (s *paymentService) ProcessPayment(ctx context.Context, req *PaymentRequest) (result *PaymentResult, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payment.process")
	defer func() {
		monitor.RecordError(span, err)
		span.End()
	}()

	// 1. Validate request
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("order.id", int64(req.OrderID)))

	// 2. Load the order
	order, err := s.Orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	// 3. Terminal orders cannot be charged again
	if order.IsTerminal() {
		return nil, utils.NewError(utils.CodeAlreadyProcessed,
			fmt.Sprintf("payment already processed for this order (status %s)", order.Status))
	}

	// 4. Prices must match the order exactly
	if err := checkPrices(order, req.Items); err != nil {
		return nil, err
	}

	// 5. Every line must be held by inventory
	reservations, err := s.Reservations.ListReservations(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, utils.ErrReservationNotFound
	}
	if err := checkReservations(reservations, req.Items); err != nil {
		return nil, err
	}

	// 6. Amount from the submitted lines, never the stored total
	amount := Amount(req.Items)

	if err := s.allowAttempt(ctx, req.OrderID); err != nil {
		return nil, err
	}

	// 7. Charge
	charge, err := s.charge(ctx, amount, req.OrderID)
	if err != nil {
		return nil, err
	}

	result = &PaymentResult{
		OrderID:   req.OrderID,
		Status:    charge.Status,
		PaymentID: charge.PaymentID,
		Amount:    amount,
		Reason:    charge.Reason,
	}

	// 8. Record once per order; a charge without a gateway reference is not stored
	if charge.PaymentID != "" {
		stored, replayed, err := s.store(ctx, &model.Payment{
			OrderID:   req.OrderID,
			Amount:    amount,
			PaymentID: charge.PaymentID,
			Status:    charge.Status,
		})
		if err != nil {
			return nil, err
		}
		result.Replayed = replayed
		result.Status = stored.Status
	}

	// 9. Announce
	if err := s.announce(ctx, req, result); err != nil {
		return nil, err
	}

	s.Metrics.RecordPayment(string(result.Status))
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":   req.OrderID,
		"payment_id": result.PaymentID,
		"amount":     amount,
		"status":     string(result.Status),
		"replayed":   result.Replayed,
	}).Info("Payment processed")
	return result, nil
}

func (s *paymentService) allowAttempt(ctx context.Context, orderID uint64) error {
	if s.Attempts == nil {
		return nil
	}
	allowed, err := s.Attempts.Allow(ctx, "payment:"+strconv.FormatUint(orderID, 10))
	if err != nil {
		log.WithContext(ctx).WithError(err).Warn("Attempt limiter unavailable, allowing payment")
		return nil
	}
	if !allowed {
		return utils.ErrRateLimit
	}
	return nil
}

// charge calls the gateway through its breaker. A gateway error is reported as
// a failed charge; only an open breaker is returned as an error.
func (s *paymentService) charge(ctx context.Context, amount int64, orderID uint64) (*gateway.Charge, error) {
	var charge *gateway.Charge
	start := time.Now()
	err := s.Breakers.Execute(ctx, gatewayBreaker, func(ctx context.Context) error {
		var err error
		charge, err = s.Gateway.Charge(ctx, amount, IdempotencyKey(orderID))
		return err
	})
	s.Metrics.RecordCharge(time.Since(start))

	if breaker.IsRejection(err) {
		return nil, utils.WrapError(utils.ErrGatewayUnavailable, err)
	}
	if err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": orderID,
			"amount":   amount,
			"error":    err.Error(),
		}).Warn("Gateway charge failed")
		return &gateway.Charge{Status: model.PaymentFailed, Reason: ReasonGatewayError}, nil
	}
	return charge, nil
}

func (s *paymentService) store(ctx context.Context, p *model.Payment) (*model.Payment, bool, error) {
	var (
		stored   *model.Payment
		replayed bool
	)
	err := s.Locker.WithLock(ctx, "payment:"+strconv.FormatUint(p.OrderID, 10), func(ctx context.Context) error {
		var err error
		stored, replayed, err = s.Payments.Store(ctx, p)
		return err
	})
	if errors.Is(err, lock.ErrLockFailed) {
		return nil, false, utils.WrapError(utils.ErrLockBusy, err)
	}
	if err != nil {
		return nil, false, err
	}
	return stored, replayed, nil
}

func (s *paymentService) announce(ctx context.Context, req *PaymentRequest, result *PaymentResult) error {
	if result.Status == model.PaymentSuccess {
		lines := make([]saga.PaidLine, 0, len(req.Items))
		for _, item := range req.Items {
			lines = append(lines, saga.PaidLine{ProductID: item.ProductID, Quantity: item.Quantity, Price: item.Price})
		}
		return s.Publisher.Publish(ctx, saga.EventPaymentSuccess, saga.PaymentSuccess{
			OrderID: req.OrderID,
			UserID:  req.UserID,
			Items:   lines,
		})
	}
	return s.Publisher.Publish(ctx, saga.EventPaymentFailure, saga.PaymentFailure{
		OrderID: req.OrderID,
		Reason:  result.Reason,
	})
}

// GetPayment gets a payment
func (s *paymentService) GetPayment(ctx context.Context, orderID uint64) (*model.Payment, error) {
	return s.Payments.GetByOrderID(ctx, orderID)
}
