package consumer

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/catalog"
	"fulfillment/internal/config"
	"fulfillment/internal/gateway"
	"fulfillment/internal/model"
	"fulfillment/internal/saga"
	"fulfillment/internal/service/inventory"
	"fulfillment/internal/service/order"
	"fulfillment/internal/service/payment"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/lock"
	"fulfillment/pkg/queue"
	"fulfillment/pkg/snowflake"
	"fulfillment/pkg/utils"
)

// memOrders order repository kept in memory
type memOrders struct {
	mu     sync.Mutex
	orders map[uint64]model.Order
}

func (m *memOrders) Create(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id uint64) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, utils.ErrOrderNotFound
	}
	return &o, nil
}

func (m *memOrders) GetStatus(ctx context.Context, id uint64) (model.OrderStatus, error) {
	o, err := m.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

func (m *memOrders) TransitionFromPending(_ context.Context, id uint64, status model.OrderStatus, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, utils.ErrOrderNotFound
	}
	if o.Status != model.OrderPending {
		return false, nil
	}
	o.Status, o.FailReason = status, reason
	m.orders[id] = o
	return true, nil
}

type reservationKey struct{ order, product uint64 }

// memLedger stock and reservations sharing one lock, standing in for the
// row-locked tables
type memLedger struct {
	mu           sync.Mutex
	stocks       map[uint64]model.Stock
	reservations map[reservationKey]model.Reservation
}

func newMemLedger() *memLedger {
	return &memLedger{
		stocks:       make(map[uint64]model.Stock),
		reservations: make(map[reservationKey]model.Reservation),
	}
}

func (m *memLedger) Reserve(_ context.Context, productID uint64, quantity int) (*model.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(productID, quantity)
}

func (m *memLedger) reserveLocked(productID uint64, quantity int) (*model.Stock, error) {
	s, ok := m.stocks[productID]
	if !ok {
		return nil, utils.ErrStockNotFound
	}
	if s.Stock < quantity {
		return &s, utils.ErrInsufficientStock
	}
	s.Stock -= quantity
	m.stocks[productID] = s
	return &s, nil
}

func (m *memLedger) Release(_ context.Context, productID uint64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stocks[productID]
	if !ok {
		return utils.ErrStockNotFound
	}
	s.Stock += quantity
	m.stocks[productID] = s
	return nil
}

func (m *memLedger) SetAbsolute(_ context.Context, productID uint64, quantity int) (*model.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quantity < 0 {
		return nil, utils.ErrNegativeStock
	}
	s, ok := m.stocks[productID]
	if !ok {
		return nil, utils.ErrStockNotFound
	}
	s.Stock = quantity
	m.stocks[productID] = s
	return &s, nil
}

func (m *memLedger) Create(_ context.Context, stock *model.Stock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stocks[stock.ProductID]; ok {
		return false, nil
	}
	m.stocks[stock.ProductID] = *stock
	return true, nil
}

func (m *memLedger) Get(_ context.Context, productID uint64) (*model.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stocks[productID]
	if !ok {
		return nil, utils.ErrStockNotFound
	}
	return &s, nil
}

func (m *memLedger) ListByProductIDs(_ context.Context, productIDs []uint64) ([]model.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Stock
	for _, id := range productIDs {
		if s, ok := m.stocks[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memLedger) Delete(_ context.Context, productID uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stocks[productID]
	delete(m.stocks, productID)
	for k := range m.reservations {
		if k.product == productID {
			delete(m.reservations, k)
		}
	}
	return ok, nil
}

func (m *memLedger) Upsert(_ context.Context, orderID, productID uint64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[reservationKey{orderID, productID}] = model.Reservation{
		OrderID: orderID, ProductID: productID, ReservedQuantity: quantity, Status: model.ReservationPending,
	}
	return nil
}

func (m *memLedger) ConfirmAll(_ context.Context, orderID uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.reservations {
		if k.order == orderID && r.Status == model.ReservationPending {
			r.Status = model.ReservationConfirmed
			m.reservations[k] = r
			n++
		}
	}
	return n, nil
}

func (m *memLedger) CancelAndRelease(_ context.Context, orderID uint64) ([]model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []model.Reservation
	for k, r := range m.reservations {
		if k.order != orderID || r.Status != model.ReservationPending {
			continue
		}
		s := m.stocks[k.product]
		s.Stock += r.ReservedQuantity
		m.stocks[k.product] = s
		r.Status = model.ReservationCanceled
		m.reservations[k] = r
		released = append(released, r)
	}
	return released, nil
}

func (m *memLedger) ListByOrderID(_ context.Context, orderID uint64) ([]model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Reservation
	for k, r := range m.reservations {
		if k.order == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *memLedger) ReserveForOrder(_ context.Context, orderID uint64, lines []model.ReservationLine, allOrNothing bool) (*model.ReservationOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := &model.ReservationOutcome{Remaining: make(map[uint64]int)}
	snapshot := make(map[uint64]model.Stock, len(m.stocks))
	for k, v := range m.stocks {
		snapshot[k] = v
	}

	var added []reservationKey
	for _, line := range lines {
		key := reservationKey{orderID, line.ProductID}
		if r, ok := m.reservations[key]; ok {
			outcome.Existing = append(outcome.Existing, r)
			outcome.Remaining[line.ProductID] = m.stocks[line.ProductID].Stock
			continue
		}
		s, err := m.reserveLocked(line.ProductID, line.Quantity)
		if err != nil {
			failure := model.ReservationFailure{ProductID: line.ProductID, Requested: line.Quantity, Reason: model.ReasonStockNotFound}
			if s != nil {
				failure.Available, failure.Reason = s.Stock, model.ReasonInsufficientStock
			}
			if allOrNothing {
				m.stocks = snapshot
				for _, k := range added {
					delete(m.reservations, k)
				}
				return &model.ReservationOutcome{Failed: []model.ReservationFailure{failure}, Remaining: map[uint64]int{}}, nil
			}
			outcome.Failed = append(outcome.Failed, failure)
			continue
		}
		r := model.Reservation{OrderID: orderID, ProductID: line.ProductID, ReservedQuantity: line.Quantity, Status: model.ReservationPending}
		m.reservations[key] = r
		added = append(added, key)
		outcome.Reserved = append(outcome.Reserved, r)
		outcome.Remaining[line.ProductID] = s.Stock
		if s.IsLow() {
			outcome.LowStock = append(outcome.LowStock, line.ProductID)
		}
	}
	return outcome, nil
}

func (m *memLedger) stock(productID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stocks[productID].Stock
}

func (m *memLedger) reservation(orderID, productID uint64) (model.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[reservationKey{orderID, productID}]
	return r, ok
}

type memPayments struct {
	mu   sync.Mutex
	rows map[uint64]model.Payment
}

func (m *memPayments) GetByOrderID(_ context.Context, orderID uint64) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[orderID]
	if !ok {
		return nil, utils.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *memPayments) Store(_ context.Context, p *model.Payment) (*model.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[p.OrderID]; ok {
		if existing.SameAs(p.Amount, p.PaymentID, p.Status) {
			return &existing, true, nil
		}
		return nil, false, utils.ErrConflictingPayment
	}
	m.rows[p.OrderID] = *p
	return p, false, nil
}

func (m *memPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type staticCatalog map[uint64]*catalog.Product

func (c staticCatalog) GetProduct(_ context.Context, id uint64) (*catalog.Product, error) {
	p, ok := c[id]
	if !ok {
		return nil, utils.ErrProductNotFound
	}
	return p, nil
}

type sagaHarness struct {
	orders   *memOrders
	ledger   *memLedger
	payments *memPayments
	orderSvc order.OrderService
	paySvc   payment.PaymentService
	bus      *queue.MemoryBus
}

func newSagaHarness(t *testing.T, declineAboveCents int64, withPrecheck bool) *sagaHarness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bus := queue.NewMemoryBus(queue.WithMemoryOptions(queue.Options{MaxRetries: 1, RequeueDelay: 5 * time.Millisecond}))
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
	})

	h := &sagaHarness{
		orders:   &memOrders{orders: make(map[uint64]model.Order)},
		ledger:   newMemLedger(),
		payments: &memPayments{rows: make(map[uint64]model.Payment)},
		bus:      bus,
	}
	h.ledger.stocks[1] = model.Stock{ProductID: 1, Stock: 5, LowStockThreshold: 5}

	publisher := saga.NewPublisher(bus, 1, time.Millisecond)
	ids, err := snowflake.NewIDGenerator(1)
	require.NoError(t, err)

	var stocks order.StockReader
	if withPrecheck {
		stocks = stockReaderFunc(h.ledger.ListByProductIDs)
	}
	products := staticCatalog{1: {ID: 1, Name: "widget", Price: decimal.RequireFromString("10.00")}}
	h.orderSvc = order.NewOrderService(h.orders, products, stocks, publisher, ids, nil)

	invSvc := inventory.NewInventoryService(h.ledger, h.ledger, publisher,
		config.InventoryConfig{ReservationPolicy: config.PolicyAllOrNothing}, nil)

	h.paySvc = payment.NewPaymentService(payment.Deps{
		Orders:       h.orderSvc,
		Reservations: invSvc,
		Gateway:      gateway.NewSimulatedGateway(client, gateway.Config{DeclineAboveCents: declineAboveCents}),
		Payments:     h.payments,
		Locker:       lock.NewLocker(client, lock.Config{}),
		Breakers:     breaker.NewManager(breaker.Config{}),
		Publisher:    publisher,
	})

	store := queue.NewRedisProcessedStore(client, "processed")
	qcfg := config.QueueConfig{MaxRetries: 1, RequeueDelay: 5 * time.Millisecond, DedupTTL: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, NewOrderConsumer(bus, store, qcfg, h.orderSvc, nil).Start(ctx))
	require.NoError(t, NewInventoryConsumer(bus, store, qcfg, invSvc).Start(ctx))
	return h
}

type stockReaderFunc func(ctx context.Context, ids []uint64) ([]model.Stock, error)

func (f stockReaderFunc) GetStocks(ctx context.Context, ids []uint64) ([]model.Stock, error) {
	return f(ctx, ids)
}

func (h *sagaHarness) placeAndWaitReserved(t *testing.T, quantity int) *model.Order {
	o, err := h.orderSvc.PlaceOrder(context.Background(), &order.PlaceOrderRequest{
		UserID: 7,
		Items:  []order.Line{{ProductID: 1, Quantity: quantity}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.ledger.reservation(o.ID, 1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return o
}

// status is polled from Eventually, so it must not fail the test itself
func (h *sagaHarness) status(id uint64) model.OrderStatus {
	status, _ := h.orderSvc.GetStatus(context.Background(), id)
	return status
}

func payRequest(orderID uint64, quantity int, price string) *payment.PaymentRequest {
	return &payment.PaymentRequest{
		OrderID: orderID,
		UserID:  7,
		Items:   []payment.Item{{ProductID: 1, Quantity: quantity, Price: decimal.RequireFromString(price)}},
	}
}

func TestSaga_HappyPath(t *testing.T) {
	h := newSagaHarness(t, 0, true)
	o := h.placeAndWaitReserved(t, 2)

	assert.Equal(t, 3, h.ledger.stock(1))
	r, _ := h.ledger.reservation(o.ID, 1)
	assert.Equal(t, model.ReservationPending, r.Status)
	assert.Equal(t, model.OrderPending, h.status(o.ID))

	result, err := h.paySvc.ProcessPayment(context.Background(), payRequest(o.ID, 2, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSuccess, result.Status)
	assert.Equal(t, int64(2000), result.Amount)

	require.Eventually(t, func() bool {
		r, _ := h.ledger.reservation(o.ID, 1)
		return h.status(o.ID) == model.OrderConfirmed && r.Status == model.ReservationConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.ledger.stock(1))
	assert.Equal(t, 1, h.payments.count())

	_, err = h.paySvc.ProcessPayment(context.Background(), payRequest(o.ID, 2, "10.00"))
	assert.ErrorIs(t, err, utils.ErrAlreadyProcessed)
}

func TestSaga_PaymentFailureRollsBack(t *testing.T) {
	h := newSagaHarness(t, 1000, true)
	o := h.placeAndWaitReserved(t, 2)
	assert.Equal(t, 3, h.ledger.stock(1))

	result, err := h.paySvc.ProcessPayment(context.Background(), payRequest(o.ID, 2, "10.00"))
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, result.Status)

	require.Eventually(t, func() bool {
		r, _ := h.ledger.reservation(o.ID, 1)
		return h.status(o.ID) == model.OrderFailed && r.Status == model.ReservationCanceled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, h.ledger.stock(1))

	stored, err := h.orderSvc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	// payment_failure and the rollback's order_failed race to fail the order
	assert.Contains(t, []string{model.FailReasonPaymentFailed, model.FailReasonStockRolledBack}, stored.FailReason)
}

func TestSaga_PriceMismatchHasNoSideEffects(t *testing.T) {
	h := newSagaHarness(t, 0, true)
	o := h.placeAndWaitReserved(t, 2)

	_, err := h.paySvc.ProcessPayment(context.Background(), payRequest(o.ID, 2, "9.99"))
	assert.ErrorIs(t, err, utils.ErrPriceMismatch)

	assert.Zero(t, h.payments.count())
	assert.Equal(t, 3, h.ledger.stock(1))
	r, _ := h.ledger.reservation(o.ID, 1)
	assert.Equal(t, model.ReservationPending, r.Status)
	assert.Equal(t, model.OrderPending, h.status(o.ID))
}

func TestSaga_InsufficientStockFailsOrder(t *testing.T) {
	h := newSagaHarness(t, 0, false)
	o, err := h.orderSvc.PlaceOrder(context.Background(), &order.PlaceOrderRequest{
		UserID: 7,
		Items:  []order.Line{{ProductID: 1, Quantity: 9}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.status(o.ID) == model.OrderFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, h.ledger.stock(1))
	_, ok := h.ledger.reservation(o.ID, 1)
	assert.False(t, ok)

	_, err = h.paySvc.ProcessPayment(context.Background(), payRequest(o.ID, 9, "10.00"))
	assert.ErrorIs(t, err, utils.ErrAlreadyProcessed)
}

func TestSaga_DuplicateOrderCreatedReservesOnce(t *testing.T) {
	h := newSagaHarness(t, 0, true)
	o := h.placeAndWaitReserved(t, 2)

	// a second delivery carries a new envelope id, so only the ledger guards it
	publisher := saga.NewPublisher(h.bus, 1, time.Millisecond)
	require.NoError(t, publisher.Publish(context.Background(), saga.EventOrderCreated, saga.OrderCreated{
		OrderID: o.ID, UserID: 7, Items: []saga.OrderLine{{ProductID: 1, Quantity: 2}},
	}))

	require.Eventually(t, func() bool { return h.bus.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.ledger.stock(1))
}
