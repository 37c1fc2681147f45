package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/catalog"
	"fulfillment/internal/model"
	"fulfillment/internal/saga"
	"fulfillment/pkg/snowflake"
	"fulfillment/pkg/utils"
)

// MockOrderRepository mock order repository
type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Create(ctx context.Context, order *model.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id uint64) (*model.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Order), args.Error(1)
}

func (m *MockOrderRepository) GetStatus(ctx context.Context, id uint64) (model.OrderStatus, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.OrderStatus), args.Error(1)
}

func (m *MockOrderRepository) TransitionFromPending(ctx context.Context, id uint64, status model.OrderStatus, reason string) (bool, error) {
	args := m.Called(ctx, id, status, reason)
	return args.Bool(0), args.Error(1)
}

// MockLookup mock catalog lookup
type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) GetProduct(ctx context.Context, productID uint64) (*catalog.Product, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Product), args.Error(1)
}

// MockStockReader mock inventory reader
type MockStockReader struct {
	mock.Mock
}

func (m *MockStockReader) GetStocks(ctx context.Context, productIDs []uint64) ([]model.Stock, error) {
	args := m.Called(ctx, productIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Stock), args.Error(1)
}

// MockPublisher mock event publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event string, payload any) error {
	args := m.Called(ctx, event, payload)
	return args.Error(0)
}

type fixture struct {
	repo      *MockOrderRepository
	products  *MockLookup
	stocks    *MockStockReader
	publisher *MockPublisher
	svc       OrderService
}

func newFixture(t *testing.T) *fixture {
	ids, err := snowflake.NewIDGenerator(1)
	require.NoError(t, err)

	f := &fixture{
		repo:      new(MockOrderRepository),
		products:  new(MockLookup),
		stocks:    new(MockStockReader),
		publisher: new(MockPublisher),
	}
	f.svc = NewOrderService(f.repo, f.products, f.stocks, f.publisher, ids, nil)
	return f
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("computes total and persists pending", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("Create", ctx, mock.MatchedBy(func(o *model.Order) bool {
			return o.Status == model.OrderPending && o.UserID == 7 && o.ID > 0
		})).Return(nil)

		order, err := f.svc.CreateOrder(ctx, 7, []model.OrderItem{
			{ProductID: 1, Price: decimal.RequireFromString("19.99"), Quantity: 2},
			{ProductID: 2, Price: decimal.RequireFromString("5.00"), Quantity: 1},
		})
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("44.98").Equal(order.TotalAmount), order.TotalAmount.String())
		assert.Len(t, order.Items, 2)
		f.repo.AssertExpectations(t)
	})

	tests := []struct {
		name   string
		userID uint64
		items  []model.OrderItem
	}{
		{name: "zero user", userID: 0, items: []model.OrderItem{{ProductID: 1, Quantity: 1}}},
		{name: "no items", userID: 1},
		{name: "zero quantity", userID: 1, items: []model.OrderItem{{ProductID: 1, Quantity: 0}}},
		{name: "zero product", userID: 1, items: []model.OrderItem{{ProductID: 0, Quantity: 1}}},
		{name: "negative price", userID: 1, items: []model.OrderItem{{ProductID: 1, Quantity: 1, Price: decimal.NewFromInt(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateOrder(ctx, tt.userID, tt.items)
			assert.ErrorIs(t, err, utils.ErrInvalidParam)
			f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestPlaceOrder(t *testing.T) {
	ctx := context.Background()
	req := &PlaceOrderRequest{UserID: 3, Items: []Line{{ProductID: 10, Quantity: 2}}}
	widget := &catalog.Product{ID: 10, Name: "widget", Price: decimal.RequireFromString("2.50")}

	t.Run("publishes order_created", func(t *testing.T) {
		f := newFixture(t)
		f.products.On("GetProduct", ctx, uint64(10)).Return(widget, nil)
		f.stocks.On("GetStocks", ctx, []uint64{10}).Return([]model.Stock{{ProductID: 10, Stock: 5}}, nil)
		f.repo.On("Create", ctx, mock.Anything).Return(nil)
		f.publisher.On("Publish", ctx, saga.EventOrderCreated, mock.MatchedBy(func(e saga.OrderCreated) bool {
			return e.UserID == 3 && len(e.Items) == 1 && e.Items[0].ProductID == 10 && e.Items[0].Quantity == 2
		})).Return(nil)

		order, err := f.svc.PlaceOrder(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "widget", order.Items[0].Name)
		assert.True(t, decimal.RequireFromString("5.00").Equal(order.TotalAmount))
		f.publisher.AssertExpectations(t)
	})

	t.Run("publish failure fails the order", func(t *testing.T) {
		f := newFixture(t)
		f.products.On("GetProduct", ctx, uint64(10)).Return(widget, nil)
		f.stocks.On("GetStocks", ctx, []uint64{10}).Return([]model.Stock{{ProductID: 10, Stock: 5}}, nil)
		f.repo.On("Create", ctx, mock.Anything).Return(nil)
		f.publisher.On("Publish", ctx, saga.EventOrderCreated, mock.Anything).
			Return(utils.WrapError(utils.ErrPublishFailed, errors.New("broker down")))
		f.repo.On("TransitionFromPending", ctx, mock.Anything, model.OrderFailed, model.FailReasonPublishFailed).Return(true, nil)

		_, err := f.svc.PlaceOrder(ctx, req)
		assert.ErrorIs(t, err, utils.ErrPublishFailed)
		f.repo.AssertExpectations(t)
	})

	t.Run("insufficient stock rejected before persisting", func(t *testing.T) {
		f := newFixture(t)
		f.products.On("GetProduct", ctx, uint64(10)).Return(widget, nil)
		f.stocks.On("GetStocks", ctx, []uint64{10}).Return([]model.Stock{{ProductID: 10, Stock: 1}}, nil)

		_, err := f.svc.PlaceOrder(ctx, req)
		assert.ErrorIs(t, err, utils.ErrInsufficientStock)
		f.repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("unavailable inventory skips pre-check", func(t *testing.T) {
		f := newFixture(t)
		f.products.On("GetProduct", ctx, uint64(10)).Return(widget, nil)
		f.stocks.On("GetStocks", ctx, []uint64{10}).Return(nil, utils.WrapError(utils.ErrUpstreamUnavailable, errors.New("timeout")))
		f.repo.On("Create", ctx, mock.Anything).Return(nil)
		f.publisher.On("Publish", ctx, saga.EventOrderCreated, mock.Anything).Return(nil)

		_, err := f.svc.PlaceOrder(ctx, req)
		assert.NoError(t, err)
	})

	t.Run("unknown product", func(t *testing.T) {
		f := newFixture(t)
		f.products.On("GetProduct", ctx, uint64(10)).Return(nil, utils.ErrProductNotFound)

		_, err := f.svc.PlaceOrder(ctx, req)
		assert.ErrorIs(t, err, utils.ErrProductNotFound)
		f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("confirm pending", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("TransitionFromPending", ctx, uint64(1), model.OrderConfirmed, "").Return(true, nil)

		changed, err := f.svc.Confirm(ctx, 1)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("terminal order is a no-op", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("TransitionFromPending", ctx, uint64(1), model.OrderFailed, model.FailReasonPaymentFailed).Return(false, nil)

		changed, err := f.svc.Fail(ctx, 1, model.FailReasonPaymentFailed)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("TransitionFromPending", ctx, uint64(2), model.OrderConfirmed, "").Return(false, utils.ErrOrderNotFound)

		_, err := f.svc.Confirm(ctx, 2)
		assert.ErrorIs(t, err, utils.ErrOrderNotFound)
	})
}

func TestGetOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.repo.On("GetByID", ctx, uint64(5)).Return(nil, utils.ErrOrderNotFound)
	f.repo.On("GetStatus", ctx, uint64(6)).Return(model.OrderConfirmed, nil)

	_, err := f.svc.GetOrder(ctx, 5)
	assert.ErrorIs(t, err, utils.ErrOrderNotFound)

	status, err := f.svc.GetStatus(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, status)
}
