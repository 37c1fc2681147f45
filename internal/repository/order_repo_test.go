package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

func TestOrderRepository_Create(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewOrderRepository(db)

	order := &model.Order{
		ID:     1001,
		UserID: 7,
		Status: model.OrderPending,
		Items: []model.OrderItem{
			{ProductID: 1, Name: "Mug", Price: decimal.NewFromInt(10), Quantity: 2},
		},
	}
	order.TotalAmount = model.CalculateTotal(order.Items)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `orders`").WillReturnResult(sqlmock.NewResult(1001, 1))
	mock.ExpectExec("INSERT INTO `order_items`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), order))
	assert.Equal(t, uint64(1001), order.Items[0].OrderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetByID(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewOrderRepository(db)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM `orders` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status", "total_amount", "fail_reason", "created_at", "updated_at"}).
			AddRow(1001, 7, "pending", "20.00", "", now, now))
	mock.ExpectQuery("SELECT \\* FROM `order_items` WHERE `order_items`.`order_id` = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "product_id", "name", "price", "quantity", "total"}).
			AddRow(1, 1001, 1, "Mug", "10.00", 2, "20.00"))

	order, err := repo.GetByID(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, order.Status)
	require.Len(t, order.Items, 1)
	assert.True(t, decimal.NewFromInt(10).Equal(order.Items[0].Price))
	assert.True(t, decimal.NewFromInt(20).Equal(order.TotalAmount))

	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = repo.GetByID(context.Background(), 1002)
	assert.ErrorIs(t, err, utils.ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_GetStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewOrderRepository(db)

	mock.ExpectQuery("SELECT `id`,`status` FROM `orders` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1001, "confirmed"))

	status, err := repo.GetStatus(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, model.OrderConfirmed, status)
}

func TestOrderRepository_TransitionFromPending(t *testing.T) {
	t.Run("pending order changes", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewOrderRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `orders` SET .*`status`=\\?.*WHERE id = \\? AND status = \\?").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		changed, err := repo.TransitionFromPending(context.Background(), 1001, model.OrderConfirmed, "")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal order is a no-op", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewOrderRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `orders` SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT `id`,`status` FROM `orders`").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1001, "confirmed"))

		changed, err := repo.TransitionFromPending(context.Background(), 1001, model.OrderConfirmed, "")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown order", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewOrderRepository(db)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE `orders` SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT `id`,`status` FROM `orders`").WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

		_, err := repo.TransitionFromPending(context.Background(), 5, model.OrderFailed, model.FailReasonPaymentFailed)
		assert.ErrorIs(t, err, utils.ErrOrderNotFound)
	})

	t.Run("rejects pending target", func(t *testing.T) {
		db, _ := setupMockDB(t)
		repo := NewOrderRepository(db)

		_, err := repo.TransitionFromPending(context.Background(), 5, model.OrderPending, "")
		assert.Equal(t, utils.CodeInvalidParam, utils.GetErrorCode(err))
	})
}
