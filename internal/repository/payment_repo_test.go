package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fulfillment/internal/model"
	"fulfillment/pkg/utils"
)

var paymentColumns = []string{"id", "order_id", "amount", "payment_id", "status", "created_at", "updated_at"}

func paymentRow(amount int64, paymentID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(paymentColumns).AddRow(1, 1001, amount, paymentID, status, now, now)
}

const selectPaymentSQL = "SELECT \\* FROM `payments` WHERE order_id = \\?"

func TestPaymentRepository_Store(t *testing.T) {
	newPayment := func() *model.Payment {
		return &model.Payment{OrderID: 1001, Amount: 2000, PaymentID: "pi_1", Status: model.PaymentSuccess}
	}

	t.Run("inserts first result", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewPaymentRepository(db)

		mock.ExpectQuery(selectPaymentSQL).WillReturnRows(sqlmock.NewRows(paymentColumns))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO `payments`").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		stored, replayed, err := repo.Store(context.Background(), newPayment())
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, uint64(1), stored.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("identical row is a replay", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewPaymentRepository(db)

		mock.ExpectQuery(selectPaymentSQL).WillReturnRows(paymentRow(2000, "pi_1", "success"))

		stored, replayed, err := repo.Store(context.Background(), newPayment())
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, "pi_1", stored.PaymentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("different row conflicts", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewPaymentRepository(db)

		mock.ExpectQuery(selectPaymentSQL).WillReturnRows(paymentRow(2000, "pi_2", "failed"))

		_, _, err := repo.Store(context.Background(), newPayment())
		assert.ErrorIs(t, err, utils.ErrConflictingPayment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique index race rereads", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewPaymentRepository(db)

		mock.ExpectQuery(selectPaymentSQL).WillReturnRows(sqlmock.NewRows(paymentColumns))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO `payments`").WillReturnError(gorm.ErrDuplicatedKey)
		mock.ExpectRollback()
		mock.ExpectQuery(selectPaymentSQL).WillReturnRows(paymentRow(2000, "pi_1", "success"))

		_, replayed, err := repo.Store(context.Background(), newPayment())
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentRepository_GetByOrderID(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPaymentRepository(db)

	mock.ExpectQuery(selectPaymentSQL).WillReturnRows(sqlmock.NewRows(paymentColumns))

	_, err := repo.GetByOrderID(context.Background(), 1001)
	assert.ErrorIs(t, err, utils.ErrPaymentNotFound)
}
