package services

import (
	"context"
	"database/sql"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walletpay/gateway/internal/models"
)

func paymentOps(payer, merchant, treasury, paymentID int64) []LedgerOperation {
	pid := int64Ptr(paymentID)
	return []LedgerOperation{
		{AccountID: payer, Delta: -1000000, Category: models.CategoryPaymentOut, CounterpartyID: int64Ptr(merchant), PaymentID: pid},
		{AccountID: payer, Delta: -70000, Category: models.CategoryPayerFee, CounterpartyID: int64Ptr(treasury), PaymentID: pid},
		{AccountID: merchant, Delta: 900000, Category: models.CategoryPaymentIn, CounterpartyID: int64Ptr(payer), PaymentID: pid},
		{AccountID: treasury, Delta: 70000, Category: models.CategoryAdminFee, CounterpartyID: int64Ptr(payer), PaymentID: pid},
		{AccountID: treasury, Delta: 100000, Category: models.CategoryAdminFee, CounterpartyID: int64Ptr(merchant), PaymentID: pid},
	}
}

func TestLedgerService_Settle(t *testing.T) {
	ctx := context.Background()

	t.Run("payment settles with ascending lock order", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)
		service.now = func() time.Time { return fixedNow }

		// payer 3, merchant 2, treasury 1
		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(1)).WillReturnRows(lockRows(1, 0, 4))
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(2)).WillReturnRows(lockRows(2, 0, 1))
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(3)).WillReturnRows(lockRows(3, 2000000, 7))

		expectEntry(mock, 11, 3, -1000000, "PAYMENT_OUT", 1000000)
		expectEntry(mock, 12, 3, -70000, "PAYER_FEE", 930000)
		expectEntry(mock, 13, 2, 900000, "PAYMENT_IN", 900000)
		expectEntry(mock, 14, 1, 70000, "ADMIN_FEE", 70000)
		expectEntry(mock, 15, 1, 100000, "ADMIN_FEE", 170000)

		expectBalanceUpdate(mock, 1, 170000, 4)
		expectBalanceUpdate(mock, 2, 900000, 1)
		expectBalanceUpdate(mock, 3, 930000, 7)
		mock.ExpectCommit()

		entries, err := service.Settle(ctx, paymentOps(3, 2, 1, 42))
		require.NoError(t, err)
		require.Len(t, entries, 5)

		var sum models.Money
		for i, e := range entries {
			sum += e.Amount
			assert.Equal(t, int64(11+i), e.ID)
			assert.Equal(t, fixedNow, e.CreatedAt)
			require.NotNil(t, e.PaymentID)
			assert.Equal(t, int64(42), *e.PaymentID)
		}
		assert.Equal(t, models.Money(0), sum)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls back everything", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(1)).WillReturnRows(lockRows(1, 0, 1))
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(2)).WillReturnRows(lockRows(2, 0, 1))
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(3)).WillReturnRows(lockRows(3, 1050000, 1))
		mock.ExpectRollback()

		_, err := service.Settle(ctx, paymentOps(3, 2, 1, 42))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		var insufficient *InsufficientFundsError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, int64(3), insufficient.AccountID)
		assert.Equal(t, models.Money(1050000), insufficient.Balance)
		assert.Equal(t, models.Money(1070000), insufficient.Required)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unbalanced set is rejected before locking", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Settle(ctx, []LedgerOperation{
			{AccountID: 1, Delta: -100, Category: models.CategoryTransferOut},
			{AccountID: 2, Delta: 99, Category: models.CategoryTransferIn},
		})
		assert.ErrorIs(t, err, ErrUnbalanced)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty set is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Settle(ctx, nil)
		assert.ErrorIs(t, err, ErrUnbalanced)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("operation without category is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Settle(ctx, []LedgerOperation{
			{AccountID: 1, Delta: -100},
			{AccountID: 2, Delta: 100, Category: models.CategoryTransferIn},
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(1)).WillReturnRows(lockRows(1, 500, 1))
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Settle(ctx, []LedgerOperation{
			{AccountID: 9, Delta: 100, Category: models.CategoryTransferIn},
			{AccountID: 1, Delta: -100, Category: models.CategoryTransferOut},
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("optimistic lock failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		service := NewLedgerService(db)

		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(1)).WillReturnRows(lockRows(1, 500, 1))
		mock.ExpectQuery(lockAccountSQL).WithArgs(int64(2)).WillReturnRows(lockRows(2, 0, 3))
		expectEntry(mock, 1, 1, -100, "TRANSFER_OUT", 400)
		expectEntry(mock, 2, 2, 100, "TRANSFER_IN", 100)
		mock.ExpectExec(updateBalanceSQL).
			WithArgs(int64(400), sqlmock.AnyArg(), int64(1), 1).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.Settle(ctx, []LedgerOperation{
			{AccountID: 1, Delta: -100, Category: models.CategoryTransferOut},
			{AccountID: 2, Delta: 100, Category: models.CategoryTransferIn},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLockOrder(t *testing.T) {
	ops := []LedgerOperation{
		{AccountID: 7}, {AccountID: 3}, {AccountID: 7}, {AccountID: 1}, {AccountID: 3},
	}
	assert.Equal(t, []int64{1, 3, 7}, lockOrder(ops))
}

func TestLockOrder_ConcurrentSetsDoNotDeadlock(t *testing.T) {
	locks := map[int64]*sync.Mutex{}
	for id := int64(1); id <= 5; id++ {
		locks[id] = &sync.Mutex{}
	}

	// overlapping sets presented in conflicting orders
	sets := [][]LedgerOperation{
		{{AccountID: 1}, {AccountID: 5}},
		{{AccountID: 5}, {AccountID: 1}},
		{{AccountID: 3}, {AccountID: 2}, {AccountID: 1}},
		{{AccountID: 2}, {AccountID: 4}},
		{{AccountID: 4}, {AccountID: 2}, {AccountID: 5}},
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			for _, set := range sets {
				wg.Add(1)
				go func(ops []LedgerOperation) {
					defer wg.Done()
					ids := lockOrder(ops)
					for _, id := range ids {
						locks[id].Lock()
						runtime.Gosched()
					}
					for i := len(ids) - 1; i >= 0; i-- {
						locks[ids[i]].Unlock()
					}
				}(set)
			}
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lock acquisition deadlocked")
	}
}
