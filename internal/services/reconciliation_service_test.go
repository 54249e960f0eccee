package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
)

func newReconciliation(t *testing.T) (*ReconciliationService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	s := NewReconciliationService(db, metrics.New())
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestReconciliationService_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("clean ledger", func(t *testing.T) {
		s, mock := newReconciliation(t)
		mock.ExpectQuery(`SELECT a.id, a.balance`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "expected"}))
		mock.ExpectQuery(`FROM accounts`).
			WillReturnRows(sqlmock.NewRows([]string{"ledger", "opening", "balances"}).AddRow(0, 500000000, 500000000))
		mock.ExpectQuery(`SELECT p.payment_id`).
			WillReturnRows(sqlmock.NewRows([]string{"payment_id"}))

		report, err := s.Run(ctx)
		require.NoError(t, err)
		assert.True(t, report.Clean())
		assert.Equal(t, fixedNow, report.CheckedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("drift is reported", func(t *testing.T) {
		s, mock := newReconciliation(t)
		mock.ExpectQuery(`SELECT a.id, a.balance`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "expected"}).AddRow(3, 1000, 900))
		mock.ExpectQuery(`FROM accounts`).
			WillReturnRows(sqlmock.NewRows([]string{"ledger", "opening", "balances"}).AddRow(0, 900, 1000))
		mock.ExpectQuery(`SELECT p.payment_id`).
			WillReturnRows(sqlmock.NewRows([]string{"payment_id"}).AddRow(testPaymentID))

		report, err := s.Run(ctx)
		require.NoError(t, err)
		assert.False(t, report.Clean())
		require.Len(t, report.Drifted, 1)
		assert.Equal(t, BalanceDrift{AccountID: 3, Balance: 1000, Expected: 900}, report.Drifted[0])
		assert.Equal(t, []string{testPaymentID}, report.UnbalancedPayments)
		assert.Equal(t, models.Money(1000), report.Balances)
	})

	t.Run("query error", func(t *testing.T) {
		s, mock := newReconciliation(t)
		mock.ExpectQuery(`SELECT a.id, a.balance`).WillReturnError(errors.New("connection reset"))

		_, err := s.Run(ctx)
		assert.Error(t, err)
	})
}

func TestReconciliationService_Start(t *testing.T) {
	s, _ := newReconciliation(t)

	assert.NoError(t, s.Start(""))
	assert.Error(t, s.Start("not a schedule"))

	require.NoError(t, s.Start("@every 1h"))
	s.Stop()
}
