package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func int64Ptr(v int64) *int64 { return &v }

func lockRows(id, balance int64, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow(id, balance, version)
}

const (
	lockAccountSQL   = `SELECT id, balance, version FROM accounts WHERE id = \$1 FOR UPDATE`
	insertEntrySQL   = `INSERT INTO ledger_entries`
	updateBalanceSQL = `UPDATE accounts SET balance = \$1, version = version \+ 1, updated_at = \$2 WHERE id = \$3 AND version = \$4`
)

// expectEntry registers one ledger_entries insert returning id.
func expectEntry(mock sqlmock.Sqlmock, id, accountID int64, amount int64, category string, balanceAfter int64) {
	mock.ExpectQuery(insertEntrySQL).
		WithArgs(accountID, sqlmock.AnyArg(), sqlmock.AnyArg(), amount, category, sqlmock.AnyArg(), balanceAfter, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))
}

func expectBalanceUpdate(mock sqlmock.Sqlmock, accountID, newBalance int64, version int) {
	mock.ExpectExec(updateBalanceSQL).
		WithArgs(newBalance, sqlmock.AnyArg(), accountID, version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}
