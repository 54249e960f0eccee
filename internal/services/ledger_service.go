package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/walletpay/gateway/internal/models"
)

// LedgerOperation is one signed delta in a balanced set.
type LedgerOperation struct {
	AccountID      int64
	Delta          models.Money
	Category       models.LedgerCategory
	Memo           string
	CounterpartyID *int64
	PaymentID      *int64
}

// LedgerService applies balanced operation sets atomically. It is the only
// code that writes accounts.balance.
type LedgerService struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewLedgerService(db *sqlx.DB) *LedgerService {
	return &LedgerService{
		db:  db,
		now: time.Now,
	}
}

type lockedAccount struct {
	ID      int64        `db:"id"`
	Balance models.Money `db:"balance"`
	Version int          `db:"version"`
}

// Settle applies ops in their own transaction.
func (s *LedgerService) Settle(ctx context.Context, ops []LedgerOperation) ([]models.LedgerEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	entries, err := s.SettleTx(ctx, tx, ops)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entries, nil
}

// SettleTx applies ops inside the caller's transaction. On error nothing has
// been written that the caller's rollback will not undo.
func (s *LedgerService) SettleTx(ctx context.Context, tx *sqlx.Tx, ops []LedgerOperation) ([]models.LedgerEntry, error) {
	if err := validateOperations(ops); err != nil {
		return nil, err
	}

	// Lock accounts in ascending id order to prevent deadlocks
	order := lockOrder(ops)
	locked := make(map[int64]*lockedAccount, len(order))
	for _, id := range order {
		acc, err := s.lockAccount(ctx, tx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
			}
			return nil, fmt.Errorf("lock account %d: %w", id, err)
		}
		locked[id] = acc
	}

	post := make(map[int64]models.Money, len(order))
	for _, id := range order {
		post[id] = locked[id].Balance
	}
	for _, op := range ops {
		post[op.AccountID] += op.Delta
	}
	for _, id := range order {
		if post[id] < 0 {
			return nil, &InsufficientFundsError{
				AccountID: id,
				Balance:   locked[id].Balance,
				Required:  locked[id].Balance - post[id],
			}
		}
	}

	now := s.now()
	running := make(map[int64]models.Money, len(order))
	for _, id := range order {
		running[id] = locked[id].Balance
	}

	entries := make([]models.LedgerEntry, 0, len(ops))
	for _, op := range ops {
		running[op.AccountID] += op.Delta
		entry := models.LedgerEntry{
			AccountID:      op.AccountID,
			CounterpartyID: op.CounterpartyID,
			PaymentID:      op.PaymentID,
			Amount:         op.Delta,
			Category:       op.Category,
			Memo:           op.Memo,
			BalanceAfter:   running[op.AccountID],
			CreatedAt:      now,
		}
		if err := s.createLedgerEntry(ctx, tx, &entry); err != nil {
			return nil, fmt.Errorf("ledger entry for account %d: %w", op.AccountID, err)
		}
		entries = append(entries, entry)
	}

	for _, id := range order {
		if err := s.updateAccountBalance(ctx, tx, id, post[id], locked[id].Version, now); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func validateOperations(ops []LedgerOperation) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty operation set", ErrUnbalanced)
	}

	var sum models.Money
	for i, op := range ops {
		if op.AccountID == 0 {
			return fmt.Errorf("%w: operation %d has no account", ErrValidation, i)
		}
		if op.Category == "" {
			return fmt.Errorf("%w: operation %d has no category", ErrValidation, i)
		}
		sum += op.Delta
	}
	if sum != 0 {
		return fmt.Errorf("%w: sum is %d", ErrUnbalanced, sum)
	}
	return nil
}

// lockOrder returns the distinct account ids of ops in ascending order.
func lockOrder(ops []LedgerOperation) []int64 {
	seen := make(map[int64]struct{}, len(ops))
	ids := make([]int64, 0, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.AccountID]; ok {
			continue
		}
		seen[op.AccountID] = struct{}{}
		ids = append(ids, op.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sqlx.Tx, accountID int64) (*lockedAccount, error) {
	var acc lockedAccount
	err := tx.GetContext(ctx, &acc, `
		SELECT id, balance, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *LedgerService) createLedgerEntry(ctx context.Context, tx *sqlx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRowxContext(ctx, `
		INSERT INTO ledger_entries (account_id, counterparty_id, payment_id, amount, category, memo, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.AccountID, e.CounterpartyID, e.PaymentID, e.Amount, e.Category, e.Memo, e.BalanceAfter, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *LedgerService) updateAccountBalance(ctx context.Context, tx *sqlx.Tx, accountID int64, newBalance models.Money, version int, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %d", accountID)
	}

	return nil
}
