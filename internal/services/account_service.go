package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/hsm"
	"github.com/walletpay/gateway/internal/models"
)

const accountColumns = `id, email, display_name, balance, opening_balance, pin_hash, is_verified, is_treasury, banned_until, version, created_at, updated_at`

// PINPolicy bounds failed PIN attempts per account.
type PINPolicy struct {
	MaxAttempts int
	Lockout     time.Duration
}

type AccountService struct {
	db       *sqlx.DB
	redis    *redis.Client
	vault    hsm.Vault
	tokens   *TokenSigner
	ledger   *LedgerService
	treasury models.Treasury
	policy   PINPolicy
	log      *logrus.Entry
	now      func() time.Time
}

func NewAccountService(db *sqlx.DB, rdb *redis.Client, vault hsm.Vault, tokens *TokenSigner, ledger *LedgerService, treasury models.Treasury, policy PINPolicy) *AccountService {
	return &AccountService{
		db:       db,
		redis:    rdb,
		vault:    vault,
		tokens:   tokens,
		ledger:   ledger,
		treasury: treasury,
		policy:   policy,
		log:      logrus.WithField("component", "accounts"),
		now:      time.Now,
	}
}

// EnsureTreasury returns the treasury account, creating it with the opening
// balance on first boot.
func EnsureTreasury(ctx context.Context, db *sqlx.DB, email string, opening models.Money) (models.Treasury, error) {
	var id int64
	err := db.GetContext(ctx, &id, `SELECT id FROM accounts WHERE is_treasury = TRUE`)
	if err == nil {
		return models.Treasury{AccountID: id}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Treasury{}, fmt.Errorf("lookup treasury: %w", err)
	}

	now := time.Now()
	err = db.GetContext(ctx, &id, `
		INSERT INTO accounts (email, display_name, balance, opening_balance, is_verified, is_treasury, created_at, updated_at)
		VALUES ($1, 'Treasury', $2, $2, TRUE, TRUE, $3, $3)
		RETURNING id`, email, opening, now)
	if err != nil {
		return models.Treasury{}, fmt.Errorf("create treasury: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"account_id":      id,
		"opening_balance": opening.String(),
	}).Info("[TREASURY] created")
	return models.Treasury{AccountID: id}, nil
}

// Create registers a wallet and credits the registration bonus from the
// treasury, at most once per registration IP. A skipped or failed bonus is
// logged; the account still exists.
func (s *AccountService) Create(ctx context.Context, email, displayName string, bonus models.Money, registrationIP string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now()

	var acc models.Account
	err := s.db.GetContext(ctx, &acc, `
		INSERT INTO accounts (email, display_name, balance, opening_balance, is_verified, is_treasury, created_at, updated_at)
		VALUES ($1, $2, 0, 0, FALSE, FALSE, $3, $3)
		RETURNING `+accountColumns, email, displayName, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, validationError("email already registered")
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	if bonus > 0 {
		logger := s.log.WithFields(logrus.Fields{"account_id": acc.ID, "registration_ip": registrationIP})
		if !s.claimRegistrationBonus(ctx, registrationIP, acc.ID) {
			logger.Info("[ACCOUNT] registration bonus already claimed from this address")
			return &acc, nil
		}
		if err := s.GrantBonus(ctx, acc.ID, bonus, "Registration bonus"); err != nil {
			s.releaseRegistrationBonus(ctx, registrationIP)
			logger.WithError(err).Warn("[ACCOUNT] registration bonus not granted")
			return &acc, nil
		}
		acc.Balance += bonus
	}
	return &acc, nil
}

// claimRegistrationBonus reserves the bonus for the first account registered
// from ip. Without Redis nothing can be reserved and no bonus is paid.
func (s *AccountService) claimRegistrationBonus(ctx context.Context, ip string, accountID int64) bool {
	if s.redis == nil || ip == "" {
		return false
	}
	ok, err := s.redis.SetNX(ctx, registrationBonusKey(ip), accountID, 0).Result()
	if err != nil {
		s.log.WithError(err).Warn("[ACCOUNT] bonus claim unavailable")
		return false
	}
	return ok
}

func (s *AccountService) releaseRegistrationBonus(ctx context.Context, ip string) {
	if err := s.redis.Del(ctx, registrationBonusKey(ip)).Err(); err != nil {
		s.log.WithError(err).Warn("[ACCOUNT] could not release bonus claim")
	}
}

func registrationBonusKey(ip string) string {
	return "bonus:ip:" + ip
}

func (s *AccountService) Get(ctx context.Context, id int64) (*models.Account, error) {
	var acc models.Account
	err := s.db.GetContext(ctx, &acc, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return &acc, nil
}

func (s *AccountService) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	var acc models.Account
	err := s.db.GetContext(ctx, &acc, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return &acc, nil
}

// History lists an account's ledger entries, newest first.
func (s *AccountService) History(ctx context.Context, accountID int64, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	entries := []models.LedgerEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, account_id, counterparty_id, payment_id, amount, category, memo, balance_after, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("history for account %d: %w", accountID, err)
	}
	return entries, nil
}

// SetPIN sets the security PIN. It can only be set once; use ResetPIN afterwards.
func (s *AccountService) SetPIN(ctx context.Context, accountID int64, pin string) error {
	if !hsm.ValidPIN(pin) {
		return validationError("PIN must be exactly 6 digits")
	}

	acc, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.HasPIN() {
		return ErrPINAlreadySet
	}

	hashed, err := s.vault.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("hash PIN: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET pin_hash = $1, updated_at = $2
		WHERE id = $3 AND pin_hash IS NULL`,
		hashed, s.now(), accountID)
	if err != nil {
		return fmt.Errorf("set PIN: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrPINAlreadySet
	}

	s.log.WithField("account_id", accountID).Info("[ACCOUNT] PIN set")
	return nil
}

// VerifyPIN checks pin against the account's hash, counting failures in Redis.
func (s *AccountService) VerifyPIN(ctx context.Context, acc *models.Account, pin string) error {
	if !acc.HasPIN() {
		return ErrPINNotSet
	}

	key := pinAttemptsKey(acc.ID)
	if s.redis != nil && s.policy.MaxAttempts > 0 {
		attempts, err := s.redis.Get(ctx, key).Int()
		switch {
		case err == nil && attempts >= s.policy.MaxAttempts:
			return ErrRateLimited
		case err != nil && err != redis.Nil:
			s.log.WithError(err).Warn("[ACCOUNT] PIN attempt counter unavailable")
		}
	}

	ok, err := s.vault.VerifyPIN(pin, *acc.PINHash)
	if err != nil {
		return fmt.Errorf("verify PIN: %w", err)
	}

	if !ok {
		if s.redis != nil {
			if err := s.redis.Incr(ctx, key).Err(); err == nil {
				s.redis.Expire(ctx, key, s.policy.Lockout)
			}
		}
		return ErrInvalidPIN
	}

	if s.redis != nil {
		s.redis.Del(ctx, key)
	}
	return nil
}

// IssuePINResetToken returns a pin-reset token. Delivering it is the caller's concern.
func (s *AccountService) IssuePINResetToken(ctx context.Context, accountID int64) (string, error) {
	if _, err := s.Get(ctx, accountID); err != nil {
		return "", err
	}
	return s.tokens.Sign(strconv.FormatInt(accountID, 10), PurposePINReset)
}

// ResetPIN replaces the PIN of the account named by a valid pin-reset token.
func (s *AccountService) ResetPIN(ctx context.Context, accountID int64, token, pin string) error {
	if !hsm.ValidPIN(pin) {
		return validationError("PIN must be exactly 6 digits")
	}

	subject, err := s.tokens.Verify(token, PurposePINReset)
	if err != nil {
		return err
	}
	if subject != strconv.FormatInt(accountID, 10) {
		return ErrTokenInvalid
	}

	hashed, err := s.vault.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("hash PIN: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET pin_hash = $1, updated_at = $2
		WHERE id = $3`,
		hashed, s.now(), accountID)
	if err != nil {
		return fmt.Errorf("reset PIN: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	if s.redis != nil {
		s.redis.Del(ctx, pinAttemptsKey(accountID))
	}
	s.log.WithField("account_id", accountID).Info("[ACCOUNT] PIN reset")
	return nil
}

// GrantBonus moves amount from the treasury to the account.
func (s *AccountService) GrantBonus(ctx context.Context, accountID int64, amount models.Money, memo string) error {
	if amount <= 0 {
		return validationError("bonus must be positive")
	}
	treasuryID := s.treasury.AccountID
	_, err := s.ledger.Settle(ctx, []LedgerOperation{
		{AccountID: treasuryID, Delta: -amount, Category: models.CategoryBonus, Memo: memo, CounterpartyID: &accountID},
		{AccountID: accountID, Delta: amount, Category: models.CategoryBonus, Memo: memo, CounterpartyID: &treasuryID},
	})
	if err != nil {
		return fmt.Errorf("grant bonus: %w", err)
	}
	return nil
}

func pinAttemptsKey(accountID int64) string {
	return fmt.Sprintf("pin:attempts:%d", accountID)
}
