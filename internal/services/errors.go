package services

import (
	"errors"
	"fmt"

	"github.com/walletpay/gateway/internal/models"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnbalanced        = errors.New("ledger operations do not sum to zero")
	ErrPaymentNotPending = errors.New("payment is not pending")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrInvalidPIN        = errors.New("invalid PIN")
	ErrPINNotSet         = errors.New("PIN not set")
	ErrPINAlreadySet     = errors.New("PIN already set")
	ErrRateLimited       = errors.New("too many attempts")
	ErrAccountBanned     = errors.New("account is banned")
	ErrSelfPayment       = errors.New("cannot pay yourself")
)

// InsufficientFundsError names the account that would have gone negative.
type InsufficientFundsError struct {
	AccountID int64
	Balance   models.Money
	Required  models.Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %d: balance %s, required %s",
		e.AccountID, e.Balance, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// SettlementFailedError is returned once a payment has been marked FAILED.
// RedirectURL is the merchant's failure redirect, empty when none was given.
type SettlementFailedError struct {
	PaymentID   string
	RedirectURL string
	Err         error
}

func (e *SettlementFailedError) Error() string {
	return fmt.Sprintf("payment %s failed: %v", e.PaymentID, e.Err)
}

func (e *SettlementFailedError) Unwrap() error { return e.Err }

// validationError wraps ErrValidation with a user-facing message.
func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
