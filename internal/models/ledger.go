package models

import (
	"time"
)

// LedgerCategory tags the reason for a balance delta.
type LedgerCategory string

const (
	CategoryTransferOut LedgerCategory = "TRANSFER_OUT"
	CategoryTransferIn  LedgerCategory = "TRANSFER_IN"
	CategoryPaymentOut  LedgerCategory = "PAYMENT_OUT"
	CategoryPaymentIn   LedgerCategory = "PAYMENT_IN"
	CategoryPayerFee    LedgerCategory = "PAYER_FEE"
	CategoryAdminFee    LedgerCategory = "ADMIN_FEE"
	CategoryKeyPurchase LedgerCategory = "KEY_PURCHASE"
	CategoryBonus       LedgerCategory = "BONUS"
)

// LedgerEntry is one immutable signed delta applied to one account.
type LedgerEntry struct {
	ID             int64          `json:"id" db:"id"`
	AccountID      int64          `json:"account_id" db:"account_id"`
	CounterpartyID *int64         `json:"counterparty_id,omitempty" db:"counterparty_id"`
	PaymentID      *int64         `json:"-" db:"payment_id"`
	Amount         Money          `json:"amount" db:"amount"`
	Category       LedgerCategory `json:"category" db:"category"`
	Memo           string         `json:"memo" db:"memo"`
	BalanceAfter   Money          `json:"balance_after" db:"balance_after"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}
