package models

import (
	"time"
)

// Account is a wallet holder. Balance is only ever mutated by the ledger.
type Account struct {
	ID             int64      `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	DisplayName    string     `json:"display_name" db:"display_name"`
	Balance        Money      `json:"balance" db:"balance"`
	OpeningBalance Money      `json:"-" db:"opening_balance"`
	PINHash        *string    `json:"-" db:"pin_hash"`
	IsVerified     bool       `json:"is_verified" db:"is_verified"`
	IsTreasury     bool       `json:"-" db:"is_treasury"`
	BannedUntil    *time.Time `json:"banned_until,omitempty" db:"banned_until"`
	Version        int        `json:"-" db:"version"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// HasPIN reports whether a security PIN has been set.
func (a *Account) HasPIN() bool {
	return a.PINHash != nil && *a.PINHash != ""
}

// IsBanned reports whether the account is banned at the given time.
func (a *Account) IsBanned(now time.Time) bool {
	return a.BannedUntil != nil && now.Before(*a.BannedUntil)
}

// Treasury identifies the system account that collects all fee revenue.
// It is resolved once at startup and handed to the components that need it.
type Treasury struct {
	AccountID int64
}

// MerchantIdentity is the authenticated caller of the merchant API.
type MerchantIdentity struct {
	AccountID    int64
	CredentialID int64
	PublicKey    string
}
