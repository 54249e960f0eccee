package models

import (
	"time"
)

// APICredential lets a merchant call the API. Secrets are kept twice: a one-way
// fingerprint for integrity checks and an encrypted copy the server can decrypt
// to recompute HMACs.
type APICredential struct {
	ID                int64      `json:"id" db:"id"`
	AccountID         int64      `json:"account_id" db:"account_id"`
	PublicKey         string     `json:"public_key" db:"public_key"`
	SecretKeyHash     string     `json:"-" db:"secret_key_hash"`
	SecretKeyEnc      []byte     `json:"-" db:"secret_key_enc"`
	WebhookSecretHash string     `json:"-" db:"webhook_secret_hash"`
	WebhookSecretEnc  []byte     `json:"-" db:"webhook_secret_enc"`
	WebhookURL        *string    `json:"webhook_url,omitempty" db:"webhook_url"`
	StoreName         string     `json:"store_name" db:"store_name"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	RotatedAt         *time.Time `json:"rotated_at,omitempty" db:"rotated_at"`
}

// IssuedCredential carries raw secrets back to the owner exactly once, at purchase or rotation.
type IssuedCredential struct {
	Credential    *APICredential `json:"credential"`
	SecretKey     string         `json:"secret_key"`
	WebhookSecret string         `json:"webhook_secret"`
}
