package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/hsm"
	"github.com/walletpay/gateway/internal/models"
)

const credentialColumns = `id, account_id, public_key, secret_key_hash, secret_key_enc, webhook_secret_hash, webhook_secret_enc, webhook_url, store_name, created_at, rotated_at`

// ResolvedCredential is a credential with its decrypted signing secret.
type ResolvedCredential struct {
	Credential *models.APICredential
	Secret     []byte
}

type CredentialService struct {
	db       *sqlx.DB
	vault    hsm.Vault
	ledger   *LedgerService
	accounts *AccountService
	treasury models.Treasury
	keyCost  models.Money
	log      *logrus.Entry
	now      func() time.Time
}

func NewCredentialService(db *sqlx.DB, vault hsm.Vault, ledger *LedgerService, accounts *AccountService, treasury models.Treasury, keyCost models.Money) *CredentialService {
	return &CredentialService{
		db:       db,
		vault:    vault,
		ledger:   ledger,
		accounts: accounts,
		treasury: treasury,
		keyCost:  keyCost,
		log:      logrus.WithField("component", "credentials"),
		now:      time.Now,
	}
}

// PurchaseRequest buys a new API credential.
type PurchaseRequest struct {
	AccountID  int64
	PIN        string
	StoreName  string
	WebhookURL string
}

// Purchase debits the key cost into the treasury and issues a credential in
// the same transaction. The first credential names the store; later ones
// inherit that name.
func (s *CredentialService) Purchase(ctx context.Context, req PurchaseRequest) (*models.IssuedCredential, error) {
	acc, err := s.accounts.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.IsBanned(s.now()) {
		return nil, ErrAccountBanned
	}
	if err := s.accounts.VerifyPIN(ctx, acc, req.PIN); err != nil {
		return nil, err
	}

	storeName, err := s.existingStoreName(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if storeName == "" {
		storeName = strings.TrimSpace(req.StoreName)
		if storeName == "" {
			return nil, validationError("store name is required for the first key")
		}
	}

	var webhookURL *string
	if req.WebhookURL != "" {
		if err := ValidateWebhookURL(req.WebhookURL); err != nil {
			return nil, err
		}
		webhookURL = &req.WebhookURL
	}

	publicKey, err := randomKey("pk_test_", 16)
	if err != nil {
		return nil, err
	}
	issued, err := s.newSecrets(publicKey)
	if err != nil {
		return nil, err
	}
	cred := issued.Credential
	cred.AccountID = req.AccountID
	cred.StoreName = storeName
	cred.WebhookURL = webhookURL
	cred.CreatedAt = s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if s.keyCost > 0 {
		treasuryID := s.treasury.AccountID
		accountID := req.AccountID
		_, err := s.ledger.SettleTx(ctx, tx, []LedgerOperation{
			{AccountID: accountID, Delta: -s.keyCost, Category: models.CategoryKeyPurchase, Memo: "API key purchase", CounterpartyID: &treasuryID},
			{AccountID: treasuryID, Delta: s.keyCost, Category: models.CategoryKeyPurchase, Memo: "API key purchase", CounterpartyID: &accountID},
		})
		if err != nil {
			return nil, err
		}
	}

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO api_credentials (account_id, public_key, secret_key_hash, secret_key_enc, webhook_secret_hash, webhook_secret_enc, webhook_url, store_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		cred.AccountID, cred.PublicKey, cred.SecretKeyHash, cred.SecretKeyEnc,
		cred.WebhookSecretHash, cred.WebhookSecretEnc, cred.WebhookURL, cred.StoreName, cred.CreatedAt,
	).Scan(&cred.ID)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"public_key": publicKey,
	}).Info("[KEYS] credential purchased")
	return issued, nil
}

// Rotate replaces both secrets. The public key stays the same.
func (s *CredentialService) Rotate(ctx context.Context, accountID, credentialID int64) (*models.IssuedCredential, error) {
	cred, err := s.owned(ctx, accountID, credentialID)
	if err != nil {
		return nil, err
	}

	issued, err := s.newSecrets(cred.PublicKey)
	if err != nil {
		return nil, err
	}
	rotatedAt := s.now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE api_credentials
		SET secret_key_hash = $1, secret_key_enc = $2, webhook_secret_hash = $3, webhook_secret_enc = $4, rotated_at = $5
		WHERE id = $6 AND account_id = $7`,
		issued.Credential.SecretKeyHash, issued.Credential.SecretKeyEnc,
		issued.Credential.WebhookSecretHash, issued.Credential.WebhookSecretEnc,
		rotatedAt, credentialID, accountID)
	if err != nil {
		return nil, fmt.Errorf("rotate credential: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}

	cred.SecretKeyHash = issued.Credential.SecretKeyHash
	cred.SecretKeyEnc = issued.Credential.SecretKeyEnc
	cred.WebhookSecretHash = issued.Credential.WebhookSecretHash
	cred.WebhookSecretEnc = issued.Credential.WebhookSecretEnc
	cred.RotatedAt = &rotatedAt
	issued.Credential = cred

	s.log.WithFields(logrus.Fields{
		"account_id":    accountID,
		"credential_id": credentialID,
	}).Info("[KEYS] credential rotated")
	return issued, nil
}

// Delete removes a credential owned by accountID.
func (s *CredentialService) Delete(ctx context.Context, accountID, credentialID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM api_credentials WHERE id = $1 AND account_id = $2`, credentialID, accountID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWebhookURL sets or clears (empty string) the callback URL.
func (s *CredentialService) UpdateWebhookURL(ctx context.Context, accountID, credentialID int64, rawURL string) error {
	var webhookURL *string
	if rawURL != "" {
		if err := ValidateWebhookURL(rawURL); err != nil {
			return err
		}
		webhookURL = &rawURL
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE api_credentials SET webhook_url = $1 WHERE id = $2 AND account_id = $3`,
		webhookURL, credentialID, accountID)
	if err != nil {
		return fmt.Errorf("update webhook url: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *CredentialService) List(ctx context.Context, accountID int64) ([]models.APICredential, error) {
	creds := []models.APICredential{}
	err := s.db.SelectContext(ctx, &creds,
		`SELECT `+credentialColumns+` FROM api_credentials WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// ResolveCredential loads the credential for publicKey and decrypts its
// secret, checking it against the stored fingerprint.
func (s *CredentialService) ResolveCredential(ctx context.Context, publicKey string) (*ResolvedCredential, error) {
	var cred models.APICredential
	err := s.db.GetContext(ctx, &cred,
		`SELECT `+credentialColumns+` FROM api_credentials WHERE public_key = $1`, publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	secret, err := s.vault.DecryptSecret(cred.PublicKey, cred.SecretKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("%w: secret unreadable", ErrUnauthorized)
	}
	if !s.vault.VerifyFingerprint(string(secret), cred.SecretKeyHash) {
		s.log.WithField("credential_id", cred.ID).Error("[KEYS] secret does not match fingerprint")
		return nil, fmt.Errorf("%w: secret integrity check failed", ErrUnauthorized)
	}

	return &ResolvedCredential{Credential: &cred, Secret: secret}, nil
}

// WebhookTarget returns the callback URL and decrypted webhook secret. A
// credential without a URL yields an empty target.
func (s *CredentialService) WebhookTarget(ctx context.Context, credentialID int64) (*WebhookTarget, error) {
	var cred models.APICredential
	err := s.db.GetContext(ctx, &cred,
		`SELECT `+credentialColumns+` FROM api_credentials WHERE id = $1`, credentialID)
	if errors.Is(err, sql.ErrNoRows) {
		return &WebhookTarget{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if cred.WebhookURL == nil || *cred.WebhookURL == "" {
		return &WebhookTarget{}, nil
	}

	secret, err := s.vault.DecryptSecret(cred.PublicKey, cred.WebhookSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	if !s.vault.VerifyFingerprint(string(secret), cred.WebhookSecretHash) {
		return nil, errors.New("webhook secret integrity check failed")
	}

	return &WebhookTarget{URL: *cred.WebhookURL, Secret: secret}, nil
}

func (s *CredentialService) existingStoreName(ctx context.Context, accountID int64) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name,
		`SELECT store_name FROM api_credentials WHERE account_id = $1 ORDER BY id LIMIT 1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup store name: %w", err)
	}
	return name, nil
}

func (s *CredentialService) owned(ctx context.Context, accountID, credentialID int64) (*models.APICredential, error) {
	var cred models.APICredential
	err := s.db.GetContext(ctx, &cred,
		`SELECT `+credentialColumns+` FROM api_credentials WHERE id = $1 AND account_id = $2`, credentialID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return &cred, nil
}

// newSecrets generates and seals a secret key and webhook secret bound to publicKey.
func (s *CredentialService) newSecrets(publicKey string) (*models.IssuedCredential, error) {
	secretKey, err := randomKey("sk_test_", 24)
	if err != nil {
		return nil, err
	}
	webhookSecret, err := randomKey("whsec_", 24)
	if err != nil {
		return nil, err
	}

	secretEnc, err := s.vault.EncryptSecret(publicKey, []byte(secretKey))
	if err != nil {
		return nil, fmt.Errorf("encrypt secret key: %w", err)
	}
	webhookEnc, err := s.vault.EncryptSecret(publicKey, []byte(webhookSecret))
	if err != nil {
		return nil, fmt.Errorf("encrypt webhook secret: %w", err)
	}

	return &models.IssuedCredential{
		Credential: &models.APICredential{
			PublicKey:         publicKey,
			SecretKeyHash:     s.vault.Fingerprint(secretKey),
			SecretKeyEnc:      secretEnc,
			WebhookSecretHash: s.vault.Fingerprint(webhookSecret),
			WebhookSecretEnc:  webhookEnc,
		},
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
	}, nil
}

// ValidateWebhookURL accepts absolute http and https URLs only.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return validationError("webhook url must be an absolute http or https URL")
	}
	return nil
}

func randomKey(prefix string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}
