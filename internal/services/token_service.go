package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/walletpay/gateway/internal/config"
)

// TokenPurpose scopes a token. A token signed for one purpose never verifies for another.
type TokenPurpose string

const (
	PurposePaymentURL    TokenPurpose = "payment-url"
	PurposePasswordReset TokenPurpose = "password-reset"
	PurposePINReset      TokenPurpose = "pin-reset"
)

// TokenSigner issues short-lived HS256 tokens carrying a single opaque payload.
type TokenSigner struct {
	secret []byte
	ttl    map[TokenPurpose]time.Duration
	now    func() time.Time
}

func NewTokenSigner(cfg config.TokenConfig) *TokenSigner {
	return &TokenSigner{
		secret: []byte(cfg.SecretKey),
		ttl: map[TokenPurpose]time.Duration{
			PurposePaymentURL:    cfg.PaymentURLTTL,
			PurposePasswordReset: cfg.PasswordResetTTL,
			PurposePINReset:      cfg.PINResetTTL,
		},
		now: time.Now,
	}
}

// Sign binds payload to purpose for that purpose's TTL.
func (s *TokenSigner) Sign(payload string, purpose TokenPurpose) (string, error) {
	ttl, ok := s.ttl[purpose]
	if !ok {
		return "", fmt.Errorf("unknown token purpose %q", purpose)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   payload,
		Audience:  jwt.ClaimStrings{string(purpose)},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key(purpose))
}

// Verify returns the payload of a valid token. A correctly signed token past
// its expiry returns the payload together with ErrTokenExpired; every other
// failure returns ErrTokenInvalid and no payload.
func (s *TokenSigner) Verify(token string, purpose TokenPurpose) (string, error) {
	if _, ok := s.ttl[purpose]; !ok {
		return "", ErrTokenInvalid
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return s.key(purpose), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(string(purpose)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenInvalidAudience) {
			return claims.Subject, ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}

	return claims.Subject, nil
}

// key derives a per-purpose signing key from the master secret.
func (s *TokenSigner) key(purpose TokenPurpose) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("walletpay.token." + string(purpose)))
	return mac.Sum(nil)
}
