package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
)

type contextKey string

const (
	accountIDKey contextKey = "accountID"
	merchantKey  contextKey = "merchant"

	accessAudience = "walletpay.access"
)

// WithAccountID attaches an authenticated wallet user to ctx.
func WithAccountID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// AccountIDFromContext returns the wallet user set by JWTAuth.
func AccountIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(accountIDKey).(int64)
	return id, ok && id > 0
}

// WithMerchant attaches the caller resolved by SignatureAuth.
func WithMerchant(ctx context.Context, m models.MerchantIdentity) context.Context {
	return context.WithValue(ctx, merchantKey, m)
}

func MerchantFromContext(ctx context.Context) (models.MerchantIdentity, bool) {
	m, ok := ctx.Value(merchantKey).(models.MerchantIdentity)
	return m, ok
}

type accessClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTAuth issues and checks wallet bearer tokens.
type JWTAuth struct {
	secret  []byte
	expiry  time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewJWTAuth(secret string, expiry time.Duration, m *metrics.Metrics) *JWTAuth {
	return &JWTAuth{
		secret:  []byte(secret),
		expiry:  expiry,
		metrics: m,
		now:     time.Now,
	}
}

// IssueAccessToken returns a signed HS256 token for accountID.
func (a *JWTAuth) IssueAccessToken(accountID int64) (string, error) {
	now := a.now()
	claims := accessClaims{
		UserID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			Audience:  jwt.ClaimStrings{accessAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuth) validateToken(tokenString string) (int64, error) {
	var claims accessClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(accessAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return 0, err
	}
	if !token.Valid || claims.UserID <= 0 {
		return 0, errors.New("invalid token")
	}
	return claims.UserID, nil
}

// Middleware requires "Authorization: Bearer <jwt>" and puts the account id on the context.
func (a *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.reject(w, "missing_bearer")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			a.reject(w, "malformed_bearer")
			return
		}

		accountID, err := a.validateToken(parts[1])
		if err != nil {
			a.reject(w, "invalid_bearer")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
	})
}

func (a *JWTAuth) reject(w http.ResponseWriter, reason string) {
	if a.metrics != nil {
		a.metrics.RecordAuthFailure(reason)
	}
	writeUnauthorized(w)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
