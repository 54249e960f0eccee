package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

const (
	HeaderPublicKey = "X-Public-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// CredentialResolver finds a merchant credential and its raw signing secret.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, publicKey string) (*services.ResolvedCredential, error)
}

// SignatureAuth gates the merchant API. A request must carry its public key,
// a unix timestamp within the window, and hex(HMAC-SHA256(secret, "{ts}." + body)).
type SignatureAuth struct {
	creds   CredentialResolver
	redis   *redis.Client
	window  time.Duration
	maxBody int64
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time
}

func NewSignatureAuth(creds CredentialResolver, rdb *redis.Client, window time.Duration, maxBody int64, m *metrics.Metrics) *SignatureAuth {
	return &SignatureAuth{
		creds:   creds,
		redis:   rdb,
		window:  window,
		maxBody: maxBody,
		metrics: m,
		log:     logrus.WithField("component", "api-auth"),
		now:     time.Now,
	}
}

// SignRequest computes the signature a merchant sends for body at ts.
func SignRequest(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *SignatureAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		publicKey := r.Header.Get(HeaderPublicKey)
		signature := strings.ToLower(r.Header.Get(HeaderSignature))
		ts := r.Header.Get(HeaderTimestamp)
		if publicKey == "" || signature == "" || ts == "" {
			s.reject(w, r, "missing_headers")
			return
		}

		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			s.reject(w, r, "bad_timestamp")
			return
		}
		skew := s.now().Sub(time.Unix(unix, 0))
		if skew > s.window || skew < -s.window {
			s.reject(w, r, "stale_timestamp")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
		if err != nil {
			s.reject(w, r, "unreadable_body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		resolved, err := s.creds.ResolveCredential(r.Context(), publicKey)
		if err != nil {
			if !errors.Is(err, services.ErrUnauthorized) {
				s.log.WithError(err).Error("[AUTH] credential lookup failed")
			}
			s.reject(w, r, "unknown_key")
			return
		}

		expected := SignRequest(resolved.Secret, ts, body)
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			s.reject(w, r, "bad_signature")
			return
		}

		if s.redis != nil {
			fresh, err := s.redis.SetNX(r.Context(), "sig:seen:"+signature, 1, 2*s.window).Result()
			switch {
			case err != nil:
				s.log.WithError(err).Warn("[AUTH] replay guard unavailable")
			case !fresh:
				s.reject(w, r, "replay")
				return
			}
		}

		ctx := WithMerchant(r.Context(), models.MerchantIdentity{
			AccountID:    resolved.Credential.AccountID,
			CredentialID: resolved.Credential.ID,
			PublicKey:    resolved.Credential.PublicKey,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// reject answers every failure the same way so callers cannot tell which check failed.
func (s *SignatureAuth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(reason)
	}
	s.log.WithFields(logrus.Fields{
		"reason": reason,
		"path":   r.URL.Path,
	}).Warn("[AUTH] merchant request rejected")
	writeUnauthorized(w)
}
