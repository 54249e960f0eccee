package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/walletpay/gateway/internal/middleware"
	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

type MockPaymentAPI struct {
	mock.Mock
}

func (m *MockPaymentAPI) Create(ctx context.Context, req services.CreatePaymentRequest) (*services.CreatedPayment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.CreatedPayment), args.Error(1)
}

func (m *MockPaymentAPI) GetForMerchant(ctx context.Context, merchantID int64, paymentID string) (*models.Payment, error) {
	args := m.Called(ctx, merchantID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentAPI) ResolveToken(ctx context.Context, token string) (*services.PaymentView, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.PaymentView), args.Error(1)
}

func (m *MockPaymentAPI) Pay(ctx context.Context, req services.PayRequest) (*models.Payment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentAPI) Transfer(ctx context.Context, req services.TransferRequest) (*models.Payment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentAPI) VerifyQR(ctx context.Context, q services.SignedQR) (string, error) {
	args := m.Called(ctx, q)
	return args.String(0), args.Error(1)
}

type MockAccountAPI struct {
	mock.Mock
}

func (m *MockAccountAPI) Create(ctx context.Context, email, displayName string, bonus models.Money, registrationIP string) (*models.Account, error) {
	args := m.Called(ctx, email, displayName, bonus, registrationIP)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockAccountAPI) Get(ctx context.Context, id int64) (*models.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockAccountAPI) History(ctx context.Context, accountID int64, limit, offset int) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerEntry), args.Error(1)
}

func (m *MockAccountAPI) SetPIN(ctx context.Context, accountID int64, pin string) error {
	return m.Called(ctx, accountID, pin).Error(0)
}

func (m *MockAccountAPI) IssuePINResetToken(ctx context.Context, accountID int64) (string, error) {
	args := m.Called(ctx, accountID)
	return args.String(0), args.Error(1)
}

func (m *MockAccountAPI) ResetPIN(ctx context.Context, accountID int64, token, pin string) error {
	return m.Called(ctx, accountID, token, pin).Error(0)
}

type MockTokenIssuer struct {
	mock.Mock
}

func (m *MockTokenIssuer) IssueAccessToken(accountID int64) (string, error) {
	args := m.Called(accountID)
	return args.String(0), args.Error(1)
}

type MockCredentialAPI struct {
	mock.Mock
}

func (m *MockCredentialAPI) List(ctx context.Context, accountID int64) ([]models.APICredential, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.APICredential), args.Error(1)
}

func (m *MockCredentialAPI) Purchase(ctx context.Context, req services.PurchaseRequest) (*models.IssuedCredential, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IssuedCredential), args.Error(1)
}

func (m *MockCredentialAPI) Rotate(ctx context.Context, accountID, credentialID int64) (*models.IssuedCredential, error) {
	args := m.Called(ctx, accountID, credentialID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IssuedCredential), args.Error(1)
}

func (m *MockCredentialAPI) UpdateWebhookURL(ctx context.Context, accountID, credentialID int64, rawURL string) error {
	return m.Called(ctx, accountID, credentialID, rawURL).Error(0)
}

func (m *MockCredentialAPI) Delete(ctx context.Context, accountID, credentialID int64) error {
	return m.Called(ctx, accountID, credentialID).Error(0)
}

// asWallet and asMerchant stand in for the auth middleware.
func asWallet(accountID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithAccountID(r.Context(), accountID)))
		})
	}
}

func asMerchant(accountID, credentialID int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithMerchant(r.Context(), models.MerchantIdentity{
				AccountID:    accountID,
				CredentialID: credentialID,
				PublicKey:    "pk_test_abc",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRouter(auth func(http.Handler) http.Handler, method, pattern string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	if auth != nil {
		r.Use(auth)
	}
	r.Method(method, pattern, h)
	return r
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
