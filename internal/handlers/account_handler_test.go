package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

func TestAccountHandler_Register(t *testing.T) {
	t.Run("created with token", func(t *testing.T) {
		svc := new(MockAccountAPI)
		tokens := new(MockTokenIssuer)
		h := NewAccountHandler(svc, tokens, 100000)

		svc.On("Create", mock.Anything, "ada@example.com", "Ada", models.Money(100000), "198.51.100.4").
			Return(&models.Account{ID: 5, Email: "ada@example.com", Balance: 100000}, nil)
		tokens.On("IssueAccessToken", int64(5)).Return("jwt-token", nil)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", jsonBody(`{"email":"ada@example.com","display_name":"Ada"}`))
		req.RemoteAddr = "198.51.100.4:52311"
		newRouter(nil, http.MethodPost, "/api/v1/accounts", h.Register).ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var resp registerResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "jwt-token", resp.AccessToken)
		assert.Equal(t, models.Money(100000), resp.Account.Balance)
	})

	t.Run("duplicate email", func(t *testing.T) {
		svc := new(MockAccountAPI)
		h := NewAccountHandler(svc, new(MockTokenIssuer), 100000)
		svc.On("Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, services.ErrValidation)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", jsonBody(`{"email":"ada@example.com","display_name":"Ada"}`))
		newRouter(nil, http.MethodPost, "/api/v1/accounts", h.Register).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad email", func(t *testing.T) {
		h := NewAccountHandler(new(MockAccountAPI), new(MockTokenIssuer), 100000)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", jsonBody(`{"email":"nope","display_name":"Ada"}`))
		newRouter(nil, http.MethodPost, "/api/v1/accounts", h.Register).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "Email")
	})
}

func TestAccountHandler_GetAccount(t *testing.T) {
	svc := new(MockAccountAPI)
	h := NewAccountHandler(svc, nil, 0)
	pin := "hashed"
	svc.On("Get", mock.Anything, int64(3)).Return(&models.Account{ID: 3, Email: "payer@example.com", Balance: 250000, PINHash: &pin}, nil)

	rec := httptest.NewRecorder()
	newRouter(asWallet(3), http.MethodGet, "/api/v1/account", h.GetAccount).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/account", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":250000`)
	assert.NotContains(t, rec.Body.String(), "hashed")

	rec = httptest.NewRecorder()
	newRouter(nil, http.MethodGet, "/api/v1/account", h.GetAccount).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/account", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccountHandler_History(t *testing.T) {
	svc := new(MockAccountAPI)
	h := NewAccountHandler(svc, nil, 0)
	svc.On("History", mock.Anything, int64(3), 20, 40).Return([]models.LedgerEntry{
		{ID: 9, AccountID: 3, Amount: -1000000, Category: models.CategoryPaymentOut, BalanceAfter: 0},
	}, nil)
	svc.On("History", mock.Anything, int64(3), 0, 0).Return(nil, nil)

	router := newRouter(asWallet(3), http.MethodGet, "/api/v1/account/history", h.History)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/account/history?limit=20&offset=40", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"category":"PAYMENT_OUT"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/account/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/account/history?limit=ten", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountHandler_PIN(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		svc := new(MockAccountAPI)
		h := NewAccountHandler(svc, nil, 0)
		svc.On("SetPIN", mock.Anything, int64(3), "123456").Return(nil).Once()
		svc.On("SetPIN", mock.Anything, int64(3), "123456").Return(services.ErrPINAlreadySet)

		router := newRouter(asWallet(3), http.MethodPost, "/api/v1/account/pin", h.SetPIN)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/account/pin", jsonBody(`{"pin":"123456"}`)))
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/account/pin", jsonBody(`{"pin":"123456"}`)))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("reset", func(t *testing.T) {
		svc := new(MockAccountAPI)
		h := NewAccountHandler(svc, nil, 0)
		svc.On("IssuePINResetToken", mock.Anything, int64(3)).Return("reset-token", nil)
		svc.On("ResetPIN", mock.Anything, int64(3), "reset-token", "654321").Return(nil)
		svc.On("ResetPIN", mock.Anything, int64(3), "stolen", "654321").Return(services.ErrTokenInvalid)

		rec := httptest.NewRecorder()
		newRouter(asWallet(3), http.MethodPost, "/api/v1/account/pin/reset-token", h.IssuePINResetToken).
			ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/account/pin/reset-token", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"token":"reset-token"}`, rec.Body.String())

		router := newRouter(asWallet(3), http.MethodPost, "/api/v1/account/pin/reset", h.ResetPIN)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/account/pin/reset", jsonBody(`{"token":"reset-token","pin":"654321"}`)))
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/account/pin/reset", jsonBody(`{"token":"stolen","pin":"654321"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
