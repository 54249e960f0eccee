package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/walletpay/gateway/internal/middleware"
	"github.com/walletpay/gateway/internal/models"
)

// AccountAPI is the wallet account surface used by AccountHandler.
type AccountAPI interface {
	Create(ctx context.Context, email, displayName string, bonus models.Money, registrationIP string) (*models.Account, error)
	Get(ctx context.Context, id int64) (*models.Account, error)
	History(ctx context.Context, accountID int64, limit, offset int) ([]models.LedgerEntry, error)
	SetPIN(ctx context.Context, accountID int64, pin string) error
	IssuePINResetToken(ctx context.Context, accountID int64) (string, error)
	ResetPIN(ctx context.Context, accountID int64, token, pin string) error
}

// TokenIssuer mints wallet access tokens.
type TokenIssuer interface {
	IssueAccessToken(accountID int64) (string, error)
}

type AccountHandler struct {
	service   AccountAPI
	tokens    TokenIssuer
	bonus     models.Money
	validator *ValidationHelper
}

func NewAccountHandler(service AccountAPI, tokens TokenIssuer, bonus models.Money) *AccountHandler {
	return &AccountHandler{
		service:   service,
		tokens:    tokens,
		bonus:     bonus,
		validator: NewValidationHelper(),
	}
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"required,min=2,max=64"`
}

type registerResponse struct {
	Account     *models.Account `json:"account"`
	AccessToken string          `json:"access_token"`
}

// Register opens a wallet and credits the registration bonus
// @Summary Register wallet
// @Tags Account
// @Accept json
// @Produce json
// @Param request body registerRequest true "New account"
// @Success 201 {object} registerResponse
// @Failure 400 {object} ErrorResponse
// @Router /accounts [post]
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.service.Create(r.Context(), req.Email, req.DisplayName, h.bonus, clientIP(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	token, err := h.tokens.IssueAccessToken(acc.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, registerResponse{Account: acc, AccessToken: token})
}

// GetAccount returns the signed-in wallet with its balance
// @Summary Get account
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Account
// @Failure 401 {object} ErrorResponse
// @Router /account [get]
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	acc, err := h.service.Get(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, acc)
}

// History lists ledger entries, newest first
// @Summary Account history
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (max 100)"
// @Param offset query int false "Offset"
// @Success 200 {array} models.LedgerEntry
// @Failure 401 {object} ErrorResponse
// @Router /account/history [get]
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		SendErrorResponse(w, "limit must be a number", http.StatusBadRequest, nil)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil || offset < 0 {
		SendErrorResponse(w, "offset must be a non-negative number", http.StatusBadRequest, nil)
		return
	}

	entries, err := h.service.History(r.Context(), accountID, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	sendJSON(w, http.StatusOK, entries)
}

// SetPIN sets the security PIN once
// @Summary Set PIN
// @Tags Account
// @Accept json
// @Security BearerAuth
// @Param request body pinRequest true "Six digit PIN"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /account/pin [post]
func (h *AccountHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req pinRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SetPIN(r.Context(), accountID, req.PIN); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssuePINResetToken returns a short-lived PIN reset token
// @Summary PIN reset token
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{token=string}
// @Router /account/pin/reset-token [post]
func (h *AccountHandler) IssuePINResetToken(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	token, err := h.service.IssuePINResetToken(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

type resetPINRequest struct {
	Token string `json:"token" validate:"required"`
	PIN   string `json:"pin" validate:"required,len=6,numeric"`
}

// ResetPIN replaces the PIN using a reset token
// @Summary Reset PIN
// @Tags Account
// @Accept json
// @Security BearerAuth
// @Param request body resetPINRequest true "Token and new PIN"
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Router /account/pin/reset [post]
func (h *AccountHandler) ResetPIN(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req resetPINRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ResetPIN(r.Context(), accountID, req.Token, req.PIN); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// clientIP is the caller address without its port. RealIP has already
// replaced RemoteAddr when the request came through a proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
