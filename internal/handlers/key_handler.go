package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/walletpay/gateway/internal/middleware"
	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

// CredentialAPI manages a merchant's API keys.
type CredentialAPI interface {
	List(ctx context.Context, accountID int64) ([]models.APICredential, error)
	Purchase(ctx context.Context, req services.PurchaseRequest) (*models.IssuedCredential, error)
	Rotate(ctx context.Context, accountID, credentialID int64) (*models.IssuedCredential, error)
	UpdateWebhookURL(ctx context.Context, accountID, credentialID int64, rawURL string) error
	Delete(ctx context.Context, accountID, credentialID int64) error
}

type KeyHandler struct {
	service   CredentialAPI
	validator *ValidationHelper
}

func NewKeyHandler(service CredentialAPI) *KeyHandler {
	return &KeyHandler{
		service:   service,
		validator: NewValidationHelper(),
	}
}

// ListKeys lists the caller's API credentials without secrets
// @Summary List API keys
// @Tags Keys
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.APICredential
// @Router /keys [get]
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	creds, err := h.service.List(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if creds == nil {
		creds = []models.APICredential{}
	}
	sendJSON(w, http.StatusOK, creds)
}

type purchaseKeyRequest struct {
	PIN        string `json:"pin" validate:"required,len=6,numeric"`
	StoreName  string `json:"store_name" validate:"max=100"`
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
}

// PurchaseKey buys a new API key pair, debiting the key cost
// @Summary Purchase API key
// @Description Secrets are returned once and never again
// @Tags Keys
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body purchaseKeyRequest true "Purchase"
// @Success 201 {object} models.IssuedCredential
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /keys [post]
func (h *KeyHandler) PurchaseKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req purchaseKeyRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	issued, err := h.service.Purchase(r.Context(), services.PurchaseRequest{
		AccountID:  accountID,
		PIN:        req.PIN,
		StoreName:  req.StoreName,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, issued)
}

// RotateKey regenerates both secrets of a key
// @Summary Rotate API key
// @Tags Keys
// @Produce json
// @Security BearerAuth
// @Param id path int true "Credential ID"
// @Success 200 {object} models.IssuedCredential
// @Failure 404 {object} ErrorResponse
// @Router /keys/{id}/rotate [post]
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	accountID, credID, ok := h.ownerAndKey(w, r)
	if !ok {
		return
	}

	issued, err := h.service.Rotate(r.Context(), accountID, credID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, issued)
}

type webhookRequest struct {
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
}

// UpdateWebhook sets or clears a key's webhook URL
// @Summary Update webhook URL
// @Tags Keys
// @Accept json
// @Security BearerAuth
// @Param id path int true "Credential ID"
// @Param request body webhookRequest true "Webhook URL, empty to clear"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /keys/{id}/webhook [put]
func (h *KeyHandler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, credID, ok := h.ownerAndKey(w, r)
	if !ok {
		return
	}

	var req webhookRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.UpdateWebhookURL(r.Context(), accountID, credID, req.WebhookURL); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteKey removes a key owned by the caller
// @Summary Delete API key
// @Tags Keys
// @Security BearerAuth
// @Param id path int true "Credential ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /keys/{id} [delete]
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	accountID, credID, ok := h.ownerAndKey(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), accountID, credID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) ownerAndKey(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return 0, 0, false
	}

	credID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || credID <= 0 {
		SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
		return 0, 0, false
	}
	return accountID, credID, true
}
