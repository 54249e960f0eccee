package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/walletpay/gateway/internal/middleware"
	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

// PaymentAPI is the payment lifecycle as the HTTP layer sees it.
type PaymentAPI interface {
	Create(ctx context.Context, req services.CreatePaymentRequest) (*services.CreatedPayment, error)
	GetForMerchant(ctx context.Context, merchantID int64, paymentID string) (*models.Payment, error)
	ResolveToken(ctx context.Context, token string) (*services.PaymentView, error)
	Pay(ctx context.Context, req services.PayRequest) (*models.Payment, error)
	Transfer(ctx context.Context, req services.TransferRequest) (*models.Payment, error)
	VerifyQR(ctx context.Context, q services.SignedQR) (string, error)
}

type PaymentHandler struct {
	service   PaymentAPI
	validator *ValidationHelper
}

func NewPaymentHandler(service PaymentAPI) *PaymentHandler {
	return &PaymentHandler{
		service:   service,
		validator: NewValidationHelper(),
	}
}

type createPaymentRequest struct {
	Amount             int64  `json:"amount" validate:"required,gt=0"`
	MerchantOrderID    string `json:"merchant_order_id" validate:"required,max=128"`
	Description        string `json:"description" validate:"max=255"`
	Channel            string `json:"channel" validate:"omitempty,oneof=LINK QR link qr"`
	RedirectURLSuccess string `json:"redirect_url_success" validate:"omitempty,url"`
	RedirectURLFailure string `json:"redirect_url_failure" validate:"omitempty,url"`
}

type qrResponse struct {
	Payload services.QRPayload `json:"payload"`
	Sig     string             `json:"sig"`
	Image   string             `json:"image"`
}

type createPaymentResponse struct {
	PaymentID   string               `json:"payment_id"`
	Status      models.PaymentStatus `json:"status"`
	Amount      models.Money         `json:"amount"`
	PayerFee    models.Money         `json:"payer_fee"`
	MerchantFee models.Money         `json:"merchant_fee"`
	PaymentURL  string               `json:"payment_url,omitempty"`
	QR          *qrResponse          `json:"qr,omitempty"`
}

// CreatePayment creates a pending payment for the signed-in merchant
// @Summary Create payment
// @Description Create a PENDING payment and return a signed payment link or QR payload
// @Tags Merchant
// @Accept json
// @Produce json
// @Security MerchantSignature
// @Param request body createPaymentRequest true "Payment request"
// @Success 201 {object} createPaymentResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /payments [post]
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	merchant, ok := middleware.MerchantFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req createPaymentRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	channel, err := models.ParseChannel(req.Channel)
	if err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, nil)
		return
	}

	created, err := h.service.Create(r.Context(), services.CreatePaymentRequest{
		MerchantID:         merchant.AccountID,
		CredentialID:       merchant.CredentialID,
		Amount:             models.Money(req.Amount),
		MerchantOrderID:    req.MerchantOrderID,
		Description:        req.Description,
		Channel:            channel,
		RedirectURLSuccess: req.RedirectURLSuccess,
		RedirectURLFailure: req.RedirectURLFailure,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	p := created.Payment
	resp := createPaymentResponse{
		PaymentID:   p.PaymentID,
		Status:      p.Status,
		Amount:      p.Amount,
		PayerFee:    p.PayerFee,
		MerchantFee: p.MerchantFee,
		PaymentURL:  created.PaymentURL,
	}
	if created.QR != nil {
		resp.QR = &qrResponse{Payload: created.QR.Payload, Sig: created.QR.Sig, Image: created.QRImage}
	}
	sendJSON(w, http.StatusCreated, resp)
}

// GetPayment returns one of the merchant's payments
// @Summary Get payment
// @Tags Merchant
// @Produce json
// @Security MerchantSignature
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} models.Payment
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payments/{paymentId} [get]
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	merchant, ok := middleware.MerchantFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	p, err := h.service.GetForMerchant(r.Context(), merchant.AccountID, chi.URLParam(r, "paymentId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, p)
}

type paymentSummary struct {
	PaymentID       string            `json:"payment_id"`
	MerchantOrderID string            `json:"merchant_order_id"`
	Description     string            `json:"description"`
	Status          string            `json:"status"`
	Quote           services.FeeQuote `json:"quote"`
}

// ShowPayment resolves a payment link for the payer
// @Summary Resolve payment link
// @Description Returns the pending payment and the fee quote the payer will be charged
// @Tags Wallet
// @Produce json
// @Security BearerAuth
// @Param token path string true "Payment link token"
// @Success 200 {object} paymentSummary
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /pay/{token} [get]
func (h *PaymentHandler) ShowPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.ResolveToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, paymentSummary{
		PaymentID:       view.Payment.PaymentID,
		MerchantOrderID: view.Payment.MerchantOrderID,
		Description:     view.Payment.Description,
		Status:          string(view.Payment.Status),
		Quote:           view.Quote,
	})
}

type pinRequest struct {
	PIN string `json:"pin" validate:"required,len=6,numeric"`
}

type payResponse struct {
	PaymentID   string               `json:"payment_id"`
	Status      models.PaymentStatus `json:"status"`
	RedirectURL string               `json:"redirect_url,omitempty"`
}

// Pay settles a payment link from the payer's wallet
// @Summary Pay
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param token path string true "Payment link token"
// @Param request body pinRequest true "Security PIN"
// @Success 200 {object} payResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /pay/{token} [post]
func (h *PaymentHandler) Pay(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req pinRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.Pay(r.Context(), services.PayRequest{
		Token:   chi.URLParam(r, "token"),
		PayerID: accountID,
		PIN:     req.PIN,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := payResponse{PaymentID: p.PaymentID, Status: p.Status}
	if p.RedirectURLSuccess != nil {
		resp.RedirectURL = *p.RedirectURLSuccess
	}
	sendJSON(w, http.StatusOK, resp)
}

type transferRequest struct {
	RecipientEmail string `json:"recipient_email" validate:"required,email"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	PIN            string `json:"pin" validate:"required,len=6,numeric"`
	Memo           string `json:"memo" validate:"max=255"`
}

// Transfer sends funds to another wallet
// @Summary Wallet transfer
// @Tags Wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body transferRequest true "Transfer"
// @Success 200 {object} models.Payment
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /transfers [post]
func (h *PaymentHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req transferRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.Transfer(r.Context(), services.TransferRequest{
		SenderID:       accountID,
		RecipientEmail: req.RecipientEmail,
		Amount:         models.Money(req.Amount),
		PIN:            req.PIN,
		Memo:           req.Memo,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, p)
}
