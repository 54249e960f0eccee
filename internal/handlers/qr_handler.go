package handlers

import (
	"net/http"

	"github.com/walletpay/gateway/internal/models"
	"github.com/walletpay/gateway/internal/services"
)

type QRHandler struct {
	service   PaymentAPI
	validator *ValidationHelper
}

func NewQRHandler(service PaymentAPI) *QRHandler {
	return &QRHandler{
		service:   service,
		validator: NewValidationHelper(),
	}
}

type qrVerifyRequest struct {
	Payload struct {
		Amount int64  `json:"amount" validate:"required,gt=0"`
		Exp    int64  `json:"exp" validate:"required"`
		TxID   string `json:"txid" validate:"required,uuid"`
	} `json:"payload"`
	Sig string `json:"sig" validate:"required,hexadecimal"`
}

// VerifyQR checks a scanned QR payload
// @Summary Verify QR payload
// @Description Verify signature, expiry and amount of a scanned QR and return a payment link
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body qrVerifyRequest true "Scanned QR document"
// @Success 200 {object} object{redirect_url=string}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /qr/verify [post]
func (h *QRHandler) VerifyQR(w http.ResponseWriter, r *http.Request) {
	var req qrVerifyRequest
	if !h.validator.decodeJSON(w, r, &req) {
		return
	}

	link, err := h.service.VerifyQR(r.Context(), services.SignedQR{
		Payload: services.QRPayload{
			Amount: models.Money(req.Payload.Amount),
			Exp:    req.Payload.Exp,
			TxID:   req.Payload.TxID,
		},
		Sig: req.Sig,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, map[string]string{"redirect_url": link})
}
