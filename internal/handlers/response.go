package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/services"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error       string            `json:"error"`                  // Error message
	Details     map[string]string `json:"details,omitempty"`      // Validation details
	RedirectURL string            `json:"redirect_url,omitempty"` // Merchant failure redirect
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response. Field details are only
// included for validator errors.
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

func sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON reads exactly one JSON object into dst and validates it.
// It writes the 400 itself and returns false on failure.
func (vh *ValidationHelper) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := vh.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP. Auth failures stay generic;
// anything unexpected is logged and reported as a safe internal error.
// A failed settlement carries the merchant's failure redirect.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var redirectURL string
	var failed *services.SettlementFailedError
	if errors.As(err, &failed) {
		redirectURL = failed.RedirectURL
	}
	send := func(message string, statusCode int) {
		sendJSON(w, statusCode, ErrorResponse{Error: message, RedirectURL: redirectURL})
	}

	var funds *services.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		send("Insufficient balance", http.StatusPaymentRequired)
	case errors.Is(err, services.ErrValidation):
		send(err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrSelfPayment):
		send("You cannot pay yourself", http.StatusBadRequest)
	case errors.Is(err, services.ErrNotFound):
		send("Not found", http.StatusNotFound)
	case errors.Is(err, services.ErrPaymentNotPending):
		send("Payment is no longer pending", http.StatusConflict)
	case errors.Is(err, services.ErrPINAlreadySet):
		send("PIN already set", http.StatusConflict)
	case errors.Is(err, services.ErrRateLimited):
		send("Too many attempts, try again later", http.StatusTooManyRequests)
	case errors.Is(err, services.ErrPINNotSet):
		send("Set a PIN first", http.StatusForbidden)
	case errors.Is(err, services.ErrAccountBanned), errors.Is(err, services.ErrForbidden):
		send("Forbidden", http.StatusForbidden)
	case errors.Is(err, services.ErrInvalidPIN), errors.Is(err, services.ErrTokenInvalid),
		errors.Is(err, services.ErrTokenExpired), errors.Is(err, services.ErrUnauthorized):
		send("Unauthorized", http.StatusUnauthorized)
	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("[HTTP] internal error")
		send("Something went wrong. Your funds are safe.", http.StatusInternalServerError)
	}
}
