package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/walletpay/gateway/internal/models"
)

// QRPayload fields are declared in key order so json.Marshal yields the
// canonical (sorted-key) form that is signed.
type QRPayload struct {
	Amount models.Money `json:"amount"`
	Exp    int64        `json:"exp"`
	TxID   string       `json:"txid"`
}

// SignedQR is the document encoded into the QR image.
type SignedQR struct {
	Payload QRPayload `json:"payload"`
	Sig     string    `json:"sig"`
}

// QRService mints and checks signed QR payment payloads.
type QRService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewQRService(secret string, ttl time.Duration) *QRService {
	return &QRService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Mint signs {txid, amount, exp} for a pending payment.
func (s *QRService) Mint(paymentID string, amount models.Money) (*SignedQR, error) {
	payload := QRPayload{
		Amount: amount,
		Exp:    s.now().Add(s.ttl).Unix(),
		TxID:   paymentID,
	}
	sig, err := s.sign(payload)
	if err != nil {
		return nil, err
	}
	return &SignedQR{Payload: payload, Sig: sig}, nil
}

// Render encodes the signed document as a PNG data URI.
func (s *QRService) Render(q *SignedQR) (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Verify checks the signature, then expiry. An expired but authentic payload
// is returned with ErrTokenExpired.
func (s *QRService) Verify(q SignedQR) (*QRPayload, error) {
	expected, err := s.sign(q.Payload)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(expected), []byte(q.Sig)) {
		return nil, ErrTokenInvalid
	}
	if s.now().Unix() > q.Payload.Exp {
		return &q.Payload, ErrTokenExpired
	}
	return &q.Payload, nil
}

func (s *QRService) sign(p QRPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode QR payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
