package models

import (
	"fmt"
	"strings"
	"time"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
	PaymentExpired PaymentStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentExpired
}

// CanTransitionTo allows exactly one move, out of PENDING into a terminal state.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return s == PaymentPending && next.IsTerminal()
}

// Channel is the surface a payment was initiated from. It selects the payer fee rate.
type Channel string

const (
	ChannelLink     Channel = "LINK"
	ChannelQR       Channel = "QR"
	ChannelTransfer Channel = "TRANSFER"
)

// ParseChannel accepts a channel name in any case. Empty defaults to LINK.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ChannelLink:
		return ChannelLink, nil
	case ChannelQR:
		return ChannelQR, nil
	case ChannelTransfer:
		return ChannelTransfer, nil
	}
	return "", fmt.Errorf("unknown payment channel %q", s)
}

// Payment is a settlement intent. PaymentID is the public opaque id; ID stays internal.
type Payment struct {
	ID                 int64         `json:"-" db:"id"`
	PaymentID          string        `json:"payment_id" db:"payment_id"`
	MerchantID         int64         `json:"merchant_id" db:"merchant_id"`
	CredentialID       *int64        `json:"-" db:"credential_id"`
	PayerID            *int64        `json:"payer_id,omitempty" db:"payer_id"`
	Amount             Money         `json:"amount" db:"amount"`
	PayerFee           Money         `json:"payer_fee" db:"payer_fee"`
	MerchantFee        Money         `json:"merchant_fee" db:"merchant_fee"`
	Channel            Channel       `json:"channel" db:"channel"`
	MerchantOrderID    string        `json:"merchant_order_id" db:"merchant_order_id"`
	Description        string        `json:"description" db:"description"`
	RedirectURLSuccess *string       `json:"redirect_url_success,omitempty" db:"redirect_url_success"`
	RedirectURLFailure *string       `json:"redirect_url_failure,omitempty" db:"redirect_url_failure"`
	Status             PaymentStatus `json:"status" db:"status"`
	FailureReason      *string       `json:"-" db:"failure_reason"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	PaidAt             *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
}

// PayerTotal is what the payer is debited: base plus payer fee.
func (p *Payment) PayerTotal() Money {
	return p.Amount + p.PayerFee
}

// MerchantNet is what the merchant is credited: base minus merchant fee.
func (p *Payment) MerchantNet() Money {
	return p.Amount - p.MerchantFee
}

// TreasuryIntake is the sum of the two independently rounded fees.
func (p *Payment) TreasuryIntake() Money {
	return p.PayerFee + p.MerchantFee
}
