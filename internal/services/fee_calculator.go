package services

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/walletpay/gateway/internal/config"
	"github.com/walletpay/gateway/internal/models"
)

// FeeSchedule holds the payer rate per channel and the flat merchant rate.
type FeeSchedule struct {
	PayerRates   map[models.Channel]decimal.Decimal
	MerchantRate decimal.Decimal
}

// FeeScheduleFromConfig maps configured rates onto channels.
func FeeScheduleFromConfig(cfg config.FeeConfig) FeeSchedule {
	return FeeSchedule{
		PayerRates: map[models.Channel]decimal.Decimal{
			models.ChannelLink:     cfg.PayerLinkRate,
			models.ChannelQR:       cfg.PayerQRRate,
			models.ChannelTransfer: cfg.PayerTransferRate,
		},
		MerchantRate: cfg.MerchantRate,
	}
}

// FeeQuote is everything a payer is shown before confirming.
type FeeQuote struct {
	Amount         models.Money   `json:"amount"`
	Channel        models.Channel `json:"channel"`
	PayerFee       models.Money   `json:"payer_fee"`
	MerchantFee    models.Money   `json:"merchant_fee"`
	PayerTotal     models.Money   `json:"payer_total"`
	MerchantNet    models.Money   `json:"merchant_net"`
	TreasuryIntake models.Money   `json:"treasury_intake"`
}

type FeeCalculator struct {
	schedule FeeSchedule
}

func NewFeeCalculator(schedule FeeSchedule) *FeeCalculator {
	return &FeeCalculator{schedule: schedule}
}

// ComputeFees floors each fee independently to whole minor units.
func (c *FeeCalculator) ComputeFees(base models.Money, ch models.Channel) (payerFee, merchantFee models.Money, err error) {
	if base <= 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrValidation, models.ErrInvalidAmount)
	}
	rate, ok := c.schedule.PayerRates[ch]
	if !ok {
		return 0, 0, validationError(fmt.Sprintf("no fee rate for channel %s", ch))
	}
	return base.MulRateFloor(rate), base.MulRateFloor(c.schedule.MerchantRate), nil
}

func (c *FeeCalculator) Quote(base models.Money, ch models.Channel) (FeeQuote, error) {
	payerFee, merchantFee, err := c.ComputeFees(base, ch)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{
		Amount:         base,
		Channel:        ch,
		PayerFee:       payerFee,
		MerchantFee:    merchantFee,
		PayerTotal:     base + payerFee,
		MerchantNet:    base - merchantFee,
		TreasuryIntake: payerFee + merchantFee,
	}, nil
}
