package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/hsm"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
)

const failureWriteTimeout = 5 * time.Second

const paymentColumns = `id, payment_id, merchant_id, credential_id, payer_id, amount, payer_fee, merchant_fee, channel, merchant_order_id, description, redirect_url_success, redirect_url_failure, status, failure_reason, created_at, paid_at`

// PaymentNotifier is told about every payment that reaches PAID.
type PaymentNotifier interface {
	Notify(p *models.Payment)
}

type PaymentService struct {
	db       *sqlx.DB
	ledger   *LedgerService
	fees     *FeeCalculator
	tokens   *TokenSigner
	qr       *QRService
	accounts *AccountService
	notifier PaymentNotifier
	metrics  *metrics.Metrics
	audit    *hsm.AuditLogger
	treasury models.Treasury
	baseURL  string
	log      *logrus.Entry
	now      func() time.Time
}

// PaymentDeps groups the collaborators of PaymentService.
type PaymentDeps struct {
	DB       *sqlx.DB
	Ledger   *LedgerService
	Fees     *FeeCalculator
	Tokens   *TokenSigner
	QR       *QRService
	Accounts *AccountService
	Notifier PaymentNotifier
	Metrics  *metrics.Metrics
	Audit    *hsm.AuditLogger
	Treasury models.Treasury
	BaseURL  string
}

func NewPaymentService(d PaymentDeps) *PaymentService {
	return &PaymentService{
		db:       d.DB,
		ledger:   d.Ledger,
		fees:     d.Fees,
		tokens:   d.Tokens,
		qr:       d.QR,
		accounts: d.Accounts,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		audit:    d.Audit,
		treasury: d.Treasury,
		baseURL:  strings.TrimRight(d.BaseURL, "/"),
		log:      logrus.WithField("component", "payments"),
		now:      time.Now,
	}
}

// CreatePaymentRequest is a merchant's request for a new payment.
type CreatePaymentRequest struct {
	MerchantID         int64
	CredentialID       int64
	Amount             models.Money
	MerchantOrderID    string
	Description        string
	Channel            models.Channel
	RedirectURLSuccess string
	RedirectURLFailure string
}

// CreatedPayment carries the payer-facing artifact: a link or a signed QR.
type CreatedPayment struct {
	Payment    *models.Payment
	PaymentURL string
	QR         *SignedQR
	QRImage    string
}

// PaymentView is what a payer sees before confirming.
type PaymentView struct {
	Payment *models.Payment
	Quote   FeeQuote
}

// Create stores a PENDING payment with its fees fixed at creation time.
func (s *PaymentService) Create(ctx context.Context, req CreatePaymentRequest) (*CreatedPayment, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidation, models.ErrInvalidAmount)
	}
	if strings.TrimSpace(req.MerchantOrderID) == "" {
		return nil, validationError("merchant_order_id is required")
	}
	if req.Channel == "" {
		req.Channel = models.ChannelLink
	}
	if req.Channel != models.ChannelLink && req.Channel != models.ChannelQR {
		return nil, validationError("channel must be LINK or QR")
	}

	payerFee, merchantFee, err := s.fees.ComputeFees(req.Amount, req.Channel)
	if err != nil {
		return nil, err
	}

	credentialID := req.CredentialID
	p := &models.Payment{
		PaymentID:          uuid.NewString(),
		MerchantID:         req.MerchantID,
		CredentialID:       &credentialID,
		Amount:             req.Amount,
		PayerFee:           payerFee,
		MerchantFee:        merchantFee,
		Channel:            req.Channel,
		MerchantOrderID:    req.MerchantOrderID,
		Description:        req.Description,
		RedirectURLSuccess: optionalString(req.RedirectURLSuccess),
		RedirectURLFailure: optionalString(req.RedirectURLFailure),
		Status:             models.PaymentPending,
		CreatedAt:          s.now(),
	}
	if err := s.insertPayment(ctx, p); err != nil {
		return nil, err
	}

	created := &CreatedPayment{Payment: p}
	switch p.Channel {
	case models.ChannelQR:
		q, err := s.qr.Mint(p.PaymentID, p.Amount)
		if err != nil {
			return nil, err
		}
		img, err := s.qr.Render(q)
		if err != nil {
			return nil, err
		}
		created.QR = q
		created.QRImage = img
	default:
		link, err := s.paymentURL(p.PaymentID)
		if err != nil {
			return nil, err
		}
		created.PaymentURL = link
	}

	s.log.WithFields(logrus.Fields{
		"payment_id":  p.PaymentID,
		"merchant_id": p.MerchantID,
		"channel":     p.Channel,
		"amount":      p.Amount.Int64(),
	}).Info("[PAYMENT] created")
	return created, nil
}

// GetForMerchant returns a payment only to the merchant that created it.
func (s *PaymentService) GetForMerchant(ctx context.Context, merchantID int64, paymentID string) (*models.Payment, error) {
	p, err := s.getByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.MerchantID != merchantID {
		return nil, ErrNotFound
	}
	return p, nil
}

// ResolveToken turns a payment-URL token into the pending payment and its quote.
func (s *PaymentService) ResolveToken(ctx context.Context, token string) (*PaymentView, error) {
	paymentID, err := s.verifyPaymentToken(ctx, token)
	if err != nil {
		return nil, err
	}

	p, err := s.getByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPending {
		return nil, ErrPaymentNotPending
	}

	return &PaymentView{Payment: p, Quote: quoteOf(p)}, nil
}

// PayRequest is a payer confirming a payment link.
type PayRequest struct {
	Token   string
	PayerID int64
	PIN     string
}

// Pay settles the payment named by the token against the payer's wallet.
func (s *PaymentService) Pay(ctx context.Context, req PayRequest) (*models.Payment, error) {
	paymentID, err := s.verifyPaymentToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	payer, err := s.accounts.Get(ctx, req.PayerID)
	if err != nil {
		return nil, err
	}
	if payer.IsBanned(s.now()) {
		return nil, ErrAccountBanned
	}

	p, err := s.getByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPending {
		return nil, ErrPaymentNotPending
	}
	if p.MerchantID == payer.ID {
		return nil, ErrSelfPayment
	}

	if err := s.accounts.VerifyPIN(ctx, payer, req.PIN); err != nil {
		return nil, err
	}

	// unlocked pre-check; the ledger re-checks under lock
	if payer.Balance < p.PayerTotal() {
		return nil, &InsufficientFundsError{AccountID: payer.ID, Balance: payer.Balance, Required: p.PayerTotal()}
	}

	return s.settle(ctx, p.ID, payer.ID)
}

// TransferRequest moves funds wallet to wallet.
type TransferRequest struct {
	SenderID       int64
	RecipientEmail string
	Amount         models.Money
	PIN            string
	Memo           string
}

// Transfer records a TRANSFER payment with the recipient as merchant and
// settles it through the same path as merchant payments.
func (s *PaymentService) Transfer(ctx context.Context, req TransferRequest) (*models.Payment, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidation, models.ErrInvalidAmount)
	}

	sender, err := s.accounts.Get(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if sender.IsBanned(s.now()) {
		return nil, ErrAccountBanned
	}

	recipient, err := s.accounts.GetByEmail(ctx, req.RecipientEmail)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, validationError("recipient not found")
		}
		return nil, err
	}
	if recipient.ID == sender.ID {
		return nil, ErrSelfPayment
	}

	if err := s.accounts.VerifyPIN(ctx, sender, req.PIN); err != nil {
		return nil, err
	}

	payerFee, merchantFee, err := s.fees.ComputeFees(req.Amount, models.ChannelTransfer)
	if err != nil {
		return nil, err
	}
	if total := req.Amount + payerFee; sender.Balance < total {
		return nil, &InsufficientFundsError{AccountID: sender.ID, Balance: sender.Balance, Required: total}
	}

	paymentID := uuid.NewString()
	p := &models.Payment{
		PaymentID:       paymentID,
		MerchantID:      recipient.ID,
		Amount:          req.Amount,
		PayerFee:        payerFee,
		MerchantFee:     merchantFee,
		Channel:         models.ChannelTransfer,
		MerchantOrderID: "TRANSFER-" + strings.ToUpper(paymentID[:8]),
		Description:     req.Memo,
		Status:          models.PaymentPending,
		CreatedAt:       s.now(),
	}
	if err := s.insertPayment(ctx, p); err != nil {
		return nil, err
	}

	return s.settle(ctx, p.ID, sender.ID)
}

// VerifyQR checks a scanned QR document and returns a fresh payment URL.
func (s *PaymentService) VerifyQR(ctx context.Context, q SignedQR) (string, error) {
	payload, err := s.qr.Verify(q)
	if errors.Is(err, ErrTokenExpired) {
		s.markExpired(ctx, payload.TxID)
		return "", ErrTokenExpired
	}
	if err != nil {
		return "", err
	}

	p, err := s.getByPaymentID(ctx, payload.TxID)
	if err != nil {
		return "", err
	}
	if p.Status != models.PaymentPending {
		return "", ErrPaymentNotPending
	}
	if p.Amount != payload.Amount {
		return "", ErrTokenInvalid
	}

	return s.paymentURL(p.PaymentID)
}

// settle is the single locked path to PAID. Payment row first, then the
// ledger locks accounts in ascending order, all in one transaction.
func (s *PaymentService) settle(ctx context.Context, id, payerID int64) (*models.Payment, error) {
	start := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var p models.Payment
	err = tx.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if !p.Status.CanTransitionTo(models.PaymentPaid) {
		s.metrics.RecordSettlement(string(p.Channel), "rejected", s.now().Sub(start))
		return nil, ErrPaymentNotPending
	}
	if p.MerchantID == payerID {
		return nil, ErrSelfPayment
	}

	logger := s.log.WithFields(logrus.Fields{
		"payment_id":  p.PaymentID,
		"payer_id":    payerID,
		"merchant_id": p.MerchantID,
		"channel":     p.Channel,
	})

	paidAt := s.now()
	if err := s.applySettlement(ctx, tx, &p, payerID, paidAt); err != nil {
		tx.Rollback()
		s.markFailed(ctx, p.ID, err)
		s.metrics.RecordSettlement(string(p.Channel), "failed", s.now().Sub(start))
		s.audit.LogSettlement(p.PaymentID, payerID, p.MerchantID, p.Amount.Int64(), string(models.PaymentFailed))
		logger.WithError(err).Error("[SETTLEMENT] failed")
		failed := &SettlementFailedError{PaymentID: p.PaymentID, Err: err}
		if p.RedirectURLFailure != nil {
			failed.RedirectURL = *p.RedirectURLFailure
		}
		return nil, failed
	}

	p.Status = models.PaymentPaid
	p.PayerID = &payerID
	p.PaidAt = &paidAt

	s.metrics.RecordSettlement(string(p.Channel), "paid", s.now().Sub(start))
	s.metrics.RecordSettledAmounts(string(p.Channel), p.Amount.Int64(), p.PayerFee.Int64(), p.MerchantFee.Int64())
	s.audit.LogSettlement(p.PaymentID, payerID, p.MerchantID, p.Amount.Int64(), string(models.PaymentPaid))
	logger.Info("[SETTLEMENT] paid")

	if s.notifier != nil {
		s.notifier.Notify(&p)
	}
	return &p, nil
}

func (s *PaymentService) applySettlement(ctx context.Context, tx *sqlx.Tx, p *models.Payment, payerID int64, paidAt time.Time) error {
	if _, err := s.ledger.SettleTx(ctx, tx, settlementOps(p, payerID, s.treasury.AccountID)); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, payer_id = $2, paid_at = $3
		WHERE id = $4 AND status = $5`,
		models.PaymentPaid, payerID, paidAt, p.ID, models.PaymentPending)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return ErrPaymentNotPending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// settlementOps builds the balanced set for one payment. Zero fees produce no entry.
func settlementOps(p *models.Payment, payerID, treasuryID int64) []LedgerOperation {
	outCat, inCat := models.CategoryPaymentOut, models.CategoryPaymentIn
	memo := "Payment " + p.MerchantOrderID
	if p.Channel == models.ChannelTransfer {
		outCat, inCat = models.CategoryTransferOut, models.CategoryTransferIn
		memo = "Transfer " + p.MerchantOrderID
	}

	pid := p.ID
	merchantID := p.MerchantID
	ops := []LedgerOperation{
		{AccountID: payerID, Delta: -p.Amount, Category: outCat, Memo: memo, CounterpartyID: &merchantID, PaymentID: &pid},
	}
	if p.PayerFee > 0 {
		ops = append(ops, LedgerOperation{AccountID: payerID, Delta: -p.PayerFee, Category: models.CategoryPayerFee, Memo: memo, CounterpartyID: &treasuryID, PaymentID: &pid})
	}
	ops = append(ops, LedgerOperation{AccountID: merchantID, Delta: p.MerchantNet(), Category: inCat, Memo: memo, CounterpartyID: &payerID, PaymentID: &pid})
	if p.PayerFee > 0 {
		ops = append(ops, LedgerOperation{AccountID: treasuryID, Delta: p.PayerFee, Category: models.CategoryAdminFee, Memo: "Payer fee " + p.MerchantOrderID, CounterpartyID: &payerID, PaymentID: &pid})
	}
	if p.MerchantFee > 0 {
		ops = append(ops, LedgerOperation{AccountID: treasuryID, Delta: p.MerchantFee, Category: models.CategoryAdminFee, Memo: "Merchant fee " + p.MerchantOrderID, CounterpartyID: &merchantID, PaymentID: &pid})
	}
	return ops
}

// verifyPaymentToken lazily expires the payment when an authentic token has run out.
func (s *PaymentService) verifyPaymentToken(ctx context.Context, token string) (string, error) {
	paymentID, err := s.tokens.Verify(token, PurposePaymentURL)
	if errors.Is(err, ErrTokenExpired) {
		s.markExpired(ctx, paymentID)
		return "", ErrTokenExpired
	}
	if err != nil {
		return "", err
	}
	return paymentID, nil
}

func (s *PaymentService) markExpired(ctx context.Context, paymentID string) {
	if paymentID == "" {
		return
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1
		WHERE payment_id = $2 AND status = $3`,
		models.PaymentExpired, paymentID, models.PaymentPending)
	if err != nil {
		s.log.WithError(err).WithField("payment_id", paymentID).Warn("[PAYMENT] could not mark expired")
	}
}

// markFailed runs outside the rolled-back transaction. The request context
// may already be cancelled (client gone, router timeout), so the write gets
// its own deadline.
func (s *PaymentService) markFailed(ctx context.Context, id int64, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	reason := cause.Error()
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, failure_reason = $2
		WHERE id = $3 AND status = $4`,
		models.PaymentFailed, reason, id, models.PaymentPending)
	if err != nil {
		s.log.WithError(err).WithField("payment_pk", id).Error("[PAYMENT] could not mark failed")
	}
}

func (s *PaymentService) insertPayment(ctx context.Context, p *models.Payment) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO payments (payment_id, merchant_id, credential_id, amount, payer_fee, merchant_fee, channel, merchant_order_id, description, redirect_url_success, redirect_url_failure, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		p.PaymentID, p.MerchantID, p.CredentialID, p.Amount, p.PayerFee, p.MerchantFee, p.Channel,
		p.MerchantOrderID, p.Description, p.RedirectURLSuccess, p.RedirectURLFailure, p.Status, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PaymentService) getByPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, ErrNotFound
	}

	var p models.Payment
	err := s.db.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

func (s *PaymentService) paymentURL(paymentID string) (string, error) {
	token, err := s.tokens.Sign(paymentID, PurposePaymentURL)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/api/v1/pay/" + token, nil
}

func quoteOf(p *models.Payment) FeeQuote {
	return FeeQuote{
		Amount:         p.Amount,
		Channel:        p.Channel,
		PayerFee:       p.PayerFee,
		MerchantFee:    p.MerchantFee,
		PayerTotal:     p.PayerTotal(),
		MerchantNet:    p.MerchantNet(),
		TreasuryIntake: p.TreasuryIntake(),
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
