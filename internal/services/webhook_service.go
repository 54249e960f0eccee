package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
)

// WebhookSignatureHeader carries hex(HMAC-SHA256(webhook secret, body)).
const WebhookSignatureHeader = "X-Webhook-Signature"

// WebhookTarget is where and how to sign a merchant callback.
type WebhookTarget struct {
	URL    string
	Secret []byte
}

// WebhookTargetResolver finds the callback target of the credential a payment was created with.
type WebhookTargetResolver interface {
	WebhookTarget(ctx context.Context, credentialID int64) (*WebhookTarget, error)
}

// WebhookPayload is the JSON body POSTed to the merchant.
type WebhookPayload struct {
	PaymentID       string               `json:"payment_id"`
	MerchantOrderID string               `json:"merchant_order_id"`
	Status          models.PaymentStatus `json:"status"`
	Amount          models.Money         `json:"amount"`
	PaidAt          *time.Time           `json:"paid_at"`
}

// WebhookNotifier makes one best-effort delivery per settled payment.
// Delivery outcome never feeds back into settlement.
type WebhookNotifier struct {
	client  *http.Client
	targets WebhookTargetResolver
	metrics *metrics.Metrics
	timeout time.Duration
	log     *logrus.Entry
	wg      sync.WaitGroup
}

func NewWebhookNotifier(targets WebhookTargetResolver, m *metrics.Metrics, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		client:  &http.Client{Timeout: timeout},
		targets: targets,
		metrics: m,
		timeout: timeout,
		log:     logrus.WithField("component", "webhook"),
	}
}

// Notify delivers in the background and returns immediately.
func (n *WebhookNotifier) Notify(p *models.Payment) {
	if p.CredentialID == nil {
		return
	}
	snapshot := *p

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		_ = n.Deliver(ctx, &snapshot)
	}()
}

// Wait blocks until in-flight deliveries finish. Used at shutdown.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

// Deliver makes a single signed POST. Every outcome is logged and counted.
func (n *WebhookNotifier) Deliver(ctx context.Context, p *models.Payment) error {
	logger := n.log.WithField("payment_id", p.PaymentID)

	if p.CredentialID == nil {
		n.metrics.RecordWebhook("skipped")
		return nil
	}

	target, err := n.targets.WebhookTarget(ctx, *p.CredentialID)
	if err != nil {
		n.metrics.RecordWebhook("failed")
		logger.WithError(err).Warn("[WEBHOOK] could not resolve target")
		return err
	}
	if target == nil || target.URL == "" {
		n.metrics.RecordWebhook("skipped")
		return nil
	}

	body, err := json.Marshal(WebhookPayload{
		PaymentID:       p.PaymentID,
		MerchantOrderID: p.MerchantOrderID,
		Status:          p.Status,
		Amount:          p.Amount,
		PaidAt:          p.PaidAt,
	})
	if err != nil {
		n.metrics.RecordWebhook("failed")
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		n.metrics.RecordWebhook("failed")
		logger.WithError(err).Warn("[WEBHOOK] bad target url")
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSignatureHeader, SignWebhookBody(target.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		n.metrics.RecordWebhook("failed")
		logger.WithError(err).Warn("[WEBHOOK] delivery failed")
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.metrics.RecordWebhook("rejected")
		logger.WithField("status_code", resp.StatusCode).Warn("[WEBHOOK] merchant rejected callback")
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.metrics.RecordWebhook("delivered")
	logger.WithField("status_code", resp.StatusCode).Info("[WEBHOOK] delivered")
	return nil
}

// SignWebhookBody is what merchants recompute to authenticate a callback.
func SignWebhookBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
