package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/walletpay/gateway/internal/metrics"
	"github.com/walletpay/gateway/internal/models"
)

type MockWebhookTargets struct {
	mock.Mock
}

func (m *MockWebhookTargets) WebhookTarget(ctx context.Context, credentialID int64) (*WebhookTarget, error) {
	args := m.Called(ctx, credentialID)
	if t := args.Get(0); t != nil {
		return t.(*WebhookTarget), args.Error(1)
	}
	return nil, args.Error(1)
}

func paidPayment() *models.Payment {
	paidAt := fixedNow
	return &models.Payment{
		ID:              42,
		PaymentID:       "3d1f8a2e-0000-4000-8000-000000000042",
		MerchantID:      2,
		CredentialID:    int64Ptr(7),
		Amount:          1000000,
		MerchantOrderID: "ORDER-1",
		Status:          models.PaymentPaid,
		PaidAt:          &paidAt,
	}
}

func TestWebhookNotifier_Deliver(t *testing.T) {
	secret := []byte("whsec_test")

	t.Run("signed post", func(t *testing.T) {
		var (
			mu       sync.Mutex
			gotBody  []byte
			gotSig   string
			gotCType string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			gotBody, _ = io.ReadAll(r.Body)
			gotSig = r.Header.Get(WebhookSignatureHeader)
			gotCType = r.Header.Get("Content-Type")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		targets := new(MockWebhookTargets)
		targets.On("WebhookTarget", mock.Anything, int64(7)).Return(&WebhookTarget{URL: srv.URL, Secret: secret}, nil)

		n := NewWebhookNotifier(targets, metrics.New(), 5*time.Second)
		require.NoError(t, n.Deliver(context.Background(), paidPayment()))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "application/json", gotCType)
		assert.Equal(t, SignWebhookBody(secret, gotBody), gotSig)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(gotBody, &payload))
		assert.Equal(t, "3d1f8a2e-0000-4000-8000-000000000042", payload["payment_id"])
		assert.Equal(t, "ORDER-1", payload["merchant_order_id"])
		assert.Equal(t, "PAID", payload["status"])
		assert.Equal(t, float64(1000000), payload["amount"])
		assert.NotNil(t, payload["paid_at"])
		targets.AssertExpectations(t)
	})

	t.Run("non-2xx is reported, not retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		targets := new(MockWebhookTargets)
		targets.On("WebhookTarget", mock.Anything, int64(7)).Return(&WebhookTarget{URL: srv.URL, Secret: secret}, nil)

		n := NewWebhookNotifier(targets, metrics.New(), 5*time.Second)
		err := n.Deliver(context.Background(), paidPayment())
		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("no webhook url configured", func(t *testing.T) {
		targets := new(MockWebhookTargets)
		targets.On("WebhookTarget", mock.Anything, int64(7)).Return(&WebhookTarget{}, nil)

		n := NewWebhookNotifier(targets, metrics.New(), 5*time.Second)
		assert.NoError(t, n.Deliver(context.Background(), paidPayment()))
	})

	t.Run("transfer has no credential", func(t *testing.T) {
		targets := new(MockWebhookTargets)
		n := NewWebhookNotifier(targets, metrics.New(), 5*time.Second)

		p := paidPayment()
		p.CredentialID = nil
		assert.NoError(t, n.Deliver(context.Background(), p))
		targets.AssertNotCalled(t, "WebhookTarget", mock.Anything, mock.Anything)
	})

	t.Run("resolver error", func(t *testing.T) {
		targets := new(MockWebhookTargets)
		targets.On("WebhookTarget", mock.Anything, int64(7)).Return(nil, errors.New("db down"))

		n := NewWebhookNotifier(targets, metrics.New(), 5*time.Second)
		assert.Error(t, n.Deliver(context.Background(), paidPayment()))
	})
}

func TestWebhookNotifier_NotifyIsAsync(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload.PaymentID
	}))
	defer srv.Close()

	targets := new(MockWebhookTargets)
	targets.On("WebhookTarget", mock.Anything, int64(7)).Return(&WebhookTarget{URL: srv.URL, Secret: []byte("s")}, nil)

	n := NewWebhookNotifier(targets, metrics.New(), 5*time.Second)
	n.Notify(paidPayment())
	n.Wait()

	select {
	case id := <-received:
		assert.Equal(t, "3d1f8a2e-0000-4000-8000-000000000042", id)
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}
