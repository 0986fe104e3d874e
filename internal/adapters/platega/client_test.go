package platega

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/testutil"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewAdapter(Config{
		MerchantID: "merchant-1",
		Secret:     "merchant-secret",
		ReturnURL:  "https://t.me/testbot",
		BaseURL:    server.URL,
	}, server.Client(), testutil.NopLogger{})
}

func TestCreatePayment(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transaction/process", r.URL.Path)
		assert.Equal(t, "merchant-1", r.Header.Get("X-MerchantId"))
		assert.Equal(t, "merchant-secret", r.Header.Get("X-Secret"))

		var body createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultPaymentMethod, body.PaymentMethod)
		assert.NotEmpty(t, body.ID)
		assert.Equal(t, "499.00", body.PaymentDetails.Amount)
		assert.Equal(t, "RUB", body.PaymentDetails.Currency)
		assert.Equal(t, "https://t.me/testbot", body.Return)

		json.NewEncoder(w).Encode(createResponse{
			TransactionID: "pl-tx-1",
			Redirect:      "https://app.platega.io/pay/pl-tx-1",
		})
	})

	result, err := adapter.CreatePayment(context.Background(), &ports.CreatePaymentRequest{
		AmountMinor: 49900,
		Currency:    domain.CurrencyRUB,
		ExternalID:  "u42-t7-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pl-tx-1", result.ProviderPaymentID)
	assert.Equal(t, "https://app.platega.io/pay/pl-tx-1", result.ConfirmationURL)
}

func TestCreatePaymentMethodFromMetadata(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var body createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 11, body.PaymentMethod)
		json.NewEncoder(w).Encode(createResponse{TransactionID: "pl-tx-2"})
	})

	_, err := adapter.CreatePayment(context.Background(), &ports.CreatePaymentRequest{
		AmountMinor: 100,
		Currency:    domain.CurrencyRUB,
		Metadata:    domain.Metadata{domain.MetaPlategaMethod: float64(11)},
	})
	require.NoError(t, err)
}

func TestCreatePaymentFakeMode(t *testing.T) {
	adapter := NewAdapter(Config{MerchantID: "test_placeholder"}, http.DefaultClient, testutil.NopLogger{})

	result, err := adapter.CreatePayment(context.Background(), &ports.CreatePaymentRequest{
		AmountMinor: 100,
		Currency:    domain.CurrencyRUB,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.ProviderPaymentID, "fake-"))
}

func TestCheckPayment(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/transaction/pl-tx-1", r.URL.Path)
			json.NewEncoder(w).Encode(statusResponse{ID: "pl-tx-1", Status: "CONFIRMED"})
		})
		paid, err := adapter.CheckPayment(context.Background(), "pl-tx-1")
		require.NoError(t, err)
		assert.True(t, paid)
	})

	t.Run("pending", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(statusResponse{ID: "pl-tx-1", Status: "PENDING"})
		})
		paid, err := adapter.CheckPayment(context.Background(), "pl-tx-1")
		require.NoError(t, err)
		assert.False(t, paid)
	})
}

func TestParseWebhook(t *testing.T) {
	adapter := NewAdapter(Config{}, http.DefaultClient, testutil.NopLogger{})

	tests := []struct {
		name   string
		body   string
		id     string
		status domain.ProviderPaymentStatus
	}{
		{"confirmed", `{"transactionId":"pl-1","status":"CONFIRMED"}`, "pl-1", domain.ProviderStatusPaid},
		{"declined", `{"transactionId":"pl-1","status":"DECLINED"}`, "pl-1", domain.ProviderStatusFailed},
		{"expired", `{"id":"pl-2","status":"EXPIRED"}`, "pl-2", domain.ProviderStatusFailed},
		{"created", `{"transactionId":"pl-1","status":"CREATED"}`, "pl-1", domain.ProviderStatusPending},
		{"unrecognized", `{"transactionId":"pl-1","status":"WEIRD"}`, "pl-1", domain.ProviderStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notice, err := adapter.ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.id, notice.ProviderPaymentID)
			assert.Equal(t, tt.status, notice.Status)
		})
	}

	t.Run("missing transaction id", func(t *testing.T) {
		_, err := adapter.ParseWebhook([]byte(`{"status":"CONFIRMED"}`))
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	})
}

func TestVerifyWebhook(t *testing.T) {
	adapter := NewAdapter(Config{Secret: "merchant-secret"}, http.DefaultClient, testutil.NopLogger{})
	body := []byte(`{"transactionId":"pl-1","status":"CONFIRMED"}`)

	sign := func(secret string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("no signature passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/platega", nil)
		assert.NoError(t, adapter.VerifyWebhook(r, body))
	})

	t.Run("valid signature passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/platega", nil)
		r.Header.Set("X-Signature", sign("merchant-secret"))
		assert.NoError(t, adapter.VerifyWebhook(r, body))
	})

	t.Run("wrong signature fails", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/platega", nil)
		r.Header.Set("X-Signature", sign("other-secret"))
		err := adapter.VerifyWebhook(r, body)
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	})
}

func TestRefundPaymentHasNoRemoteAPI(t *testing.T) {
	adapter := NewAdapter(Config{MerchantID: "merchant-1", Secret: "s"}, http.DefaultClient, testutil.NopLogger{})
	assert.NoError(t, adapter.RefundPayment(context.Background(), "pl-1", 100, "test"))
}
