package cryptobot

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
		Token:   "cb-token",
		BaseURL: server.URL,
	}, server.Client(), testutil.NopLogger{})
}

func envelope(t *testing.T, result interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	out, err := json.Marshal(map[string]interface{}{"ok": true, "result": json.RawMessage(raw)})
	require.NoError(t, err)
	return out
}

func TestCreatePayment(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/createInvoice", r.URL.Path)
		assert.Equal(t, "cb-token", r.Header.Get("Crypto-Pay-API-Token"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fiat", body["currency_type"])
		assert.Equal(t, "RUB", body["fiat"])
		assert.Equal(t, "299.00", body["amount"])

		w.Write(envelope(t, invoice{
			InvoiceID: 777,
			BotPayURL: "https://t.me/CryptoBot?start=IVx",
		}))
	})

	result, err := adapter.CreatePayment(context.Background(), &ports.CreatePaymentRequest{
		AmountMinor: 29900,
		Currency:    domain.CurrencyRUB,
		ExternalID:  "u42-t7-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "777", result.ProviderPaymentID)
	assert.Equal(t, "https://t.me/CryptoBot?start=IVx", result.ConfirmationURL)
}

func TestCreatePaymentFakeMode(t *testing.T) {
	adapter := NewAdapter(Config{Token: "test_placeholder_token"}, http.DefaultClient, testutil.NopLogger{})

	result, err := adapter.CreatePayment(context.Background(), &ports.CreatePaymentRequest{
		AmountMinor: 100,
		Currency:    domain.CurrencyRUB,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.ProviderPaymentID, "fake-"))
}

func TestCheckPayment(t *testing.T) {
	t.Run("paid invoice", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/getInvoices", r.URL.Path)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "777", body["invoice_ids"])

			w.Write(envelope(t, map[string]interface{}{
				"items": []invoice{{InvoiceID: 777, Status: "paid"}},
			}))
		})
		paid, err := adapter.CheckPayment(context.Background(), "777")
		require.NoError(t, err)
		assert.True(t, paid)
	})

	t.Run("missing invoice", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write(envelope(t, map[string]interface{}{"items": []invoice{}}))
		})
		_, err := adapter.CheckPayment(context.Background(), "777")
		assert.Equal(t, domain.ErrorCodePaymentNotFound, domain.GetErrorCode(err))
	})

	t.Run("api error envelope", func(t *testing.T) {
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":false,"error":{"code":401,"name":"UNAUTHORIZED"}}`))
		})
		_, err := adapter.CheckPayment(context.Background(), "777")
		assert.Equal(t, domain.ErrorCodeProviderError, domain.GetErrorCode(err))
	})
}

func TestParseWebhook(t *testing.T) {
	adapter := NewAdapter(Config{}, http.DefaultClient, testutil.NopLogger{})

	t.Run("invoice paid", func(t *testing.T) {
		notice, err := adapter.ParseWebhook([]byte(
			`{"update_type":"invoice_paid","payload":{"invoice_id":777,"status":"paid"}}`))
		require.NoError(t, err)
		assert.Equal(t, "777", notice.ProviderPaymentID)
		assert.Equal(t, domain.ProviderStatusPaid, notice.Status)
	})

	t.Run("other update type ignored", func(t *testing.T) {
		notice, err := adapter.ParseWebhook([]byte(`{"update_type":"invoice_expired"}`))
		require.NoError(t, err)
		assert.Empty(t, notice.ProviderPaymentID)
		assert.Equal(t, domain.ProviderStatusUnknown, notice.Status)
	})

	t.Run("missing update type", func(t *testing.T) {
		_, err := adapter.ParseWebhook([]byte(`{"payload":{"invoice_id":777}}`))
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	})

	t.Run("invoice paid without invoice id", func(t *testing.T) {
		_, err := adapter.ParseWebhook([]byte(`{"update_type":"invoice_paid","payload":{}}`))
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	})
}

func TestVerifyWebhook(t *testing.T) {
	adapter := NewAdapter(Config{Token: "cb-token", WebhookSecret: "on"}, http.DefaultClient, testutil.NopLogger{})
	body := []byte(`{"update_type":"invoice_paid","payload":{"invoice_id":777}}`)

	sign := func(token string) string {
		secret := sha256.Sum256([]byte(token))
		mac := hmac.New(sha256.New, secret[:])
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("valid signature passes", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/cryptobot", nil)
		r.Header.Set("Crypto-Pay-Api-Signature", sign("cb-token"))
		assert.NoError(t, adapter.VerifyWebhook(r, body))
	})

	t.Run("wrong key fails", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/cryptobot", nil)
		r.Header.Set("Crypto-Pay-Api-Signature", sign("other-token"))
		err := adapter.VerifyWebhook(r, body)
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	})

	t.Run("missing signature fails", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/cryptobot", nil)
		err := adapter.VerifyWebhook(r, body)
		assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	})

	t.Run("verification disabled without secret", func(t *testing.T) {
		open := NewAdapter(Config{Token: "cb-token"}, http.DefaultClient, testutil.NopLogger{})
		r := httptest.NewRequest(http.MethodPost, "/webhook/cryptobot", nil)
		assert.NoError(t, open.VerifyWebhook(r, body))
	})
}
