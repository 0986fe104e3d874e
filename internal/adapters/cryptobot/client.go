// Package cryptobot implements the ProviderGateway contract against the
// Crypto Pay (CryptoBot) REST API.
package cryptobot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

const defaultBaseURL = "https://pay.crypt.bot/api"

// Adapter implements ports.ProviderGateway for CryptoBot
type Adapter struct {
	token         string
	webhookSecret string
	baseURL       string
	httpClient    ports.HTTPClient
	logger        ports.Logger
}

// Config holds CryptoBot credentials and options
type Config struct {
	Token         string
	WebhookSecret string
	BaseURL       string
}

// NewAdapter creates a new CryptoBot adapter
func NewAdapter(cfg Config, httpClient ports.HTTPClient, logger ports.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		token:         cfg.Token,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
	}
}

// Provider implements ProviderGateway.Provider
func (a *Adapter) Provider() domain.Provider {
	return domain.ProviderCryptoBot
}

func (a *Adapter) fakeMode() bool {
	return a.token == "" || strings.HasPrefix(a.token, "test_placeholder")
}

type apiEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

type apiError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

type invoice struct {
	InvoiceID int64  `json:"invoice_id"`
	Hash      string `json:"hash"`
	Status    string `json:"status"`
	PayURL    string `json:"pay_url"`
	BotPayURL string `json:"bot_invoice_url"`
}

// CreatePayment implements ProviderGateway.CreatePayment. Amounts are billed
// in fiat terms; CryptoBot converts to crypto at pay time.
func (a *Adapter) CreatePayment(ctx context.Context, req *ports.CreatePaymentRequest) (*ports.CreatePaymentResult, error) {
	if a.fakeMode() {
		id := "fake-" + uuid.NewString()
		a.logger.Info("cryptobot fake mode, synthesizing invoice",
			ports.String("provider_payment_id", id))
		return &ports.CreatePaymentResult{
			ProviderPaymentID: id,
			ConfirmationURL:   "https://example.invalid/pay/" + id,
		}, nil
	}

	body := map[string]interface{}{
		"currency_type": "fiat",
		"fiat":          string(req.Currency),
		"amount":        decimal.New(req.AmountMinor, -2).StringFixed(2),
		"description":   req.Description,
		"payload":       req.ExternalID,
	}

	var inv invoice
	if err := a.makeRequest(ctx, http.MethodPost, "/createInvoice", body, &inv); err != nil {
		return nil, err
	}

	confirmationURL := inv.BotPayURL
	if confirmationURL == "" {
		confirmationURL = inv.PayURL
	}

	return &ports.CreatePaymentResult{
		ProviderPaymentID: strconv.FormatInt(inv.InvoiceID, 10),
		ConfirmationURL:   confirmationURL,
	}, nil
}

// CheckPayment implements ProviderGateway.CheckPayment
func (a *Adapter) CheckPayment(ctx context.Context, providerPaymentID string) (bool, error) {
	if a.fakeMode() {
		return false, nil
	}

	body := map[string]interface{}{"invoice_ids": providerPaymentID}

	var result struct {
		Items []invoice `json:"items"`
	}
	if err := a.makeRequest(ctx, http.MethodPost, "/getInvoices", body, &result); err != nil {
		return false, err
	}
	if len(result.Items) == 0 {
		return false, domain.ErrPaymentNotFound
	}
	return result.Items[0].Status == "paid", nil
}

// RefundPayment implements ProviderGateway.RefundPayment. Crypto invoices are
// not refundable through the API; settlement happens manually.
func (a *Adapter) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor int64, reason string) error {
	a.logger.Warn("cryptobot refund requested, provider has no refund API",
		ports.String("provider_payment_id", providerPaymentID),
		ports.Int64("amount_minor", amountMinor),
		ports.String("reason", reason))
	return nil
}

type webhookUpdate struct {
	UpdateType string `json:"update_type"`
	Payload    *struct {
		InvoiceID int64  `json:"invoice_id"`
		Status    string `json:"status"`
	} `json:"payload"`
}

// ParseWebhook validates the update shape: update_type is required, and an
// invoice_paid update must carry a nested invoice_id
func (a *Adapter) ParseWebhook(body []byte) (*ports.WebhookNotice, error) {
	var update webhookUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "malformed webhook body", err)
	}
	if update.UpdateType == "" {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook missing update_type")
	}

	if update.UpdateType != "invoice_paid" {
		return &ports.WebhookNotice{Status: domain.ProviderStatusUnknown}, nil
	}
	if update.Payload == nil || update.Payload.InvoiceID == 0 {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "invoice_paid update missing invoice_id")
	}

	return &ports.WebhookNotice{
		ProviderPaymentID: strconv.FormatInt(update.Payload.InvoiceID, 10),
		Status:            domain.ProviderStatusPaid,
	}, nil
}

// VerifyWebhook checks the crypto-pay-api-signature header when a webhook
// secret is configured: HMAC-SHA256 over the raw body keyed with
// SHA256(token), per the Crypto Pay docs
func (a *Adapter) VerifyWebhook(r *http.Request, body []byte) error {
	if a.webhookSecret == "" {
		return nil
	}

	signature := r.Header.Get("Crypto-Pay-Api-Signature")
	if signature == "" {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook missing signature")
	}

	secret := sha256.Sum256([]byte(a.token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook signature mismatch")
	}
	return nil
}

func (a *Adapter) makeRequest(ctx context.Context, method, endpoint string, request interface{}, result interface{}) error {
	var reader io.Reader
	if request != nil {
		payload, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Crypto-Pay-API-Token", a.token)

	a.logger.Debug("cryptobot request",
		ports.String("method", method),
		ports.String("endpoint", endpoint))

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.WrapError(domain.ErrorCodeProviderTimeout, "cryptobot timeout", err)
		}
		return domain.WrapError(domain.ErrorCodeProviderError, "cryptobot unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeProviderError, "read cryptobot response", err)
	}
	if httpResp.StatusCode >= 400 {
		return domain.NewDomainError(domain.ErrorCodeProviderError,
			fmt.Sprintf("cryptobot returned %d", httpResp.StatusCode)).
			WithDetail("body", string(body))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.WrapError(domain.ErrorCodeProviderError, "unmarshal cryptobot response", err)
	}
	if !envelope.OK {
		if envelope.Error != nil && envelope.Error.Code == 404 {
			return domain.ErrPaymentNotFound
		}
		name := "unknown"
		if envelope.Error != nil {
			name = envelope.Error.Name
		}
		return domain.NewDomainError(domain.ErrorCodeProviderError, "cryptobot error: "+name)
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return domain.WrapError(domain.ErrorCodeProviderError, "unmarshal cryptobot result", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ ports.ProviderGateway = (*Adapter)(nil)
