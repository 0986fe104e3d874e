// Package yookassa implements the ProviderGateway contract against the
// YooKassa v3 REST API.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

const defaultBaseURL = "https://api.yookassa.ru/v3"

// Source IP ranges YooKassa sends webhooks from, per their documentation
var webhookCIDRs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// Adapter implements ports.ProviderGateway for YooKassa
type Adapter struct {
	shopID        string
	apiKey        string
	returnURL     string
	webhookSecret string
	baseURL       string
	httpClient    ports.HTTPClient
	logger        ports.Logger
	allowedNets   []*net.IPNet
}

// Config holds YooKassa credentials and options
type Config struct {
	ShopID        string
	APIKey        string
	ReturnURL     string
	WebhookSecret string
	// BaseURL overrides the API host, mainly for tests
	BaseURL string
}

// NewAdapter creates a new YooKassa adapter
func NewAdapter(cfg Config, httpClient ports.HTTPClient, logger ports.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var nets []*net.IPNet
	for _, cidr := range webhookCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil {
			nets = append(nets, ipNet)
		}
	}

	return &Adapter{
		shopID:        cfg.ShopID,
		apiKey:        cfg.APIKey,
		returnURL:     cfg.ReturnURL,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
		allowedNets:   nets,
	}
}

// Provider implements ProviderGateway.Provider
func (a *Adapter) Provider() domain.Provider {
	return domain.ProviderYooKassa
}

// fakeMode reports whether the adapter runs without real credentials.
// CI and local development configure placeholder values.
func (a *Adapter) fakeMode() bool {
	return a.shopID == "" || a.apiKey == "" ||
		strings.HasPrefix(a.shopID, "test_placeholder") ||
		strings.HasPrefix(a.apiKey, "test_placeholder")
}

type amountBody struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type createRequest struct {
	Amount       amountBody        `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation confirmationBody  `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Receipt      *receiptBody      `json:"receipt,omitempty"`
}

type confirmationBody struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type receiptBody struct {
	Customer receiptCustomer `json:"customer"`
	Items    []receiptItem   `json:"items"`
}

type receiptCustomer struct {
	Email string `json:"email"`
}

type receiptItem struct {
	Description string     `json:"description"`
	Quantity    string     `json:"quantity"`
	Amount      amountBody `json:"amount"`
	VATCode     int        `json:"vat_code"`
}

type paymentResponse struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Paid         bool             `json:"paid"`
	Confirmation confirmationBody `json:"confirmation"`
}

// CreatePayment implements ProviderGateway.CreatePayment
func (a *Adapter) CreatePayment(ctx context.Context, req *ports.CreatePaymentRequest) (*ports.CreatePaymentResult, error) {
	if a.fakeMode() {
		id := "fake-" + uuid.NewString()
		a.logger.Info("yookassa fake mode, synthesizing payment",
			ports.String("provider_payment_id", id))
		return &ports.CreatePaymentResult{
			ProviderPaymentID: id,
			ConfirmationURL:   "https://example.invalid/pay/" + id,
		}, nil
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = a.returnURL
	}

	value := minorToDecimalString(req.AmountMinor)
	body := createRequest{
		Amount:  amountBody{Value: value, Currency: string(req.Currency)},
		Capture: true,
		Confirmation: confirmationBody{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Description: req.Description,
		Metadata:    map[string]string{"external_id": req.ExternalID},
	}
	if req.Email != "" {
		body.Receipt = &receiptBody{
			Customer: receiptCustomer{Email: req.Email},
			Items: []receiptItem{{
				Description: req.Description,
				Quantity:    "1",
				Amount:      amountBody{Value: value, Currency: string(req.Currency)},
				VATCode:     1,
			}},
		}
	}

	var resp paymentResponse
	if err := a.makeRequest(ctx, http.MethodPost, "/payments", req.ExternalID, body, &resp); err != nil {
		return nil, err
	}

	return &ports.CreatePaymentResult{
		ProviderPaymentID: resp.ID,
		ConfirmationURL:   resp.Confirmation.ConfirmationURL,
	}, nil
}

// CheckPayment implements ProviderGateway.CheckPayment
func (a *Adapter) CheckPayment(ctx context.Context, providerPaymentID string) (bool, error) {
	if a.fakeMode() {
		return false, nil
	}

	var resp paymentResponse
	err := a.makeRequest(ctx, http.MethodGet, "/payments/"+providerPaymentID, "", nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Status == "succeeded" || resp.Paid, nil
}

// RefundPayment implements ProviderGateway.RefundPayment
func (a *Adapter) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor int64, reason string) error {
	if a.fakeMode() {
		return nil
	}

	body := map[string]interface{}{
		"payment_id": providerPaymentID,
		"amount": amountBody{
			Value:    minorToDecimalString(amountMinor),
			Currency: string(domain.CurrencyRUB),
		},
		"description": reason,
	}

	var resp paymentResponse
	return a.makeRequest(ctx, http.MethodPost, "/refunds", uuid.NewString(), body, &resp)
}

type webhookEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// ParseWebhook implements ProviderGateway.ParseWebhook
func (a *Adapter) ParseWebhook(body []byte) (*ports.WebhookNotice, error) {
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "malformed webhook body", err)
	}
	if event.Object.ID == "" {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook missing payment id")
	}

	return &ports.WebhookNotice{
		ProviderPaymentID: event.Object.ID,
		Status:            normalizeStatus(event.Event, event.Object.Status),
	}, nil
}

// VerifyWebhook authenticates by source IP allowlist or shared-secret header;
// either one suffices
func (a *Adapter) VerifyWebhook(r *http.Request, _ []byte) error {
	if a.webhookSecret != "" && r.Header.Get("X-Webhook-Secret") == a.webhookSecret {
		return nil
	}
	if a.sourceAllowed(r) {
		return nil
	}
	return domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook source not authenticated")
}

func (a *Adapter) sourceAllowed(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipNet := range a.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

func normalizeStatus(event, status string) domain.ProviderPaymentStatus {
	switch event {
	case "payment.succeeded":
		return domain.ProviderStatusPaid
	case "payment.canceled":
		return domain.ProviderStatusFailed
	case "refund.succeeded":
		return domain.ProviderStatusUnknown
	}
	switch status {
	case "succeeded":
		return domain.ProviderStatusPaid
	case "canceled":
		return domain.ProviderStatusFailed
	case "pending", "waiting_for_capture":
		return domain.ProviderStatusPending
	}
	return domain.ProviderStatusUnknown
}

// minorToDecimalString renders minor units as the two-decimal string the API
// wants, e.g. 19900 -> "199.00"
func minorToDecimalString(amountMinor int64) string {
	return decimal.New(amountMinor, -2).StringFixed(2)
}

// makeRequest performs an authenticated API call. idempotenceKey may be empty
// for GETs.
func (a *Adapter) makeRequest(ctx context.Context, method, endpoint, idempotenceKey string, request, response interface{}) error {
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
	httpReq.SetBasicAuth(a.shopID, a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotenceKey != "" {
		httpReq.Header.Set("Idempotence-Key", idempotenceKey)
	}

	a.logger.Debug("yookassa request",
		ports.String("method", method),
		ports.String("endpoint", endpoint))

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.WrapError(domain.ErrorCodeProviderTimeout, "yookassa timeout", err)
		}
		return domain.WrapError(domain.ErrorCodeProviderError, "yookassa unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeProviderError, "read yookassa response", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return domain.ErrPaymentNotFound
	case httpResp.StatusCode >= 400:
		return domain.NewDomainError(domain.ErrorCodeProviderError,
			fmt.Sprintf("yookassa returned %d", httpResp.StatusCode)).
			WithDetail("body", string(body))
	}

	if response != nil {
		if err := json.Unmarshal(body, response); err != nil {
			return domain.WrapError(domain.ErrorCodeProviderError, "unmarshal yookassa response", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ ports.ProviderGateway = (*Adapter)(nil)
