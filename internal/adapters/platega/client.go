// Package platega implements the ProviderGateway contract against the
// Platega REST API.
package platega

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
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

const defaultBaseURL = "https://app.platega.io"

// statusConfirmed is the literal string Platega reports for a settled payment
const statusConfirmed = "CONFIRMED"

// defaultPaymentMethod is SBP when the payment carries no method override
const defaultPaymentMethod = 2

// Adapter implements ports.ProviderGateway for Platega
type Adapter struct {
	merchantID string
	secret     string
	returnURL  string
	baseURL    string
	httpClient ports.HTTPClient
	logger     ports.Logger
}

// Config holds Platega credentials and options
type Config struct {
	MerchantID string
	Secret     string
	ReturnURL  string
	BaseURL    string
}

// NewAdapter creates a new Platega adapter
func NewAdapter(cfg Config, httpClient ports.HTTPClient, logger ports.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		merchantID: cfg.MerchantID,
		secret:     cfg.Secret,
		returnURL:  cfg.ReturnURL,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Provider implements ProviderGateway.Provider
func (a *Adapter) Provider() domain.Provider {
	return domain.ProviderPlatega
}

func (a *Adapter) fakeMode() bool {
	return a.merchantID == "" || a.secret == "" ||
		strings.HasPrefix(a.merchantID, "test_placeholder") ||
		strings.HasPrefix(a.secret, "test_placeholder")
}

type createRequest struct {
	PaymentMethod  int            `json:"paymentMethod"`
	ID             string         `json:"id"`
	PaymentDetails paymentDetails `json:"paymentDetails"`
	Description    string         `json:"description"`
	Return         string         `json:"return"`
	FailedURL      string         `json:"failedUrl"`
	Payload        string         `json:"payload,omitempty"`
}

type paymentDetails struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type createResponse struct {
	TransactionID string `json:"transactionId"`
	Redirect      string `json:"redirect"`
	Status        string `json:"status"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreatePayment implements ProviderGateway.CreatePayment. The payment method
// comes through metadata (platega_payment_method), defaulting to SBP.
func (a *Adapter) CreatePayment(ctx context.Context, req *ports.CreatePaymentRequest) (*ports.CreatePaymentResult, error) {
	if a.fakeMode() {
		id := "fake-" + uuid.NewString()
		a.logger.Info("platega fake mode, synthesizing payment",
			ports.String("provider_payment_id", id))
		return &ports.CreatePaymentResult{
			ProviderPaymentID: id,
			ConfirmationURL:   "https://example.invalid/pay/" + id,
		}, nil
	}

	method := defaultPaymentMethod
	if req.Metadata != nil {
		if m := req.Metadata.GetInt64(domain.MetaPlategaMethod); m > 0 {
			method = int(m)
		}
	}

	body := createRequest{
		PaymentMethod: method,
		ID:            uuid.NewString(),
		PaymentDetails: paymentDetails{
			Amount:   decimal.New(req.AmountMinor, -2).StringFixed(2),
			Currency: string(req.Currency),
		},
		Description: req.Description,
		Return:      a.returnURL,
		FailedURL:   a.returnURL,
		Payload:     req.ExternalID,
	}

	var resp createResponse
	if err := a.makeRequest(ctx, http.MethodPost, "/transaction/process", body, &resp); err != nil {
		return nil, err
	}
	if resp.TransactionID == "" {
		resp.TransactionID = body.ID
	}

	return &ports.CreatePaymentResult{
		ProviderPaymentID: resp.TransactionID,
		ConfirmationURL:   resp.Redirect,
	}, nil
}

// CheckPayment implements ProviderGateway.CheckPayment
func (a *Adapter) CheckPayment(ctx context.Context, providerPaymentID string) (bool, error) {
	if a.fakeMode() {
		return false, nil
	}

	var resp statusResponse
	err := a.makeRequest(ctx, http.MethodGet, "/transaction/"+providerPaymentID, nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Status == statusConfirmed, nil
}

// RefundPayment implements ProviderGateway.RefundPayment. Platega exposes no
// refund API; refunds are settled out of band with the merchant, so this only
// records the intent remotely failing.
func (a *Adapter) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor int64, reason string) error {
	a.logger.Warn("platega refund requested, provider has no refund API",
		ports.String("provider_payment_id", providerPaymentID),
		ports.Int64("amount_minor", amountMinor),
		ports.String("reason", reason))
	return nil
}

type webhookBody struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

// ParseWebhook implements ProviderGateway.ParseWebhook
func (a *Adapter) ParseWebhook(body []byte) (*ports.WebhookNotice, error) {
	var hook webhookBody
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "malformed webhook body", err)
	}

	id := hook.TransactionID
	if id == "" {
		id = hook.ID
	}
	if id == "" {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook missing transaction id")
	}

	var status domain.ProviderPaymentStatus
	switch hook.Status {
	case statusConfirmed:
		status = domain.ProviderStatusPaid
	case "CANCELED", "DECLINED", "EXPIRED":
		status = domain.ProviderStatusFailed
	case "PENDING", "CREATED":
		status = domain.ProviderStatusPending
	default:
		status = domain.ProviderStatusUnknown
	}

	return &ports.WebhookNotice{ProviderPaymentID: id, Status: status}, nil
}

// VerifyWebhook checks an HMAC-SHA256 over the raw body when the caller sent
// a signature. Requests without one pass here; the dispatch layer still gates
// on the payment existing in the store with a CONFIRMED remote status.
func (a *Adapter) VerifyWebhook(r *http.Request, body []byte) error {
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return nil
	}
	if a.secret == "" {
		return nil
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed, "webhook signature mismatch")
	}
	return nil
}

func (a *Adapter) makeRequest(ctx context.Context, method, endpoint string, request, response interface{}) error {
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
	httpReq.Header.Set("X-MerchantId", a.merchantID)
	httpReq.Header.Set("X-Secret", a.secret)

	a.logger.Debug("platega request",
		ports.String("method", method),
		ports.String("endpoint", endpoint))

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.WrapError(domain.ErrorCodeProviderTimeout, "platega timeout", err)
		}
		return domain.WrapError(domain.ErrorCodeProviderError, "platega unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeProviderError, "read platega response", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return domain.ErrPaymentNotFound
	case httpResp.StatusCode >= 400:
		return domain.NewDomainError(domain.ErrorCodeProviderError,
			fmt.Sprintf("platega returned %d", httpResp.StatusCode)).
			WithDetail("body", string(body))
	}

	if response != nil {
		if err := json.Unmarshal(body, response); err != nil {
			return domain.WrapError(domain.ErrorCodeProviderError, "unmarshal platega response", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ ports.ProviderGateway = (*Adapter)(nil)
