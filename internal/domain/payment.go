package domain

import (
	"encoding/json"
	"time"
)

// PaymentStatus represents the lifecycle state of a payment
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusExpired   PaymentStatus = "expired"
)

// IsTerminal reports whether the status absorbs all further transitions
// except the admin-driven cancel path
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded, PaymentStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo validates a status transition against the state machine.
// Completed never regresses; terminal states are absorbing.
func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	if s == to {
		return false
	}
	switch s {
	case PaymentStatusPending:
		switch to {
		case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusCancelled:
			return true
		}
	case PaymentStatusPaid:
		switch to {
		case PaymentStatusCompleted, PaymentStatusRefunded, PaymentStatusCancelled:
			return true
		}
	case PaymentStatusCompleted:
		return to == PaymentStatusRefunded
	}
	return false
}

// Provider identifies an external payment processor
type Provider string

const (
	ProviderYooKassa  Provider = "yookassa"
	ProviderPlatega   Provider = "platega"
	ProviderCryptoBot Provider = "cryptobot"
)

// ValidProvider reports whether p names a known provider
func ValidProvider(p Provider) bool {
	switch p {
	case ProviderYooKassa, ProviderPlatega, ProviderCryptoBot:
		return true
	}
	return false
}

// Currency is the payment currency
type Currency string

const (
	CurrencyRUB Currency = "RUB"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// ValidCurrency reports whether c names a known currency
func ValidCurrency(c Currency) bool {
	switch c {
	case CurrencyRUB, CurrencyUSD, CurrencyEUR:
		return true
	}
	return false
}

// ProviderPaymentStatus is the normalized remote status a provider reports
// for a payment, either via webhook or via polling
type ProviderPaymentStatus string

const (
	ProviderStatusPaid    ProviderPaymentStatus = "paid"
	ProviderStatusFailed  ProviderPaymentStatus = "failed"
	ProviderStatusPending ProviderPaymentStatus = "pending"
	ProviderStatusUnknown ProviderPaymentStatus = "unknown"
)

// Metadata keys the core reads. All other keys are opaque pass-through.
const (
	MetaKeyType                  = "key_type"
	MetaPlategaMethod            = "platega_payment_method"
	MetaProcessingLock           = "_processing_subscription"
	MetaProcessingLockStartedAt  = "_processing_subscription_started_at"
	MetaInvoiceID                = "invoice_id"
	MetaInvoiceHash              = "invoice_hash"
	MetaAsset                    = "asset"
	MetaNetwork                  = "network"
	MetaAmountUSD                = "amount_usd"
)

// Key-type metadata values
const (
	KeyTypeSubscription = "subscription"
	KeyTypeKey          = "key"
)

// Metadata is the free-form provider pass-through map stored as JSON.
// It is parsed as JSON only; payloads are never evaluated.
type Metadata map[string]interface{}

// ParseMetadata decodes raw JSON metadata. A malformed payload yields an
// empty map and the decode error so the caller can log a warning; reads
// never fail on bad metadata.
func ParseMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return Metadata{}, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, err
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}

// GetString returns the string value of a metadata key, empty when the key
// is absent or not a string
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetInt64 returns the integer value of a metadata key, tolerating the
// float64 shape JSON decoding produces
func (m Metadata) GetInt64(key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// GetBool returns the boolean value of a metadata key
func (m Metadata) GetBool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

// Payment is the ledger entry for one attempt to collect money
type Payment struct {
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PaidAt         *time.Time
	Metadata       Metadata
	Email          *string
	SubscriptionID *int64
	PaymentID      string
	Currency       Currency
	Provider       Provider
	Method         string
	Protocol       Protocol
	Country        string
	Description    string
	Status         PaymentStatus
	ID             int64
	UserID         int64
	TariffID       int64
	AmountMinor    int64
}

// IsSubscriptionPayment reports whether this payment provisions a
// subscription rather than a standalone key
func (p *Payment) IsSubscriptionPayment() bool {
	return p.Metadata.GetString(MetaKeyType) == KeyTypeSubscription && p.Protocol == ProtocolV2Ray
}

// HasProcessingLock reports whether the processing lock flag is set and the
// lock is still fresh at the given instant
func (p *Payment) HasProcessingLock(now time.Time, staleness time.Duration) bool {
	if !p.Metadata.GetBool(MetaProcessingLock) {
		return false
	}
	startedAt := p.Metadata.GetInt64(MetaProcessingLockStartedAt)
	if startedAt == 0 {
		return false
	}
	return now.Sub(time.Unix(startedAt, 0)) < staleness
}
