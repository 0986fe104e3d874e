package ports

import (
	"context"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// PaymentFilter is the typed filter structure over the payments ledger.
// Nil pointer fields are not applied.
type PaymentFilter struct {
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	UserID      *int64
	TariffID    *int64
	Status      *domain.PaymentStatus
	Provider    *domain.Provider
	Protocol    *domain.Protocol
	Country     string
	// Search is a substring query matched across all text columns
	Search      string
	OnlyPaid    bool
	OnlyPending bool
}

// PaymentRepository defines the interface for payment persistence, including
// the atomic primitives the state machine is built on
type PaymentRepository interface {
	// Create inserts a payment, honoring uniqueness on payment_id.
	// On duplicate the pre-existing row is returned; some provider flows
	// retry intent creation with the same external id.
	Create(ctx context.Context, tx DBTX, payment *domain.Payment) (*domain.Payment, error)

	// GetByPaymentID retrieves a payment by its externally-visible id
	GetByPaymentID(ctx context.Context, db DBTX, paymentID string) (*domain.Payment, error)

	// GetByID retrieves a payment by its internal id
	GetByID(ctx context.Context, db DBTX, id int64) (*domain.Payment, error)

	// Update performs a full-row update keyed on payment_id
	Update(ctx context.Context, tx DBTX, payment *domain.Payment) error

	// TryUpdateStatus sets status to `to` only if the current status is
	// `expectedFrom`. Returns whether the swap happened. Transient storage
	// errors are retried inside the primitive.
	TryUpdateStatus(ctx context.Context, paymentID string, to, expectedFrom domain.PaymentStatus) (bool, error)

	// TryAcquireProcessingLock sets the processing-lock metadata keys in a
	// single conditional update. Acquisition fails when the payment is
	// already completed or another fresh lock is held; locks older than
	// the staleness window are taken over.
	TryAcquireProcessingLock(ctx context.Context, paymentID, lockKey string) (bool, error)

	// ReleaseProcessingLock clears the lock metadata keys
	ReleaseProcessingLock(ctx context.Context, paymentID, lockKey string) error

	// UpdateSubscriptionID sets the payment's subscription back-reference
	UpdateSubscriptionID(ctx context.Context, paymentID string, subscriptionID int64) error

	// Filter returns payments matching the filter, sorted by a whitelisted
	// column (unknown columns fall back to created_at), descending by default
	Filter(ctx context.Context, filter PaymentFilter, sortBy string, sortAsc bool) ([]*domain.Payment, error)

	// CountFiltered counts payments matching the filter
	CountFiltered(ctx context.Context, filter PaymentFilter) (int64, error)

	// GetPaidPaymentsWithoutKeys is the reconciliation feed: payments in
	// status paid that are v2ray subscription payments (always re-examined)
	// or whose user holds no unexpired key or subscription
	GetPaidPaymentsWithoutKeys(ctx context.Context) ([]*domain.Payment, error)

	// GetPendingPayments is the feed for pending-status polling
	GetPendingPayments(ctx context.Context) ([]*domain.Payment, error)

	// ListCompletedBySubscription lists completed payments linked to a
	// subscription, oldest first; feeds the expiry recomputation
	ListCompletedBySubscription(ctx context.Context, db DBTX, subscriptionID int64) ([]*domain.Payment, error)

	// GetStatistics returns counts by status plus completed revenue
	GetStatistics(ctx context.Context) (*domain.PaymentStatistics, error)
}
