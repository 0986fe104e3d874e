package ports

import (
	"context"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// SubscriptionRepository defines the interface for subscription persistence
type SubscriptionRepository interface {
	// Create inserts a new subscription row and returns it with its id
	Create(ctx context.Context, tx DBTX, sub *domain.Subscription) (*domain.Subscription, error)

	// GetByID retrieves a subscription by id
	GetByID(ctx context.Context, db DBTX, id int64) (*domain.Subscription, error)

	// GetActiveForUser returns the user's active subscription at the given
	// instant (grace period included), or nil when none exists. When run
	// inside a transaction the row is locked for update.
	GetActiveForUser(ctx context.Context, tx DBTX, userID int64, now time.Time) (*domain.Subscription, error)

	// Update performs a full-row update keyed on id
	Update(ctx context.Context, tx DBTX, sub *domain.Subscription) error

	// UpdateExpiry sets expires_at, tariff_id and traffic_limit_mb in one
	// statement, stamping last_updated_at
	UpdateExpiry(ctx context.Context, tx DBTX, id int64, expiresAt time.Time, tariffID, trafficLimitMB int64) error

	// ExtendByDuration advances expires_at by d with the arithmetic done in
	// the store, and returns the new expiry
	ExtendByDuration(ctx context.Context, id int64, d time.Duration) (time.Time, error)

	// MarkPurchaseNotificationSent flips purchase_notification_sent 0 -> 1.
	// Returns true only for the caller that performed the flip.
	MarkPurchaseNotificationSent(ctx context.Context, id int64) (bool, error)

	// HasActivePaidSubscription reports whether the user holds any active
	// subscription backed by at least one completed paid payment
	HasActivePaidSubscription(ctx context.Context, userID int64, now time.Time) (bool, error)
}
