package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/pkg/resilience"
)

const subscriptionColumns = `id, user_id, subscription_token, created_at, expires_at,
	tariff_id, is_active, last_updated_at, notified, purchase_notification_sent,
	traffic_limit_mb`

// SubscriptionRepository implements ports.SubscriptionRepository over PostgreSQL
type SubscriptionRepository struct {
	db      ports.DBPort
	logger  ports.Logger
	backoff resilience.BackoffStrategy
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db ports.DBPort, logger ports.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:      db,
		logger:  logger,
		backoff: resilience.StorageBackoff(),
	}
}

func (r *SubscriptionRepository) q(db ports.DBTX) ports.DBTX {
	if db != nil {
		return db
	}
	return r.db.GetDB()
}

func (r *SubscriptionRepository) withRetry(ctx context.Context, op func() error) error {
	return resilience.Retry(ctx, transientRetryAttempts, r.backoff, domain.IsTransientStorageError, op)
}

// Create inserts a new subscription row
func (r *SubscriptionRepository) Create(ctx context.Context, tx ports.DBTX, sub *domain.Subscription) (*domain.Subscription, error) {
	row := r.q(tx).QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, subscription_token, created_at, expires_at,
			tariff_id, is_active, last_updated_at, traffic_limit_mb)
		VALUES ($1, $2, now(), $3, $4, $5, now(), $6)
		RETURNING `+subscriptionColumns,
		sub.UserID, sub.Token, sub.ExpiresAt, sub.TariffID, sub.IsActive, sub.TrafficLimitMB)

	created, err := scanSubscription(row)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return created, nil
}

// GetByID retrieves a subscription by id
func (r *SubscriptionRepository) GetByID(ctx context.Context, db ports.DBTX, id int64) (*domain.Subscription, error) {
	row := r.q(db).QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, mapStorageError(err)
	}
	return sub, nil
}

// GetActiveForUser returns the user's active subscription at the given
// instant, grace period included. Inside a transaction the row is locked so
// two purchases for the same user serialize on it. Multiple actives resolve
// to the latest-expiring row.
func (r *SubscriptionRepository) GetActiveForUser(ctx context.Context, tx ports.DBTX, userID int64, now time.Time) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = $1 AND is_active AND expires_at > $2
		ORDER BY expires_at DESC
		LIMIT 1`
	if _, inTx := tx.(pgx.Tx); inTx {
		query += ` FOR UPDATE`
	}

	row := r.q(tx).QueryRow(ctx, query, userID, now.Add(-domain.RenewalGracePeriod))
	sub, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, mapStorageError(err)
	}
	return sub, nil
}

// Update performs a full-row update keyed on id
func (r *SubscriptionRepository) Update(ctx context.Context, tx ports.DBTX, sub *domain.Subscription) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE subscriptions SET user_id = $2, subscription_token = $3, expires_at = $4,
			tariff_id = $5, is_active = $6, last_updated_at = now(), notified = $7,
			purchase_notification_sent = $8, traffic_limit_mb = $9
		WHERE id = $1`,
		sub.ID, sub.UserID, sub.Token, sub.ExpiresAt, sub.TariffID, sub.IsActive,
		sub.Notified, sub.PurchaseNotificationSent, sub.TrafficLimitMB)
	if err != nil {
		return mapStorageError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// UpdateExpiry sets expiry, tariff and traffic limit in one statement
func (r *SubscriptionRepository) UpdateExpiry(ctx context.Context, tx ports.DBTX, id int64, expiresAt time.Time, tariffID, trafficLimitMB int64) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE subscriptions
		SET expires_at = $2, tariff_id = $3, traffic_limit_mb = $4,
			is_active = TRUE, notified = FALSE, last_updated_at = now()
		WHERE id = $1`,
		id, expiresAt, tariffID, trafficLimitMB)
	if err != nil {
		return mapStorageError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// ExtendByDuration advances expires_at with the arithmetic done in the store,
// so concurrent extensions stack instead of overwriting each other. An expiry
// already in the past extends from now.
func (r *SubscriptionRepository) ExtendByDuration(ctx context.Context, id int64, d time.Duration) (time.Time, error) {
	var newExpiry time.Time
	err := r.withRetry(ctx, func() error {
		return r.db.GetDB().QueryRow(ctx, `
			UPDATE subscriptions
			SET expires_at = GREATEST(expires_at, now()) + $2 * interval '1 second',
				is_active = TRUE, notified = FALSE, last_updated_at = now()
			WHERE id = $1
			RETURNING expires_at`,
			id, int64(d.Seconds())).Scan(&newExpiry)
	})
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, domain.ErrSubscriptionNotFound
		}
		return time.Time{}, mapStorageError(err)
	}
	return newExpiry, nil
}

// MarkPurchaseNotificationSent flips the flag exactly once; only the winning
// caller gets true back
func (r *SubscriptionRepository) MarkPurchaseNotificationSent(ctx context.Context, id int64) (bool, error) {
	var won bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.db.GetDB().Exec(ctx, `
			UPDATE subscriptions
			SET purchase_notification_sent = TRUE, last_updated_at = now()
			WHERE id = $1 AND NOT purchase_notification_sent`, id)
		if err != nil {
			return mapStorageError(err)
		}
		won = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// HasActivePaidSubscription reports whether the user holds an active
// subscription backed by at least one completed nonzero payment
func (r *SubscriptionRepository) HasActivePaidSubscription(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var exists bool
	err := r.db.GetDB().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions s
			WHERE s.user_id = $1 AND s.is_active AND s.expires_at > $2
			  AND EXISTS (
				SELECT 1 FROM payments p
				WHERE p.subscription_id = s.id AND p.status = 'completed' AND p.amount > 0
			  )
		)`, userID, now).Scan(&exists)
	if err != nil {
		return false, mapStorageError(err)
	}
	return exists, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.Token, &s.CreatedAt, &s.ExpiresAt,
		&s.TariffID, &s.IsActive, &s.LastUpdatedAt, &s.Notified,
		&s.PurchaseNotificationSent, &s.TrafficLimitMB)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
