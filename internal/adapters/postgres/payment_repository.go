package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/pkg/resilience"
)

// processingLockStaleness is how long a processing lock may be held before
// another caller takes it over
const processingLockStaleness = 600 * time.Second

// transientRetryAttempts bounds retries inside the atomic primitives
const transientRetryAttempts = 3

const paymentColumns = `id, payment_id, user_id, tariff_id, amount, currency, email, status,
	country, protocol, provider, method, description, created_at, updated_at, paid_at,
	metadata, subscription_id`

// Sort columns the filter API accepts. Anything else falls back to created_at.
var paymentSortColumns = map[string]bool{
	"created_at": true,
	"status":     true,
	"amount":     true,
	"paid_at":    true,
	"updated_at": true,
}

// PaymentRepository implements ports.PaymentRepository over PostgreSQL
type PaymentRepository struct {
	db      ports.DBPort
	logger  ports.Logger
	backoff resilience.BackoffStrategy
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db ports.DBPort, logger ports.Logger) *PaymentRepository {
	return &PaymentRepository{
		db:      db,
		logger:  logger,
		backoff: resilience.StorageBackoff(),
	}
}

func (r *PaymentRepository) q(db ports.DBTX) ports.DBTX {
	if db != nil {
		return db
	}
	return r.db.GetDB()
}

// withRetry runs op, retrying busy/locked storage failures with backoff
func (r *PaymentRepository) withRetry(ctx context.Context, op func() error) error {
	return resilience.Retry(ctx, transientRetryAttempts, r.backoff, domain.IsTransientStorageError, op)
}

// Create inserts a payment. A duplicate payment_id returns the pre-existing
// row; some provider flows retry intent creation with the same external id.
func (r *PaymentRepository) Create(ctx context.Context, tx ports.DBTX, payment *domain.Payment) (*domain.Payment, error) {
	metadata, err := marshalMetadata(payment.Metadata)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeStorageError, "marshal metadata", err)
	}

	row := r.q(tx).QueryRow(ctx, `
		INSERT INTO payments (payment_id, user_id, tariff_id, amount, currency, email, status,
			country, protocol, provider, method, description, created_at, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now(), $13)
		ON CONFLICT (payment_id) DO NOTHING
		RETURNING `+paymentColumns,
		payment.PaymentID, payment.UserID, payment.TariffID, payment.AmountMinor,
		payment.Currency, payment.Email, payment.Status, payment.Country,
		payment.Protocol, payment.Provider, payment.Method, payment.Description, metadata)

	created, err := r.scanPayment(row)
	if err == nil {
		return created, nil
	}
	if !isNoRows(err) {
		return nil, mapStorageError(err)
	}

	// Conflict path: return the existing row
	existing, err := r.GetByPaymentID(ctx, tx, payment.PaymentID)
	if err != nil {
		return nil, err
	}
	r.logger.Warn("payment already exists, returning existing row",
		ports.String("payment_id", payment.PaymentID))
	return existing, nil
}

// GetByPaymentID retrieves a payment by its externally-visible id
func (r *PaymentRepository) GetByPaymentID(ctx context.Context, db ports.DBTX, paymentID string) (*domain.Payment, error) {
	row := r.q(db).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, paymentID)
	payment, err := r.scanPayment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, mapStorageError(err)
	}
	return payment, nil
}

// GetByID retrieves a payment by its internal id
func (r *PaymentRepository) GetByID(ctx context.Context, db ports.DBTX, id int64) (*domain.Payment, error) {
	row := r.q(db).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	payment, err := r.scanPayment(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, mapStorageError(err)
	}
	return payment, nil
}

// Update performs a full-row update keyed on payment_id
func (r *PaymentRepository) Update(ctx context.Context, tx ports.DBTX, payment *domain.Payment) error {
	metadata, err := marshalMetadata(payment.Metadata)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeStorageError, "marshal metadata", err)
	}

	tag, err := r.q(tx).Exec(ctx, `
		UPDATE payments SET user_id = $2, tariff_id = $3, amount = $4, currency = $5,
			email = $6, status = $7, country = $8, protocol = $9, provider = $10,
			method = $11, description = $12, updated_at = now(), paid_at = $13,
			metadata = $14, subscription_id = $15
		WHERE payment_id = $1`,
		payment.PaymentID, payment.UserID, payment.TariffID, payment.AmountMinor,
		payment.Currency, payment.Email, payment.Status, payment.Country,
		payment.Protocol, payment.Provider, payment.Method, payment.Description,
		payment.PaidAt, metadata, payment.SubscriptionID)
	if err != nil {
		return mapStorageError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

// TryUpdateStatus is the compare-and-set primitive the state machine runs
// on. The swap happens only if the current status matches expectedFrom; a
// paid transition also stamps paid_at.
func (r *PaymentRepository) TryUpdateStatus(ctx context.Context, paymentID string, to, expectedFrom domain.PaymentStatus) (bool, error) {
	var swapped bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.db.GetDB().Exec(ctx, `
			UPDATE payments
			SET status = $2, updated_at = now(),
				paid_at = CASE WHEN $2 = 'paid' THEN now() ELSE paid_at END
			WHERE payment_id = $1 AND status = $3`,
			paymentID, to, expectedFrom)
		if err != nil {
			return mapStorageError(err)
		}
		swapped = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// TryAcquireProcessingLock sets the lock flag and its start stamp in one
// conditional update. Completed payments are never lockable; a held lock is
// taken over only once its stamp is older than the staleness window.
func (r *PaymentRepository) TryAcquireProcessingLock(ctx context.Context, paymentID, lockKey string) (bool, error) {
	stampKey := lockKey + "_started_at"

	var acquired bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.db.GetDB().Exec(ctx, `
			UPDATE payments
			SET metadata = metadata || jsonb_build_object($2::text, true, $3::text, extract(epoch from now())::bigint),
				updated_at = now()
			WHERE payment_id = $1
			  AND status <> 'completed'
			  AND (
				NOT (metadata ? $2)
				OR (metadata ->> $2) <> 'true'
				OR COALESCE((metadata ->> $3)::bigint, 0) < extract(epoch from now())::bigint - $4
			  )`,
			paymentID, lockKey, stampKey, int64(processingLockStaleness.Seconds()))
		if err != nil {
			return mapStorageError(err)
		}
		acquired = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseProcessingLock clears the lock flag and its start stamp
func (r *PaymentRepository) ReleaseProcessingLock(ctx context.Context, paymentID, lockKey string) error {
	stampKey := lockKey + "_started_at"
	return r.withRetry(ctx, func() error {
		_, err := r.db.GetDB().Exec(ctx, `
			UPDATE payments
			SET metadata = (metadata - $2::text) - $3::text, updated_at = now()
			WHERE payment_id = $1`,
			paymentID, lockKey, stampKey)
		return mapStorageError(err)
	})
}

// UpdateSubscriptionID sets the payment's subscription back-reference
func (r *PaymentRepository) UpdateSubscriptionID(ctx context.Context, paymentID string, subscriptionID int64) error {
	return r.withRetry(ctx, func() error {
		tag, err := r.db.GetDB().Exec(ctx, `
			UPDATE payments SET subscription_id = $2, updated_at = now()
			WHERE payment_id = $1`,
			paymentID, subscriptionID)
		if err != nil {
			return mapStorageError(err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrPaymentNotFound
		}
		return nil
	})
}

// Filter returns payments matching the filter, sorted by a whitelisted
// column. Unknown sort columns fall back to created_at; default order DESC.
func (r *PaymentRepository) Filter(ctx context.Context, filter ports.PaymentFilter, sortBy string, sortAsc bool) ([]*domain.Payment, error) {
	where, args := buildPaymentFilter(filter)

	if !paymentSortColumns[sortBy] {
		sortBy = "created_at"
	}
	order := "DESC"
	if sortAsc {
		order = "ASC"
	}

	query := `SELECT ` + paymentColumns + ` FROM payments` + where +
		fmt.Sprintf(` ORDER BY %s %s`, sortBy, order)

	rows, err := r.db.GetDB().Query(ctx, query, args...)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	return r.scanPayments(rows)
}

// CountFiltered counts payments matching the filter
func (r *PaymentRepository) CountFiltered(ctx context.Context, filter ports.PaymentFilter) (int64, error) {
	where, args := buildPaymentFilter(filter)

	var count int64
	err := r.db.GetDB().QueryRow(ctx, `SELECT count(*) FROM payments`+where, args...).Scan(&count)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return count, nil
}

// GetPaidPaymentsWithoutKeys is the reconciliation feed. Subscription
// payments on v2ray are always re-examined because the subscription may
// need renewal; everything else qualifies only when the user holds no
// unexpired key or subscription.
func (r *PaymentRepository) GetPaidPaymentsWithoutKeys(ctx context.Context) ([]*domain.Payment, error) {
	rows, err := r.db.GetDB().Query(ctx, `
		SELECT `+paymentColumns+` FROM payments p
		WHERE p.status = 'paid'
		  AND (
			(p.metadata ->> 'key_type' = 'subscription' AND p.protocol = 'v2ray')
			OR NOT (
				EXISTS (
					SELECT 1 FROM subscriptions s
					WHERE s.user_id = p.user_id AND s.expires_at > now()
				)
				OR EXISTS (
					SELECT 1 FROM keys k
					JOIN subscriptions ks ON ks.id = k.subscription_id
					WHERE k.user_id = p.user_id AND ks.expires_at > now()
				)
				OR EXISTS (
					SELECT 1 FROM v2ray_keys vk
					JOIN subscriptions vs ON vs.id = vk.subscription_id
					WHERE vk.user_id = p.user_id AND vs.expires_at > now()
				)
			)
		  )
		ORDER BY p.created_at`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	return r.scanPayments(rows)
}

// GetPendingPayments is the feed for pending-status polling
func (r *PaymentRepository) GetPendingPayments(ctx context.Context) ([]*domain.Payment, error) {
	rows, err := r.db.GetDB().Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	return r.scanPayments(rows)
}

// ListCompletedBySubscription lists completed payments linked to a
// subscription, oldest first
func (r *PaymentRepository) ListCompletedBySubscription(ctx context.Context, db ports.DBTX, subscriptionID int64) ([]*domain.Payment, error) {
	rows, err := r.q(db).Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE subscription_id = $1 AND status = 'completed'
		ORDER BY created_at`, subscriptionID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	return r.scanPayments(rows)
}

// GetStatistics returns counts by status plus completed revenue
func (r *PaymentRepository) GetStatistics(ctx context.Context) (*domain.PaymentStatistics, error) {
	rows, err := r.db.GetDB().Query(ctx, `
		SELECT status, count(*),
			COALESCE(sum(amount) FILTER (WHERE status = 'completed'), 0)
		FROM payments GROUP BY status`)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	stats := &domain.PaymentStatistics{
		CountByStatus: make(map[domain.PaymentStatus]int64),
	}
	for rows.Next() {
		var status domain.PaymentStatus
		var count, revenue int64
		if err := rows.Scan(&status, &count, &revenue); err != nil {
			return nil, mapStorageError(err)
		}
		stats.CountByStatus[status] = count
		stats.TotalPayments += count
		stats.CompletedRevenueMinor += revenue
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError(err)
	}
	return stats, nil
}

// buildPaymentFilter renders the WHERE clause for a typed filter
func buildPaymentFilter(filter ports.PaymentFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != nil {
		clauses = append(clauses, "user_id = "+arg(*filter.UserID))
	}
	if filter.TariffID != nil {
		clauses = append(clauses, "tariff_id = "+arg(*filter.TariffID))
	}
	if filter.Status != nil {
		clauses = append(clauses, "status = "+arg(*filter.Status))
	}
	if filter.Provider != nil {
		clauses = append(clauses, "provider = "+arg(*filter.Provider))
	}
	if filter.Protocol != nil {
		clauses = append(clauses, "protocol = "+arg(*filter.Protocol))
	}
	if filter.Country != "" {
		clauses = append(clauses, "country = "+arg(filter.Country))
	}
	if filter.CreatedFrom != nil {
		clauses = append(clauses, "created_at >= "+arg(*filter.CreatedFrom))
	}
	if filter.CreatedTo != nil {
		clauses = append(clauses, "created_at <= "+arg(*filter.CreatedTo))
	}
	if filter.OnlyPaid {
		clauses = append(clauses, "status IN ('paid', 'completed')")
	}
	if filter.OnlyPending {
		clauses = append(clauses, "status = 'pending'")
	}
	if filter.Search != "" {
		p := arg(filter.Search)
		clauses = append(clauses, fmt.Sprintf(
			`concat_ws(' ', payment_id, status, provider, protocol, country, method,
				description, COALESCE(email, ''), currency, user_id::text, amount::text)
				ILIKE '%%' || %s || '%%'`, p))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *PaymentRepository) scanPayments(rows pgx.Rows) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	for rows.Next() {
		payment, err := r.scanPayment(rows)
		if err != nil {
			return nil, mapStorageError(err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError(err)
	}
	return payments, nil
}

func (r *PaymentRepository) scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var metadata []byte
	err := row.Scan(&p.ID, &p.PaymentID, &p.UserID, &p.TariffID, &p.AmountMinor,
		&p.Currency, &p.Email, &p.Status, &p.Country, &p.Protocol, &p.Provider,
		&p.Method, &p.Description, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt,
		&metadata, &p.SubscriptionID)
	if err != nil {
		return nil, err
	}

	p.Metadata, err = domain.ParseMetadata(metadata)
	if err != nil {
		r.logger.Warn("malformed payment metadata, treating as empty",
			ports.String("payment_id", p.PaymentID),
			ports.Err(err))
	}
	return &p, nil
}

func marshalMetadata(m domain.Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
