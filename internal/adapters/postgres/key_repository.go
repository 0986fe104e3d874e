package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// KeyRepository implements ports.KeyRepository over PostgreSQL. Outline keys
// live in the keys table, v2ray keys in v2ray_keys; the protocol argument
// routes between them.
type KeyRepository struct {
	db     ports.DBPort
	logger ports.Logger
}

// NewKeyRepository creates a new key repository
func NewKeyRepository(db ports.DBPort, logger ports.Logger) *KeyRepository {
	return &KeyRepository{db: db, logger: logger}
}

func (r *KeyRepository) q(db ports.DBTX) ports.DBTX {
	if db != nil {
		return db
	}
	return r.db.GetDB()
}

// Insert persists a key row. The partial unique index on
// (server_id, subscription_id) makes double provisioning a conflict, mapped
// to ErrKeyAlreadyExists so callers can treat the race loser cleanly.
func (r *KeyRepository) Insert(ctx context.Context, tx ports.DBTX, key *domain.VPNKey) (*domain.VPNKey, error) {
	var row pgx.Row
	switch key.Protocol {
	case domain.ProtocolV2Ray:
		row = r.q(tx).QueryRow(ctx, `
			INSERT INTO v2ray_keys (server_id, user_id, v2ray_uuid, email, created_at,
				tariff_id, client_config, subscription_id, traffic_limit_mb)
			VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8)
			ON CONFLICT (server_id, subscription_id) WHERE subscription_id IS NOT NULL DO NOTHING
			RETURNING id, created_at`,
			key.ServerID, key.UserID, key.UUID, key.Email, key.TariffID,
			key.ClientConfig, key.SubscriptionID, key.TrafficLimitMB)
	case domain.ProtocolOutline:
		row = r.q(tx).QueryRow(ctx, `
			INSERT INTO keys (server_id, user_id, access_url, traffic_limit_mb, key_id,
				created_at, email, tariff_id, protocol, subscription_id)
			VALUES ($1, $2, $3, $4, $5, now(), $6, $7, 'outline', $8)
			ON CONFLICT (server_id, subscription_id) WHERE subscription_id IS NOT NULL DO NOTHING
			RETURNING id, created_at`,
			key.ServerID, key.UserID, key.AccessURL, key.TrafficLimitMB, key.KeyID,
			key.Email, key.TariffID, key.SubscriptionID)
	default:
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed, "unknown protocol: "+string(key.Protocol))
	}

	stored := *key
	if err := row.Scan(&stored.ID, &stored.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, domain.ErrKeyAlreadyExists
		}
		return nil, mapStorageError(err)
	}
	return &stored, nil
}

// ExistsForServer reports whether a key row already exists for
// (server_id, subscription_id) under the given protocol
func (r *KeyRepository) ExistsForServer(ctx context.Context, db ports.DBTX, serverID, subscriptionID int64, protocol domain.Protocol) (bool, error) {
	table := "keys"
	if protocol == domain.ProtocolV2Ray {
		table = "v2ray_keys"
	}

	var exists bool
	err := r.q(db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE server_id = $1 AND subscription_id = $2)`,
		serverID, subscriptionID).Scan(&exists)
	if err != nil {
		return false, mapStorageError(err)
	}
	return exists, nil
}

// GetByID retrieves a key by id and protocol
func (r *KeyRepository) GetByID(ctx context.Context, db ports.DBTX, id int64, protocol domain.Protocol) (*domain.VPNKey, error) {
	var row pgx.Row
	if protocol == domain.ProtocolV2Ray {
		row = r.q(db).QueryRow(ctx, `
			SELECT id, server_id, user_id, v2ray_uuid, email, created_at, tariff_id,
				client_config, subscription_id, traffic_limit_mb
			FROM v2ray_keys WHERE id = $1`, id)
	} else {
		row = r.q(db).QueryRow(ctx, `
			SELECT id, server_id, user_id, access_url, traffic_limit_mb, key_id,
				created_at, email, tariff_id, subscription_id
			FROM keys WHERE id = $1`, id)
	}

	key, err := scanKey(row, protocol)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrKeyNotFound
		}
		return nil, mapStorageError(err)
	}
	return key, nil
}

// ListBySubscription lists keys of both protocols attached to a subscription
func (r *KeyRepository) ListBySubscription(ctx context.Context, db ports.DBTX, subscriptionID int64) ([]*domain.VPNKey, error) {
	var keys []*domain.VPNKey

	rows, err := r.q(db).Query(ctx, `
		SELECT id, server_id, user_id, v2ray_uuid, email, created_at, tariff_id,
			client_config, subscription_id, traffic_limit_mb
		FROM v2ray_keys WHERE subscription_id = $1 ORDER BY server_id`, subscriptionID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	keys, err = appendKeys(keys, rows, domain.ProtocolV2Ray)
	if err != nil {
		return nil, err
	}

	rows, err = r.q(db).Query(ctx, `
		SELECT id, server_id, user_id, access_url, traffic_limit_mb, key_id,
			created_at, email, tariff_id, subscription_id
		FROM keys WHERE subscription_id = $1 ORDER BY server_id`, subscriptionID)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return appendKeys(keys, rows, domain.ProtocolOutline)
}

// CountBySubscription counts keys of both protocols on a subscription
func (r *KeyRepository) CountBySubscription(ctx context.Context, db ports.DBTX, subscriptionID int64) (int64, error) {
	var count int64
	err := r.q(db).QueryRow(ctx, `
		SELECT (SELECT count(*) FROM v2ray_keys WHERE subscription_id = $1)
			+ (SELECT count(*) FROM keys WHERE subscription_id = $1)`,
		subscriptionID).Scan(&count)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return count, nil
}

// Delete removes a key row
func (r *KeyRepository) Delete(ctx context.Context, tx ports.DBTX, id int64, protocol domain.Protocol) error {
	table := "keys"
	if protocol == domain.ProtocolV2Ray {
		table = "v2ray_keys"
	}
	tag, err := r.q(tx).Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return mapStorageError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrKeyNotFound
	}
	return nil
}

// ListActiveByUser lists the user's keys of a protocol whose parent
// subscription is unexpired. Expiry lives on the subscription, not the key.
func (r *KeyRepository) ListActiveByUser(ctx context.Context, userID int64, protocol domain.Protocol, now time.Time) ([]*domain.VPNKey, error) {
	var rows pgx.Rows
	var err error
	if protocol == domain.ProtocolV2Ray {
		rows, err = r.db.GetDB().Query(ctx, `
			SELECT k.id, k.server_id, k.user_id, k.v2ray_uuid, k.email, k.created_at,
				k.tariff_id, k.client_config, k.subscription_id, k.traffic_limit_mb
			FROM v2ray_keys k
			JOIN subscriptions s ON s.id = k.subscription_id
			WHERE k.user_id = $1 AND s.expires_at > $2
			ORDER BY k.server_id`, userID, now)
	} else {
		rows, err = r.db.GetDB().Query(ctx, `
			SELECT k.id, k.server_id, k.user_id, k.access_url, k.traffic_limit_mb,
				k.key_id, k.created_at, k.email, k.tariff_id, k.subscription_id
			FROM keys k
			JOIN subscriptions s ON s.id = k.subscription_id
			WHERE k.user_id = $1 AND s.expires_at > $2
			ORDER BY k.server_id`, userID, now)
	}
	if err != nil {
		return nil, mapStorageError(err)
	}
	return appendKeys(nil, rows, protocol)
}

func appendKeys(keys []*domain.VPNKey, rows pgx.Rows, protocol domain.Protocol) ([]*domain.VPNKey, error) {
	defer rows.Close()
	for rows.Next() {
		key, err := scanKey(rows, protocol)
		if err != nil {
			return nil, mapStorageError(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError(err)
	}
	return keys, nil
}

func scanKey(row pgx.Row, protocol domain.Protocol) (*domain.VPNKey, error) {
	k := domain.VPNKey{Protocol: protocol}
	var err error
	if protocol == domain.ProtocolV2Ray {
		err = row.Scan(&k.ID, &k.ServerID, &k.UserID, &k.UUID, &k.Email, &k.CreatedAt,
			&k.TariffID, &k.ClientConfig, &k.SubscriptionID, &k.TrafficLimitMB)
	} else {
		err = row.Scan(&k.ID, &k.ServerID, &k.UserID, &k.AccessURL, &k.TrafficLimitMB,
			&k.KeyID, &k.CreatedAt, &k.Email, &k.TariffID, &k.SubscriptionID)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}
