package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// Migrate applies the canonical schema. Tables are created idempotently and
// columns added by additive, introspection-guarded passes; there is no down
// path. Historical multi-shape rows are not supported: this is the one
// canonical layout.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger ports.Logger) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			user_id BIGINT NOT NULL,
			tariff_id BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			email TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			country TEXT NOT NULL DEFAULT '',
			protocol TEXT NOT NULL DEFAULT 'v2ray',
			provider TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			paid_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			subscription_id BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_created_at ON payments(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_tariff_id ON payments(tariff_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_status ON payments(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			subscription_token TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL,
			tariff_id BIGINT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			purchase_notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
			traffic_limit_mb BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_expires_at ON subscriptions(expires_at)`,

		// Outline keys. No FK to subscriptions: orphan cleanup happens at
		// the application level.
		`CREATE TABLE IF NOT EXISTS keys (
			id BIGSERIAL PRIMARY KEY,
			server_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			access_url TEXT NOT NULL DEFAULT '',
			traffic_limit_mb BIGINT NOT NULL DEFAULT 0,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			key_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			email TEXT NOT NULL DEFAULT '',
			tariff_id BIGINT NOT NULL DEFAULT 0,
			protocol TEXT NOT NULL DEFAULT 'outline',
			subscription_id BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_keys_subscription_id ON keys(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_keys_user_id ON keys(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_keys_server_subscription
			ON keys(server_id, subscription_id) WHERE subscription_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS v2ray_keys (
			id BIGSERIAL PRIMARY KEY,
			server_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			v2ray_uuid TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			tariff_id BIGINT NOT NULL DEFAULT 0,
			client_config TEXT NOT NULL DEFAULT '',
			subscription_id BIGINT,
			traffic_limit_mb BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_v2ray_keys_subscription_id ON v2ray_keys(subscription_id)`,
		`CREATE INDEX IF NOT EXISTS idx_v2ray_keys_user_id ON v2ray_keys(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_v2ray_keys_server_subscription
			ON v2ray_keys(server_id, subscription_id) WHERE subscription_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS tariffs (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			duration_sec BIGINT NOT NULL,
			price BIGINT NOT NULL,
			traffic_limit_mb BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT 'ru',
			is_vip BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS servers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			protocol TEXT NOT NULL,
			api_url TEXT NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			country TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			access_level TEXT NOT NULL DEFAULT 'all'
		)`,

		`CREATE TABLE IF NOT EXISTS referrals (
			referrer_id BIGINT NOT NULL,
			referred_id BIGINT NOT NULL,
			bonus_issued BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (referrer_id, referred_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Additive column passes for databases created before a column existed
	additions := []struct {
		table, column, ddl string
	}{
		{"payments", "subscription_id", `ALTER TABLE payments ADD COLUMN subscription_id BIGINT`},
		{"payments", "country", `ALTER TABLE payments ADD COLUMN country TEXT NOT NULL DEFAULT ''`},
		{"subscriptions", "purchase_notification_sent", `ALTER TABLE subscriptions ADD COLUMN purchase_notification_sent BOOLEAN NOT NULL DEFAULT FALSE`},
		{"subscriptions", "traffic_limit_mb", `ALTER TABLE subscriptions ADD COLUMN traffic_limit_mb BIGINT NOT NULL DEFAULT 0`},
		{"keys", "subscription_id", `ALTER TABLE keys ADD COLUMN subscription_id BIGINT`},
		{"v2ray_keys", "traffic_limit_mb", `ALTER TABLE v2ray_keys ADD COLUMN traffic_limit_mb BIGINT NOT NULL DEFAULT 0`},
		{"servers", "access_level", `ALTER TABLE servers ADD COLUMN access_level TEXT NOT NULL DEFAULT 'all'`},
	}

	for _, add := range additions {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = $1 AND column_name = $2
			)`, add.table, add.column).Scan(&exists)
		if err != nil {
			return fmt.Errorf("introspect %s.%s: %w", add.table, add.column, err)
		}
		if exists {
			continue
		}
		if _, err := pool.Exec(ctx, add.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", add.table, add.column, err)
		}
		logger.Info("added column",
			ports.String("table", add.table),
			ports.String("column", add.column))
	}

	return nil
}
