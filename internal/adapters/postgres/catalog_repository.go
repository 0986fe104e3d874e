package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// TariffRepository implements ports.TariffRepository
type TariffRepository struct {
	db ports.DBPort
}

// NewTariffRepository creates a new tariff repository
func NewTariffRepository(db ports.DBPort) *TariffRepository {
	return &TariffRepository{db: db}
}

func (r *TariffRepository) GetByID(ctx context.Context, id int64) (*domain.Tariff, error) {
	var t domain.Tariff
	err := r.db.GetDB().QueryRow(ctx,
		`SELECT id, name, duration_sec, price, traffic_limit_mb FROM tariffs WHERE id = $1`,
		id).Scan(&t.ID, &t.Name, &t.DurationSec, &t.PriceMinor, &t.TrafficLimitMB)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrTariffNotFound
		}
		return nil, mapStorageError(err)
	}
	return &t, nil
}

// UserRepository implements ports.UserRepository
type UserRepository struct {
	db ports.DBPort
}

// NewUserRepository creates a new user repository
func NewUserRepository(db ports.DBPort) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := r.db.GetDB().QueryRow(ctx,
		`SELECT id, username, language, is_vip FROM users WHERE id = $1`,
		id).Scan(&u.ID, &u.Username, &u.Language, &u.IsVIP)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrUserNotFound
		}
		return nil, mapStorageError(err)
	}
	return &u, nil
}

// ServerRepository implements ports.ServerRepository
type ServerRepository struct {
	db ports.DBPort
}

// NewServerRepository creates a new server repository
func NewServerRepository(db ports.DBPort) *ServerRepository {
	return &ServerRepository{db: db}
}

const serverColumns = `id, name, protocol, api_url, api_key, country, active, access_level`

func (r *ServerRepository) GetByID(ctx context.Context, id int64) (*domain.Server, error) {
	row := r.db.GetDB().QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	server, err := scanServer(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrServerNotFound
		}
		return nil, mapStorageError(err)
	}
	return server, nil
}

func (r *ServerRepository) ListActiveByProtocol(ctx context.Context, protocol domain.Protocol) ([]*domain.Server, error) {
	rows, err := r.db.GetDB().Query(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE active AND protocol = $1 ORDER BY id`,
		protocol)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	var servers []*domain.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, mapStorageError(err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError(err)
	}
	return servers, nil
}

func scanServer(row pgx.Row) (*domain.Server, error) {
	var s domain.Server
	err := row.Scan(&s.ID, &s.Name, &s.Protocol, &s.APIURL, &s.APIKey,
		&s.Country, &s.Active, &s.AccessLevel)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ReferralRepository implements ports.ReferralRepository
type ReferralRepository struct {
	db ports.DBPort
}

// NewReferralRepository creates a new referral repository
func NewReferralRepository(db ports.DBPort) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// CountQualifiedReferrals counts the user's issued referral bonuses whose
// referred user completed a nonzero payment no later than paidBefore. The cap
// on when the referred user paid keeps the bonus stable across recomputes.
func (r *ReferralRepository) CountQualifiedReferrals(ctx context.Context, referrerID int64, paidBefore time.Time) (int64, error) {
	var count int64
	err := r.db.GetDB().QueryRow(ctx, `
		SELECT count(*) FROM referrals ref
		WHERE ref.referrer_id = $1 AND ref.bonus_issued
		  AND EXISTS (
			SELECT 1 FROM payments p
			WHERE p.user_id = ref.referred_id
			  AND p.status = 'completed' AND p.amount > 0
			  AND p.created_at <= $2
		  )`, referrerID, paidBefore).Scan(&count)
	if err != nil {
		return 0, mapStorageError(err)
	}
	return count, nil
}
