package ports

import (
	"context"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// TariffRepository is the read-only tariff catalog
type TariffRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Tariff, error)
}

// UserRepository is the read-only user catalog
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// ServerRepository is the read-only VPN server catalog
type ServerRepository interface {
	// GetByID retrieves one server row
	GetByID(ctx context.Context, id int64) (*domain.Server, error)

	// ListActiveByProtocol lists active servers for a protocol
	ListActiveByProtocol(ctx context.Context, protocol domain.Protocol) ([]*domain.Server, error)
}

// ReferralRepository exposes the referral reads the purchase flow needs
type ReferralRepository interface {
	// CountQualifiedReferrals counts referrals of the user with
	// bonus_issued set whose referred user has at least one completed paid
	// payment (amount > 0) created no later than paidBefore
	CountQualifiedReferrals(ctx context.Context, referrerID int64, paidBefore time.Time) (int64, error)
}
