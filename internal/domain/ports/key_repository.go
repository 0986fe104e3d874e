package ports

import (
	"context"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// KeyRepository defines the interface for VPN credential persistence.
// Outline and v2ray keys live in separate tables; the repository hides the
// split behind the protocol field.
type KeyRepository interface {
	// Insert persists a key row and returns it with its id
	Insert(ctx context.Context, tx DBTX, key *domain.VPNKey) (*domain.VPNKey, error)

	// ExistsForServer reports whether a key row already exists for
	// (server_id, subscription_id) under the given protocol
	ExistsForServer(ctx context.Context, db DBTX, serverID, subscriptionID int64, protocol domain.Protocol) (bool, error)

	// GetByID retrieves a key by id and protocol
	GetByID(ctx context.Context, db DBTX, id int64, protocol domain.Protocol) (*domain.VPNKey, error)

	// ListBySubscription lists all keys (both protocols) attached to a
	// subscription
	ListBySubscription(ctx context.Context, db DBTX, subscriptionID int64) ([]*domain.VPNKey, error)

	// CountBySubscription counts keys attached to a subscription
	CountBySubscription(ctx context.Context, db DBTX, subscriptionID int64) (int64, error)

	// Delete removes a key row
	Delete(ctx context.Context, tx DBTX, id int64, protocol domain.Protocol) error

	// ListActiveByUser lists the user's keys of a protocol whose parent
	// subscription is unexpired at the given instant. Key expiry derives
	// from the subscription join; keys carry no expiry of their own.
	ListActiveByUser(ctx context.Context, userID int64, protocol domain.Protocol, now time.Time) ([]*domain.VPNKey, error)
}
