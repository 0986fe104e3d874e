package ports

import (
	"context"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// VPNCredential is a credential handle on one remote VPN server:
// uuid for v2ray, id plus access URL for outline
type VPNCredential struct {
	UUID      string
	KeyID     string
	AccessURL string
}

// VPNGateway is the contract both protocol adapters implement. One gateway
// instance talks to exactly one server; instances are pooled per server
// within a fan-out scope and closed on scope exit.
type VPNGateway interface {
	// CreateUser creates a credential labeled with the given email
	CreateUser(ctx context.Context, email string) (*VPNCredential, error)

	// UserConfig renders the client config for a credential. For v2ray the
	// result is a single-line vless:// URI; outline has no per-key config
	// beyond the access URL.
	UserConfig(ctx context.Context, cred *VPNCredential) (string, error)

	// DeleteUser removes a credential from the server
	DeleteUser(ctx context.Context, cred *VPNCredential) error

	// ResetTraffic resets the credential's traffic counters
	ResetTraffic(ctx context.Context, cred *VPNCredential) error

	// Close releases connection resources
	Close() error
}

// VPNGatewayFactory builds a gateway for one server row
type VPNGatewayFactory interface {
	ForServer(server *domain.Server) (VPNGateway, error)
}
