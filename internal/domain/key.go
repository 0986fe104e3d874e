package domain

import "time"

// Protocol identifies a VPN protocol with its own gateway adapter
type Protocol string

const (
	ProtocolOutline Protocol = "outline"
	ProtocolV2Ray   Protocol = "v2ray"
)

// ValidProtocol reports whether p names a known protocol
func ValidProtocol(p Protocol) bool {
	return p == ProtocolOutline || p == ProtocolV2Ray
}

// AccessLevel gates which users a server accepts credentials for
type AccessLevel string

const (
	AccessLevelAll  AccessLevel = "all"
	AccessLevelPaid AccessLevel = "paid"
	AccessLevelVIP  AccessLevel = "vip"
)

// AccessTier is a user's entitlement tier when selecting servers
type AccessTier int

const (
	TierFree AccessTier = iota
	TierPaid
	TierVIP
)

// Allows reports whether a server with this access level accepts the tier
func (l AccessLevel) Allows(tier AccessTier) bool {
	switch l {
	case AccessLevelAll:
		return true
	case AccessLevelPaid:
		return tier == TierPaid || tier == TierVIP
	case AccessLevelVIP:
		return tier == TierVIP
	}
	return false
}

// Server is a catalog entry describing one remote VPN endpoint.
// Read-only to this service.
type Server struct {
	Name        string
	Protocol    Protocol
	APIURL      string
	APIKey      string
	Country     string
	AccessLevel AccessLevel
	ID          int64
	Active      bool
}

// VPNKey is one credential issued on one remote VPN server. Keys have no
// independent expiry; it derives from the parent subscription.
type VPNKey struct {
	CreatedAt      time.Time
	SubscriptionID *int64
	Email          string
	Protocol       Protocol
	UUID           string // v2ray client id
	ClientConfig   string // v2ray vless:// URI
	KeyID          string // outline access-key id
	AccessURL      string // outline ss:// URL
	ID             int64
	ServerID       int64
	UserID         int64
	TariffID       int64
	TrafficLimitMB int64
}
