package domain

import "time"

// VIP subscriptions are pinned to a far-future expiry rather than extended
// per purchase. 4102434000 is 2100-01-01 UTC.
var VIPExpiresAt = time.Unix(4102434000, 0).UTC()

const (
	// RenewalGracePeriod is the window within which a just-expired
	// subscription still counts as active for renewal detection
	RenewalGracePeriod = 24 * time.Hour

	// MaxExpiryHorizon bounds non-VIP expiries after any purchase sequence
	MaxExpiryHorizon = 10 * 365 * 24 * time.Hour

	// ManualOverrideHorizon guards admin-set far-future expiries from being
	// extended by renewals
	ManualOverrideHorizon = 5 * 365 * 24 * time.Hour

	// ReferralBonusDuration is added per qualifying referral when a new
	// subscription's expiry is computed
	ReferralBonusDuration = 30 * 24 * time.Hour

	// ExpiryUpdateTolerance suppresses expiry writes that would move the
	// timestamp by less than this much
	ExpiryUpdateTolerance = 60 * time.Second
)

// Subscription is the timeline of paid access for one user
type Subscription struct {
	CreatedAt                time.Time
	ExpiresAt                time.Time
	LastUpdatedAt            time.Time
	Token                    string
	ID                       int64
	UserID                   int64
	TariffID                 int64
	TrafficLimitMB           int64
	IsActive                 bool
	Notified                 bool
	PurchaseNotificationSent bool
}

// ActiveAt reports whether the subscription counts as active at the given
// instant, honoring the renewal grace period
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now.Add(-RenewalGracePeriod))
}

// IsVIP reports whether the subscription carries the VIP far-future expiry
// (within a day of the sentinel, to tolerate manual edits)
func (s *Subscription) IsVIP() bool {
	return !s.ExpiresAt.Before(VIPExpiresAt.Add(-24 * time.Hour))
}

// NextTrafficLimit applies the traffic-limit preservation rule: an existing
// limit strictly above the tariff's is kept (referral bonus top-up), an
// explicit 0 (unlimited) is kept, otherwise the tariff limit wins.
func NextTrafficLimit(current int64, haveCurrent bool, tariffLimit int64) int64 {
	if !haveCurrent {
		return tariffLimit
	}
	if current == 0 {
		return 0
	}
	if tariffLimit > 0 && current > tariffLimit {
		return current
	}
	return tariffLimit
}
