package domain

import "time"

// Tariff is a read-only catalog row giving duration, price and traffic limit
type Tariff struct {
	Name           string
	ID             int64
	DurationSec    int64
	PriceMinor     int64
	TrafficLimitMB int64
}

// Duration returns the tariff duration as a time.Duration
func (t *Tariff) Duration() time.Duration {
	return time.Duration(t.DurationSec) * time.Second
}

// User is a read-only catalog row for an end user
type User struct {
	Username string
	Language string
	ID       int64
	IsVIP    bool
}

// Referral records that one user referred another. Read-only here; the
// purchase flow only counts issued bonuses when computing expiry.
type Referral struct {
	ReferrerID  int64
	ReferredID  int64
	BonusIssued bool
}

// PaymentStatistics is the aggregate view over the payments ledger
type PaymentStatistics struct {
	CountByStatus         map[PaymentStatus]int64
	TotalPayments         int64
	CompletedRevenueMinor int64
}
