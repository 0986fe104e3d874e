// Package renewal decides whether a paid payment renews existing access or
// provisions new access.
package renewal

import (
	"context"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// Detector answers "does the user already hold an active credential of this
// protocol right now". Credential expiry comes from the parent subscription
// join; key rows carry no expiry of their own.
type Detector struct {
	keys ports.KeyRepository
}

// NewDetector creates a renewal detector
func NewDetector(keys ports.KeyRepository) *Detector {
	return &Detector{keys: keys}
}

// ActiveCredentials returns the user's keys of the protocol whose parent
// subscription is unexpired at now. An empty result means the payment
// provisions new access instead of renewing.
func (d *Detector) ActiveCredentials(ctx context.Context, userID int64, protocol domain.Protocol, now time.Time) ([]*domain.VPNKey, error) {
	return d.keys.ListActiveByUser(ctx, userID, protocol, now)
}

// HasActiveCredential reports whether the user holds at least one key of the
// protocol whose parent subscription is unexpired at now
func (d *Detector) HasActiveCredential(ctx context.Context, userID int64, protocol domain.Protocol, now time.Time) (bool, error) {
	keys, err := d.ActiveCredentials(ctx, userID, protocol, now)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}
