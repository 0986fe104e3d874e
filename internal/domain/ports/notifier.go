package ports

import "context"

// Notifier delivers a single text message to a user or the admin.
// Transports retry and fall back internally; idempotency is the caller's
// responsibility.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, text string) error
	NotifyAdmin(ctx context.Context, text string) error
}
