// Package reconciler repairs payments whose webhooks were lost or whose
// provisioning crashed mid-way. It is the safety net: any payment stuck in a
// non-terminal state makes forward progress within one sweep after the
// failing condition clears.
package reconciler

import (
	"context"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/payment"
	"github.com/outpostvpn/billing-service/internal/services/purchase"
	"github.com/outpostvpn/billing-service/pkg/observability"
)

// Provider rate-limit pacing between paid-sweep items
const (
	v2rayPace   = 15 * time.Second
	defaultPace = 2 * time.Second
)

// Config holds reconciler knobs
type Config struct {
	// CleanupExpiredAfter ages out old pending payments to expired
	CleanupExpiredAfter time.Duration
}

// Reconciler runs the periodic repair sweeps
type Reconciler struct {
	payments ports.PaymentRepository
	payment  *payment.Service
	purchase *purchase.Service
	logger   ports.Logger
	cfg      Config
	now      func() time.Time
}

// New creates a reconciler
func New(
	payments ports.PaymentRepository,
	paymentService *payment.Service,
	purchaseService *purchase.Service,
	logger ports.Logger,
	cfg Config,
) *Reconciler {
	return &Reconciler{
		payments: payments,
		payment:  paymentService,
		purchase: purchaseService,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run executes all sweeps once. Each sweep is independent; a failing sweep
// does not block the others.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.PendingSweep(ctx); err != nil {
		r.logger.Error("pending sweep failed", ports.Err(err))
	}
	if err := r.PaidSweep(ctx); err != nil {
		r.logger.Error("paid sweep failed", ports.Err(err))
	}
	if err := r.ExpirationSweep(ctx); err != nil {
		r.logger.Error("expiration sweep failed", ports.Err(err))
	}
}

// PendingSweep polls the provider for every pending payment and settles the
// ones the provider reports (or has forgotten, which counts as paid for old
// records).
func (r *Reconciler) PendingSweep(ctx context.Context) error {
	observability.ReconcilerPasses.WithLabelValues("pending").Inc()

	pendings, err := r.payments.GetPendingPayments(ctx)
	if err != nil {
		return err
	}

	for _, p := range pendings {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.payment.Recheck(ctx, p.PaymentID); err != nil {
			r.logger.Warn("pending recheck failed",
				ports.String("payment_id", p.PaymentID),
				ports.Err(err))
		}
	}
	return nil
}

// PaidSweep drives every paid-but-unprovisioned payment through its flow,
// paced to respect provider and server rate limits. Stale processing locks
// self-heal inside the lock primitive.
func (r *Reconciler) PaidSweep(ctx context.Context) error {
	observability.ReconcilerPasses.WithLabelValues("paid").Inc()

	items, err := r.payments.GetPaidPaymentsWithoutKeys(ctx)
	if err != nil {
		return err
	}

	for _, p := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pace := defaultPace
		if p.Protocol == domain.ProtocolV2Ray {
			pace = v2rayPace
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}

		var procErr error
		if p.IsSubscriptionPayment() {
			procErr = r.purchase.Process(ctx, p.PaymentID)
		} else {
			procErr = r.purchase.IssueSimpleKey(ctx, p.PaymentID)
		}
		if procErr != nil {
			if domain.IsProcessingInProgress(procErr) {
				// Another worker is on it; the next pass verifies
				continue
			}
			r.logger.Warn("paid sweep item failed",
				ports.String("payment_id", p.PaymentID),
				ports.Err(procErr))
		}
	}
	return nil
}

// ExpirationSweep ages out pendings older than the cleanup window
func (r *Reconciler) ExpirationSweep(ctx context.Context) error {
	observability.ReconcilerPasses.WithLabelValues("expiration").Inc()

	pendings, err := r.payments.GetPendingPayments(ctx)
	if err != nil {
		return err
	}

	cutoff := r.now().Add(-r.cfg.CleanupExpiredAfter)
	for _, p := range pendings {
		if !p.CreatedAt.Before(cutoff) {
			continue
		}
		swapped, err := r.payments.TryUpdateStatus(ctx, p.PaymentID,
			domain.PaymentStatusExpired, domain.PaymentStatusPending)
		if err != nil {
			r.logger.Warn("expiration transition failed",
				ports.String("payment_id", p.PaymentID),
				ports.Err(err))
			continue
		}
		if swapped {
			observability.PaymentTransitions.WithLabelValues(string(domain.PaymentStatusExpired)).Inc()
			r.logger.Info("pending payment expired",
				ports.String("payment_id", p.PaymentID))
		}
	}
	return nil
}
