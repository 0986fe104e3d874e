package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/pkg/observability"
	"github.com/outpostvpn/billing-service/pkg/resilience"
)

const (
	// v2ray creation retries only timeout-class failures
	v2rayAttempts   = 3
	v2rayRetryDelay = 2 * time.Second
)

// provisionKeys fans out credential creation: all eligible v2ray servers in
// parallel, at most one outline server sequentially. Returns how many keys
// were created.
func (s *Service) provisionKeys(ctx context.Context, sub *domain.Subscription, payment *domain.Payment, tier domain.AccessTier) (int, error) {
	pool := newGatewayPool(s.gateways)
	defer pool.closeAll(s.logger)

	v2rayServers, err := s.eligibleServers(ctx, domain.ProtocolV2Ray, tier)
	if err != nil {
		return 0, err
	}

	var created int64
	group, groupCtx := errgroup.WithContext(ctx)
	results := make([]bool, len(v2rayServers))
	for i, server := range v2rayServers {
		i, server := i, server
		group.Go(func() error {
			ok, err := s.provisionServer(groupCtx, pool, server, sub, payment)
			if err != nil {
				// One unreachable server must not sink the fan-out
				s.logger.Error("v2ray provisioning failed",
					ports.Int64("server_id", server.ID),
					ports.Int64("subscription_id", sub.ID),
					ports.Err(err))
				return nil
			}
			results[i] = ok
			return nil
		})
	}
	_ = group.Wait()
	for _, ok := range results {
		if ok {
			created++
		}
	}

	outlineServer, err := s.selectOutlineServer(ctx, tier)
	if err != nil {
		s.logger.Warn("outline server selection failed", ports.Err(err))
	} else if outlineServer != nil {
		ok, err := s.provisionServer(ctx, pool, outlineServer, sub, payment)
		if err != nil {
			s.logger.Error("outline provisioning failed",
				ports.Int64("server_id", outlineServer.ID),
				ports.Int64("subscription_id", sub.ID),
				ports.Err(err))
		} else if ok {
			created++
		}
	}

	return int(created), nil
}

// eligibleServers lists active servers of the protocol the tier may use
func (s *Service) eligibleServers(ctx context.Context, protocol domain.Protocol, tier domain.AccessTier) ([]*domain.Server, error) {
	servers, err := s.servers.ListActiveByProtocol(ctx, protocol)
	if err != nil {
		return nil, err
	}
	eligible := servers[:0]
	for _, server := range servers {
		if server.AccessLevel.Allows(tier) {
			eligible = append(eligible, server)
		}
	}
	return eligible, nil
}

// selectOutlineServer picks the single outline server: the configured primary
// when it is active and eligible, otherwise the lowest-id eligible server.
// nil when none qualify.
func (s *Service) selectOutlineServer(ctx context.Context, tier domain.AccessTier) (*domain.Server, error) {
	servers, err := s.eligibleServers(ctx, domain.ProtocolOutline, tier)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, nil
	}
	for _, server := range servers {
		if server.ID == s.cfg.PrimaryOutlineServerID {
			return server, nil
		}
	}
	// ListActiveByProtocol orders by id
	return servers[0], nil
}

// provisionServer creates one credential on one server. Returns true when a
// key row was inserted, false when a row already existed.
func (s *Service) provisionServer(ctx context.Context, pool *gatewayPool, server *domain.Server, sub *domain.Subscription, payment *domain.Payment) (bool, error) {
	exists, err := s.keys.ExistsForServer(ctx, nil, server.ID, sub.ID, server.Protocol)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	gw, err := pool.forServer(server)
	if err != nil {
		return false, err
	}

	var inserted bool
	attempt := func() error {
		ok, err := s.createOne(ctx, gw, server, sub, payment)
		inserted = ok
		return err
	}

	if server.Protocol == domain.ProtocolV2Ray {
		err = resilience.Retry(ctx, v2rayAttempts,
			&resilience.ConstantBackoff{Delay: v2rayRetryDelay},
			domain.IsTimeoutError, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		return false, err
	}
	if inserted {
		observability.KeysProvisioned.WithLabelValues(string(server.Protocol)).Inc()
	}
	return inserted, nil
}

// createOne runs the single-server protocol: remote create, config render,
// transactional insert with a race re-check, and compensating remote delete
// on any failure past the remote create.
func (s *Service) createOne(ctx context.Context, gw ports.VPNGateway, server *domain.Server, sub *domain.Subscription, payment *domain.Payment) (bool, error) {
	label := s.credentialLabel(sub, payment)

	cred, err := gw.CreateUser(ctx, label)
	if err != nil {
		return false, err
	}

	var clientConfig string
	if server.Protocol == domain.ProtocolV2Ray {
		clientConfig, err = gw.UserConfig(ctx, cred)
		if err != nil {
			s.deleteRemote(ctx, gw, server, cred)
			return false, err
		}
	}

	subID := sub.ID
	key := &domain.VPNKey{
		ServerID:       server.ID,
		UserID:         sub.UserID,
		SubscriptionID: &subID,
		Email:          label,
		TariffID:       payment.TariffID,
		Protocol:       server.Protocol,
		UUID:           cred.UUID,
		ClientConfig:   clientConfig,
		KeyID:          cred.KeyID,
		AccessURL:      cred.AccessURL,
		TrafficLimitMB: sub.TrafficLimitMB,
	}

	var inserted bool
	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		exists, err := s.keys.ExistsForServer(ctx, tx, server.ID, sub.ID, server.Protocol)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if _, err := s.keys.Insert(ctx, tx, key); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		if domain.IsDomainError(err, domain.ErrorCodeKeyAlreadyExists) {
			// Race loser; the winner's row stands
			s.deleteRemote(ctx, gw, server, cred)
			return false, nil
		}
		s.deleteRemote(ctx, gw, server, cred)
		return false, err
	}
	if !inserted {
		// Race loser via the pre-insert check
		s.deleteRemote(ctx, gw, server, cred)
		return false, nil
	}

	// Verify the committed row is visible; a miss means local state and the
	// remote server disagree, so compensate and fail this server
	exists, err := s.keys.ExistsForServer(ctx, nil, server.ID, sub.ID, server.Protocol)
	if err == nil && !exists {
		s.deleteRemote(ctx, gw, server, cred)
		return false, domain.NewDomainError(domain.ErrorCodeConsistencyViolation,
			"key row missing after insert")
	}

	return true, nil
}

// deleteRemote is the best-effort compensating action after a local failure
func (s *Service) deleteRemote(ctx context.Context, gw ports.VPNGateway, server *domain.Server, cred *ports.VPNCredential) {
	if err := gw.DeleteUser(ctx, cred); err != nil {
		s.logger.Warn("compensating remote delete failed",
			ports.Int64("server_id", server.ID),
			ports.Err(err))
	}
}

func (s *Service) credentialLabel(sub *domain.Subscription, payment *domain.Payment) string {
	if payment.Email != nil && *payment.Email != "" {
		return *payment.Email
	}
	token := sub.Token
	if len(token) > 8 {
		token = token[:8]
	}
	return fmt.Sprintf("%d_%s", sub.UserID, token)
}

// resetTraffic best-effort resets counters on every key of the subscription
func (s *Service) resetTraffic(ctx context.Context, sub *domain.Subscription) {
	keys, err := s.keys.ListBySubscription(ctx, nil, sub.ID)
	if err != nil {
		s.logger.Warn("traffic reset skipped, key listing failed",
			ports.Int64("subscription_id", sub.ID),
			ports.Err(err))
		return
	}

	pool := newGatewayPool(s.gateways)
	defer pool.closeAll(s.logger)

	for _, key := range keys {
		server, err := s.servers.GetByID(ctx, key.ServerID)
		if err != nil {
			s.logger.Warn("traffic reset skipped for server",
				ports.Int64("server_id", key.ServerID),
				ports.Err(err))
			continue
		}
		gw, err := pool.forServer(server)
		if err != nil {
			continue
		}
		cred := &ports.VPNCredential{UUID: key.UUID, KeyID: key.KeyID, AccessURL: key.AccessURL}
		if err := gw.ResetTraffic(ctx, cred); err != nil {
			s.logger.Warn("traffic reset failed",
				ports.Int64("server_id", key.ServerID),
				ports.Err(err))
		}
	}
}
