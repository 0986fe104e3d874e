package purchase

import (
	"sync"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// gatewayPool lends one gateway per server within a single fan-out scope.
// Gateways are reused across retries against the same server and closed when
// the scope ends; they are never shared across unrelated subscriptions.
type gatewayPool struct {
	factory  ports.VPNGatewayFactory
	mu       sync.Mutex
	gateways map[int64]ports.VPNGateway
}

func newGatewayPool(factory ports.VPNGatewayFactory) *gatewayPool {
	return &gatewayPool{
		factory:  factory,
		gateways: make(map[int64]ports.VPNGateway),
	}
}

func (p *gatewayPool) forServer(server *domain.Server) (ports.VPNGateway, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gw, ok := p.gateways[server.ID]; ok {
		return gw, nil
	}
	gw, err := p.factory.ForServer(server)
	if err != nil {
		return nil, err
	}
	p.gateways[server.ID] = gw
	return gw, nil
}

func (p *gatewayPool) closeAll(logger ports.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, gw := range p.gateways {
		if err := gw.Close(); err != nil {
			logger.Warn("gateway close failed",
				ports.Int64("server_id", id),
				ports.Err(err))
		}
	}
	p.gateways = make(map[int64]ports.VPNGateway)
}
