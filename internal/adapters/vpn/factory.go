// Package vpn routes server rows to their protocol adapter.
package vpn

import (
	"time"

	"github.com/outpostvpn/billing-service/internal/adapters/outline"
	"github.com/outpostvpn/billing-service/internal/adapters/v2ray"
	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// Factory builds one gateway per server row, dispatching on protocol
type Factory struct {
	timeout time.Duration
	logger  ports.Logger
}

// NewFactory creates a gateway factory with the per-call server timeout
func NewFactory(timeout time.Duration, logger ports.Logger) *Factory {
	return &Factory{timeout: timeout, logger: logger}
}

// ForServer implements ports.VPNGatewayFactory
func (f *Factory) ForServer(server *domain.Server) (ports.VPNGateway, error) {
	switch server.Protocol {
	case domain.ProtocolOutline:
		return outline.NewGateway(server.APIURL, f.timeout, f.logger), nil
	case domain.ProtocolV2Ray:
		return v2ray.NewGateway(server.APIURL, server.APIKey, f.timeout, f.logger), nil
	}
	return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed,
		"no gateway for protocol: "+string(server.Protocol))
}

var _ ports.VPNGatewayFactory = (*Factory)(nil)
