// Package v2ray implements the VPNGateway contract against the management
// API exposed by v2ray panel nodes.
package v2ray

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// Gateway talks to one v2ray panel node
type Gateway struct {
	apiURL     string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     ports.Logger
}

// NewGateway creates a gateway for one server
func NewGateway(apiURL, apiKey string, timeout time.Duration, logger ports.Logger) *Gateway {
	return &Gateway{
		apiURL:  strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    5,
				IdleConnTimeout: 60 * time.Second,
			},
		},
		logger: logger,
	}
}

type userResponse struct {
	UUID  string `json:"uuid"`
	Email string `json:"email"`
}

// CreateUser registers a client on the node. The uuid is generated locally so
// a timed-out call can be retried with the same identity.
func (g *Gateway) CreateUser(ctx context.Context, email string) (*ports.VPNCredential, error) {
	clientUUID := uuid.NewString()

	body := map[string]string{"uuid": clientUUID, "email": email}
	var resp userResponse
	if err := g.makeRequest(ctx, http.MethodPost, "/api/users", body, &resp); err != nil {
		return nil, err
	}
	if resp.UUID != "" {
		clientUUID = resp.UUID
	}

	return &ports.VPNCredential{UUID: clientUUID}, nil
}

// UserConfig fetches the client config and extracts the single-line vless://
// URI from it. Panels wrap the URI in explanatory text; only the URI line is
// the config.
func (g *Gateway) UserConfig(ctx context.Context, cred *ports.VPNCredential) (string, error) {
	var resp struct {
		Config string `json:"config"`
	}
	if err := g.makeRequest(ctx, http.MethodGet, "/api/users/"+cred.UUID+"/config", nil, &resp); err != nil {
		return "", err
	}

	config := extractVlessURI(resp.Config)
	if config == "" {
		return "", domain.NewDomainError(domain.ErrorCodeVPNError, "node returned no vless config")
	}
	return config, nil
}

// DeleteUser removes a client from the node
func (g *Gateway) DeleteUser(ctx context.Context, cred *ports.VPNCredential) error {
	return g.makeRequest(ctx, http.MethodDelete, "/api/users/"+cred.UUID, nil, nil)
}

// ResetTraffic resets the client's traffic counters
func (g *Gateway) ResetTraffic(ctx context.Context, cred *ports.VPNCredential) error {
	return g.makeRequest(ctx, http.MethodPost, "/api/users/"+cred.UUID+"/reset-traffic", nil, nil)
}

// Close releases idle connections
func (g *Gateway) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}

// extractVlessURI returns the first vless:// line in the payload, trimmed to
// a single line
func extractVlessURI(payload string) string {
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "vless://") {
			return line
		}
	}
	return ""
}

func (g *Gateway) makeRequest(ctx context.Context, method, endpoint string, request, response interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reader io.Reader
	if request != nil {
		payload, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.apiURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if request != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.WrapError(domain.ErrorCodeVPNTimeout, "v2ray node timeout", err)
		}
		return domain.WrapError(domain.ErrorCodeVPNError, "v2ray node unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeVPNError, "read v2ray response", err)
	}
	if httpResp.StatusCode >= 400 && httpResp.StatusCode != http.StatusNotFound {
		return domain.NewDomainError(domain.ErrorCodeVPNError,
			fmt.Sprintf("v2ray node returned %d", httpResp.StatusCode))
	}

	if response != nil && len(body) > 0 {
		if err := json.Unmarshal(body, response); err != nil {
			return domain.WrapError(domain.ErrorCodeVPNError, "unmarshal v2ray response", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ ports.VPNGateway = (*Gateway)(nil)
