// Package outline implements the VPNGateway contract against the Outline
// server management API.
package outline

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// Gateway talks to one Outline server's management API. Outline management
// endpoints serve self-signed certificates, so verification is disabled on
// this client only.
type Gateway struct {
	apiURL     string
	timeout    time.Duration
	httpClient *http.Client
	logger     ports.Logger
}

// NewGateway creates a gateway for one server
func NewGateway(apiURL string, timeout time.Duration, logger ports.Logger) *Gateway {
	return &Gateway{
		apiURL:  strings.TrimRight(apiURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				MaxIdleConns:    5,
				IdleConnTimeout: 60 * time.Second,
			},
		},
		logger: logger,
	}
}

type accessKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccessURL string `json:"accessUrl"`
}

// CreateUser creates an access key and names it with the email label
func (g *Gateway) CreateUser(ctx context.Context, email string) (*ports.VPNCredential, error) {
	var key accessKey
	if err := g.makeRequest(ctx, http.MethodPost, "/access-keys", nil, &key); err != nil {
		return nil, err
	}

	nameBody := map[string]string{"name": email}
	if err := g.makeRequest(ctx, http.MethodPut, "/access-keys/"+key.ID+"/name", nameBody, nil); err != nil {
		// The key works without a label; keep it
		g.logger.Warn("outline key rename failed",
			ports.String("key_id", key.ID),
			ports.Err(err))
	}

	return &ports.VPNCredential{KeyID: key.ID, AccessURL: key.AccessURL}, nil
}

// UserConfig returns the access URL; outline has no per-key config document
func (g *Gateway) UserConfig(ctx context.Context, cred *ports.VPNCredential) (string, error) {
	return cred.AccessURL, nil
}

// DeleteUser removes an access key
func (g *Gateway) DeleteUser(ctx context.Context, cred *ports.VPNCredential) error {
	return g.makeRequest(ctx, http.MethodDelete, "/access-keys/"+cred.KeyID, nil, nil)
}

// ResetTraffic clears the per-key data limit, which resets enforcement
func (g *Gateway) ResetTraffic(ctx context.Context, cred *ports.VPNCredential) error {
	return g.makeRequest(ctx, http.MethodDelete, "/access-keys/"+cred.KeyID+"/data-limit", nil, nil)
}

// Close releases idle connections
func (g *Gateway) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
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

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return domain.WrapError(domain.ErrorCodeVPNTimeout, "outline server timeout", err)
		}
		return domain.WrapError(domain.ErrorCodeVPNError, "outline server unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeVPNError, "read outline response", err)
	}
	if httpResp.StatusCode >= 400 && httpResp.StatusCode != http.StatusNotFound {
		return domain.NewDomainError(domain.ErrorCodeVPNError,
			fmt.Sprintf("outline server returned %d", httpResp.StatusCode))
	}

	if response != nil {
		if err := json.Unmarshal(body, response); err != nil {
			return domain.WrapError(domain.ErrorCodeVPNError, "unmarshal outline response", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ ports.VPNGateway = (*Gateway)(nil)
