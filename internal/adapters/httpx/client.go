// Package httpx provides the shared outbound HTTP client used by the
// provider and VPN adapters: timeouts plus a per-host circuit breaker so one
// flapping remote cannot stall every flow that touches it.
package httpx

import (
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// BreakerClient wraps an http.Client with one gobreaker per remote host
type BreakerClient struct {
	client   *http.Client
	logger   ports.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerClient builds a breaker-wrapped client with the given timeout
func NewBreakerClient(timeout time.Duration, logger ports.Logger) *BreakerClient {
	return &BreakerClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do executes the request through the host's circuit breaker
func (c *BreakerClient) Do(req *http.Request) (*http.Response, error) {
	breaker := c.breakerFor(req.URL.Host)

	// Only transport-level failures trip the breaker; HTTP status handling
	// belongs to the adapter that knows the remote's API
	result, err := breaker.Execute(func() (interface{}, error) {
		return c.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *BreakerClient) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if breaker, ok := c.breakers[host]; ok {
		return breaker
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				ports.String("host", name),
				ports.String("from", from.String()),
				ports.String("to", to.String()))
		},
	})
	c.breakers[host] = breaker
	return breaker
}

var _ ports.HTTPClient = (*BreakerClient)(nil)
