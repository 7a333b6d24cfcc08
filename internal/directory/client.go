package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// DeviceSource lists a recipient's registered devices. Device registration
// and token lifecycle live in the directory service; the engine only reads.
type DeviceSource interface {
	ActiveDevices(ctx context.Context, userID string) ([]domain.Device, error)
}

// MembershipSource resolves escalation targets for an organization when a
// rule configures no explicit recipients.
type MembershipSource interface {
	EscalationTargets(ctx context.Context, organizationID, roleFilter string) ([]string, error)
}

// Client calls the directory service over HTTP. A circuit breaker guards the
// planning hot path against a slow or down directory.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// NewClient creates a directory client.
func NewClient(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "directory",
			MaxRequests: 5,
			Interval:    10 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.6
			},
		}),
		log: log,
	}
}

// ActiveDevices returns the user's registered devices. Activity-window
// filtering happens in the planner so the cutoff is applied against the
// planning instant.
func (c *Client) ActiveDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users/%s/devices", c.baseURL, url.PathEscape(userID))

	var payload struct {
		Devices []domain.Device `json:"devices"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("directory devices lookup: %w", err)
	}
	return payload.Devices, nil
}

// EscalationTargets returns the user ids matching a role filter within an
// organization, used to resolve default escalation recipients.
func (c *Client) EscalationTargets(ctx context.Context, organizationID, roleFilter string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/organizations/%s/members?role=%s",
		c.baseURL, url.PathEscape(organizationID), url.QueryEscape(roleFilter))

	var payload struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("directory membership lookup: %w", err)
	}
	return payload.UserIDs, nil
}

// getJSON performs a GET through the circuit breaker and decodes the body.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, nil
	})
	return err
}
