package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

// GatewaySender forwards attempts to an external channel gateway over HTTP.
// The gateway owns the actual transport (APNs, SMTP, SMS provider, feed
// write); the engine only hands off the target and payload and reads back
// the outcome.
type GatewaySender struct {
	channel domain.Channel
	baseURL string
	client  *http.Client
}

// NewGatewaySender creates a sender that posts to baseURL/send.
func NewGatewaySender(channel domain.Channel, baseURL string, timeout time.Duration) *GatewaySender {
	return &GatewaySender{
		channel: channel,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// gatewayRequest is the wire shape posted to the channel gateway.
type gatewayRequest struct {
	Channel  domain.Channel  `json:"channel"`
	Target   string          `json:"target"`
	DeviceID string          `json:"device_id,omitempty"`
	Platform domain.Platform `json:"platform,omitempty"`
	Payload  Payload         `json:"payload"`
}

// gatewayResponse is the outcome the gateway reports.
type gatewayResponse struct {
	Status    string `json:"status"` // "sent", "delivered" or "failed"
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Send posts the attempt to the gateway and maps its report to a Result.
// Transport trouble comes back as an error for the dispatcher to record; the
// attempt's wall time is reported when the gateway does not measure its own.
func (s *GatewaySender) Send(ctx context.Context, target Target, payload Payload) (*Result, error) {
	start := time.Now()

	body, err := json.Marshal(gatewayRequest{
		Channel:  s.channel,
		Target:   target.Address,
		DeviceID: target.DeviceID,
		Platform: target.Platform,
		Payload:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	latency := out.LatencyMS
	if latency == 0 {
		latency = time.Since(start).Milliseconds()
	}

	switch out.Status {
	case "delivered":
		return &Result{Status: domain.DeliveryDelivered, LatencyMS: latency}, nil
	case "sent":
		return &Result{Status: domain.DeliverySent, LatencyMS: latency}, nil
	default:
		if out.Error != "" {
			return &Result{Status: domain.DeliveryFailed, LatencyMS: latency}, fmt.Errorf("gateway send failed: %s", out.Error)
		}
		return &Result{Status: domain.DeliveryFailed, LatencyMS: latency}, fmt.Errorf("gateway send failed with status %q", out.Status)
	}
}
