// Package pagerduty is a minimal Events API v2 client implementing
// notify.Pager.
package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/faultline-io/faultline/internal/notify"
)

// Sentinel errors for paging failures.
var (
	ErrUnreachable = errors.New("pagerduty unreachable")
	ErrRejected    = errors.New("pagerduty rejected event")
	ErrTimeout     = errors.New("pagerduty timeout")
)

// Client posts trigger events to the PagerDuty Events API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new PagerDuty client. baseURL is overridable for tests.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type eventPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

// Trigger opens an incident keyed by p.IncidentKey; a repeat trigger with
// the same key dedups into the existing incident.
func (c *Client) Trigger(ctx context.Context, p notify.Page) error {
	body, err := json.Marshal(event{
		RoutingKey:  p.RoutingKey,
		EventAction: "trigger",
		DedupKey:    p.IncidentKey,
		Payload: eventPayload{
			Summary:       p.Title,
			Source:        "faultline",
			Severity:      "error",
			CustomDetails: p.Details,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	u := c.baseURL + "/v2/enqueue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// Compile-time check that Client implements notify.Pager.
var _ notify.Pager = (*Client)(nil)
