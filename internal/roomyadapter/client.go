// Package roomyadapter is the bridge's client for a Leaf-hosted Roomy
// space: a bespoke, lightly-specified JSON API with no official Go client,
// so (following the teacher's internal/bsky/client.go) it is hand-rolled
// here rather than generated: a plain net/http pull/write client plus a
// gorilla/websocket subscription stream.
package roomyadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/roomy-space/discord-bridge/internal/events"
)

const defaultTimeout = 15 * time.Second

// Client talks to a single Leaf server hosting one or more Roomy spaces.
type Client struct {
	baseURL    string
	serverDID  string
	httpClient *http.Client
}

// New constructs a Client against a Leaf server's base URL.
func New(baseURL, serverDID string) *Client {
	return &Client{
		baseURL:    baseURL,
		serverDID:  serverDID,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// FetchEventsResponse is the page of events returned by a pull request.
type FetchEventsResponse struct {
	Events  []IndexedEvent `json:"events"`
	HasMore bool           `json:"hasMore"`
}

// IndexedEvent pairs a decoded Roomy event with its stream index and the
// user that authored it, the (idx, event, user) triple spec.md §3 names.
type IndexedEvent struct {
	Idx   int64        `json:"idx"`
	Event events.Event `json:"event"`
	User  string       `json:"user"`
}

// FetchEvents pulls up to limit events starting at idx start (inclusive),
// the page primitive the Backfill Orchestrator uses to replay history.
func (c *Client) FetchEvents(ctx context.Context, spaceDID string, start int64, limit int) (FetchEventsResponse, error) {
	url := fmt.Sprintf("%s/xrpc/space.roomy.sync.fetchEvents?space=%s&start=%d&limit=%d",
		c.baseURL, spaceDID, start, limit)

	var out FetchEventsResponse
	if err := c.get(ctx, url, &out); err != nil {
		return FetchEventsResponse{}, fmt.Errorf("fetch events for space %s from %d: %w", spaceDID, start, err)
	}
	return out, nil
}

// SendEvent writes a single event to the space, returning its assigned id.
func (c *Client) SendEvent(ctx context.Context, spaceDID string, ev events.Event) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{"space": spaceDID, "event": ev}
	if err := c.post(ctx, "/xrpc/space.roomy.sync.sendEvent", body, &out); err != nil {
		return "", fmt.Errorf("send event %s to space %s: %w", ev.Type, spaceDID, err)
	}
	return out.ID, nil
}

// SendEvents writes a batch of events in one round trip. Backfill does not
// use it: its batcher flush emits each message through d2r, one SendEvent
// per message.
func (c *Client) SendEvents(ctx context.Context, spaceDID string, evs []events.Event) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	body := map[string]interface{}{"space": spaceDID, "events": evs}
	if err := c.post(ctx, "/xrpc/space.roomy.sync.sendEvents", body, &out); err != nil {
		return nil, fmt.Errorf("send %d events to space %s: %w", len(evs), spaceDID, err)
	}
	return out.IDs, nil
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// errRateLimited signals a 429 with its Retry-After duration, mirroring the
// teacher's bsky client's errRateLimited.
type errRateLimited struct {
	RetryAfter time.Duration
}

func (e *errRateLimited) Error() string {
	return fmt.Sprintf("rate limited by leaf server; retry after %s", e.RetryAfter)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &errRateLimited{RetryAfter: parseRetryAfter(resp)}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("leaf server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}
