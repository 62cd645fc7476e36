package roomyadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Batch is a group of indexed events delivered together by the subscription
// stream, along with whether this batch is part of a backfill replay.
type Batch struct {
	SpaceDID   string         `json:"space"`
	Events     []IndexedEvent `json:"events"`
	IsBackfill bool           `json:"isBackfill"`
}

// BatchHandler processes one subscription batch. Returning an error does
// not stop the subscription; it is logged and the stream continues — a
// single poisoned batch must not take down real-time sync for other spaces.
type BatchHandler func(ctx context.Context, batch Batch) error

const (
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 30 * time.Second
	pingInterval        = 30 * time.Second
)

// Subscribe opens a websocket subscription to a space starting at
// fromIdx+1 (resuming after the given cursor) and calls handle for every
// batch received. It reconnects with exponential backoff on any stream
// error and blocks until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, spaceDID string, fromIdx int64, handle BatchHandler) error {
	backoff := reconnectBackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.subscribeOnce(ctx, spaceDID, fromIdx, handle, &fromIdx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("roomy subscription dropped, reconnecting", "spaceDid", spaceDID, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
			continue
		}
		backoff = reconnectBackoffMin
	}
}

func (c *Client) subscribeOnce(ctx context.Context, spaceDID string, fromIdx int64, handle BatchHandler, cursor *int64) error {
	wsURL, err := wsSubscribeURL(c.baseURL, spaceDID, fromIdx)
	if err != nil {
		return fmt.Errorf("build subscription url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read subscription message: %w", err)
		}

		var batch Batch
		if err := json.Unmarshal(raw, &batch); err != nil {
			slog.Error("failed to decode subscription batch, skipping", "spaceDid", spaceDID, "error", err)
			continue
		}

		if err := handle(ctx, batch); err != nil {
			slog.Error("batch handler failed, continuing stream", "spaceDid", spaceDID, "error", err)
			continue
		}

		if n := len(batch.Events); n > 0 {
			*cursor = batch.Events[n-1].Idx
		}
	}
}

func wsSubscribeURL(baseURL, spaceDID string, fromIdx int64) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/xrpc/space.roomy.sync.subscribe"
	q := u.Query()
	q.Set("space", spaceDID)
	q.Set("cursor", fmt.Sprintf("%d", fromIdx))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
