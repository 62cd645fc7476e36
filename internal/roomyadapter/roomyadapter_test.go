package roomyadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-space/discord-bridge/internal/events"
)

func TestWsSubscribeURLSwapsSchemeAndSetsQuery(t *testing.T) {
	out, err := wsSubscribeURL("https://leaf.example.com", "did:web:space-1", 42)
	require.NoError(t, err)
	assert.Equal(t, "wss://leaf.example.com/xrpc/space.roomy.sync.subscribe?cursor=42&space=did%3Aweb%3Aspace-1", out)

	out, err = wsSubscribeURL("http://localhost:8080", "did:web:space-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/xrpc/space.roomy.sync.subscribe?cursor=0&space=did%3Aweb%3Aspace-1", out)
}

func TestParseRetryAfterFallsBackWhenAbsent(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, 30*time.Second, parseRetryAfter(resp))
}

func TestParseRetryAfterReadsHeader(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"5"}}}
	assert.Equal(t, 5*time.Second, parseRetryAfter(resp))
}

func TestFetchEventsRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/space.roomy.sync.fetchEvents", r.URL.Path)
		assert.Equal(t, "did:web:space-1", r.URL.Query().Get("space"))
		assert.Equal(t, "10", r.URL.Query().Get("start"))
		_ = json.NewEncoder(w).Encode(FetchEventsResponse{
			Events:  []IndexedEvent{{Idx: 10, User: "did:web:alice", Event: events.Event{Type: events.TypeCreateMessage}}},
			HasMore: false,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "did:web:leaf")
	out, err := c.FetchEvents(context.Background(), "did:web:space-1", 10, 50)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, int64(10), out.Events[0].Idx)
	assert.False(t, out.HasMore)
}

func TestSendEventReturnsAssignedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/space.roomy.sync.sendEvent", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "evt-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "did:web:leaf")
	id, err := c.SendEvent(context.Background(), "did:web:space-1", events.Event{Type: events.TypeCreateMessage})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)
}

func TestDoSurfacesRateLimitAsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "did:web:leaf")
	_, err := c.SendEvent(context.Background(), "did:web:space-1", events.Event{Type: events.TypeCreateMessage})
	require.Error(t, err)

	var rl *errRateLimited
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2*time.Second, rl.RetryAfter)
}
