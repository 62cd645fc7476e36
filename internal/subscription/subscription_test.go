package subscription

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-space/discord-bridge/internal/events"
	"github.com/roomy-space/discord-bridge/internal/kvstore"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/roomyadapter"
)

type fakeDispatcher struct {
	dispatched []events.Event
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, guildID, authorDID string, ev events.Event) error {
	f.dispatched = append(f.dispatched, ev)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *repo.Repo, *fakeDispatcher) {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := repo.New(store)
	require.NoError(t, r.BindGuild("guild-1", "did:web:space-1"))

	d := &fakeDispatcher{}
	return &Handler{Repo: r, Dispatcher: d}, r, d
}

func mustExt(t *testing.T, nsid string, payload interface{}) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return map[string]json.RawMessage{nsid: raw}
}

func TestHandleBatchAdvancesCursorOnlyAfterWholeBatch(t *testing.T) {
	h, r, _ := newTestHandler(t)

	batch := []roomyadapter.IndexedEvent{
		{Idx: 5, Event: events.Event{ID: "ev-1", Type: events.TypeCreateRoom,
			Extensions: mustExt(t, events.ExtRoomOrigin, events.RoomOrigin{Snowflake: "chan-1", GuildID: "guild-1"})}},
		{Idx: 7, Event: events.Event{ID: "ev-2", Type: events.TypeCreateRoom,
			Extensions: mustExt(t, events.ExtRoomOrigin, events.RoomOrigin{Snowflake: "chan-2", GuildID: "guild-1"})}},
	}

	err := h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err)

	cursor, err := r.GetCursor("guild-1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, cursor, "cursor must advance to the highest idx in the batch")
}

func TestHandleBatchSkipsUnboundSpace(t *testing.T) {
	h, r, _ := newTestHandler(t)
	err := h.HandleBatch(context.Background(), "did:web:unbound-space", nil, Meta{})
	require.NoError(t, err)

	cursor, err := r.GetCursor("guild-1")
	require.NoError(t, err)
	assert.EqualValues(t, -1, cursor)
}

func TestHandleBatchRegistersDiscordOriginMapping(t *testing.T) {
	h, r, d := newTestHandler(t)

	batch := []roomyadapter.IndexedEvent{
		{Idx: 0, Event: events.Event{ID: "ev-1", Type: events.TypeCreateMessage,
			Extensions: mustExt(t, events.ExtMessageOrigin, events.MessageOrigin{
				Snowflake: "msg-1", ChannelID: "chan-1", GuildID: "guild-1",
			})}},
	}

	err := h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err)

	roomyID, ok, err := r.GetRoomyID("guild-1", "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ev-1", roomyID)
	assert.Empty(t, d.dispatched, "a Discord-attributed event must not be dispatched back to Discord")
}

func TestHandleBatchDispatchesUnattributedEvents(t *testing.T) {
	h, _, d := newTestHandler(t)

	payload, err := json.Marshal(events.CreateMessagePayload{Body: "hi from roomy"})
	require.NoError(t, err)
	batch := []roomyadapter.IndexedEvent{
		{Idx: 0, User: "did:plc:someone", Event: events.Event{ID: "ev-1", Type: events.TypeCreateMessage, Payload: payload}},
	}

	err = h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err)

	require.Len(t, d.dispatched, 1)
	assert.Equal(t, "ev-1", d.dispatched[0].ID)
}

func TestHandleBatchSuppressesDispatchDuringBackfill(t *testing.T) {
	h, _, d := newTestHandler(t)

	payload, err := json.Marshal(events.CreateMessagePayload{Body: "hi"})
	require.NoError(t, err)
	batch := []roomyadapter.IndexedEvent{
		{Idx: 0, Event: events.Event{ID: "ev-1", Type: events.TypeCreateMessage, Payload: payload}},
	}

	err = h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{IsBackfill: true})
	require.NoError(t, err)
	assert.Empty(t, d.dispatched, "backfill replay must not dispatch live side effects")
}

func TestHandleBatchContinuesPastAPoisonedEvent(t *testing.T) {
	h, r, d := newTestHandler(t)

	badPayload, err := json.Marshal(events.CreateMessagePayload{Body: "ok"})
	require.NoError(t, err)
	batch := []roomyadapter.IndexedEvent{
		{Idx: 1, Event: events.Event{
			ID:         "ev-bad",
			Type:       events.TypeEditMessage,
			Extensions: map[string]json.RawMessage{events.ExtMessageOrigin: json.RawMessage(`{not valid json`)},
		}},
		{Idx: 2, Event: events.Event{ID: "ev-good", Type: events.TypeCreateMessage, Payload: badPayload}},
	}

	err = h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err, "a single poisoned event must be logged and skipped, not fail the batch")

	require.Len(t, d.dispatched, 1)
	assert.Equal(t, "ev-good", d.dispatched[0].ID)

	cursor, err := r.GetCursor("guild-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cursor, "cursor must still advance past the idx of the skipped poisoned event")
}

func TestHandleBatchSuppressesBridgeOwnReactionEcho(t *testing.T) {
	h, _, d := newTestHandler(t)

	payload, err := json.Marshal(events.AddBridgedReactionPayload{ReactionTo: "roomy-msg-1", Reaction: "👍", ReactingUser: "did:discord:400"})
	require.NoError(t, err)
	batch := []roomyadapter.IndexedEvent{
		{Idx: 0, Event: events.Event{
			ID:         "ev-react-1",
			Type:       events.TypeAddBridgedReact,
			Payload:    payload,
			Extensions: mustExt(t, events.ExtReactionOrigin, events.ReactionOrigin{GuildID: "guild-1"}),
		}},
	}

	err = h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err)
	assert.Empty(t, d.dispatched, "a reaction event carrying discordReactionOrigin must not be echoed back to Discord")
}

func TestHandleBatchDispatchesReactionWithoutOriginEvenWhenMessageIsAttributed(t *testing.T) {
	h, r, d := newTestHandler(t)
	require.NoError(t, r.RegisterMapping("guild-1", "msg-1", "roomy-msg-1"))

	payload, err := json.Marshal(events.AddBridgedReactionPayload{ReactionTo: "roomy-msg-1", Reaction: "👍", ReactingUser: "did:plc:someone"})
	require.NoError(t, err)
	batch := []roomyadapter.IndexedEvent{
		{Idx: 0, Event: events.Event{ID: "ev-react-2", Type: events.TypeAddBridgedReact, Payload: payload}},
	}

	err = h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err)
	require.Len(t, d.dispatched, 1, "a reaction with no discordReactionOrigin must propagate to Discord even on a Discord-originated message")
	assert.Equal(t, "ev-react-2", d.dispatched[0].ID)
}

func TestUnregisterCompanionOnDeleteMessage(t *testing.T) {
	h, r, _ := newTestHandler(t)
	require.NoError(t, r.RegisterMapping("guild-1", "discord-msg-1", "roomy-msg-1"))

	payload, err := json.Marshal(events.DeleteMessagePayload{MessageID: "roomy-msg-1"})
	require.NoError(t, err)
	batch := []roomyadapter.IndexedEvent{
		{Idx: 0, Event: events.Event{ID: "ev-1", Type: events.TypeDeleteMessage, Payload: payload}},
	}

	err = h.HandleBatch(context.Background(), "did:web:space-1", batch, Meta{})
	require.NoError(t, err)

	_, ok, err := r.GetRoomyID("guild-1", "discord-msg-1")
	require.NoError(t, err)
	assert.False(t, ok, "delete must unregister the companion mapping")
}
