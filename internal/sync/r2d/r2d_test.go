package r2d

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-space/discord-bridge/internal/events"
	"github.com/roomy-space/discord-bridge/internal/fingerprint"
	"github.com/roomy-space/discord-bridge/internal/kvstore"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/webhookpool"
)

func contentHashOf(body string) string {
	return fingerprint.Content(body, nil)
}

func makeCreateMessageEvent(t *testing.T, roomID, eventID, body string) events.Event {
	t.Helper()
	payload, err := json.Marshal(events.CreateMessagePayload{Body: body})
	require.NoError(t, err)
	return events.Event{ID: eventID, Type: events.TypeCreateMessage, Room: roomID, Payload: payload}
}

type fakeDiscordClient struct {
	nextMessageID string
	executed      int
}

func (f *fakeDiscordClient) FetchOrCreateWebhook(ctx context.Context, channelID string) (string, string, error) {
	return "webhook-1", "token-1", nil
}

func (f *fakeDiscordClient) ExecuteWebhook(ctx context.Context, webhookID, token, content, username, avatarURL, nonce string) (string, error) {
	f.executed++
	if f.nextMessageID != "" {
		return f.nextMessageID, nil
	}
	return "discord-msg-1", nil
}

type fakeDiscordWriter struct {
	edited, deleted []string
	reactionsAdded  []string
	createdChannels []string
	topicsSet       map[string]string
	categories      map[string]string
	parents         map[string]string
	nextChannelID   string
}

func (f *fakeDiscordWriter) EditMessage(channelID, messageID, content string) error {
	f.edited = append(f.edited, messageID)
	return nil
}
func (f *fakeDiscordWriter) DeleteMessage(channelID, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}
func (f *fakeDiscordWriter) AddReaction(channelID, messageID, emoji string) error {
	f.reactionsAdded = append(f.reactionsAdded, messageID+":"+emoji)
	return nil
}
func (f *fakeDiscordWriter) RemoveReaction(channelID, messageID, emoji, userID string) error {
	return nil
}
func (f *fakeDiscordWriter) CreateChannel(guildID, name string) (string, error) {
	f.createdChannels = append(f.createdChannels, name)
	if f.nextChannelID != "" {
		return f.nextChannelID, nil
	}
	return "new-channel-1", nil
}
func (f *fakeDiscordWriter) SetChannelTopic(channelID, topic string) error {
	if f.topicsSet == nil {
		f.topicsSet = map[string]string{}
	}
	f.topicsSet[channelID] = topic
	return nil
}
func (f *fakeDiscordWriter) EnsureCategory(guildID, name string) (string, error) {
	if f.categories == nil {
		f.categories = map[string]string{}
	}
	if id, ok := f.categories[name]; ok {
		return id, nil
	}
	id := "cat-" + name
	f.categories[name] = id
	return id, nil
}
func (f *fakeDiscordWriter) SetChannelParent(channelID, parentID string) error {
	if f.parents == nil {
		f.parents = map[string]string{}
	}
	f.parents[channelID] = parentID
	return nil
}

type fakeAuthorResolver struct {
	invalidated []string
}

func (fakeAuthorResolver) ResolveAuthor(ctx context.Context, guildID, did string) (string, string, error) {
	return "resolved-name", "https://avatar", nil
}

func (f *fakeAuthorResolver) InvalidateAuthor(guildID, did string) {
	f.invalidated = append(f.invalidated, did)
}

func newTestTranslator(t *testing.T) (*Translator, *fakeDiscordClient, *fakeDiscordWriter, *repo.Repo) {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := repo.New(store)
	dc := &fakeDiscordClient{}
	dw := &fakeDiscordWriter{}
	pool := webhookpool.New(dc, r, 3)

	return &Translator{Repo: r, Webhooks: pool, Discord: dw, Authors: &fakeAuthorResolver{}}, dc, dw, r
}

func TestCreateMessageResolvesRoomAndExecutesWebhook(t *testing.T) {
	tr, dc, _, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOM0000000000000000000"))

	err := tr.CreateMessage(context.Background(), "guild-1", "01ROOM0000000000000000000", "01MSG00000000000000000001", "did:discord:user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, dc.executed)

	discordID, ok, err := r.GetDiscordID("guild-1", "01MSG00000000000000000001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "discord-msg-1", discordID)
}

func TestCreateMessageUnmappedRoomIsNoop(t *testing.T) {
	tr, dc, _, _ := newTestTranslator(t)
	err := tr.CreateMessage(context.Background(), "guild-1", "01UNMAPPED00000000000000", "01MSG00000000000000000001", "did:discord:user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 0, dc.executed)
}

func TestCreateMessageNonceIdempotency(t *testing.T) {
	tr, dc, _, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOM0000000000000000000"))

	roomyMsgID := "01MSG00000000000000000001"
	require.NoError(t, tr.CreateMessage(context.Background(), "guild-1", "01ROOM0000000000000000000", roomyMsgID, "did:discord:user-1", "hello"))
	require.NoError(t, tr.CreateMessage(context.Background(), "guild-1", "01ROOM0000000000000000000", roomyMsgID, "did:discord:user-1", "hello"))

	assert.Equal(t, 1, dc.executed, "replaying the same roomy message must not double-post")
}

func TestCreateMessageContentHashIdempotencyAcrossNonces(t *testing.T) {
	tr, dc, _, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOM0000000000000000000"))
	require.NoError(t, r.RecordMessageHash("guild-1", "chan-1", nonceOf("01MSG00000000000000000002"), contentHashOf("hello"), "existing-discord-msg"))

	err := tr.CreateMessage(context.Background(), "guild-1", "01ROOM0000000000000000000", "01MSG00000000000000000002", "did:discord:user-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 0, dc.executed, "a content hash already indexed for this nonce must be adopted, not re-posted")
}

func TestEditMessageRoutesToDiscord(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "discord-msg-1", "01ROOMYMSG0000000000000"))
	require.NoError(t, r.SetMessageChannel("guild-1", "discord-msg-1", "chan-1"))

	err := tr.EditMessage(context.Background(), "guild-1", "01ROOMYMSG0000000000000", "updated")
	require.NoError(t, err)
	assert.Equal(t, []string{"discord-msg-1"}, dw.edited)
}

func TestEditMessageUnmappedIsNoop(t *testing.T) {
	tr, _, dw, _ := newTestTranslator(t)
	err := tr.EditMessage(context.Background(), "guild-1", "01UNMAPPED00000000000000", "updated")
	require.NoError(t, err)
	assert.Empty(t, dw.edited)
}

func TestDeleteMessageRoutesToDiscord(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "discord-msg-1", "01ROOMYMSG0000000000000"))
	require.NoError(t, r.SetMessageChannel("guild-1", "discord-msg-1", "chan-1"))

	err := tr.DeleteMessage(context.Background(), "guild-1", "01ROOMYMSG0000000000000")
	require.NoError(t, err)
	assert.Equal(t, []string{"discord-msg-1"}, dw.deleted)
}

func TestReactionAddRebuildsCustomEmojiForm(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "discord-msg-1", "01ROOMYMSG0000000000000"))
	require.NoError(t, r.SetMessageChannel("guild-1", "discord-msg-1", "chan-1"))

	err := tr.ReactionAdd(context.Background(), "guild-1", "01ROOMYMSG0000000000000", "<:partyparrot:123456>")
	require.NoError(t, err)
	assert.Equal(t, []string{"discord-msg-1:<:partyparrot:123456>"}, dw.reactionsAdded)
}

func TestCreateRoomCreatesChannelAndMarksTopic(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	dw.nextChannelID = "new-channel-1"

	err := tr.CreateRoom(context.Background(), "guild-1", "01ROOM0000000000000000000", "general")
	require.NoError(t, err)

	assert.Equal(t, []string{"general"}, dw.createdChannels)
	assert.Equal(t, "[Synced from Roomy: 01ROOM0000000000000000000]", dw.topicsSet["new-channel-1"])

	roomyID, ok, err := r.GetRoomyID("guild-1", "room:new-channel-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "01ROOM0000000000000000000", roomyID)
}

func TestCreateRoomIsIdempotent(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOM0000000000000000000"))

	err := tr.CreateRoom(context.Background(), "guild-1", "01ROOM0000000000000000000", "general")
	require.NoError(t, err)
	assert.Empty(t, dw.createdChannels, "a room already mapped to a Discord channel must not create a second one")
}

func TestUpdateProfileInvalidatesCachedAuthor(t *testing.T) {
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	r := repo.New(store)
	authors := &fakeAuthorResolver{}
	tr := &Translator{Repo: r, Discord: &fakeDiscordWriter{}, Authors: authors}

	err = tr.UpdateProfile(context.Background(), "guild-1", "did:plc:someone")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:someone"}, authors.invalidated)
}

func TestUpdateSidebarCreatesCategoriesAndReparentsChannels(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOMA00000000000000000"))
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-2", "01ROOMB00000000000000000"))

	err := tr.UpdateSidebar(context.Background(), "guild-1", []events.SidebarCategory{
		{Category: "General", RoomIDs: []string{"01ROOMA00000000000000000", "01ROOMB00000000000000000"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "cat-General", dw.parents["chan-1"])
	assert.Equal(t, "cat-General", dw.parents["chan-2"])

	hash, err := r.GetSidebarHash("guild-1")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestUpdateSidebarSkipsUnmappedRooms(t *testing.T) {
	tr, _, dw, _ := newTestTranslator(t)

	err := tr.UpdateSidebar(context.Background(), "guild-1", []events.SidebarCategory{
		{Category: "General", RoomIDs: []string{"01UNMAPPED00000000000000"}},
	})
	require.NoError(t, err)
	assert.Empty(t, dw.parents, "a room with no Discord channel yet has nothing to re-parent")
}

func TestUpdateSidebarIsIdempotent(t *testing.T) {
	tr, _, dw, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOMA00000000000000000"))

	cats := []events.SidebarCategory{{Category: "General", RoomIDs: []string{"01ROOMA00000000000000000"}}}
	require.NoError(t, tr.UpdateSidebar(context.Background(), "guild-1", cats))
	dw.parents = nil

	require.NoError(t, tr.UpdateSidebar(context.Background(), "guild-1", cats))
	assert.Empty(t, dw.parents, "an unchanged sidebar structure must not be re-applied")
}

func TestCreateRoomLinkRegistersWhenBothSidesMapped(t *testing.T) {
	tr, _, _, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-parent", "01PARENT0000000000000000"))
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-child", "01CHILD00000000000000000"))

	err := tr.CreateRoomLink(context.Background(), "guild-1", "01PARENT0000000000000000", "01CHILD00000000000000000", "01LINKEVENT000000000000")
	require.NoError(t, err)

	roomyID, ok, err := r.GetRoomyID("guild-1", "01PARENT0000000000000000:01CHILD00000000000000000")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "01LINKEVENT000000000000", roomyID)
}

func TestCreateRoomLinkNoopWhenChildUnmapped(t *testing.T) {
	tr, _, _, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-parent", "01PARENT0000000000000000"))

	err := tr.CreateRoomLink(context.Background(), "guild-1", "01PARENT0000000000000000", "01CHILD00000000000000000", "01LINKEVENT000000000000")
	require.NoError(t, err)

	_, ok, err := r.GetRoomyID("guild-1", "01PARENT0000000000000000:01CHILD00000000000000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatchSwitchesOnEventType(t *testing.T) {
	tr, _, _, r := newTestTranslator(t)
	require.NoError(t, r.RegisterMapping("guild-1", "room:chan-1", "01ROOM0000000000000000000"))

	ev := makeCreateMessageEvent(t, "01ROOM0000000000000000000", "01MSG00000000000000000001", "hello")
	err := tr.Dispatch(context.Background(), "guild-1", "did:discord:user-1", ev)
	require.NoError(t, err)

	_, ok, err := r.GetDiscordID("guild-1", "01MSG00000000000000000001")
	require.NoError(t, err)
	assert.True(t, ok)
}
