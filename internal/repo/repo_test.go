package repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-space/discord-bridge/internal/kvstore"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestBindGuildIsIdempotentOnExactRebind(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.BindGuild("guild-1", "did:web:space-1"))
	require.NoError(t, r.BindGuild("guild-1", "did:web:space-1"), "re-binding the same pair must succeed")

	space, err := r.SpaceForGuild("guild-1")
	require.NoError(t, err)
	assert.Equal(t, "did:web:space-1", space)

	guild, err := r.GuildForSpace("did:web:space-1")
	require.NoError(t, err)
	assert.Equal(t, "guild-1", guild)
}

func TestBindGuildCollision(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.BindGuild("guild-1", "did:web:space-1"))

	err := r.BindGuild("guild-1", "did:web:space-2")
	assert.ErrorIs(t, err, ErrCollision)

	err = r.BindGuild("guild-2", "did:web:space-1")
	assert.ErrorIs(t, err, ErrCollision)
}

func TestUnbindGuildRemovesBothDirections(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.BindGuild("guild-1", "did:web:space-1"))
	require.NoError(t, r.UnbindGuild("guild-1"))

	_, err := r.SpaceForGuild("guild-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GuildForSpace("did:web:space-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListBoundGuilds(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.BindGuild("guild-1", "did:web:space-1"))
	require.NoError(t, r.BindGuild("guild-2", "did:web:space-2"))

	guilds, err := r.ListBoundGuilds()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"guild-1", "guild-2"}, guilds)
}

func TestRegisterMappingInjective(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.RegisterMapping("guild-1", "msg-1", "01ROOMY1"))
	require.NoError(t, r.RegisterMapping("guild-1", "msg-1", "01ROOMY1"), "identical re-registration is idempotent")

	err := r.RegisterMapping("guild-1", "msg-1", "01ROOMY2")
	assert.ErrorIs(t, err, ErrCollision)

	err = r.RegisterMapping("guild-1", "msg-2", "01ROOMY1")
	assert.ErrorIs(t, err, ErrCollision)

	roomyID, ok, err := r.GetRoomyID("guild-1", "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "01ROOMY1", roomyID)

	discordID, ok, err := r.GetDiscordID("guild-1", "01ROOMY1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "msg-1", discordID)
}

func TestUnregisterMapping(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.RegisterMapping("guild-1", "msg-1", "01ROOMY1"))
	require.NoError(t, r.UnregisterMapping("guild-1", "msg-1", "01ROOMY1"))

	_, ok, err := r.GetRoomyID("guild-1", "msg-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorDefaultsToMinusOne(t *testing.T) {
	r := newTestRepo(t)
	cursor, err := r.GetCursor("guild-1")
	require.NoError(t, err)
	assert.EqualValues(t, -1, cursor)

	require.NoError(t, r.SetCursor("guild-1", 42))
	cursor, err = r.GetCursor("guild-1")
	require.NoError(t, err)
	assert.EqualValues(t, 42, cursor)
}

func TestProfileAndSidebarHashCache(t *testing.T) {
	r := newTestRepo(t)
	hash, err := r.GetProfileHash("guild-1", "user-1")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, r.SetProfileHash("guild-1", "user-1", "abc"))
	hash, err = r.GetProfileHash("guild-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", hash)

	require.NoError(t, r.SetSidebarHash("guild-1", "def"))
	hash, err = r.GetSidebarHash("guild-1")
	require.NoError(t, err)
	assert.Equal(t, "def", hash)
}

func TestReactionMapping(t *testing.T) {
	r := newTestRepo(t)
	_, ok, err := r.GetReactionEvent("guild-1", "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetReactionEvent("guild-1", "key-1", "event-1"))
	eventID, ok, err := r.GetReactionEvent("guild-1", "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "event-1", eventID)

	require.NoError(t, r.DeleteReactionEvent("guild-1", "key-1"))
	_, ok, err = r.GetReactionEvent("guild-1", "key-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEditInfoRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	_, ok, err := r.GetEditInfo("guild-1", "msg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	info := EditInfo{EditedTimestamp: "2026-01-01T00:00:00Z", ContentHash: "abc"}
	require.NoError(t, r.SetEditInfo("guild-1", "msg-1", info))

	got, ok, err := r.GetEditInfo("guild-1", "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info, got)
}

func TestMessageHashIndex(t *testing.T) {
	r := newTestRepo(t)
	_, ok, err := r.LookupMessageHash("guild-1", "chan-1", "nonce1", "hash1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.RecordMessageHash("guild-1", "chan-1", "nonce1", "hash1", "snowflake-1"))
	snowflake, ok, err := r.LookupMessageHash("guild-1", "chan-1", "nonce1", "hash1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "snowflake-1", snowflake)
}

func TestWebhookTokenCache(t *testing.T) {
	r := newTestRepo(t)
	_, ok, err := r.GetWebhookToken("chan-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetWebhookToken("chan-1", WebhookToken{WebhookID: "wh1", Token: "tok1"}))
	wh, ok, err := r.GetWebhookToken("chan-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wh1", wh.WebhookID)

	require.NoError(t, r.InvalidateWebhookToken("chan-1"))
	_, ok, err = r.GetWebhookToken("chan-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuditLogChronologicalOrder(t *testing.T) {
	r := newTestRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.WriteAuditLog(AuditEntry{Time: base, GuildID: "guild-1", Action: "connect", Detail: "a"}))
	require.NoError(t, r.WriteAuditLog(AuditEntry{Time: base.Add(time.Second), GuildID: "guild-1", Action: "disconnect", Detail: "b"}))

	entries, err := r.GetAuditLog("guild-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "connect", entries[0].Action)
	assert.Equal(t, "disconnect", entries[1].Action)
}

func TestAuthorDIDTracking(t *testing.T) {
	r := newTestRepo(t)
	dids, err := r.ListCachedAuthorDIDs("guild-1")
	require.NoError(t, err)
	assert.Empty(t, dids)

	require.NoError(t, r.RecordAuthorDID("guild-1", "did:plc:abc"))
	require.NoError(t, r.RecordAuthorDID("guild-1", "did:plc:def"))

	dids, err = r.ListCachedAuthorDIDs("guild-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"did:plc:abc", "did:plc:def"}, dids)
}

func TestMessageChannelIndex(t *testing.T) {
	r := newTestRepo(t)
	_, ok, err := r.GetMessageChannel("guild-1", "msg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetMessageChannel("guild-1", "msg-1", "chan-1"))
	channelID, ok, err := r.GetMessageChannel("guild-1", "msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chan-1", channelID)
}
