// Package repo implements the Bridge Repository: a typed façade over
// internal/kvstore exposing only the operations spec.md §4.1 names —
// mapping registration, cursors, hashes, edit tracking, webhook tokens,
// reaction mappings, and the audit log — so callers never touch raw keys.
package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roomy-space/discord-bridge/internal/kvstore"
)

// ErrCollision is returned by RegisterMapping when either side of the pair
// is already mapped to something else.
var ErrCollision = errors.New("mapping collision")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("not found")

// Repo is the Bridge Repository for one bridge process (all guilds share
// one underlying kvstore, namespaced by sublevel and guild id).
type Repo struct {
	store *kvstore.Store

	bindings  *kvstore.Sublevel // guildId <-> spaceDid, and reverse
	mappings  *kvstore.Sublevel // guildId/discordId -> roomyId, and reverse
	cursors   *kvstore.Sublevel // guildId -> last-processed idx
	profHash  *kvstore.Sublevel // guildId/userId -> profile hash
	sideHash  *kvstore.Sublevel // guildId -> sidebar hash
	reactions *kvstore.Sublevel // guildId/messageId:userId:emojiKey -> roomy event id
	edits     *kvstore.Sublevel // guildId/messageId -> edit info json
	msgHashes *kvstore.Sublevel // guildId/channelId/nonce:contentHash -> discord snowflake
	webhooks  *kvstore.Sublevel // channelId -> webhookId:token
	lastSeen  *kvstore.Sublevel // channelId -> snowflake
	audit     *kvstore.Sublevel // guildId/seq -> audit entry json
	msgChan   *kvstore.Sublevel // guildId/discordMessageId -> discordChannelId
	authorDID *kvstore.Sublevel // guildId/did -> "1" (seen-set of non-Discord authors impersonated on webhooks)
}

// New constructs a Repo over an opened kvstore.
func New(store *kvstore.Store) *Repo {
	return &Repo{
		store:     store,
		bindings:  store.Sublevel("bindings"),
		mappings:  store.Sublevel("mappings"),
		cursors:   store.Sublevel("cursors"),
		profHash:  store.Sublevel("profile_hash"),
		sideHash:  store.Sublevel("sidebar_hash"),
		reactions: store.Sublevel("reactions"),
		edits:     store.Sublevel("edits"),
		msgHashes: store.Sublevel("msg_hash_index"),
		webhooks:  store.Sublevel("webhooks"),
		lastSeen:  store.Sublevel("last_seen"),
		audit:     store.Sublevel("audit_log"),
		msgChan:   store.Sublevel("msg_channel"),
		authorDID: store.Sublevel("author_did"),
	}
}

// --- Message-to-channel index ---

// SetMessageChannel records which Discord channel a Discord message
// belongs to, so Roomy→Discord edit/delete/reaction translation can
// resolve a channel id from just a message id.
func (r *Repo) SetMessageChannel(guildID, discordMessageID, channelID string) error {
	return r.msgChan.Set(guildID+"/"+discordMessageID, []byte(channelID))
}

// GetMessageChannel resolves a Discord message's channel id.
func (r *Repo) GetMessageChannel(guildID, discordMessageID string) (string, bool, error) {
	v, ok, err := r.msgChan.Get(guildID + "/" + discordMessageID)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// --- Impersonated author DIDs (for AT-proto profile resync) ---

// RecordAuthorDID marks did as impersonated on a webhook for guildID, so
// the profile resyncer knows to keep its cached profile fresh.
func (r *Repo) RecordAuthorDID(guildID, did string) error {
	return r.authorDID.Set(guildID+"/"+did, []byte{1})
}

// ListCachedAuthorDIDs returns every author DID impersonated so far for a
// guild, implementing atproto.ResyncStore.
func (r *Repo) ListCachedAuthorDIDs(guildID string) ([]string, error) {
	prefix := guildID + "/"
	var dids []string
	err := r.authorDID.ScanPrefix(prefix, func(key string, _ []byte) (bool, error) {
		dids = append(dids, strings.TrimPrefix(key, prefix))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan author dids for %s: %w", guildID, err)
	}
	return dids, nil
}

// --- Guild <-> Space bindings ---

// Binding is a registered guild <-> space pairing.
type Binding struct {
	GuildID  string
	SpaceDID string
}

// BindGuild registers a guild<->space pairing, atomically in both
// directions. Re-binding the same guild to the same space is a no-op
// success (spec.md §7: "already registered" is success, not failure).
func (r *Repo) BindGuild(guildID, spaceDID string) error {
	if existing, ok, _ := r.bindings.Get("g:" + guildID); ok && string(existing) == spaceDID {
		return nil
	}
	if _, ok, _ := r.bindings.Get("g:" + guildID); ok {
		return fmt.Errorf("%w: guild %s already bound to a different space", ErrCollision, guildID)
	}
	if _, ok, _ := r.bindings.Get("s:" + spaceDID); ok {
		return fmt.Errorf("%w: space %s already bound to a different guild", ErrCollision, spaceDID)
	}

	b := r.store.NewBatch()
	r.bindings.BatchSet(b, "g:"+guildID, []byte(spaceDID))
	r.bindings.BatchSet(b, "s:"+spaceDID, []byte(guildID))
	return b.Commit()
}

// UnbindGuild removes a guild<->space pairing in both directions.
func (r *Repo) UnbindGuild(guildID string) error {
	spaceDID, ok, err := r.bindings.Get("g:" + guildID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	b := r.store.NewBatch()
	r.bindings.BatchDelete(b, "g:"+guildID)
	r.bindings.BatchDelete(b, "s:"+string(spaceDID))
	return b.Commit()
}

// SpaceForGuild resolves the bound space DID for a guild.
func (r *Repo) SpaceForGuild(guildID string) (string, error) {
	v, ok, err := r.bindings.Get("g:" + guildID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: guild %s has no bound space", ErrNotFound, guildID)
	}
	return string(v), nil
}

// ListBoundGuilds returns every guild id currently bound to a space, used
// on process start to resume backfill/subscription for existing bindings
// and by the health server's readiness report.
func (r *Repo) ListBoundGuilds() ([]string, error) {
	var guilds []string
	err := r.bindings.ScanPrefix("g:", func(key string, _ []byte) (bool, error) {
		guilds = append(guilds, strings.TrimPrefix(key, "g:"))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bound guilds: %w", err)
	}
	return guilds, nil
}

// GuildForSpace resolves the bound guild id for a space DID, the lookup
// the Subscription Handler uses (spec.md §4.5 step 1) to attribute an
// inbound Roomy event to a guild.
func (r *Repo) GuildForSpace(spaceDID string) (string, error) {
	v, ok, err := r.bindings.Get("s:" + spaceDID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: space %s has no bound guild", ErrNotFound, spaceDID)
	}
	return string(v), nil
}

// --- Synced-id mapping ---

// mapKey scopes an id to its guild. Channel/thread ids share a snowflake
// namespace with messages, so callers pass them already prefixed with
// "room:" (spec.md §3); mapKey adds no prefix itself.
func mapKey(guildID, discordID string) string {
	return guildID + "/" + discordID
}

// RegisterMapping atomically dual-writes discordID <-> roomyID for a guild.
// Re-registering an identical pair is a no-op success; registering either
// id against a different counterpart is a collision.
func (r *Repo) RegisterMapping(guildID, discordID, roomyID string) error {
	dKey := mapKey(guildID, "d2r:"+discordID)
	rKey := mapKey(guildID, "r2d:"+roomyID)

	if existing, ok, _ := r.mappings.Get(dKey); ok {
		if string(existing) == roomyID {
			return nil
		}
		return fmt.Errorf("%w: discord id %s already mapped to %s", ErrCollision, discordID, existing)
	}
	if existing, ok, _ := r.mappings.Get(rKey); ok {
		if string(existing) == discordID {
			return nil
		}
		return fmt.Errorf("%w: roomy id %s already mapped to %s", ErrCollision, roomyID, existing)
	}

	b := r.store.NewBatch()
	r.mappings.BatchSet(b, dKey, []byte(roomyID))
	r.mappings.BatchSet(b, rKey, []byte(discordID))
	return b.Commit()
}

// UnregisterMapping removes a discordID <-> roomyID pair in both
// directions. Safe to call with ids that aren't currently mapped.
func (r *Repo) UnregisterMapping(guildID, discordID, roomyID string) error {
	b := r.store.NewBatch()
	r.mappings.BatchDelete(b, mapKey(guildID, "d2r:"+discordID))
	r.mappings.BatchDelete(b, mapKey(guildID, "r2d:"+roomyID))
	return b.Commit()
}

// GetRoomyID resolves a Discord id (message, channel, or "room:"-prefixed
// channel/thread id) to its Roomy event id.
func (r *Repo) GetRoomyID(guildID, discordID string) (string, bool, error) {
	v, ok, err := r.mappings.Get(mapKey(guildID, "d2r:"+discordID))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// GetDiscordID resolves a Roomy event id to its companion Discord id.
func (r *Repo) GetDiscordID(guildID, roomyID string) (string, bool, error) {
	v, ok, err := r.mappings.Get(mapKey(guildID, "r2d:"+roomyID))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// --- Cursor ---

// GetCursor returns the last-processed Roomy event idx for a guild, or -1
// if the guild has never processed an event (so the next fetch starts at 0).
func (r *Repo) GetCursor(guildID string) (int64, error) {
	v, ok, err := r.cursors.Get(guildID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	var idx int64
	if err := json.Unmarshal(v, &idx); err != nil {
		return 0, fmt.Errorf("decode cursor for %s: %w", guildID, err)
	}
	return idx, nil
}

// SetCursor advances the guild's cursor. Callers must only call this after
// an entire batch committed successfully (spec.md §4.5 step 5).
func (r *Repo) SetCursor(guildID string, idx int64) error {
	v, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return r.cursors.Set(guildID, v)
}

// --- Profile / sidebar hashes ---

// GetProfileHash returns the cached profile fingerprint for a Discord user
// within a guild's binding, or "" if none is cached yet.
func (r *Repo) GetProfileHash(guildID, userID string) (string, error) {
	v, ok, err := r.profHash.Get(guildID + "/" + userID)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

// SetProfileHash caches a profile fingerprint.
func (r *Repo) SetProfileHash(guildID, userID, hash string) error {
	return r.profHash.Set(guildID+"/"+userID, []byte(hash))
}

// GetSidebarHash returns the cached sidebar fingerprint for a guild.
func (r *Repo) GetSidebarHash(guildID string) (string, error) {
	v, ok, err := r.sideHash.Get(guildID)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

// SetSidebarHash replaces the cached sidebar fingerprint for a guild.
func (r *Repo) SetSidebarHash(guildID, hash string) error {
	return r.sideHash.Set(guildID, []byte(hash))
}

// --- Reaction mapping ---

// GetReactionEvent resolves a messageId:userId:emojiKey triple to the
// outstanding Roomy reaction event id, if any.
func (r *Repo) GetReactionEvent(guildID, reactionKey string) (string, bool, error) {
	v, ok, err := r.reactions.Get(guildID + "/" + reactionKey)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// SetReactionEvent records the Roomy event id for a reaction triple.
func (r *Repo) SetReactionEvent(guildID, reactionKey, eventID string) error {
	return r.reactions.Set(guildID+"/"+reactionKey, []byte(eventID))
}

// DeleteReactionEvent clears a reaction triple's mapping (called on
// reaction-remove).
func (r *Repo) DeleteReactionEvent(guildID, reactionKey string) error {
	return r.reactions.Delete(guildID + "/" + reactionKey)
}

// --- Edit tracking ---

// EditInfo is the cached state of a message's last-materialized edit.
type EditInfo struct {
	EditedTimestamp string `json:"editedTimestamp"`
	ContentHash     string `json:"contentHash"`
}

// GetEditInfo returns the cached edit info for a Discord message id.
func (r *Repo) GetEditInfo(guildID, discordMessageID string) (EditInfo, bool, error) {
	v, ok, err := r.edits.Get(guildID + "/" + discordMessageID)
	if err != nil || !ok {
		return EditInfo{}, ok, err
	}
	var info EditInfo
	if err := json.Unmarshal(v, &info); err != nil {
		return EditInfo{}, true, fmt.Errorf("decode edit info: %w", err)
	}
	return info, true, nil
}

// SetEditInfo records the edit info last reflected in Roomy for a message,
// used to suppress replaying edits already applied.
func (r *Repo) SetEditInfo(guildID, discordMessageID string, info EditInfo) error {
	v, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.edits.Set(guildID+"/"+discordMessageID, v)
}

// --- Discord message hash index ---

// msgHashKey builds the {truncatedNonce:contentHash} key scoped to a
// channel, per spec.md §3's Discord Message Hash Index.
func msgHashKey(guildID, channelID, truncatedNonce, contentHash string) string {
	return guildID + "/" + channelID + "/" + truncatedNonce + ":" + contentHash
}

// RecordMessageHash indexes a Discord message's (nonce-prefix, content
// hash) so Roomy→Discord sync can detect it already exists without
// re-sending it.
func (r *Repo) RecordMessageHash(guildID, channelID, truncatedNonce, contentHash, discordSnowflake string) error {
	return r.msgHashes.Set(msgHashKey(guildID, channelID, truncatedNonce, contentHash), []byte(discordSnowflake))
}

// LookupMessageHash checks whether a (nonce-prefix, content hash) pair is
// already present in a channel's index.
func (r *Repo) LookupMessageHash(guildID, channelID, truncatedNonce, contentHash string) (string, bool, error) {
	v, ok, err := r.msgHashes.Get(msgHashKey(guildID, channelID, truncatedNonce, contentHash))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// --- Webhook tokens ---

// WebhookToken is a cached webhook credential for one channel.
type WebhookToken struct {
	WebhookID string
	Token     string
}

// GetWebhookToken returns the cached webhook for a channel, if any.
func (r *Repo) GetWebhookToken(channelID string) (WebhookToken, bool, error) {
	v, ok, err := r.webhooks.Get(channelID)
	if err != nil || !ok {
		return WebhookToken{}, ok, err
	}
	var wh WebhookToken
	if err := json.Unmarshal(v, &wh); err != nil {
		return WebhookToken{}, true, err
	}
	return wh, true, nil
}

// SetWebhookToken caches a webhook credential for a channel.
func (r *Repo) SetWebhookToken(channelID string, wh WebhookToken) error {
	v, err := json.Marshal(wh)
	if err != nil {
		return err
	}
	return r.webhooks.Set(channelID, v)
}

// InvalidateWebhookToken drops a cached webhook, forcing the next acquire
// to fetch or create a fresh one (called on 404).
func (r *Repo) InvalidateWebhookToken(channelID string) error {
	return r.webhooks.Delete(channelID)
}

// --- Latest seen message ---

// GetLastSeen returns the newest Discord message snowflake this bridge has
// processed for a channel, or "" if none.
func (r *Repo) GetLastSeen(channelID string) (string, error) {
	v, ok, err := r.lastSeen.Get(channelID)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

// SetLastSeen records the newest processed message snowflake for a channel.
func (r *Repo) SetLastSeen(channelID, snowflake string) error {
	return r.lastSeen.Set(channelID, []byte(snowflake))
}

// --- Audit log ---

// AuditEntry is one append-only operator-visible record. internal/bridgereg
// writes one on each connect and disconnect; webhook recreation and
// skipped events are logged through slog only, not written here.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	GuildID string    `json:"guildId"`
	Action  string    `json:"action"`
	Detail  string    `json:"detail"`
}

// WriteAuditLog appends an entry, keyed by a lexicographically sortable
// timestamp so ScanPrefix returns entries in chronological order.
func (r *Repo) WriteAuditLog(entry AuditEntry) error {
	v, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := entry.GuildID + "/" + entry.Time.UTC().Format(time.RFC3339Nano)
	if err := r.audit.Set(key, v); err != nil {
		return err
	}
	slog.Info("audit", "guildId", entry.GuildID, "action", entry.Action, "detail", entry.Detail)
	return nil
}

// GetAuditLog returns all audit entries for a guild in chronological order.
func (r *Repo) GetAuditLog(guildID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := r.audit.ScanPrefix(guildID+"/", func(_ string, value []byte) (bool, error) {
		var e AuditEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return false, err
		}
		entries = append(entries, e)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log for %s: %w", guildID, err)
	}
	return entries, nil
}
