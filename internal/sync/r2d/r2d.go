// Package r2d implements the Roomy→Discord translators (spec.md §4.7):
// for each non-Discord-origin Roomy event, materialize the corresponding
// Discord write, gated by nonce- and content-hash-based idempotency so a
// replayed or backfilled event never double-posts.
package r2d

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roomy-space/discord-bridge/internal/events"
	"github.com/roomy-space/discord-bridge/internal/fingerprint"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/topicmarker"
	"github.com/roomy-space/discord-bridge/internal/webhookpool"
)

// nonceLen is the number of leading ULID characters used as the Discord
// idempotency nonce (spec.md §4.7: "nonce = firstChars(ulid, 25)").
const nonceLen = 25

// AuthorSource resolves a Roomy author's DID to a display name and
// avatar URL for webhook impersonation — Discord users via the Discord
// API, AT-proto users via internal/atproto.
type AuthorSource interface {
	ResolveAuthor(ctx context.Context, guildID, did string) (username, avatarURL string, err error)
	// InvalidateAuthor drops any cached profile for did, so a
	// Roomy-originated profile update materializes on the next
	// impersonation instead of waiting out the cache's own TTL.
	InvalidateAuthor(guildID, did string)
}

// DiscordWriter is the narrow Discord-side seam the translators need.
type DiscordWriter interface {
	EditMessage(channelID, messageID, content string) error
	DeleteMessage(channelID, messageID string) error
	AddReaction(channelID, messageID, emoji string) error
	RemoveReaction(channelID, messageID, emoji, userID string) error
	CreateChannel(guildID, name string) (string, error)
	SetChannelTopic(channelID, topic string) error
	EnsureCategory(guildID, name string) (string, error)
	SetChannelParent(channelID, parentID string) error
}

// Translator holds the shared dependencies every Roomy→Discord translation
// function needs.
type Translator struct {
	Repo     *repo.Repo
	Webhooks *webhookpool.Pool
	Discord  DiscordWriter
	Authors  AuthorSource
}

// Dispatch implements subscription.Dispatcher: it switches on the event's
// $type and routes to the matching translation function, ignoring event
// kinds this package has no Discord-side effect for.
func (t *Translator) Dispatch(ctx context.Context, guildID, authorDID string, ev events.Event) error {
	switch ev.Type {
	case events.TypeCreateMessage:
		var payload events.CreateMessagePayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode createMessage payload: %w", err)
		}
		return t.CreateMessage(ctx, guildID, ev.Room, ev.ID, authorDID, payload.Body)

	case events.TypeEditMessage:
		var payload events.EditMessagePayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode editMessage payload: %w", err)
		}
		return t.EditMessage(ctx, guildID, payload.MessageID, payload.Body)

	case events.TypeDeleteMessage:
		var payload events.DeleteMessagePayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode deleteMessage payload: %w", err)
		}
		return t.DeleteMessage(ctx, guildID, payload.MessageID)

	case events.TypeAddBridgedReact:
		var payload events.AddBridgedReactionPayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode addBridgedReaction payload: %w", err)
		}
		return t.ReactionAdd(ctx, guildID, payload.ReactionTo, payload.Reaction)

	case events.TypeRemoveBridgedReact:
		// removeBridgedReaction carries only the reactionId of the add event
		// it reverses; the bridge has no standing index from that id back to
		// (messageId, userId, emojiKey), so a reaction remove observed from
		// the Roomy side with no corresponding bridge-local lookup is a
		// known no-op, same as the reverse direction in ReactionRemove.
		return nil

	case events.TypeCreateRoom:
		var payload events.CreateRoomPayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode createRoom payload: %w", err)
		}
		return t.CreateRoom(ctx, guildID, ev.ID, payload.Name)

	case events.TypeUpdateProfile:
		var payload events.UpdateProfilePayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode updateProfile payload: %w", err)
		}
		return t.UpdateProfile(ctx, guildID, payload.DID)

	case events.TypeUpdateSidebar:
		var payload events.UpdateSidebarPayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode updateSidebar payload: %w", err)
		}
		return t.UpdateSidebar(ctx, guildID, payload.Categories)

	case events.TypeCreateRoomLink:
		var payload events.CreateRoomLinkPayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return fmt.Errorf("decode createRoomLink payload: %w", err)
		}
		return t.CreateRoomLink(ctx, guildID, payload.ParentRoomyID, payload.ChildRoomyID, ev.ID)

	default:
		return nil
	}
}

func nonceOf(ulid string) string {
	if len(ulid) <= nonceLen {
		return ulid
	}
	return ulid[:nonceLen]
}

// CreateMessage implements spec.md §4.7's create-message translation,
// including both idempotency gates before falling through to a real send.
func (t *Translator) CreateMessage(ctx context.Context, guildID, roomyRoomID, roomyMessageID, authorDID, body string) error {
	channelID, ok, err := t.Repo.GetDiscordID(guildID, roomyRoomID)
	if err != nil {
		return fmt.Errorf("resolve channel for room %s: %w", roomyRoomID, err)
	}
	if !ok || !strings.HasPrefix(channelID, "room:") {
		return nil
	}
	channelID = strings.TrimPrefix(channelID, "room:")

	nonce := nonceOf(roomyMessageID)

	if _, ok, err := t.Repo.GetRoomyID(guildID, nonce); err != nil {
		return fmt.Errorf("lookup nonce mapping: %w", err)
	} else if ok {
		return nil
	}

	contentHash := fingerprint.Content(body, nil)
	if snowflake, ok, err := t.Repo.LookupMessageHash(guildID, channelID, nonce, contentHash); err != nil {
		return fmt.Errorf("lookup message hash index: %w", err)
	} else if ok {
		return t.Repo.RegisterMapping(guildID, nonce, snowflake)
	}

	username, avatarURL, err := t.Authors.ResolveAuthor(ctx, guildID, authorDID)
	if err != nil {
		return fmt.Errorf("resolve author %s: %w", authorDID, err)
	}

	discordMessageID, err := t.Webhooks.Execute(ctx, channelID, body, username, avatarURL, nonce)
	if err != nil {
		return fmt.Errorf("execute webhook for room %s: %w", roomyRoomID, err)
	}

	if err := t.Repo.RegisterMapping(guildID, discordMessageID, roomyMessageID); err != nil {
		return fmt.Errorf("register message mapping: %w", err)
	}
	if err := t.Repo.RegisterMapping(guildID, nonce, discordMessageID); err != nil {
		return fmt.Errorf("register nonce mapping: %w", err)
	}
	if err := t.Repo.RecordMessageHash(guildID, channelID, nonce, contentHash, discordMessageID); err != nil {
		return fmt.Errorf("record message hash: %w", err)
	}
	return t.Repo.SetMessageChannel(guildID, discordMessageID, channelID)
}

// EditMessage implements spec.md §4.7's edit translation.
func (t *Translator) EditMessage(ctx context.Context, guildID, roomyMessageID, body string) error {
	discordID, ok, err := t.Repo.GetDiscordID(guildID, roomyMessageID)
	if err != nil {
		return fmt.Errorf("resolve discord message for %s: %w", roomyMessageID, err)
	}
	if !ok {
		return nil
	}
	channelID, ok, err := t.Repo.GetMessageChannel(guildID, discordID)
	if err != nil {
		return fmt.Errorf("resolve channel for message %s: %w", discordID, err)
	}
	if !ok {
		return nil
	}
	return t.Discord.EditMessage(channelID, discordID, body)
}

// DeleteMessage implements spec.md §4.7's delete translation; the
// subscription handler unregisters the mapping once the event returns.
func (t *Translator) DeleteMessage(ctx context.Context, guildID, roomyMessageID string) error {
	discordID, ok, err := t.Repo.GetDiscordID(guildID, roomyMessageID)
	if err != nil {
		return fmt.Errorf("resolve discord message for delete %s: %w", roomyMessageID, err)
	}
	if !ok {
		return nil
	}
	channelID, ok, err := t.Repo.GetMessageChannel(guildID, discordID)
	if err != nil || !ok {
		return err
	}
	return t.Discord.DeleteMessage(channelID, discordID)
}

// ReactionAdd implements spec.md §4.7's reaction translation: the Roomy
// reaction string, already in Discord's <:name:id> / <a:name:id> or
// unicode form, is passed through with surrounding whitespace trimmed.
func (t *Translator) ReactionAdd(ctx context.Context, guildID, roomyMessageID, reactionString string) error {
	discordID, ok, err := t.Repo.GetDiscordID(guildID, roomyMessageID)
	if err != nil {
		return fmt.Errorf("resolve discord message for reaction: %w", err)
	}
	if !ok {
		return nil
	}
	channelID, ok, err := t.Repo.GetMessageChannel(guildID, discordID)
	if err != nil || !ok {
		return err
	}
	return t.Discord.AddReaction(channelID, discordID, discordEmojiForm(reactionString))
}

// ReactionRemove implements spec.md §4.7's reaction-remove translation.
// Known limitation (spec.md §4.7): if the bridge never observed the
// corresponding add, there is nothing to look up and this is a no-op.
func (t *Translator) ReactionRemove(ctx context.Context, guildID, roomyMessageID, reactionString, userID string) error {
	discordID, ok, err := t.Repo.GetDiscordID(guildID, roomyMessageID)
	if err != nil {
		return fmt.Errorf("resolve discord message for reaction remove: %w", err)
	}
	if !ok {
		return nil
	}
	channelID, ok, err := t.Repo.GetMessageChannel(guildID, discordID)
	if err != nil || !ok {
		return err
	}
	return t.Discord.RemoveReaction(channelID, discordID, discordEmojiForm(reactionString), userID)
}

// CreateRoom implements spec.md §4.7's channel projection: a Roomy room with
// no Discord channel yet gets one created and marked, mirroring the
// lookup-or-create-by-marker pattern §4.7's closing paragraph describes.
// Idempotent on the room mapping, same as the Discord→Roomy direction.
func (t *Translator) CreateRoom(ctx context.Context, guildID, roomyRoomID, name string) error {
	if _, ok, err := t.Repo.GetDiscordID(guildID, roomyRoomID); err != nil {
		return fmt.Errorf("lookup room mapping for %s: %w", roomyRoomID, err)
	} else if ok {
		return nil
	}
	if name == "" {
		name = "roomy-" + nonceOf(roomyRoomID)
	}

	channelID, err := t.Discord.CreateChannel(guildID, name)
	if err != nil {
		return fmt.Errorf("create discord channel for room %s: %w", roomyRoomID, err)
	}
	if err := t.Repo.RegisterMapping(guildID, "room:"+channelID, roomyRoomID); err != nil {
		return fmt.Errorf("register room mapping for channel %s: %w", channelID, err)
	}
	if err := t.Discord.SetChannelTopic(channelID, topicmarker.Add("", roomyRoomID)); err != nil {
		return fmt.Errorf("set sync marker on channel %s: %w", channelID, err)
	}
	return nil
}

// UpdateProfile implements spec.md §4.7's profile projection. Discord has no
// writable "profile" for a non-Discord author beyond the webhook
// impersonation fields the bridge already resolves fresh on every message
// (spec.md §4.7's CreateMessage step 3); the concrete Discord-side effect
// of a Roomy-originated profile change is invalidating any cached copy of
// it so the very next impersonated message picks up the new name/avatar
// immediately instead of serving a stale one until the cache's TTL lapses.
func (t *Translator) UpdateProfile(ctx context.Context, guildID, did string) error {
	t.Authors.InvalidateAuthor(guildID, did)
	return nil
}

// UpdateSidebar implements spec.md §4.7's sidebar projection: re-materialize
// a Roomy-originated category/room layout onto Discord by ensuring each
// category channel exists and re-parenting every already-synced room's
// Discord channel under it. Rooms with no Discord channel yet are skipped
// (they have nothing to re-parent); they'll be picked up once CreateRoom
// materializes them.
func (t *Translator) UpdateSidebar(ctx context.Context, guildID string, categories []events.SidebarCategory) error {
	sorted := make([]events.SidebarCategory, len(categories))
	copy(sorted, categories)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })

	var flat []string
	for _, c := range sorted {
		ids := append([]string(nil), c.RoomIDs...)
		sort.Strings(ids)
		flat = append(flat, c.Category)
		flat = append(flat, ids...)
	}
	hash := fingerprint.Sidebar(flat)
	cached, err := t.Repo.GetSidebarHash(guildID)
	if err != nil {
		return fmt.Errorf("lookup cached sidebar hash: %w", err)
	}
	if cached == hash {
		return nil
	}

	for _, c := range sorted {
		categoryID, err := t.Discord.EnsureCategory(guildID, c.Category)
		if err != nil {
			return fmt.Errorf("ensure discord category %q: %w", c.Category, err)
		}
		for _, roomyID := range c.RoomIDs {
			channelID, ok, err := t.Repo.GetDiscordID(guildID, roomyID)
			if err != nil {
				return fmt.Errorf("resolve channel for room %s: %w", roomyID, err)
			}
			if !ok || !strings.HasPrefix(channelID, "room:") {
				continue
			}
			channelID = strings.TrimPrefix(channelID, "room:")
			if err := t.Discord.SetChannelParent(channelID, categoryID); err != nil {
				return fmt.Errorf("set parent for channel %s: %w", channelID, err)
			}
		}
	}
	return t.Repo.SetSidebarHash(guildID, hash)
}

// CreateRoomLink implements spec.md §4.7's room-link projection. A link is
// only materializable on Discord once both rooms already have Discord
// channels (the payload carries no name or kind for the child, so there's
// nothing to fabricate a new channel from); when the child has no channel
// yet, this is a documented no-op until a CreateRoom event supplies one.
func (t *Translator) CreateRoomLink(ctx context.Context, guildID, parentRoomyID, childRoomyID, linkEventID string) error {
	if _, ok, err := t.Repo.GetDiscordID(guildID, parentRoomyID); err != nil || !ok {
		return err
	}
	if _, ok, err := t.Repo.GetDiscordID(guildID, childRoomyID); err != nil || !ok {
		return err
	}
	if err := t.Repo.RegisterMapping(guildID, parentRoomyID+":"+childRoomyID, linkEventID); err != nil {
		if errors.Is(err, repo.ErrCollision) {
			return nil
		}
		return fmt.Errorf("record room link %s:%s: %w", parentRoomyID, childRoomyID, err)
	}
	return nil
}

// discordEmojiForm renders a Roomy reaction string (already in Discord's
// own <:name:id>/unicode form, since that's how it was captured on the way
// in) back to Discord's API format unchanged, normalizing only whitespace.
func discordEmojiForm(reactionString string) string {
	return strings.TrimSpace(reactionString)
}
