// Package d2r implements the Discord→Roomy translators (spec.md §4.6):
// one function per Discord event kind, each emitting the corresponding
// Roomy $type with a Discord-origin extension so the event can be
// recognized and suppressed on its way back.
package d2r

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roomy-space/discord-bridge/internal/events"
	"github.com/roomy-space/discord-bridge/internal/fingerprint"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/topicmarker"
)

// RoomySender is the narrow seam into the Roomy adapter this package needs.
type RoomySender interface {
	SendEvent(ctx context.Context, spaceDID string, ev events.Event) (string, error)
}

// ChannelMutator is the narrow seam into the Discord adapter needed to set
// a channel topic or pin a thread starter message once a room mapping is
// registered.
type ChannelMutator interface {
	SetChannelTopic(channelID, topic string) error
	PinStarterMessage(threadID, content string) error
}

// Translator holds the shared dependencies every Discord→Roomy translation
// function needs.
type Translator struct {
	Repo    *repo.Repo
	Roomy   RoomySender
	Discord ChannelMutator
}

// DiscordChannel is the subset of a Discord channel/thread the translators
// need, independent of discordgo's type so this package stays testable
// without a live session.
type DiscordChannel struct {
	ID       string
	GuildID  string
	Topic    string // empty for threads
	IsThread bool
	Name     string
}

// ChannelCreateOrAdopt implements spec.md §4.6's channel create/adopt path:
// if the channel already carries a sync marker, adopt the referenced room;
// otherwise create a new Roomy room and mark the channel.
func (t *Translator) ChannelCreateOrAdopt(ctx context.Context, spaceDID string, ch DiscordChannel) error {
	discordID := ch.ID
	if ch.IsThread {
		// Threads have no topic; the starter-message URL plays that role,
		// but we can't read past messages here, so a thread is always
		// treated as new on first observation.
	} else if marker, err := topicmarker.Decode(ch.Topic, spaceDID); err == nil {
		if _, ok, err := t.Repo.GetRoomyID(ch.GuildID, "room:"+discordID); err == nil && ok {
			return nil
		} else if err != nil {
			return fmt.Errorf("lookup existing room mapping: %w", err)
		}
		return t.Repo.RegisterMapping(ch.GuildID, "room:"+discordID, marker.ULID)
	}

	if _, ok, err := t.Repo.GetRoomyID(ch.GuildID, "room:"+discordID); err != nil {
		return fmt.Errorf("lookup room mapping: %w", err)
	} else if ok {
		return nil
	}

	ev := events.Event{
		Type: events.TypeCreateRoom,
	}
	payload, _ := marshalPayload(events.CreateRoomPayload{Name: ch.Name})
	ev.Payload = payload
	ev.Extensions = rawExt{}.merge(events.ExtRoomOrigin, events.RoomOrigin{
		Snowflake: discordID, GuildID: ch.GuildID,
	})

	roomyID, err := t.Roomy.SendEvent(ctx, spaceDID, ev)
	if err != nil {
		return fmt.Errorf("emit createRoom for channel %s: %w", discordID, err)
	}

	if err := t.Repo.RegisterMapping(ch.GuildID, "room:"+discordID, roomyID); err != nil {
		return fmt.Errorf("register room mapping for channel %s: %w", discordID, err)
	}

	if ch.IsThread {
		marker := topicmarker.Marker{SpaceDID: spaceDID, ULID: roomyID}
		return t.Discord.PinStarterMessage(discordID, marker.ThreadURL())
	}
	return t.Discord.SetChannelTopic(discordID, topicmarker.Add(ch.Topic, roomyID))
}

// DiscordMessage is the subset of a Discord message the translators need.
type DiscordMessage struct {
	ID              string
	ChannelID       string
	GuildID         string
	AuthorID        string
	AuthorUsername  string
	AuthorGlobal    string
	AuthorAvatar    string
	Body            string
	AttachmentURLs  []string
	ReplyToID       string // empty if not a reply
	Timestamp       time.Time
	IsWebhookOwned  bool
	IsSystemMessage bool
	EditedTimestamp string // set only for edits
}

// MessageCreate implements spec.md §4.6's message-create translation,
// including loop suppression and the opportunistic profile update.
func (t *Translator) MessageCreate(ctx context.Context, spaceDID string, m DiscordMessage) error {
	if m.IsWebhookOwned || m.IsSystemMessage {
		return nil
	}
	if _, ok, err := t.Repo.GetRoomyID(m.GuildID, m.ID); err != nil {
		return fmt.Errorf("lookup existing message mapping: %w", err)
	} else if ok {
		return nil
	}

	roomID, ok, err := t.Repo.GetRoomyID(m.GuildID, "room:"+m.ChannelID)
	if err != nil {
		return fmt.Errorf("lookup room mapping for channel %s: %w", m.ChannelID, err)
	}
	if !ok {
		return fmt.Errorf("channel %s has no synced room yet", m.ChannelID)
	}

	if err := t.maybeEmitProfileUpdate(ctx, spaceDID, m.GuildID, m.AuthorID, m.AuthorUsername, m.AuthorGlobal, m.AuthorAvatar); err != nil {
		slog.Warn("opportunistic profile update failed", "userId", m.AuthorID, "error", err)
	}

	ext := rawExt{}.
		merge(events.ExtMessageOrigin, events.MessageOrigin{
			Snowflake: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID,
		})
	ext["authorOverride.v0"] = mustMarshal(map[string]string{"did": "did:discord:" + m.AuthorID})
	ext["timestampOverride.v0"] = mustMarshal(m.Timestamp.UnixMilli())

	if len(m.AttachmentURLs) > 0 || m.ReplyToID != "" {
		attachments := append([]string(nil), m.AttachmentURLs...)
		payload := map[string]interface{}{"urls": attachments}
		if m.ReplyToID != "" {
			if replyRoomyID, ok, _ := t.Repo.GetRoomyID(m.GuildID, m.ReplyToID); ok {
				payload["reply"] = map[string]string{"target": replyRoomyID}
			}
		}
		ext["attachments.v0"] = mustMarshal(payload)
	}

	ev := events.Event{Type: events.TypeCreateMessage, Room: roomID, Extensions: ext}
	payload, _ := marshalPayload(events.CreateMessagePayload{Body: m.Body})
	ev.Payload = payload

	roomyID, err := t.Roomy.SendEvent(ctx, spaceDID, ev)
	if err != nil {
		return fmt.Errorf("emit createMessage for %s: %w", m.ID, err)
	}
	if err := t.Repo.RegisterMapping(m.GuildID, m.ID, roomyID); err != nil {
		return fmt.Errorf("register message mapping: %w", err)
	}
	return t.Repo.SetMessageChannel(m.GuildID, m.ID, m.ChannelID)
}

// MessageEdit implements spec.md §4.6's hash-gated edit translation.
func (t *Translator) MessageEdit(ctx context.Context, spaceDID string, m DiscordMessage) error {
	roomyID, ok, err := t.Repo.GetRoomyID(m.GuildID, m.ID)
	if err != nil {
		return fmt.Errorf("lookup message mapping for edit: %w", err)
	}
	if !ok {
		return nil
	}

	contentHash := fingerprint.Content(m.Body, m.AttachmentURLs)
	if cached, ok, err := t.Repo.GetEditInfo(m.GuildID, m.ID); err == nil && ok {
		if cached.EditedTimestamp == m.EditedTimestamp && cached.ContentHash == contentHash {
			return nil
		}
	}

	ext := rawExt{}.merge(events.ExtMessageOrigin, events.MessageOrigin{
		Snowflake: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID,
		EditedTimestamp: m.EditedTimestamp, ContentHash: contentHash,
	})
	ev := events.Event{Type: events.TypeEditMessage, Room: roomyID, Extensions: ext}
	payload, _ := marshalPayload(events.EditMessagePayload{MessageID: roomyID, Body: m.Body})
	ev.Payload = payload

	if _, err := t.Roomy.SendEvent(ctx, spaceDID, ev); err != nil {
		return fmt.Errorf("emit editMessage for %s: %w", m.ID, err)
	}
	return t.Repo.SetEditInfo(m.GuildID, m.ID, repo.EditInfo{EditedTimestamp: m.EditedTimestamp, ContentHash: contentHash})
}

// MessageDelete implements spec.md §4.6's delete translation; the
// subscription handler unregisters the mapping once the event returns.
func (t *Translator) MessageDelete(ctx context.Context, spaceDID, guildID, discordMessageID string) error {
	roomyID, ok, err := t.Repo.GetRoomyID(guildID, discordMessageID)
	if err != nil {
		return fmt.Errorf("lookup message mapping for delete: %w", err)
	}
	if !ok {
		return nil
	}
	payload, _ := marshalPayload(events.DeleteMessagePayload{MessageID: roomyID})
	ev := events.Event{Type: events.TypeDeleteMessage, Payload: payload}
	_, err = t.Roomy.SendEvent(ctx, spaceDID, ev)
	return err
}

// ReactionAdd implements spec.md §4.6's reaction-add translation.
func (t *Translator) ReactionAdd(ctx context.Context, spaceDID, guildID, messageID, userID, emojiKey, emojiString string) error {
	key := fingerprint.ReactionKey(messageID, userID, emojiKey)
	if _, ok, err := t.Repo.GetReactionEvent(guildID, key); err != nil {
		return fmt.Errorf("lookup reaction mapping: %w", err)
	} else if ok {
		return nil
	}

	roomyMessageID, ok, err := t.Repo.GetRoomyID(guildID, messageID)
	if err != nil {
		return fmt.Errorf("lookup message mapping for reaction: %w", err)
	}
	if !ok {
		return nil
	}

	ext := rawExt{}.merge(events.ExtReactionOrigin, events.ReactionOrigin{
		MessageID: messageID, UserID: userID, EmojiKey: emojiKey, GuildID: guildID,
	})
	payload, _ := marshalPayload(events.AddBridgedReactionPayload{
		ReactionTo: roomyMessageID, Reaction: emojiString, ReactingUser: "did:discord:" + userID,
	})
	ev := events.Event{Type: events.TypeAddBridgedReact, Payload: payload, Extensions: ext}

	eventID, err := t.Roomy.SendEvent(ctx, spaceDID, ev)
	if err != nil {
		return fmt.Errorf("emit addBridgedReaction: %w", err)
	}
	return t.Repo.SetReactionEvent(guildID, key, eventID)
}

// ReactionRemove implements spec.md §4.6's reaction-remove translation.
func (t *Translator) ReactionRemove(ctx context.Context, spaceDID, guildID, messageID, userID, emojiKey string) error {
	key := fingerprint.ReactionKey(messageID, userID, emojiKey)
	eventID, ok, err := t.Repo.GetReactionEvent(guildID, key)
	if err != nil {
		return fmt.Errorf("lookup reaction mapping for remove: %w", err)
	}
	if !ok {
		// Known open question: a remove without an observed add is a no-op.
		return nil
	}

	payload, _ := marshalPayload(events.RemoveBridgedReactionPayload{ReactionID: eventID})
	ev := events.Event{Type: events.TypeRemoveBridgedReact, Payload: payload}
	if _, err := t.Roomy.SendEvent(ctx, spaceDID, ev); err != nil {
		return fmt.Errorf("emit removeBridgedReaction: %w", err)
	}
	return t.Repo.DeleteReactionEvent(guildID, key)
}

func (t *Translator) maybeEmitProfileUpdate(ctx context.Context, spaceDID, guildID, userID, username, globalName, avatarURL string) error {
	hash := fingerprint.Profile(username, globalName, avatarURL)
	cached, err := t.Repo.GetProfileHash(guildID, userID)
	if err != nil {
		return fmt.Errorf("lookup cached profile hash: %w", err)
	}
	if cached == hash {
		return nil
	}

	name := globalName
	if name == "" {
		name = username
	}
	ext := rawExt{}.merge(events.ExtUserOrigin, events.UserOrigin{
		ProfileHash: hash, Handle: username, GuildID: guildID,
	})
	payload, _ := marshalPayload(events.UpdateProfilePayload{
		DID: "did:discord:" + userID, Name: name, Avatar: avatarURL,
	})
	ev := events.Event{Type: events.TypeUpdateProfile, Payload: payload, Extensions: ext}

	if _, err := t.Roomy.SendEvent(ctx, spaceDID, ev); err != nil {
		return fmt.Errorf("emit updateProfile: %w", err)
	}
	return t.Repo.SetProfileHash(guildID, userID, hash)
}

// SidebarCategory mirrors Discord's channel/category layout for fingerprinting.
type SidebarCategory struct {
	Category string
	RoomIDs  []string
}

// SidebarUpdate implements spec.md §4.6's sidebar translation: emit a new
// updateSidebar event only if the normalized structure's fingerprint changed.
func (t *Translator) SidebarUpdate(ctx context.Context, spaceDID, guildID string, categories []SidebarCategory) error {
	sorted := make([]SidebarCategory, len(categories))
	copy(sorted, categories)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })

	var flat []string
	payloadCats := make([]events.SidebarCategory, 0, len(sorted))
	for _, c := range sorted {
		ids := append([]string(nil), c.RoomIDs...)
		sort.Strings(ids)
		flat = append(flat, c.Category)
		flat = append(flat, ids...)
		payloadCats = append(payloadCats, events.SidebarCategory{Category: c.Category, RoomIDs: ids})
	}

	hash := fingerprint.Sidebar(flat)
	cached, err := t.Repo.GetSidebarHash(guildID)
	if err != nil {
		return fmt.Errorf("lookup cached sidebar hash: %w", err)
	}
	if cached == hash {
		return nil
	}

	ext := rawExt{}.merge(events.ExtSidebarOrigin, events.SidebarOrigin{GuildID: guildID})
	payload, _ := marshalPayload(events.UpdateSidebarPayload{Categories: payloadCats})
	ev := events.Event{Type: events.TypeUpdateSidebar, Payload: payload, Extensions: ext}

	if _, err := t.Roomy.SendEvent(ctx, spaceDID, ev); err != nil {
		return fmt.Errorf("emit updateSidebar: %w", err)
	}
	return t.Repo.SetSidebarHash(guildID, hash)
}
