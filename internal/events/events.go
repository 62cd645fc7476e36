// Package events models Roomy's tagged event records: the $type-keyed
// payload variants the bridge reads from and writes to a Leaf-hosted
// space, and the Discord-origin extension NSIDs used for loop suppression
// and idempotent re-materialization.
package events

import "encoding/json"

// NSID-style $type identifiers for the Roomy event kinds the bridge speaks.
const (
	TypeCreateRoom       = "space.roomy.room.createRoom.v0"
	TypeCreateRoomLink   = "space.roomy.room.createRoomLink.v0"
	TypeDeleteRoom       = "space.roomy.room.deleteRoom.v0"
	TypeCreateMessage    = "space.roomy.message.createMessage.v0"
	TypeEditMessage      = "space.roomy.message.editMessage.v0"
	TypeDeleteMessage    = "space.roomy.message.deleteMessage.v0"
	TypeAddBridgedReact  = "space.roomy.message.addBridgedReaction.v0"
	TypeRemoveBridgedReact = "space.roomy.message.removeBridgedReaction.v0"
	TypeUpdateProfile    = "space.roomy.profile.updateProfile.v0"
	TypeUpdateSidebar    = "space.roomy.space.updateSidebar.v0"
)

// Origin extension NSIDs — presence of any of these on an event marks it
// Discord-originated, meaning the bridge must not echo it back to Discord.
const (
	ExtMessageOrigin = "discordMessageOrigin.v0"
	ExtRoomOrigin     = "discordOrigin.v0"
	ExtUserOrigin     = "discordUserOrigin.v0"
	ExtSidebarOrigin  = "discordSidebarOrigin.v0"
	ExtRoomLinkOrigin = "discordRoomLinkOrigin.v0"
	ExtReactionOrigin = "discordReactionOrigin.v0"
)

// Event is a decoded Roomy event as delivered by the subscription stream:
// a stable id, a $type tag, an optional room, a raw $type-specific payload,
// and an extensions side channel keyed by NSID. The payload and extensions
// are inspected on demand (UnmarshalPayload/Extension) rather than
// type-switched up front, since Roomy events are open records and new
// $types/extensions can appear without the bridge's knowledge.
type Event struct {
	ID         string                     `json:"id"`
	Type       string                     `json:"$type"`
	Room       string                     `json:"room,omitempty"`
	Payload    json.RawMessage            `json:"-"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// HasDiscordOrigin reports whether the event carries any Discord-origin
// extension at all, regardless of which one.
func (e Event) HasDiscordOrigin() bool {
	for _, nsid := range []string{
		ExtMessageOrigin, ExtRoomOrigin, ExtUserOrigin,
		ExtSidebarOrigin, ExtRoomLinkOrigin, ExtReactionOrigin,
	} {
		if _, ok := e.Extensions[nsid]; ok {
			return true
		}
	}
	return false
}

// Extension unmarshals the named extension into dst, reporting whether it
// was present at all.
func (e Event) Extension(nsid string, dst interface{}) (bool, error) {
	raw, ok := e.Extensions[nsid]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, err
	}
	return true, nil
}

// UnmarshalPayload decodes the $type-specific payload into dst.
func (e Event) UnmarshalPayload(dst interface{}) error {
	return json.Unmarshal(e.Payload, dst)
}

// --- Extension payloads ---

// MessageOrigin is discordMessageOrigin.v0.
type MessageOrigin struct {
	Snowflake       string `json:"snowflake"`
	ChannelID       string `json:"channelId"`
	GuildID         string `json:"guildId"`
	EditedTimestamp string `json:"editedTimestamp,omitempty"`
	ContentHash     string `json:"contentHash,omitempty"`
}

// RoomOrigin is discordOrigin.v0.
type RoomOrigin struct {
	Snowflake string `json:"snowflake"`
	GuildID   string `json:"guildId"`
}

// UserOrigin is discordUserOrigin.v0.
type UserOrigin struct {
	ProfileHash string `json:"profileHash"`
	Handle      string `json:"handle"`
	GuildID     string `json:"guildId"`
}

// SidebarOrigin is discordSidebarOrigin.v0.
type SidebarOrigin struct {
	GuildID string `json:"guildId"`
}

// RoomLinkOrigin is discordRoomLinkOrigin.v0.
type RoomLinkOrigin struct {
	GuildID string `json:"guildId"`
}

// ReactionOrigin is discordReactionOrigin.v0 — a pure loop-prevention
// marker, carrying just enough to identify the source reaction.
type ReactionOrigin struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	EmojiKey  string `json:"emojiKey"`
	GuildID   string `json:"guildId"`
}

// --- $type payloads the bridge emits ---

// CreateRoomPayload is the createRoom.v0 payload.
type CreateRoomPayload struct {
	Name string `json:"name"`
}

// CreateRoomLinkPayload is the createRoomLink.v0 payload.
type CreateRoomLinkPayload struct {
	ParentRoomyID string `json:"parentRoomId"`
	ChildRoomyID  string `json:"childRoomId"`
}

// CreateMessagePayload is the createMessage.v0 payload.
type CreateMessagePayload struct {
	Body string `json:"body"`
}

// EditMessagePayload is the editMessage.v0 payload.
type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

// DeleteMessagePayload is the deleteMessage.v0 payload.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

// AddBridgedReactionPayload is the addBridgedReaction.v0 payload.
type AddBridgedReactionPayload struct {
	ReactionTo   string `json:"reactionTo"`
	Reaction     string `json:"reaction"`
	ReactingUser string `json:"reactingUser"`
}

// RemoveBridgedReactionPayload is the removeBridgedReaction.v0 payload.
type RemoveBridgedReactionPayload struct {
	ReactionID string `json:"reactionId"`
}

// UpdateProfilePayload is the updateProfile.v0 payload.
type UpdateProfilePayload struct {
	DID    string `json:"did"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// SidebarCategory is one entry of updateSidebar.v0's normalized structure:
// a category name paired with its sorted child room ids.
type SidebarCategory struct {
	Category string   `json:"category"`
	RoomIDs  []string `json:"roomIds"`
}

// UpdateSidebarPayload is the updateSidebar.v0 payload.
type UpdateSidebarPayload struct {
	Categories []SidebarCategory `json:"categories"`
}
