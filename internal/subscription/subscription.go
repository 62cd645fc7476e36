// Package subscription implements the Subscription Handler (spec.md §4.5):
// the single hot-path function the Roomy Adapter invokes with a batch of
// indexed events, which resolves the owning guild, registers any
// Discord-origin mappings/hashes carried by each event, unregisters
// deleted rooms/messages, dispatches non-Discord-origin events onward to
// the Roomy→Discord translator, and advances the guild's cursor once the
// whole batch has committed.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roomy-space/discord-bridge/internal/events"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/roomyadapter"
)

// Dispatcher forwards a non-Discord-origin event to the Roomy→Discord
// translator for its $type. Declared here as a narrow interface so this
// package doesn't import internal/sync/r2d directly (avoiding a cycle
// through whatever wires both together in cmd/bridge).
type Dispatcher interface {
	Dispatch(ctx context.Context, guildID, authorDID string, ev events.Event) error
}

// Handler implements the per-batch hot path.
type Handler struct {
	Repo       *repo.Repo
	Dispatcher Dispatcher
}

// Meta carries out-of-band facts about a batch that affect processing
// rules, per spec.md §4.5 step 4's "!meta.isBackfill" condition.
type Meta struct {
	IsBackfill bool
}

// HandleBatch processes one subscription (or backfill-replay) batch for a
// single space, in idx order, and advances the guild's cursor once every
// event's side effects are durable.
func (h *Handler) HandleBatch(ctx context.Context, spaceDID string, batch []roomyadapter.IndexedEvent, meta Meta) error {
	guildID, err := h.Repo.GuildForSpace(spaceDID)
	if err != nil {
		slog.Warn("subscription batch for unbound space, skipping", "spaceDid", spaceDID, "error", err)
		return nil
	}

	var maxIdx int64 = -1
	for _, indexed := range batch {
		if err := h.handleOne(ctx, guildID, indexed.User, indexed.Event, meta); err != nil {
			slog.Error("failed to process subscription event, skipping", "guildId", guildID, "eventId", indexed.Event.ID, "type", indexed.Event.Type, "error", err)
			continue
		}
		if indexed.Idx > maxIdx {
			maxIdx = indexed.Idx
		}
	}

	if maxIdx < 0 {
		return nil
	}
	if err := h.Repo.SetCursor(guildID, maxIdx); err != nil {
		return fmt.Errorf("advance cursor for guild %s: %w", guildID, err)
	}
	return nil
}

// guildScoped decodes an extension's guildId field and reports whether it
// matches guildID. present is false when the extension isn't present at all.
func guildScoped(ev events.Event, nsid, guildID string) (present, matches bool, err error) {
	raw, ok := ev.Extensions[nsid]
	if !ok {
		return false, false, nil
	}
	var f struct {
		GuildID string `json:"guildId"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return true, false, fmt.Errorf("decode %s: %w", nsid, err)
	}
	return true, f.GuildID == guildID, nil
}

func (h *Handler) handleOne(ctx context.Context, guildID, authorDID string, ev events.Event, meta Meta) error {
	attributed := false

	if present, matches, err := guildScoped(ev, events.ExtMessageOrigin, guildID); err != nil {
		return err
	} else if present && matches {
		attributed = true
		var origin events.MessageOrigin
		if _, err := ev.Extension(events.ExtMessageOrigin, &origin); err != nil {
			return fmt.Errorf("decode discordMessageOrigin: %w", err)
		}
		if err := registerIdempotent(h.Repo, guildID, origin.Snowflake, ev.ID); err != nil {
			return fmt.Errorf("register message mapping: %w", err)
		}
		if ev.Type == events.TypeEditMessage && origin.EditedTimestamp != "" {
			if err := h.Repo.SetEditInfo(guildID, origin.Snowflake, repo.EditInfo{
				EditedTimestamp: origin.EditedTimestamp, ContentHash: origin.ContentHash,
			}); err != nil {
				return fmt.Errorf("write edit tracking: %w", err)
			}
		}
	}

	if present, matches, err := guildScoped(ev, events.ExtRoomOrigin, guildID); err != nil {
		return err
	} else if present && matches {
		attributed = true
		var origin events.RoomOrigin
		if _, err := ev.Extension(events.ExtRoomOrigin, &origin); err != nil {
			return fmt.Errorf("decode discordOrigin: %w", err)
		}
		if err := registerIdempotent(h.Repo, guildID, "room:"+origin.Snowflake, ev.ID); err != nil {
			return fmt.Errorf("register room mapping: %w", err)
		}
	}

	if present, matches, err := guildScoped(ev, events.ExtUserOrigin, guildID); err != nil {
		return err
	} else if present && matches {
		attributed = true
		var origin events.UserOrigin
		if _, err := ev.Extension(events.ExtUserOrigin, &origin); err != nil {
			return fmt.Errorf("decode discordUserOrigin: %w", err)
		}
		var payload events.UpdateProfilePayload
		if err := ev.UnmarshalPayload(&payload); err == nil {
			if err := h.Repo.SetProfileHash(guildID, discordUserIDFromDID(payload.DID), origin.ProfileHash); err != nil {
				return fmt.Errorf("write profile hash: %w", err)
			}
		}
	}

	if present, matches, err := guildScoped(ev, events.ExtSidebarOrigin, guildID); err != nil {
		return err
	} else if present && matches {
		attributed = true
	}

	if present, matches, err := guildScoped(ev, events.ExtRoomLinkOrigin, guildID); err != nil {
		return err
	} else if present && matches {
		attributed = true
		var payload events.CreateRoomLinkPayload
		if err := ev.UnmarshalPayload(&payload); err == nil {
			if err := registerIdempotent(h.Repo, guildID, payload.ParentRoomyID+":"+payload.ChildRoomyID, ev.ID); err != nil {
				return fmt.Errorf("register room link mapping: %w", err)
			}
		}
	}

	_, hasReactionOrigin, err := guildScoped(ev, events.ExtReactionOrigin, guildID)
	if err != nil {
		return err
	}

	if ev.Type == events.TypeDeleteRoom || ev.Type == events.TypeDeleteMessage {
		h.unregisterCompanion(guildID, ev)
	}

	if meta.IsBackfill {
		return nil
	}
	// Reactions are special-cased per spec.md §4.5 step 4: they propagate
	// even on Discord-origin messages, gated only on the reaction event
	// itself carrying no discordReactionOrigin.v0 — never on `attributed`,
	// which reflects the *message's* origin extensions, not the reaction's.
	if ev.Type == events.TypeAddBridgedReact || ev.Type == events.TypeRemoveBridgedReact {
		if !hasReactionOrigin {
			return h.Dispatcher.Dispatch(ctx, guildID, authorDID, ev)
		}
		return nil
	}
	if !attributed {
		return h.Dispatcher.Dispatch(ctx, guildID, authorDID, ev)
	}
	return nil
}

func (h *Handler) unregisterCompanion(guildID string, ev events.Event) {
	var messageID string
	var payload events.DeleteMessagePayload
	if err := ev.UnmarshalPayload(&payload); err == nil {
		messageID = payload.MessageID
	}
	if messageID == "" {
		return
	}
	if discordID, ok, _ := h.Repo.GetDiscordID(guildID, messageID); ok {
		_ = h.Repo.UnregisterMapping(guildID, discordID, messageID)
	}
}

// registerIdempotent registers a mapping, swallowing the "already
// registered to the same value" case per spec.md §7's
// already-registered-is-success rule; any other collision still surfaces.
func registerIdempotent(r *repo.Repo, guildID, discordID, roomyID string) error {
	err := r.RegisterMapping(guildID, discordID, roomyID)
	if err != nil && errors.Is(err, repo.ErrCollision) {
		slog.Debug("duplicate mapping registration, ignoring", "guildId", guildID, "discordId", discordID, "roomyId", roomyID)
		return nil
	}
	return err
}

func discordUserIDFromDID(did string) string {
	const prefix = "did:discord:"
	if len(did) > len(prefix) && did[:len(prefix)] == prefix {
		return did[len(prefix):]
	}
	return did
}
