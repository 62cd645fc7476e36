package r2d

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roomy-space/discord-bridge/internal/atproto"
	"github.com/roomy-space/discord-bridge/internal/repo"
)

// DiscordUserResolver is the narrow Discord-side seam AuthorResolver needs
// to impersonate a Discord-originated author.
type DiscordUserResolver interface {
	ResolveUser(userID string) (username, avatarURL string, err error)
}

// AuthorResolver implements AuthorSource by recognizing the two kinds
// of author DID a Roomy event can carry: a "did:discord:<snowflake>" author
// (the Discord user this message was itself mirrored from, looped back via
// a room link or cross-post) and a genuine AT Protocol DID, resolved
// against a PDS.
type AuthorResolver struct {
	Repo    *repo.Repo
	Discord DiscordUserResolver
	ATProto *atproto.Client
}

const discordDIDPrefix = "did:discord:"

// ResolveAuthor implements AuthorSource.
func (a *AuthorResolver) ResolveAuthor(ctx context.Context, guildID, did string) (username, avatarURL string, err error) {
	if strings.HasPrefix(did, discordDIDPrefix) {
		userID := strings.TrimPrefix(did, discordDIDPrefix)
		return a.Discord.ResolveUser(userID)
	}

	if a.ATProto == nil {
		return did, "", nil
	}
	profile, err := a.ATProto.ResolveProfile(ctx, did)
	if err != nil {
		return did, "", fmt.Errorf("resolve atproto author %s: %w", did, err)
	}
	if err := a.Repo.RecordAuthorDID(guildID, did); err != nil {
		slog.Warn("failed to record author did for profile resync", "guildId", guildID, "did", did, "error", err)
	}
	name := profile.DisplayName
	if name == "" {
		name = profile.Handle
	}
	return name, profile.Avatar, nil
}

// InvalidateAuthor implements AuthorSource: drops any cached AT
// Protocol profile for did so the next impersonation call resolves fresh,
// materializing a Roomy-originated profile update immediately instead of
// waiting out the cache's TTL. Discord-originated authors have no local
// cache to drop here — r2d never impersonates them from a stale copy,
// since ResolveUser always hits the Discord API directly.
func (a *AuthorResolver) InvalidateAuthor(guildID, did string) {
	if strings.HasPrefix(did, discordDIDPrefix) {
		return
	}
	if a.ATProto != nil {
		a.ATProto.InvalidateProfile(did)
	}
}
