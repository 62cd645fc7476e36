// Package bridgereg implements Bridge Registration: the operator-facing
// /connect, /disconnect, and /info slash-command semantics, backed by the
// Bridge Repository's guild<->space binding table.
package bridgereg

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/roomy-space/discord-bridge/internal/guildctx"
	"github.com/roomy-space/discord-bridge/internal/repo"
)

// BackfillTrigger starts (or re-triggers) the Backfill Orchestrator for a
// newly registered binding. Implemented by internal/backfill; declared
// here as a narrow interface to avoid an import cycle.
type BackfillTrigger func(guildID, spaceDID string)

// Registrar handles the three operator slash commands.
type Registrar struct {
	Repo      *repo.Repo
	Guilds    *guildctx.Factory
	Backfill  BackfillTrigger
	AppID     string
}

// ParseSpaceURL extracts the space DID from a Roomy space URL of the form
// https://roomy.space/<did>[/...]. Accepts a bare DID too, for operators
// who paste just the identifier.
func ParseSpaceURL(raw string) (string, error) {
	if strings.HasPrefix(raw, "did:") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse roomy space url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("no space did in url %q", raw)
	}
	return parts[0], nil
}

// Connect binds guildID to the space referenced by roomySpaceURL and kicks
// off a backfill. Re-connecting to the already-bound space is idempotent
// success (spec.md §7: already-registered = success).
func (r *Registrar) Connect(guildID, roomySpaceURL string) string {
	spaceDID, err := ParseSpaceURL(roomySpaceURL)
	if err != nil {
		return fmt.Sprintf("Couldn't parse that Roomy space URL: %s", err)
	}

	err = r.Repo.BindGuild(guildID, spaceDID)
	if err != nil && !errors.Is(err, repo.ErrCollision) {
		slog.Error("bind guild failed", "guildId", guildID, "spaceDid", spaceDID, "error", err)
		return "Something went wrong binding this guild — check the logs."
	}
	if errors.Is(err, repo.ErrCollision) {
		return fmt.Sprintf("This guild or space is already bound elsewhere: %s", err)
	}

	_ = r.Repo.WriteAuditLog(repo.AuditEntry{
		Time: time.Now(), GuildID: guildID, Action: "connect", Detail: spaceDID,
	})

	r.Backfill(guildID, spaceDID)
	return fmt.Sprintf("Connected to Roomy space `%s`. Backfill started.", spaceDID)
}

// Disconnect unbinds guildID from its space.
func (r *Registrar) Disconnect(guildID string) string {
	spaceDID, err := r.Repo.SpaceForGuild(guildID)
	if errors.Is(err, repo.ErrNotFound) {
		return "This guild isn't connected to a Roomy space."
	}
	if err != nil {
		slog.Error("lookup space for guild failed", "guildId", guildID, "error", err)
		return "Something went wrong — check the logs."
	}

	if err := r.Repo.UnbindGuild(guildID); err != nil {
		slog.Error("unbind guild failed", "guildId", guildID, "error", err)
		return "Something went wrong disconnecting this guild — check the logs."
	}

	_ = r.Repo.WriteAuditLog(repo.AuditEntry{
		Time: time.Now(), GuildID: guildID, Action: "disconnect", Detail: spaceDID,
	})
	return fmt.Sprintf("Disconnected from Roomy space `%s`.", spaceDID)
}

// Info reports the bridge's app id, binding status, and backfill/cursor
// diagnostics for the operator's /info command.
func (r *Registrar) Info(guildID string) string {
	spaceDID, err := r.Repo.SpaceForGuild(guildID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Sprintf("App ID: `%s`\nStatus: not connected to a Roomy space.", r.AppID)
	}
	if err != nil {
		return "Something went wrong — check the logs."
	}

	state := r.Guilds.State(guildID)
	cursor, err := r.Repo.GetCursor(guildID)
	if err != nil {
		cursor = -1
	}

	return fmt.Sprintf(
		"App ID: `%s`\nSpace: `%s`\nBackfill state: %s\nCursor: %d",
		r.AppID, spaceDID, state, cursor,
	)
}
