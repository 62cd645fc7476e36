package atproto

import (
	"context"
	"log/slog"
	"time"
)

// ResyncStore is the narrow repository seam Resyncer needs: the set of
// cached Roomy-author DIDs a guild has impersonated on Discord.
type ResyncStore interface {
	ListCachedAuthorDIDs(guildID string) ([]string, error)
}

// WebhookUpdater applies a freshly resolved profile to any webhook-posted
// messages' future impersonation (username/avatar), so a stale cache
// doesn't wait for a new post to pick up a changed Roomy display name.
type WebhookUpdater interface {
	RefreshCachedProfile(guildID, did string, profile Profile)
}

// Resyncer periodically re-resolves AT Protocol profiles for all known
// Roomy-side authors, keeping impersonated webhook identities fresh without
// waiting for a new message. Grounded on the teacher's AccountResyncer,
// adapted from "re-publish Nostr kind-0" to "refresh cached Discord webhook
// impersonation fields".
type Resyncer struct {
	Client   *Client
	Store    ResyncStore
	Updater  WebhookUpdater
	GuildIDs func() []string
	Interval time.Duration
}

// Start runs the periodic resync loop until ctx is cancelled. Does not run
// an initial pass on startup — the first pass happens after one Interval.
func (r *Resyncer) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	slog.Info("atproto profile resyncer started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("atproto profile resyncer stopped")
			return
		case <-ticker.C:
			r.resyncAll(ctx)
		}
	}
}

func (r *Resyncer) resyncAll(ctx context.Context) {
	ok, failed := 0, 0
	for _, guildID := range r.GuildIDs() {
		dids, err := r.Store.ListCachedAuthorDIDs(guildID)
		if err != nil {
			slog.Warn("resync: failed to list cached authors", "guildId", guildID, "error", err)
			continue
		}
		for _, did := range dids {
			select {
			case <-ctx.Done():
				return
			default:
			}
			profile, err := r.Client.ResolveProfile(ctx, did)
			if err != nil {
				slog.Debug("resync: profile fetch failed", "did", did, "error", err)
				failed++
				continue
			}
			r.Updater.RefreshCachedProfile(guildID, did, profile)
			ok++
		}
	}
	slog.Info("atproto profile resync complete", "ok", ok, "failed", failed)
}
