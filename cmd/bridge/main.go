// bridge runs the Discord ↔ Roomy bridge: a long-running service that
// keeps a Discord guild and a Leaf-hosted Roomy space in sync in both
// directions.
//
// Usage:
//
//	export DISCORD_TOKEN=<bot token>
//	export LEAF_URL=https://leaf.example.com
//	export LEAF_SERVER_DID=did:web:leaf.example.com
//	export DATA_DIR=./data
//	./bridge
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/roomy-space/discord-bridge/internal/atproto"
	"github.com/roomy-space/discord-bridge/internal/backfill"
	"github.com/roomy-space/discord-bridge/internal/bridgereg"
	"github.com/roomy-space/discord-bridge/internal/config"
	"github.com/roomy-space/discord-bridge/internal/discordadapter"
	"github.com/roomy-space/discord-bridge/internal/guildctx"
	"github.com/roomy-space/discord-bridge/internal/healthserver"
	"github.com/roomy-space/discord-bridge/internal/kvstore"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/roomyadapter"
	"github.com/roomy-space/discord-bridge/internal/subscription"
	"github.com/roomy-space/discord-bridge/internal/sync/d2r"
	"github.com/roomy-space/discord-bridge/internal/sync/r2d"
	"github.com/roomy-space/discord-bridge/internal/telemetry"
	"github.com/roomy-space/discord-bridge/internal/webhookpool"
)

func main() {
	// ─── Logging ──────────────────────────────────────────────────────────────
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting discord-roomy bridge")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded", "dataDir", cfg.DataDir, "leafUrl", cfg.LeafURL, "atprotoEnabled", cfg.ATProtoEnabled())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Telemetry ────────────────────────────────────────────────────────────
	tel, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = tel.Shutdown(shutCtx)
	}()

	// ─── Storage ──────────────────────────────────────────────────────────────
	store, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open kvstore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	r := repo.New(store)
	guilds := guildctx.New()

	// ─── AT Protocol (Roomy-side author resolution) ───────────────────────────
	var apClient *atproto.Client
	if cfg.ATProtoEnabled() {
		apClient = atproto.New(cfg.ATProtoDID, cfg.ATProtoPassword)
		if err := apClient.Authenticate(ctx); err != nil {
			slog.Error("atproto authenticate failed, continuing with unauthenticated lookups", "error", err)
		}
	}

	// ─── Discord adapter ──────────────────────────────────────────────────────
	app := &bridgeApp{repo: r, guilds: guilds, telemetry: tel}

	discordAdapter, err := discordadapter.New(cfg.DiscordToken, discordadapter.EventHandlers{
		OnConnect:         app.onDiscordConnect,
		OnChannelCreate:   app.onChannelCreate,
		OnThreadCreate:    app.onThreadCreate,
		OnMessageCreate:   app.onMessageCreate,
		OnMessageUpdate:   app.onMessageUpdate,
		OnMessageDelete:   app.onMessageDelete,
		OnReactionAdd:     app.onReactionAdd,
		OnReactionRemove:  app.onReactionRemove,
		OnSlashConnect:    app.onSlashConnect,
		OnSlashDisconnect: app.onSlashDisconnect,
		OnSlashInfo:       app.onSlashInfo,
	})
	if err != nil {
		slog.Error("failed to create discord adapter", "error", err)
		os.Exit(1)
	}
	app.discord = discordAdapter

	// ─── Roomy adapter ────────────────────────────────────────────────────────
	roomy := roomyadapter.New(cfg.LeafURL, cfg.LeafServerDID)
	app.roomy = roomy

	// ─── Webhook pool + translators ───────────────────────────────────────────
	webhooks := webhookpool.New(discordAdapter, r, cfg.WebhookMaxRetries)
	app.webhooks = webhooks

	d2rTranslator := &d2r.Translator{Repo: r, Roomy: roomy, Discord: discordAdapter}
	r2dTranslator := &r2d.Translator{
		Repo:     r,
		Webhooks: webhooks,
		Discord:  discordAdapter,
		Authors: &r2d.AuthorResolver{
			Repo:    r,
			Discord: discordAdapter,
			ATProto: apClient,
		},
	}
	app.d2r = d2rTranslator
	app.r2d = r2dTranslator

	subHandler := &subscription.Handler{Repo: r, Dispatcher: r2dTranslator}
	app.subscription = subHandler

	orchestrator := &backfill.Orchestrator{
		Repo:        r,
		Discord:     discordAdapter,
		Roomy:       roomy,
		D2R:         d2rTranslator,
		R2D:         r2dTranslator,
		Guilds:      guilds,
		Telemetry:   tel,
		Concurrency: cfg.BackfillConcurrency,
		PageSize:    cfg.BackfillPageSize,
	}
	app.backfill = orchestrator

	registrar := &bridgereg.Registrar{
		Repo:     r,
		Guilds:   guilds,
		Backfill: app.runGuild,
	}
	app.registrar = registrar

	// ─── AT Protocol profile resync loop ──────────────────────────────────────
	if apClient != nil {
		resyncer := &atproto.Resyncer{
			Client:   apClient,
			Store:    r,
			Updater:  profileRefreshLogger{},
			GuildIDs: boundGuildsOrEmpty(r),
			Interval: cfg.ProfileResyncInterval,
		}
		go resyncer.Start(ctx)
	}

	// ─── Health server ────────────────────────────────────────────────────────
	health := healthserver.New(r, guilds, boundGuildsOrEmpty(r))
	go health.Start(ctx, cfg.HealthPort)

	// ─── Connect to Discord ───────────────────────────────────────────────────
	if err := discordAdapter.Open(ctx); err != nil {
		slog.Error("failed to open discord gateway", "error", err)
		os.Exit(1)
	}

	// ─── Resume every previously registered binding ───────────────────────────
	boundGuilds, err := r.ListBoundGuilds()
	if err != nil {
		slog.Error("failed to list bound guilds", "error", err)
	}
	for _, guildID := range boundGuilds {
		spaceDID, err := r.SpaceForGuild(guildID)
		if err != nil {
			slog.Error("bound guild has no resolvable space, skipping", "guildId", guildID, "error", err)
			continue
		}
		app.runGuild(guildID, spaceDID)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight work", "grace", cfg.ShutdownGrace)

	drained := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.ShutdownGrace):
		slog.Warn("shutdown grace period elapsed with work still in flight")
	}

	if err := discordAdapter.Close(); err != nil {
		slog.Error("error closing discord session", "error", err)
	}
	slog.Info("discord-roomy bridge stopped")
}

// bridgeApp holds every wired dependency the gateway event handlers and
// slash commands need. It exists purely to give the closures passed to
// discordadapter.EventHandlers a receiver instead of a sprawl of captured
// locals.
type bridgeApp struct {
	repo         *repo.Repo
	guilds       *guildctx.Factory
	discord      *discordadapter.Adapter
	roomy        *roomyadapter.Client
	webhooks     *webhookpool.Pool
	d2r          *d2r.Translator
	r2d          *r2d.Translator
	subscription *subscription.Handler
	backfill     *backfill.Orchestrator
	registrar    *bridgereg.Registrar
	telemetry    *telemetry.Provider

	wg sync.WaitGroup
}

func (a *bridgeApp) onDiscordConnect(appID string) {
	a.registrar.AppID = appID
}

// runGuild runs the full backfill pipeline for a binding (serialized on the
// guild's own task queue) and, once it completes, starts the live Roomy
// subscription loop for as long as the process runs.
func (a *bridgeApp) runGuild(guildID, spaceDID string) {
	a.wg.Add(1)
	a.guilds.Submit(guildID, func() {
		defer a.wg.Done()
		ctx := context.Background()
		a.backfill.Run(ctx, guildID, spaceDID)
		go a.subscribeGuild(spaceDID)
	})
}

func (a *bridgeApp) subscribeGuild(spaceDID string) {
	guildID, err := a.repo.GuildForSpace(spaceDID)
	if err != nil {
		slog.Error("subscribe: space has no bound guild", "spaceDid", spaceDID, "error", err)
		return
	}
	cursor, err := a.repo.GetCursor(guildID)
	if err != nil {
		slog.Error("subscribe: failed to read cursor", "guildId", guildID, "error", err)
		return
	}

	err = a.roomy.Subscribe(context.Background(), spaceDID, cursor, func(ctx context.Context, batch roomyadapter.Batch) error {
		return a.subscription.HandleBatch(ctx, spaceDID, batch.Events, subscription.Meta{IsBackfill: batch.IsBackfill})
	})
	if err != nil {
		slog.Error("roomy subscription ended", "spaceDid", spaceDID, "error", err)
	}
}

// --- Discord gateway event handlers ---

func (a *bridgeApp) onChannelCreate(ch *discordgo.Channel) {
	a.withSpace(ch.GuildID, func(spaceDID string) {
		ctx := context.Background()
		if err := a.d2r.ChannelCreateOrAdopt(ctx, spaceDID, toDiscordChannel(ch, false)); err != nil {
			slog.Error("channel create translation failed", "guildId", ch.GuildID, "channelId", ch.ID, "error", err)
		}
	})
}

func (a *bridgeApp) onThreadCreate(ch *discordgo.Channel) {
	a.withSpace(ch.GuildID, func(spaceDID string) {
		ctx := context.Background()
		if err := a.d2r.ChannelCreateOrAdopt(ctx, spaceDID, toDiscordChannel(ch, true)); err != nil {
			slog.Error("thread create translation failed", "guildId", ch.GuildID, "channelId", ch.ID, "error", err)
		}
	})
}

func (a *bridgeApp) onMessageCreate(m *discordgo.Message) {
	if m.GuildID == "" {
		return // DM, out of scope
	}
	a.withSpace(m.GuildID, func(spaceDID string) {
		ctx := context.Background()
		dm := toDiscordMessage(m)
		if err := a.d2r.MessageCreate(ctx, spaceDID, dm); err != nil {
			slog.Error("message create translation failed", "guildId", m.GuildID, "messageId", m.ID, "error", err)
			return
		}
		if err := a.repo.SetLastSeen(m.ChannelID, m.ID); err != nil {
			slog.Warn("failed to advance latest-seen marker", "channelId", m.ChannelID, "error", err)
		}
	})
}

func (a *bridgeApp) onMessageUpdate(m *discordgo.Message) {
	if m.GuildID == "" || m.EditedTimestamp == nil {
		return
	}
	a.withSpace(m.GuildID, func(spaceDID string) {
		ctx := context.Background()
		dm := toDiscordMessage(m)
		dm.EditedTimestamp = m.EditedTimestamp.UTC().Format(time.RFC3339Nano)
		if err := a.d2r.MessageEdit(ctx, spaceDID, dm); err != nil {
			slog.Error("message edit translation failed", "guildId", m.GuildID, "messageId", m.ID, "error", err)
		}
	})
}

func (a *bridgeApp) onMessageDelete(guildID, channelID, messageID string) {
	if guildID == "" {
		return
	}
	a.withSpace(guildID, func(spaceDID string) {
		ctx := context.Background()
		if err := a.d2r.MessageDelete(ctx, spaceDID, guildID, messageID); err != nil {
			slog.Error("message delete translation failed", "guildId", guildID, "messageId", messageID, "error", err)
		}
	})
}

func (a *bridgeApp) onReactionAdd(r *discordgo.MessageReaction) {
	if r.GuildID == "" {
		return
	}
	a.withSpace(r.GuildID, func(spaceDID string) {
		ctx := context.Background()
		key := discordadapter.EmojiKey(r.Emoji.Name, r.Emoji.ID)
		str := reactionString(r.Emoji)
		if err := a.d2r.ReactionAdd(ctx, spaceDID, r.GuildID, r.MessageID, r.UserID, key, str); err != nil {
			slog.Error("reaction add translation failed", "guildId", r.GuildID, "messageId", r.MessageID, "error", err)
		}
	})
}

func (a *bridgeApp) onReactionRemove(r *discordgo.MessageReaction) {
	if r.GuildID == "" {
		return
	}
	a.withSpace(r.GuildID, func(spaceDID string) {
		ctx := context.Background()
		key := discordadapter.EmojiKey(r.Emoji.Name, r.Emoji.ID)
		if err := a.d2r.ReactionRemove(ctx, spaceDID, r.GuildID, r.MessageID, r.UserID, key); err != nil {
			slog.Error("reaction remove translation failed", "guildId", r.GuildID, "messageId", r.MessageID, "error", err)
		}
	})
}

// --- Slash commands ---

func (a *bridgeApp) onSlashConnect(ic *discordgo.InteractionCreate, roomySpaceURL string) string {
	guildID := ic.GuildID
	return a.registrar.Connect(guildID, roomySpaceURL)
}

func (a *bridgeApp) onSlashDisconnect(ic *discordgo.InteractionCreate) string {
	return a.registrar.Disconnect(ic.GuildID)
}

func (a *bridgeApp) onSlashInfo(ic *discordgo.InteractionCreate) string {
	return a.registrar.Info(ic.GuildID)
}

// --- helpers ---

// withSpace resolves guildID's bound space and runs fn on the guild's
// serialized task queue, silently skipping unbound guilds.
func (a *bridgeApp) withSpace(guildID string, fn func(spaceDID string)) {
	spaceDID, err := a.repo.SpaceForGuild(guildID)
	if err != nil {
		return
	}
	a.guilds.Submit(guildID, func() { fn(spaceDID) })
}

func toDiscordChannel(ch *discordgo.Channel, isThread bool) d2r.DiscordChannel {
	return d2r.DiscordChannel{
		ID: ch.ID, GuildID: ch.GuildID, Topic: ch.Topic, IsThread: isThread, Name: ch.Name,
	}
}

func toDiscordMessage(m *discordgo.Message) d2r.DiscordMessage {
	dm := d2r.DiscordMessage{
		ID: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID,
		Body:            m.Content,
		Timestamp:       m.Timestamp,
		IsWebhookOwned:  discordadapter.IsOwnWebhookMessage(m),
		IsSystemMessage: discordadapter.IsSystemMessage(m),
	}
	if m.Author != nil {
		dm.AuthorID = m.Author.ID
		dm.AuthorUsername = m.Author.Username
		dm.AuthorAvatar = m.Author.AvatarURL("")
	}
	if m.Member != nil && m.Member.Nick != "" {
		dm.AuthorGlobal = m.Member.Nick
	}
	for _, att := range m.Attachments {
		dm.AttachmentURLs = append(dm.AttachmentURLs, att.URL)
	}
	if m.MessageReference != nil {
		dm.ReplyToID = m.MessageReference.MessageID
	}
	return dm
}

func reactionString(e discordgo.Emoji) string {
	if e.ID == "" {
		return e.Name
	}
	return discordadapter.FormatCustomEmoji(e.Name, e.ID, e.Animated)
}

func boundGuildsOrEmpty(r *repo.Repo) func() []string {
	return func() []string {
		guilds, err := r.ListBoundGuilds()
		if err != nil {
			slog.Error("failed to list bound guilds for health server", "error", err)
			return nil
		}
		return guilds
	}
}

// profileRefreshLogger is the minimal atproto.WebhookUpdater: the
// resyncer's call to Client.ResolveProfile already refreshes the shared
// profile cache that r2d.AuthorResolver reads from, so there is nothing
// further to apply here beyond an observability trail.
type profileRefreshLogger struct{}

func (profileRefreshLogger) RefreshCachedProfile(guildID, did string, profile atproto.Profile) {
	slog.Debug("atproto profile refreshed", "guildId", guildID, "did", did, "handle", profile.Handle)
}
