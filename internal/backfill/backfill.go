// Package backfill implements the Backfill Orchestrator (spec.md §4.8): the
// per-guild pipeline that runs on process start and on each newly
// registered binding, bringing a guild's full channel/message/sidebar
// history into sync before flipping it Live.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bwmarrin/discordgo"

	"github.com/roomy-space/discord-bridge/internal/batcher"
	"github.com/roomy-space/discord-bridge/internal/discordadapter"
	"github.com/roomy-space/discord-bridge/internal/fingerprint"
	"github.com/roomy-space/discord-bridge/internal/guildctx"
	"github.com/roomy-space/discord-bridge/internal/repo"
	"github.com/roomy-space/discord-bridge/internal/roomyadapter"
	"github.com/roomy-space/discord-bridge/internal/sync/d2r"
	"github.com/roomy-space/discord-bridge/internal/sync/r2d"
	"github.com/roomy-space/discord-bridge/internal/telemetry"
)

const fetchPageLimit = 200

// Orchestrator owns the dependencies the backfill pipeline needs across
// every guild it runs for.
type Orchestrator struct {
	Repo        *repo.Repo
	Discord     *discordadapter.Adapter
	Roomy       *roomyadapter.Client
	D2R         *d2r.Translator
	R2D         *r2d.Translator
	Guilds      *guildctx.Factory
	Telemetry   *telemetry.Provider
	Concurrency int // bounded per-channel semaphore, spec.md §4.8 step 4 (default 5)
	PageSize    int // messages fetched per page, spec.md §4.8 step 4 (default 100)
}

// Run executes the full 6-step pipeline for one guild<->space binding.
// Failure in one channel's backfill is logged and that channel is skipped;
// the guild's cursor is only advanced once the whole Roomy replay commits.
func (o *Orchestrator) Run(ctx context.Context, guildID, spaceDID string) {
	ctx, span := o.Telemetry.Start(ctx, telemetry.SpanBackfillGuild)
	defer span.End()

	channels, err := o.Discord.ListTextChannelsAndThreads(guildID)
	if err != nil {
		slog.Error("backfill: list channels failed, aborting", "guildId", guildID, "error", err)
		return
	}

	for _, ch := range channels {
		if err := o.D2R.ChannelCreateOrAdopt(ctx, spaceDID, toDiscordChannel(ch)); err != nil {
			slog.Error("backfill: channel adopt/create failed, skipping channel", "guildId", guildID, "channelId", ch.ID, "error", err)
		}
	}
	o.Guilds.SetState(guildID, guildctx.StateChannelsAdopted)

	if err := o.syncSidebar(ctx, spaceDID, guildID, channels); err != nil {
		slog.Error("backfill: sidebar sync failed", "guildId", guildID, "error", err)
	}
	o.Guilds.SetState(guildID, guildctx.StateSidebarSynced)

	o.backfillMessages(ctx, spaceDID, guildID, channels)
	o.Guilds.SetState(guildID, guildctx.StateMessagesBackfilled)

	o.indexMessageHashes(guildID, channels)
	o.Guilds.SetState(guildID, guildctx.StateHashesIndexed)

	if err := o.replayRoomyEvents(ctx, guildID, spaceDID); err != nil {
		slog.Error("backfill: roomy replay did not complete, cursor held back", "guildId", guildID, "error", err)
		return
	}
	o.Guilds.SetState(guildID, guildctx.StateRoomyToDiscordReplayed)
	o.Guilds.SetState(guildID, guildctx.StateLive)
}

func toDiscordChannel(ch *discordgo.Channel) d2r.DiscordChannel {
	isThread := ch.Type == discordgo.ChannelTypeGuildPublicThread ||
		ch.Type == discordgo.ChannelTypeGuildPrivateThread ||
		ch.Type == discordgo.ChannelTypeGuildNewsThread
	return d2r.DiscordChannel{
		ID: ch.ID, GuildID: ch.GuildID, Topic: ch.Topic, IsThread: isThread, Name: ch.Name,
	}
}

// syncSidebar groups channels by their parent category (threads inherit
// their parent channel's category) and emits spec.md §4.6's sidebar event.
func (o *Orchestrator) syncSidebar(ctx context.Context, spaceDID, guildID string, channels []*discordgo.Channel) error {
	byID := make(map[string]*discordgo.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	categoryOf := func(ch *discordgo.Channel) string {
		parent := ch.ParentID
		if cat, ok := byID[parent]; ok && cat.Type == discordgo.ChannelTypeGuildCategory {
			return cat.Name
		}
		return ""
	}

	grouped := make(map[string][]string)
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			continue
		}
		cat := categoryOf(ch)
		grouped[cat] = append(grouped[cat], ch.ID)
	}

	var cats []d2r.SidebarCategory
	for name, ids := range grouped {
		cats = append(cats, d2r.SidebarCategory{Category: name, RoomIDs: ids})
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Category < cats[j].Category })

	return o.D2R.SidebarUpdate(ctx, spaceDID, guildID, cats)
}

// backfillMessages runs spec.md §4.8 step 4: bounded-concurrency per-channel
// paging through history, oldest-first, each page flushed through an Event
// Batcher before latestSeen is persisted.
func (o *Orchestrator) backfillMessages(ctx context.Context, spaceDID, guildID string, channels []*discordgo.Channel) {
	concurrency := o.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, len(channels))

	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory {
			done <- struct{}{}
			continue
		}
		sem <- struct{}{}
		go func(ch *discordgo.Channel) {
			defer func() { <-sem; done <- struct{}{} }()
			if err := o.backfillChannel(ctx, spaceDID, guildID, ch); err != nil {
				slog.Error("backfill: channel message history failed, skipping channel", "guildId", guildID, "channelId", ch.ID, "error", err)
			}
		}(ch)
	}
	for range channels {
		<-done
	}
}

func (o *Orchestrator) backfillChannel(ctx context.Context, spaceDID, guildID string, ch *discordgo.Channel) error {
	pageSize := o.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	after, err := o.Repo.GetLastSeen(ch.ID)
	if err != nil {
		return fmt.Errorf("read last seen for channel %s: %w", ch.ID, err)
	}

	var flushErr error
	flush := func(batch []interface{}) error {
		for _, item := range batch {
			m, ok := item.(d2r.DiscordMessage)
			if !ok {
				continue
			}
			if err := o.D2R.MessageCreate(ctx, spaceDID, m); err != nil {
				slog.Error("backfill: message translate failed", "guildId", guildID, "channelId", ch.ID, "messageId", m.ID, "error", err)
			}
		}
		return nil
	}
	b := batcher.New(50, flush)

	for {
		msgs, err := o.Discord.FetchMessagesAfter(ch.ID, after, pageSize)
		if err != nil {
			return fmt.Errorf("fetch messages for channel %s: %w", ch.ID, err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if err := b.Add(toDiscordMessage(m)); err != nil {
				flushErr = err
			}
		}
		if err := b.Flush(); err != nil {
			flushErr = err
		}
		after = msgs[len(msgs)-1].ID
		if err := o.Repo.SetLastSeen(ch.ID, after); err != nil {
			return fmt.Errorf("persist last seen for channel %s: %w", ch.ID, err)
		}
		if len(msgs) < pageSize {
			break
		}
	}
	return flushErr
}

func toDiscordMessage(m *discordgo.Message) d2r.DiscordMessage {
	dm := d2r.DiscordMessage{
		ID: m.ID, ChannelID: m.ChannelID, GuildID: m.GuildID,
		Body:            m.Content,
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
	for _, a := range m.Attachments {
		dm.AttachmentURLs = append(dm.AttachmentURLs, a.URL)
	}
	if m.MessageReference != nil {
		dm.ReplyToID = m.MessageReference.MessageID
	}
	dm.Timestamp = m.Timestamp
	return dm
}

// indexMessageHashes implements spec.md §4.8 step 5: for every Discord
// message this backfill run mapped to a Roomy event, index its
// (nonce-prefix, content hash) so a later Roomy→Discord replay recognizes
// it as already present instead of re-sending it.
func (o *Orchestrator) indexMessageHashes(guildID string, channels []*discordgo.Channel) {
	for _, ch := range channels {
		after := ""
		for {
			msgs, err := o.Discord.FetchMessagesAfter(ch.ID, after, 100)
			if err != nil || len(msgs) == 0 {
				break
			}
			for _, m := range msgs {
				roomyID, ok, err := o.Repo.GetRoomyID(guildID, m.ID)
				if err != nil || !ok {
					continue
				}
				var urls []string
				for _, a := range m.Attachments {
					urls = append(urls, a.URL)
				}
				contentHash := fingerprint.Content(m.Content, urls)
				nonce := roomyID
				if len(nonce) > 25 {
					nonce = nonce[:25]
				}
				if err := o.Repo.RecordMessageHash(guildID, ch.ID, nonce, contentHash, m.ID); err != nil {
					slog.Warn("backfill: hash index write failed", "guildId", guildID, "messageId", m.ID, "error", err)
				}
			}
			after = msgs[len(msgs)-1].ID
			if len(msgs) < 100 {
				break
			}
		}
	}
}

// replayRoomyEvents implements spec.md §4.8 step 6: fetch every event the
// space has recorded, skip anything carrying a Discord-origin extension
// (it came from this bridge or a prior run of it), and replay the rest
// through the Roomy→Discord translator.
func (o *Orchestrator) replayRoomyEvents(ctx context.Context, guildID, spaceDID string) error {
	var start int64
	for {
		page, err := o.Roomy.FetchEvents(ctx, spaceDID, start, fetchPageLimit)
		if err != nil {
			return fmt.Errorf("fetch roomy events from %d: %w", start, err)
		}
		for _, indexed := range page.Events {
			start = indexed.Idx + 1
			if indexed.Event.HasDiscordOrigin() {
				continue
			}
			if err := o.R2D.Dispatch(ctx, guildID, indexed.User, indexed.Event); err != nil {
				slog.Error("backfill: roomy replay dispatch failed", "guildId", guildID, "eventId", indexed.Event.ID, "error", err)
			}
		}
		if !page.HasMore || len(page.Events) == 0 {
			break
		}
	}
	return o.Repo.SetCursor(guildID, start-1)
}
