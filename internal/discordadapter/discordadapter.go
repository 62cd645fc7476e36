// Package discordadapter wraps discordgo with the narrow operations the
// rest of the bridge needs: session lifecycle, slash commands, channel and
// thread enumeration/creation, message CRUD, reactions, and webhook
// management. It is the only package that imports discordgo directly.
package discordadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/roomy-space/discord-bridge/internal/webhookpool"
)

// bridgeWebhookName tags webhooks the bridge itself owns, so message-create
// loop suppression can recognize "author is a webhook owned by this bridge".
const bridgeWebhookName = "roomy-bridge"

// EventHandlers bundles the callbacks the adapter dispatches gateway events
// to. Each is optional; a nil handler means that event kind is ignored.
type EventHandlers struct {
	OnChannelCreate  func(ch *discordgo.Channel)
	OnThreadCreate   func(ch *discordgo.Channel)
	OnMessageCreate  func(m *discordgo.Message)
	OnMessageUpdate  func(m *discordgo.Message)
	OnMessageDelete  func(guildID, channelID, messageID string)
	OnReactionAdd    func(r *discordgo.MessageReaction)
	OnReactionRemove func(r *discordgo.MessageReaction)
	OnConnect        func(appID string)
	OnSlashConnect   func(ic *discordgo.InteractionCreate, roomySpaceURL string) string
	OnSlashDisconnect func(ic *discordgo.InteractionCreate) string
	OnSlashInfo      func(ic *discordgo.InteractionCreate) string
}

// Adapter owns a discordgo Session and the gateway/REST glue.
type Adapter struct {
	session  *discordgo.Session
	handlers EventHandlers
	appID    string
}

// New creates a discordgo session with the intents the bridge needs and
// registers gateway handlers. It does not open the connection; call Open.
func New(token string, handlers EventHandlers) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions

	a := &Adapter{session: session, handlers: handlers}
	a.registerGatewayHandlers()
	return a, nil
}

// Open connects to the Discord gateway and registers slash commands.
func (a *Adapter) Open(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.appID = a.session.State.User.ID
	slog.Info("discord gateway connected", "appId", a.appID, "username", a.session.State.User.Username)

	if err := a.registerSlashCommands(); err != nil {
		return fmt.Errorf("register slash commands: %w", err)
	}
	if a.handlers.OnConnect != nil {
		a.handlers.OnConnect(a.appID)
	}
	return nil
}

// Close disconnects from the gateway.
func (a *Adapter) Close() error {
	return a.session.Close()
}

func (a *Adapter) registerGatewayHandlers() {
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if a.handlers.OnMessageCreate != nil {
			a.handlers.OnMessageCreate(m.Message)
		}
	})
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		if a.handlers.OnMessageUpdate != nil {
			a.handlers.OnMessageUpdate(m.Message)
		}
	})
	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		if a.handlers.OnMessageDelete != nil {
			a.handlers.OnMessageDelete(m.GuildID, m.ChannelID, m.ID)
		}
	})
	a.session.AddHandler(func(s *discordgo.Session, c *discordgo.ChannelCreate) {
		if a.handlers.OnChannelCreate != nil {
			a.handlers.OnChannelCreate(c.Channel)
		}
	})
	a.session.AddHandler(func(s *discordgo.Session, t *discordgo.ThreadCreate) {
		if a.handlers.OnThreadCreate != nil {
			a.handlers.OnThreadCreate(t.Channel)
		}
	})
	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if a.handlers.OnReactionAdd != nil {
			a.handlers.OnReactionAdd(r.MessageReaction)
		}
	})
	a.session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		if a.handlers.OnReactionRemove != nil {
			a.handlers.OnReactionRemove(r.MessageReaction)
		}
	})
	a.session.AddHandler(a.handleInteraction)
}

// IsOwnWebhookMessage reports whether a message was authored by a webhook
// this bridge owns, the loop-suppression check spec.md §4.6 requires before
// translating a Discord message-create.
func IsOwnWebhookMessage(m *discordgo.Message) bool {
	return m.WebhookID != "" && m.Author != nil && m.Author.Username == bridgeWebhookName
}

// IsSystemMessage reports whether a message is a Discord system message
// (e.g. THREAD_CREATED) that should never be translated.
func IsSystemMessage(m *discordgo.Message) bool {
	return m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply
}

// --- Channels & threads ---

// ListTextChannelsAndThreads enumerates a guild's text channels, active
// threads, and paginated archived threads, per spec.md §4.8 step 1.
func (a *Adapter) ListTextChannelsAndThreads(guildID string) ([]*discordgo.Channel, error) {
	channels, err := a.session.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("list channels for guild %s: %w", guildID, err)
	}

	var out []*discordgo.Channel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText || ch.Type == discordgo.ChannelTypeGuildNews {
			out = append(out, ch)
		}
	}

	active, err := a.session.GuildThreadsActive(guildID)
	if err != nil {
		return nil, fmt.Errorf("list active threads for guild %s: %w", guildID, err)
	}
	out = append(out, active.Threads...)

	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		before := ""
		for {
			archived, err := a.session.ThreadsArchived(ch.ID, &before, 100)
			if err != nil {
				return nil, fmt.Errorf("list archived threads for channel %s: %w", ch.ID, err)
			}
			out = append(out, archived.Threads...)
			if !archived.HasMore || len(archived.Threads) == 0 {
				break
			}
			before = archived.Threads[len(archived.Threads)-1].ThreadMetadata.ArchiveTimestamp.Format(time.RFC3339)
		}
	}
	return out, nil
}

// SetChannelTopic sets a channel's topic, used to write/clear the sync marker.
func (a *Adapter) SetChannelTopic(channelID, topic string) error {
	_, err := a.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Topic: topic})
	if err != nil {
		return fmt.Errorf("set topic for channel %s: %w", channelID, err)
	}
	return nil
}

// CreateChannel creates a new Discord text channel, used to materialize a
// Roomy-originated room that has no Discord channel yet (spec.md §4.7's
// "channel... projections to Discord mirror the above pattern").
func (a *Adapter) CreateChannel(guildID, name string) (string, error) {
	ch, err := a.session.GuildChannelCreate(guildID, name, discordgo.ChannelTypeGuildText)
	if err != nil {
		return "", fmt.Errorf("create channel %q in guild %s: %w", name, guildID, err)
	}
	return ch.ID, nil
}

// EnsureCategory returns the id of the category channel named name in
// guildID, creating it if none exists yet, used to materialize a
// Roomy-originated sidebar category.
func (a *Adapter) EnsureCategory(guildID, name string) (string, error) {
	channels, err := a.session.GuildChannels(guildID)
	if err != nil {
		return "", fmt.Errorf("list channels for guild %s: %w", guildID, err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == name {
			return ch.ID, nil
		}
	}
	created, err := a.session.GuildChannelCreate(guildID, name, discordgo.ChannelTypeGuildCategory)
	if err != nil {
		return "", fmt.Errorf("create category %q in guild %s: %w", name, guildID, err)
	}
	return created.ID, nil
}

// SetChannelParent moves a channel under the given category (parentID may
// be empty to clear it), used to re-materialize a Roomy-originated sidebar
// layout onto Discord's categories.
func (a *Adapter) SetChannelParent(channelID, parentID string) error {
	_, err := a.session.ChannelEdit(channelID, &discordgo.ChannelEdit{ParentID: parentID})
	if err != nil {
		return fmt.Errorf("set parent for channel %s: %w", channelID, err)
	}
	return nil
}

// PinStarterMessage posts and pins a message in a thread carrying the
// Roomy room URL, the thread equivalent of a channel topic marker.
func (a *Adapter) PinStarterMessage(threadID, content string) error {
	msg, err := a.session.ChannelMessageSend(threadID, content)
	if err != nil {
		return fmt.Errorf("post starter message in thread %s: %w", threadID, err)
	}
	if err := a.session.ChannelMessagePin(threadID, msg.ID); err != nil {
		return fmt.Errorf("pin starter message in thread %s: %w", threadID, err)
	}
	return nil
}

// FetchMessagesAfter fetches up to limit messages oldest-first after the
// given snowflake (empty = from the start), the paging primitive backfill
// uses.
func (a *Adapter) FetchMessagesAfter(channelID, after string, limit int) ([]*discordgo.Message, error) {
	if after == "" {
		after = "0"
	}
	msgs, err := a.session.ChannelMessages(channelID, limit, "", after, "")
	if err != nil {
		return nil, fmt.Errorf("fetch messages for channel %s after %s: %w", channelID, after, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Messages ---

func (a *Adapter) EditMessage(channelID, messageID, content string) error {
	_, err := a.session.ChannelMessageEdit(channelID, messageID, content)
	if err != nil {
		return fmt.Errorf("edit message %s in channel %s: %w", messageID, channelID, err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(channelID, messageID string) error {
	if err := a.session.ChannelMessageDelete(channelID, messageID); err != nil {
		return fmt.Errorf("delete message %s in channel %s: %w", messageID, channelID, err)
	}
	return nil
}

func (a *Adapter) AddReaction(channelID, messageID, emoji string) error {
	if err := a.session.MessageReactionAdd(channelID, messageID, emoji); err != nil {
		return fmt.Errorf("add reaction %s to message %s: %w", emoji, messageID, err)
	}
	return nil
}

func (a *Adapter) RemoveReaction(channelID, messageID, emoji, userID string) error {
	if err := a.session.MessageReactionRemove(channelID, messageID, emoji, userID); err != nil {
		return fmt.Errorf("remove reaction %s from message %s: %w", emoji, messageID, err)
	}
	return nil
}

// EmojiKey builds the disambiguation key spec.md §3 requires: the custom
// emoji snowflake if present, else the unicode code-point string.
func EmojiKey(emojiName, emojiID string) string {
	if emojiID != "" {
		return emojiID
	}
	return emojiName
}

// FormatCustomEmoji renders <:name:id> or <a:name:id> for outbound reactions.
func FormatCustomEmoji(name, id string, animated bool) string {
	if animated {
		return fmt.Sprintf("<a:%s:%s>", name, id)
	}
	return fmt.Sprintf("<:%s:%s>", name, id)
}

// ParseCustomEmoji extracts (name, id, animated) from Discord's
// <:name:id>/<a:name:id> reaction format; ok is false for plain unicode emoji.
func ParseCustomEmoji(raw string) (name, id string, animated, ok bool) {
	if !strings.HasPrefix(raw, "<") || !strings.HasSuffix(raw, ">") {
		return "", "", false, false
	}
	body := strings.Trim(raw, "<>")
	animated = strings.HasPrefix(body, "a:")
	body = strings.TrimPrefix(body, "a:")
	body = strings.TrimPrefix(body, ":")
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return "", "", false, false
	}
	return parts[0], parts[1], animated, true
}

// ResolveUser fetches a Discord user's current username and avatar URL, used
// to impersonate Discord-originated authors on a webhook message replayed
// from Roomy (e.g. during backfill, before a fresh profile hash is known).
func (a *Adapter) ResolveUser(userID string) (username, avatarURL string, err error) {
	u, err := a.session.User(userID)
	if err != nil {
		return "", "", fmt.Errorf("fetch discord user %s: %w", userID, err)
	}
	return u.Username, u.AvatarURL(""), nil
}

// --- Webhooks (implements webhookpool.DiscordClient) ---

// FetchOrCreateWebhook satisfies webhookpool.DiscordClient.
func (a *Adapter) FetchOrCreateWebhook(ctx context.Context, channelID string) (string, string, error) {
	webhooks, err := a.session.ChannelWebhooks(channelID)
	if err != nil {
		return "", "", fmt.Errorf("list webhooks for channel %s: %w", channelID, err)
	}
	for _, wh := range webhooks {
		if wh.Name == bridgeWebhookName && wh.Token != "" {
			return wh.ID, wh.Token, nil
		}
	}
	created, err := a.session.WebhookCreate(channelID, bridgeWebhookName, "")
	if err != nil {
		return "", "", fmt.Errorf("create webhook for channel %s: %w", channelID, err)
	}
	return created.ID, created.Token, nil
}

// ExecuteWebhook satisfies webhookpool.DiscordClient. It executes with
// wait=true, whose response includes the created message so callers can
// index it by snowflake without a follow-up fetch. The nonce argument is
// accepted but not included in the request sent to Discord.
func (a *Adapter) ExecuteWebhook(ctx context.Context, webhookID, token, content, username, avatarURL, nonce string) (string, error) {
	msg, err := a.session.WebhookExecute(webhookID, token, true, &discordgo.WebhookParams{
		Content:   content,
		Username:  username,
		AvatarURL: avatarURL,
	})
	if err == nil {
		return msg.ID, nil
	}

	var restErr *discordgo.RESTError
	if asRESTError(err, &restErr) {
		switch {
		case restErr.Response != nil && restErr.Response.StatusCode == 404:
			return "", webhookpool.ErrWebhookGone
		case restErr.Response != nil && restErr.Response.StatusCode == 429:
			return "", webhookpool.NewRateLimitError(retryAfterFromHeader(restErr.Response.Header.Get("Retry-After")))
		}
	}
	return "", fmt.Errorf("execute webhook %s: %w", webhookID, err)
}

func retryAfterFromHeader(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	var seconds float64
	if _, err := fmt.Sscanf(v, "%f", &seconds); err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}

func asRESTError(err error, target **discordgo.RESTError) bool {
	re, ok := err.(*discordgo.RESTError)
	if !ok {
		return false
	}
	*target = re
	return true
}
