package discordadapter

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestIsOwnWebhookMessage(t *testing.T) {
	assert.True(t, IsOwnWebhookMessage(&discordgo.Message{
		WebhookID: "wh-1",
		Author:    &discordgo.User{Username: bridgeWebhookName},
	}))
	assert.False(t, IsOwnWebhookMessage(&discordgo.Message{
		WebhookID: "wh-1",
		Author:    &discordgo.User{Username: "some-other-webhook"},
	}))
	assert.False(t, IsOwnWebhookMessage(&discordgo.Message{Author: &discordgo.User{Username: "alice"}}))
}

func TestIsSystemMessage(t *testing.T) {
	assert.False(t, IsSystemMessage(&discordgo.Message{Type: discordgo.MessageTypeDefault}))
	assert.False(t, IsSystemMessage(&discordgo.Message{Type: discordgo.MessageTypeReply}))
	assert.True(t, IsSystemMessage(&discordgo.Message{Type: discordgo.MessageTypeThreadCreated}))
}

func TestEmojiKeyPrefersCustomID(t *testing.T) {
	assert.Equal(t, "12345", EmojiKey("pepe", "12345"))
	assert.Equal(t, "👍", EmojiKey("👍", ""))
}

func TestFormatCustomEmoji(t *testing.T) {
	assert.Equal(t, "<:pepe:12345>", FormatCustomEmoji("pepe", "12345", false))
	assert.Equal(t, "<a:pepe:12345>", FormatCustomEmoji("pepe", "12345", true))
}

func TestParseCustomEmojiRoundTrip(t *testing.T) {
	name, id, animated, ok := ParseCustomEmoji("<:pepe:12345>")
	assert.True(t, ok)
	assert.Equal(t, "pepe", name)
	assert.Equal(t, "12345", id)
	assert.False(t, animated)

	name, id, animated, ok = ParseCustomEmoji("<a:pepe:12345>")
	assert.True(t, ok)
	assert.Equal(t, "pepe", name)
	assert.Equal(t, "12345", id)
	assert.True(t, animated)
}

func TestParseCustomEmojiPlainUnicodeIsNotOK(t *testing.T) {
	_, _, _, ok := ParseCustomEmoji("👍")
	assert.False(t, ok)
}

func TestRetryAfterFromHeader(t *testing.T) {
	assert.Equal(t, time.Second, retryAfterFromHeader(""))
	assert.Equal(t, time.Second, retryAfterFromHeader("not-a-number"))
	assert.Equal(t, 2500*time.Millisecond, retryAfterFromHeader("2.5"))
}
