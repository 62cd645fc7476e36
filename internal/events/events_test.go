package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasDiscordOriginDetectsAnyExtension(t *testing.T) {
	plain := Event{Type: TypeCreateMessage}
	assert.False(t, plain.HasDiscordOrigin())

	raw, err := json.Marshal(MessageOrigin{Snowflake: "1", ChannelID: "2", GuildID: "3"})
	require.NoError(t, err)
	withOrigin := Event{
		Type:       TypeCreateMessage,
		Extensions: map[string]json.RawMessage{ExtMessageOrigin: raw},
	}
	assert.True(t, withOrigin.HasDiscordOrigin())
}

func TestExtensionReportsPresenceAndDecodes(t *testing.T) {
	raw, err := json.Marshal(UserOrigin{ProfileHash: "abc", Handle: "alice", GuildID: "g1"})
	require.NoError(t, err)
	ev := Event{Extensions: map[string]json.RawMessage{ExtUserOrigin: raw}}

	var out UserOrigin
	present, err := ev.Extension(ExtUserOrigin, &out)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, "alice", out.Handle)

	present, err = ev.Extension(ExtRoomOrigin, &out)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestUnmarshalPayload(t *testing.T) {
	payload, err := json.Marshal(CreateMessagePayload{Body: "hello"})
	require.NoError(t, err)
	ev := Event{Payload: payload}

	var decoded CreateMessagePayload
	require.NoError(t, ev.UnmarshalPayload(&decoded))
	assert.Equal(t, "hello", decoded.Body)
}
