package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileChangesWithAnyField(t *testing.T) {
	base := Profile("alice", "Alice", "abc123")
	require.Len(t, base, truncatedHexLen)

	cases := []struct {
		name                          string
		username, global, avatarHash string
	}{
		{"username changed", "alice2", "Alice", "abc123"},
		{"global name changed", "alice", "Alice W", "abc123"},
		{"avatar changed", "alice", "Alice", "def456"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.NotEqual(t, base, Profile(c.username, c.global, c.avatarHash))
		})
	}

	assert.Equal(t, base, Profile("alice", "Alice", "abc123"), "identical inputs must hash identically")
}

func TestContentIsOrderIndependentOverAttachments(t *testing.T) {
	a := Content("hello", []string{"https://b", "https://a"})
	b := Content("hello", []string{"https://a", "https://b"})
	assert.Equal(t, a, b, "attachment order must not affect the fingerprint")

	c := Content("hello", []string{"https://a"})
	assert.NotEqual(t, a, c)
}

func TestSidebarDetectsReordering(t *testing.T) {
	original := Sidebar([]string{"general", "1", "2"})
	reordered := Sidebar([]string{"general", "2", "1"})
	assert.NotEqual(t, original, reordered, "channel order within a category is significant")
}

func TestReactionKeyLayout(t *testing.T) {
	assert.Equal(t, "msg1:user1:emoji1", ReactionKey("msg1", "user1", "emoji1"))
}
