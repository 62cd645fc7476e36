// Package fingerprint computes the stable hashes the bridge uses to detect
// no-op edits and avoid redundant re-sync of unchanged Discord profiles,
// sidebars, and reactions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// truncatedHexLen is the number of hex characters kept from a SHA-256 sum.
// 32 hex chars (128 bits) is far beyond the collision risk this system
// needs to guard against — it only needs to detect "did anything change",
// not resist an adversarial second preimage.
const truncatedHexLen = 32

func truncatedHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])[:truncatedHexLen]
}

// Profile returns the fingerprint of a Discord user's profile-relevant
// fields. Any change to username, global display name, or avatar hash
// changes this value.
func Profile(username, globalName, avatarHash string) string {
	return truncatedHash(username, globalName, avatarHash)
}

// Content returns the fingerprint of a message's body text and attachment
// URLs (sorted first, so their order does not change the result), used to detect no-op edits (Discord sometimes re-emits
// MESSAGE_UPDATE for embed-only changes with unchanged content).
func Content(body string, attachmentURLs []string) string {
	sorted := append([]string(nil), attachmentURLs...)
	sort.Strings(sorted)
	return truncatedHash(append([]string{body}, sorted...)...)
}

// Sidebar returns the fingerprint of a guild's channel/category layout,
// used to detect whether a sidebar re-sync actually changed anything
// before writing a new Roomy sidebar event.
func Sidebar(channelIDsInOrder []string) string {
	return truncatedHash(channelIDsInOrder...)
}

// ReactionKey builds the composite key used to track a single user's
// reaction with a single emoji on a single message, matching spec.md's
// "messageId:userId:emojiKey" layout.
func ReactionKey(messageID, userID, emojiKey string) string {
	return messageID + ":" + userID + ":" + emojiKey
}
