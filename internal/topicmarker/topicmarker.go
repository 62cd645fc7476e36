// Package topicmarker encodes and decodes the Roomy room marker the bridge
// writes into a Discord channel's topic, and parses it back out when the
// bridge needs to recover which Roomy room a channel was created from
// (e.g. after a restart with no cached mapping). Threads are marked instead
// with the room URL from Marker.ThreadURL in their starter message.
package topicmarker

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	markerPrefix = "[Synced from Roomy: "
	markerSuffix = "]"
	roomyBaseURL = "https://roomy.space/"
)

// Marker identifies the Roomy room a Discord thread mirrors.
type Marker struct {
	SpaceDID string
	ULID     string
}

// Encode renders the exact literal form spec.md §4.2 requires:
// "[Synced from Roomy: <ULID>]". Only the ULID is shown to Discord users;
// SpaceDID is recovered separately from the bridge's own binding record,
// since it's identical for every thread in a guild.
func (m Marker) Encode() string {
	return markerPrefix + m.ULID + markerSuffix
}

// ThreadURL renders the full Roomy room URL the marker refers to.
func (m Marker) ThreadURL() string {
	return fmt.Sprintf("%s%s/%s", roomyBaseURL, m.SpaceDID, m.ULID)
}

// ErrNoMarker indicates the text contains no topic marker at all.
var ErrNoMarker = fmt.Errorf("no topic marker found")

// ErrInvalidULID indicates a marker-shaped substring was found but its
// ULID payload doesn't parse as a valid Crockford-base32 ULID.
var ErrInvalidULID = fmt.Errorf("invalid ULID in topic marker")

// Decode extracts a Marker from message text. spaceDID is supplied by the
// caller (from the guild's binding record) since the marker text itself
// omits it.
func Decode(text, spaceDID string) (Marker, error) {
	start := strings.Index(text, markerPrefix)
	if start == -1 {
		return Marker{}, ErrNoMarker
	}
	rest := text[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end == -1 {
		return Marker{}, ErrNoMarker
	}
	id := rest[:end]

	if _, err := ulid.ParseStrict(id); err != nil {
		return Marker{}, fmt.Errorf("%w: %q: %s", ErrInvalidULID, id, err)
	}

	return Marker{SpaceDID: spaceDID, ULID: id}, nil
}

// Contains reports whether text embeds a topic marker, without validating
// the ULID payload.
func Contains(text string) bool {
	return strings.Contains(text, markerPrefix) && strings.Contains(text, markerSuffix)
}

// IsSynced is Contains under the name spec.md §4.2 uses for this operation.
func IsSynced(topic string) bool {
	return Contains(topic)
}

// Remove strips any existing topic marker from topic, returning the
// remaining text with no leftover separating whitespace at the seam. A
// topic with no marker is returned unchanged.
func Remove(topic string) string {
	start := strings.Index(topic, markerPrefix)
	if start == -1 {
		return topic
	}
	rest := topic[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end == -1 {
		return topic
	}
	before := strings.TrimRight(topic[:start], " ")
	after := strings.TrimLeft(rest[end+len(markerSuffix):], " ")
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + " " + after
	}
}

// Add embeds a marker for ulid into topic, replacing any existing marker
// (spec.md §4.2: "replaces any existing marker") and preserving the rest
// of the topic's text. Add("General", "01HZ5KJVM7X6YM8QPE7YV4Q0ZY") ==
// "General [Synced from Roomy: 01HZ5KJVM7X6YM8QPE7YV4Q0ZY]" (scenario S6).
func Add(topic, u string) string {
	base := strings.TrimSpace(Remove(topic))
	marker := markerPrefix + u + markerSuffix
	if base == "" {
		return marker
	}
	return base + " " + marker
}
