// Package reaction derives reaction state from a message and sends reaction
// toggles. The server owns the resulting collection; the client never
// predicts it and instead waits for the message_reacted push.
package reaction

import (
	"fmt"
	"time"

	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
)

// QuickEmojis is the fixed picker set offered for every message.
var QuickEmojis = []string{"👍", "🔥", "😂", "😮", "❤️", "🎉"}

// Count is the number of reactions with one emoji.
type Count struct {
	Emoji string
	N     int
}

// Emitter sends outbound assertions.
type Emitter interface {
	Emit(msg protocol.Outbound) error
}

// HasReacted reports whether viewer reacted to m with emoji.
func HasReacted(m *model.Message, viewer, emoji string) bool {
	if m == nil {
		return false
	}
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.User == viewer {
			return true
		}
	}
	return false
}

// Counts groups m's reactions by emoji in first-seen order.
func Counts(m *model.Message) []Count {
	if m == nil {
		return nil
	}
	var out []Count
	index := make(map[string]int)
	for _, r := range m.Reactions {
		if i, ok := index[r.Emoji]; ok {
			out[i].N++
			continue
		}
		index[r.Emoji] = len(out)
		out = append(out, Count{Emoji: r.Emoji, N: 1})
	}
	return out
}

// Toggle asks the server to remove viewer's emoji from m if present, or to
// add it otherwise.
func Toggle(emitter Emitter, m *model.Message, viewer, emoji string) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("reaction: toggle %s: no message", emoji)
	}
	var out protocol.Outbound
	if HasReacted(m, viewer, emoji) {
		out = protocol.UnreactMessage{MessageID: m.ID, Emoji: emoji, UserID: viewer}
	} else {
		out = protocol.ReactMessage{MessageID: m.ID, Emoji: emoji, UserID: viewer}
	}
	if err := emitter.Emit(out); err != nil {
		return fmt.Errorf("reaction: %s %s on %s: %w", out.Type(), emoji, m.ID, err)
	}
	return nil
}

// Apply returns reactions after user toggles emoji at time at: an existing
// (user, emoji) reaction is removed, otherwise one is appended. The input is
// not modified. This is the rule the server applies.
func Apply(reactions []model.Reaction, user, emoji string, at time.Time) []model.Reaction {
	out := make([]model.Reaction, 0, len(reactions)+1)
	removed := false
	for _, r := range reactions {
		if !removed && r.User == user && r.Emoji == emoji {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if !removed {
		out = append(out, model.Reaction{Emoji: emoji, User: user, CreatedAt: at})
	}
	return out
}
