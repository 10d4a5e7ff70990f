// Package notify delivers incoming-message notifications. A Gate drops them
// when the user has sound turned off; sinks either ring the terminal bell or
// publish over NATS for an external desktop notifier.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/whisper/rooms-client/internal/model"
)

// Notification describes one incoming message worth alerting about.
type Notification struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName,omitempty"`
	From     string `json:"from"`
	Preview  string `json:"preview"`
}

// FromMessage builds a Notification for m in a room named roomName.
func FromMessage(m *model.Message, roomName string) Notification {
	from := m.Sender.Username
	if from == "" {
		from = m.Sender.ID
	}
	return Notification{RoomID: m.Room, RoomName: roomName, From: from, Preview: m.Preview()}
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SoundSource reports the user's sound preference.
type SoundSource interface {
	SoundOn() bool
}

// Gate forwards to next only while sound is on.
type Gate struct {
	sound SoundSource
	next  Notifier
}

// NewGate wraps next with the sound preference.
func NewGate(sound SoundSource, next Notifier) *Gate {
	return &Gate{sound: sound, next: next}
}

// Notify forwards n unless sound is off.
func (g *Gate) Notify(ctx context.Context, n Notification) error {
	if g.sound != nil && !g.sound.SoundOn() {
		return nil
	}
	return g.next.Notify(ctx, n)
}

// BellNotifier writes a terminal bell and a one-line summary to w.
type BellNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellNotifier creates a BellNotifier writing to w.
func NewBellNotifier(w io.Writer) *BellNotifier {
	return &BellNotifier{w: w}
}

// Notify rings the bell.
func (b *BellNotifier) Notify(ctx context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := n.RoomName
	if room == "" {
		room = n.RoomID
	}
	if _, err := fmt.Fprintf(b.w, "\a[%s] %s: %s\n", room, n.From, n.Preview); err != nil {
		return fmt.Errorf("notify: bell: %w", err)
	}
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; failures are logged and the first one is returned.
type Multi []Notifier

// Notify delivers n to every notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			log.Printf("[notify] delivery failed: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
