// Package timeline holds the message history of the currently open room.
// Selecting a room clears the timeline before its history is fetched, and a
// history fetch that lands after a newer selection is discarded.
package timeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/rooms-client/internal/metrics"
	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
	"github.com/whisper/rooms-client/internal/transport"
)

// Service is the subset of the API client the timeline needs.
type Service interface {
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
}

// Directory receives updated messages so cached previews stay consistent.
type Directory interface {
	ReplaceLastMessage(m *model.Message)
}

// Emitter sends outbound assertions.
type Emitter interface {
	Emit(msg protocol.Outbound) error
}

// Member identifies the local user in join_room.
type Member struct {
	UserID   string
	Username string
}

// Store is the message timeline. It is safe for concurrent use.
type Store struct {
	svc Service
	dir Directory

	mu       sync.Mutex
	current  *model.Room
	messages []model.Message
	gen      uint64 // bumped by every selection and clear

	ch   *transport.Channel
	subs []transport.Subscription
}

// New creates an empty timeline. dir may be nil.
func New(svc Service, dir Directory) *Store {
	return &Store{svc: svc, dir: dir}
}

// SelectRoom makes room current, clears the timeline and replaces it with
// the room's history. When emitter is non-nil a join_room assertion for
// member is sent first so pushes for the room start flowing.
//
// If another SelectRoom or Clear happens before the history arrives, the
// result is dropped and SelectRoom returns nil.
func (s *Store) SelectRoom(ctx context.Context, room model.Room, emitter Emitter, member Member) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	r := room.Clone()
	s.current = &r
	s.messages = nil
	s.mu.Unlock()

	if emitter != nil {
		join := protocol.JoinRoom{RoomID: room.ID, UserID: member.UserID, Username: member.Username}
		if err := emitter.Emit(join); err != nil {
			log.Printf("[timeline] join_room %s: %v", room.ID, err)
		}
	}

	msgs, err := s.svc.ListMessages(ctx, room.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		metrics.StaleResults.WithLabelValues("timeline").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("timeline: fetch messages for %s: %w", room.ID, err)
	}
	s.messages = msgs
	return nil
}

// AddMessage appends m if it belongs to the current room. There is no
// deduplication by id.
func (s *Store) AddMessage(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != m.Room {
		return
	}
	s.messages = append(s.messages, *m.Clone())
}

// UpdateMessage replaces the entry with m's id in place and forwards m to
// the directory so a matching cached last message is replaced too.
func (s *Store) UpdateMessage(m model.Message) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == m.ID {
			s.messages[i] = *m.Clone()
		}
	}
	dir := s.dir
	s.mu.Unlock()

	if dir != nil {
		dir.ReplaceLastMessage(&m)
	}
}

// Clear drops the current room and its messages.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.current = nil
	s.messages = nil
}

// ClearIfCurrent clears the timeline when roomID is the current room.
func (s *Store) ClearIfCurrent(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != roomID {
		return
	}
	s.gen++
	s.current = nil
	s.messages = nil
}

// Current returns the selected room.
func (s *Store) Current() (model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.Room{}, false
	}
	return s.current.Clone(), true
}

// Messages returns a snapshot of the timeline.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	for i := range s.messages {
		out[i] = *s.messages[i].Clone()
	}
	return out
}

// Attach subscribes the timeline to message pushes on ch.
func (s *Store) Attach(ch *transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
	s.subs = append(s.subs,
		transport.On(ch, func(ev protocol.MessageReceived) { s.AddMessage(ev.Message) }),
		transport.On(ch, func(ev protocol.MessageReacted) { s.UpdateMessage(ev.Message) }),
	)
}

// Stop removes push subscriptions.
func (s *Store) Stop() {
	s.mu.Lock()
	ch, subs := s.ch, s.subs
	s.ch, s.subs = nil, nil
	s.mu.Unlock()

	if ch != nil {
		ch.OffAll(subs)
	}
}
