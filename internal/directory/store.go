// Package directory keeps the list of rooms the user belongs to, ordered by
// recency. It is refreshed by explicit pulls, by push signals that a pull is
// warranted, and locally by room_updated pushes that carry a new last
// message.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/rooms-client/internal/metrics"
	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
	"github.com/whisper/rooms-client/internal/transport"
)

// Service is the subset of the API client the directory needs.
type Service interface {
	ListRooms(ctx context.Context) ([]model.Room, error)
	ListRoomsWithLast(ctx context.Context) ([]model.Room, error)
	CreateRoom(ctx context.Context, name string, private bool) (*model.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Store is the room directory. It is safe for concurrent use; network calls
// are never made while the lock is held.
type Store struct {
	svc       Service
	now       func() time.Time
	onRemoved func(roomID string)

	mu      sync.Mutex
	rooms   []model.Room
	nextSeq uint64 // sequence handed to the next pull
	applied uint64 // sequence of the last pull applied

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ch     *transport.Channel
	subs   []transport.Subscription
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRemovedHook sets fn to be called with the id of every room that leaves
// the directory, whether deleted by the user or missing from a later pull.
func WithRemovedHook(fn func(roomID string)) Option {
	return func(s *Store) { s.onRemoved = fn }
}

// New creates an empty directory backed by svc.
func New(svc Service, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		svc:    svc,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRemovedHook replaces the removed-room hook. It exists for wiring the
// timeline after both stores are constructed.
func (s *Store) SetRemovedHook(fn func(roomID string)) {
	s.mu.Lock()
	s.onRemoved = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Pulls
// ---------------------------------------------------------------------------

// FetchRooms pulls the plain room list and replaces local state.
func (s *Store) FetchRooms(ctx context.Context) error {
	seq := s.begin()
	rooms, err := s.svc.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("directory: fetch rooms: %w", err)
	}
	s.replace(seq, rooms)
	return nil
}

// FetchRoomsWithLast pulls rooms joined with their last message. If the
// enriched endpoint fails for any reason other than cancellation, the plain
// list is pulled instead and the call succeeds if that does.
func (s *Store) FetchRoomsWithLast(ctx context.Context) error {
	seq := s.begin()
	rooms, err := s.svc.ListRoomsWithLast(ctx)
	if err == nil {
		s.replace(seq, rooms)
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("directory: fetch rooms with last: %w", err)
	}

	log.Printf("[directory] rooms/with-last failed, falling back to rooms: %v", err)
	metrics.PullFallbacks.WithLabelValues("rooms").Inc()

	rooms, err = s.svc.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("directory: fetch rooms (fallback): %w", err)
	}
	s.replace(seq, rooms)
	return nil
}

func (s *Store) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	return s.nextSeq
}

// replace installs a pull result unless a pull that started later has
// already been applied.
func (s *Store) replace(seq uint64, rooms []model.Room) {
	s.mu.Lock()
	if seq < s.applied {
		s.mu.Unlock()
		metrics.StaleResults.WithLabelValues("directory").Inc()
		log.Printf("[directory] discarding stale pull seq=%d applied=%d", seq, s.applied)
		return
	}
	s.applied = seq

	next := make([]model.Room, len(rooms))
	copy(next, rooms)
	sortByRecency(next)

	keep := make(map[string]bool, len(next))
	for _, r := range next {
		keep[r.ID] = true
	}
	var removed []string
	for _, r := range s.rooms {
		if !keep[r.ID] {
			removed = append(removed, r.ID)
		}
	}
	s.rooms = next
	hook := s.onRemoved
	s.mu.Unlock()

	if hook != nil {
		for _, id := range removed {
			hook(id)
		}
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// ApplyRoomUpdate sets a known room's last message and bumps its updatedAt
// to now, then re-sorts. Unknown rooms are ignored.
func (s *Store) ApplyRoomUpdate(roomID string, lastMessage *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rooms {
		if s.rooms[i].ID != roomID {
			continue
		}
		now := s.now()
		s.rooms[i].LastMessage = lastMessage.Clone()
		s.rooms[i].UpdatedAt = &now
		sortByRecency(s.rooms)
		return
	}
}

// ReplaceLastMessage swaps in m as the cached last message of m's room when
// the cached one has the same id. Order is not affected.
func (s *Store) ReplaceLastMessage(m *model.Message) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rooms {
		r := &s.rooms[i]
		if r.ID == m.Room && r.LastMessage != nil && r.LastMessage.ID == m.ID {
			r.LastMessage = m.Clone()
			return
		}
	}
}

// DeleteRoom deletes the room on the server and then locally. Errors are
// returned and leave the directory untouched.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.svc.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("directory: delete room %s: %w", roomID, err)
	}

	s.mu.Lock()
	found := false
	for i := range s.rooms {
		if s.rooms[i].ID == roomID {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			found = true
			break
		}
	}
	hook := s.onRemoved
	s.mu.Unlock()

	if hook != nil {
		hook(roomID)
	}
	if found {
		log.Printf("[directory] deleted room %s", roomID)
	}
	return nil
}

// CreateRoom creates a private room and refreshes the directory so it
// appears. The created room is returned even if the refresh fails.
func (s *Store) CreateRoom(ctx context.Context, name string) (*model.Room, error) {
	room, err := s.svc.CreateRoom(ctx, name, true)
	if err != nil {
		return nil, fmt.Errorf("directory: create room %q: %w", name, err)
	}
	if err := s.FetchRoomsWithLast(ctx); err != nil {
		log.Printf("[directory] refresh after create failed: %v", err)
	}
	return room, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Rooms returns a snapshot of the directory in display order.
func (s *Store) Rooms() []model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Room, len(s.rooms))
	for i, r := range s.rooms {
		out[i] = r.Clone()
	}
	return out
}

// Room returns a copy of the room with id, if present.
func (s *Store) Room(id string) (model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return model.Room{}, false
}

// ---------------------------------------------------------------------------
// Push handling
// ---------------------------------------------------------------------------

// Attach subscribes the directory to push events on ch.
func (s *Store) Attach(ch *transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = ch
	s.subs = append(s.subs,
		transport.On(ch, s.HandleRoomUpdated),
		transport.On(ch, func(protocol.RoomAdded) { s.Refresh() }),
		transport.On(ch, func(protocol.RoomDeleted) { s.Refresh() }),
	)
}

// HandleRoomUpdated applies a room_updated push.
func (s *Store) HandleRoomUpdated(ev protocol.RoomUpdated) {
	s.ApplyRoomUpdate(ev.RoomID, ev.LastMessage)
}

// Refresh starts FetchRoomsWithLast in the background. It returns
// immediately; failures are logged.
func (s *Store) Refresh() {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.FetchRoomsWithLast(s.ctx); err != nil && s.ctx.Err() == nil {
			log.Printf("[directory] refresh failed: %v", err)
		}
	}()
}

// Stop removes push subscriptions and waits for background refreshes.
func (s *Store) Stop() {
	s.mu.Lock()
	ch, subs := s.ch, s.subs
	s.ch, s.subs = nil, nil
	s.mu.Unlock()

	if ch != nil {
		ch.OffAll(subs)
	}
	s.cancel()
	s.wg.Wait()
}

// sortByRecency orders rooms by descending recency. Rooms without a known
// recency go last; ties keep their current order.
func sortByRecency(rooms []model.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		ti, iok := rooms[i].Recency()
		tj, jok := rooms[j].Recency()
		switch {
		case iok && jok:
			return ti.After(tj)
		case iok:
			return true
		default:
			return false
		}
	})
}
