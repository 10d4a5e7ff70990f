package directory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/whisper/rooms-client/internal/model"
)

// fakeService is an in-memory Service. Calls to ListRoomsWithLast can be
// held on a gate to reorder responses.
type fakeService struct {
	mu           sync.Mutex
	rooms        []model.Room
	withLast     []model.Room
	withLastErr  error
	listErr      error
	deleteErr    error
	deleted      []string
	listCalls    int
	withLastGate chan struct{}
}

func (f *fakeService) ListRooms(ctx context.Context) ([]model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Room(nil), f.rooms...), nil
}

func (f *fakeService) ListRoomsWithLast(ctx context.Context) ([]model.Room, error) {
	f.mu.Lock()
	gate := f.withLastGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withLastErr != nil {
		return nil, f.withLastErr
	}
	return append([]model.Room(nil), f.withLast...), nil
}

func (f *fakeService) CreateRoom(ctx context.Context, name string, private bool) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := model.Room{ID: "new-" + name, Name: name}
	f.withLast = append(f.withLast, r)
	return &r, nil
}

func (f *fakeService) DeleteRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, roomID)
	return nil
}

func at(min int) *time.Time {
	t := time.Date(2024, 5, 1, 10, min, 0, 0, time.UTC)
	return &t
}

func ids(rooms []model.Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func assertSorted(t *testing.T, rooms []model.Room) {
	t.Helper()
	seenUnknown := false
	var prev time.Time
	for i, r := range rooms {
		ts, ok := r.Recency()
		if !ok {
			seenUnknown = true
			continue
		}
		if seenUnknown {
			t.Fatalf("room %s with known recency after a room without one", r.ID)
		}
		if i > 0 && ts.After(prev) {
			t.Fatalf("rooms not sorted at %d: %v", i, ids(rooms))
		}
		prev = ts
	}
}

// ---------------------------------------------------------------------------
// Test: applyRoomUpdate re-sorts
// ---------------------------------------------------------------------------

func TestApplyRoomUpdate_MovesRoomToFront(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{
		{ID: "1", UpdatedAt: at(1)},
		{ID: "2", UpdatedAt: at(2)},
	}}
	now := *at(3)
	s := New(svc, WithClock(func() time.Time { return now }))
	defer s.Stop()

	if err := s.FetchRoomsWithLast(context.Background()); err != nil {
		t.Fatalf("FetchRoomsWithLast() error: %v", err)
	}
	if got := ids(s.Rooms()); !equalIDs(got, []string{"2", "1"}) {
		t.Fatalf("expected initial order [2 1], got %v", got)
	}

	s.ApplyRoomUpdate("1", &model.Message{ID: "m", Room: "1", CreatedAt: now})

	rooms := s.Rooms()
	if got := ids(rooms); !equalIDs(got, []string{"1", "2"}) {
		t.Fatalf("expected order [1 2], got %v", got)
	}
	if rooms[0].LastMessage == nil || rooms[0].LastMessage.ID != "m" {
		t.Errorf("last message not applied: %+v", rooms[0].LastMessage)
	}
	if rooms[0].UpdatedAt == nil || !rooms[0].UpdatedAt.Equal(now) {
		t.Errorf("updatedAt not bumped: %v", rooms[0].UpdatedAt)
	}
}

func TestApplyRoomUpdate_UnknownRoomIgnored(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{{ID: "1", UpdatedAt: at(1)}}}
	s := New(svc)
	defer s.Stop()
	s.FetchRoomsWithLast(context.Background())

	s.ApplyRoomUpdate("ghost", &model.Message{ID: "m"})
	if got := ids(s.Rooms()); !equalIDs(got, []string{"1"}) {
		t.Errorf("unknown room should not be created, got %v", got)
	}
}

func TestApplyRoomUpdate_AlwaysSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var rooms []model.Room
	for i := 0; i < 12; i++ {
		r := model.Room{ID: string(rune('a' + i))}
		switch i % 3 {
		case 0:
			r.UpdatedAt = at(rng.Intn(50))
		case 1:
			r.LastMessage = &model.Message{ID: "lm", CreatedAt: *at(rng.Intn(50))}
		}
		rooms = append(rooms, r)
	}

	clock := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	s := New(&fakeService{withLast: rooms}, WithClock(func() time.Time {
		clock = clock.Add(time.Duration(rng.Intn(3)) * time.Second)
		return clock
	}))
	defer s.Stop()
	s.FetchRoomsWithLast(context.Background())
	assertSorted(t, s.Rooms())

	for i := 0; i < 200; i++ {
		id := rooms[rng.Intn(len(rooms))].ID
		s.ApplyRoomUpdate(id, &model.Message{ID: "x", Room: id})
		assertSorted(t, s.Rooms())
	}
}

func TestSortIsStableForTies(t *testing.T) {
	rooms := []model.Room{
		{ID: "a", UpdatedAt: at(5)},
		{ID: "b"},
		{ID: "c", UpdatedAt: at(5)},
		{ID: "d"},
		{ID: "e", UpdatedAt: at(9)},
	}
	sortByRecency(rooms)
	if got := ids(rooms); !equalIDs(got, []string{"e", "a", "c", "b", "d"}) {
		t.Errorf("unexpected order %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: fetchRoomsWithLast fallback
// ---------------------------------------------------------------------------

func TestFetchRoomsWithLast_FallsBackSilently(t *testing.T) {
	svc := &fakeService{
		withLastErr: errors.New("404 not found"),
		rooms:       []model.Room{{ID: "plain"}},
	}
	s := New(svc)
	defer s.Stop()

	if err := s.FetchRoomsWithLast(context.Background()); err != nil {
		t.Fatalf("expected silent fallback, got %v", err)
	}
	if got := ids(s.Rooms()); !equalIDs(got, []string{"plain"}) {
		t.Errorf("expected fallback rooms, got %v", got)
	}
	if svc.listCalls != 1 {
		t.Errorf("expected one fallback call, got %d", svc.listCalls)
	}
}

func TestFetchRoomsWithLast_BothFail(t *testing.T) {
	svc := &fakeService{
		withLast:    nil,
		withLastErr: errors.New("boom"),
		listErr:     errors.New("also boom"),
	}
	s := New(svc)
	defer s.Stop()

	if err := s.FetchRoomsWithLast(context.Background()); err == nil {
		t.Fatal("expected error when both endpoints fail")
	}
}

func TestFetchRoomsWithLast_CancelDoesNotFallBack(t *testing.T) {
	svc := &fakeService{withLastGate: make(chan struct{})}
	s := New(svc)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.FetchRoomsWithLast(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.listCalls != 0 {
		t.Errorf("cancellation should not fall back, got %d list calls", svc.listCalls)
	}
}

func TestStalePullDiscarded(t *testing.T) {
	svc := &fakeService{
		withLastGate: make(chan struct{}),
		withLast:     []model.Room{{ID: "old"}},
		rooms:        []model.Room{{ID: "fresh"}},
	}
	s := New(svc)
	defer s.Stop()

	done := make(chan error, 1)
	go func() { done <- s.FetchRoomsWithLast(context.Background()) }()

	// Let the slow pull take its sequence number first.
	time.Sleep(20 * time.Millisecond)
	if err := s.FetchRooms(context.Background()); err != nil {
		t.Fatalf("FetchRooms() error: %v", err)
	}
	close(svc.withLastGate)
	if err := <-done; err != nil {
		t.Fatalf("FetchRoomsWithLast() error: %v", err)
	}

	if got := ids(s.Rooms()); !equalIDs(got, []string{"fresh"}) {
		t.Errorf("stale pull overwrote newer result: %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: deleteRoom
// ---------------------------------------------------------------------------

func TestDeleteRoom_RemovesAndCallsHook(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{{ID: "1"}, {ID: "2"}}}
	var removed []string
	s := New(svc, WithRemovedHook(func(id string) { removed = append(removed, id) }))
	defer s.Stop()
	s.FetchRoomsWithLast(context.Background())

	if err := s.DeleteRoom(context.Background(), "1"); err != nil {
		t.Fatalf("DeleteRoom() error: %v", err)
	}
	if got := ids(s.Rooms()); !equalIDs(got, []string{"2"}) {
		t.Errorf("expected [2], got %v", got)
	}
	if len(removed) != 1 || removed[0] != "1" {
		t.Errorf("expected hook for room 1, got %v", removed)
	}
}

func TestDeleteRoom_FailurePropagatesAndKeepsState(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{{ID: "1"}}, deleteErr: errors.New("forbidden")}
	hookCalled := false
	s := New(svc, WithRemovedHook(func(string) { hookCalled = true }))
	defer s.Stop()
	s.FetchRoomsWithLast(context.Background())

	if err := s.DeleteRoom(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
	if got := ids(s.Rooms()); !equalIDs(got, []string{"1"}) {
		t.Errorf("state changed on failure: %v", got)
	}
	if hookCalled {
		t.Error("hook called on failure")
	}
}

func TestPullReportsVanishedRooms(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{{ID: "1"}, {ID: "2"}}}
	var removed []string
	s := New(svc, WithRemovedHook(func(id string) { removed = append(removed, id) }))
	defer s.Stop()
	s.FetchRoomsWithLast(context.Background())

	svc.mu.Lock()
	svc.withLast = []model.Room{{ID: "2"}}
	svc.mu.Unlock()
	s.FetchRoomsWithLast(context.Background())

	if len(removed) != 1 || removed[0] != "1" {
		t.Errorf("expected room 1 reported removed, got %v", removed)
	}
}

// ---------------------------------------------------------------------------
// Test: lastMessage propagation and create
// ---------------------------------------------------------------------------

func TestReplaceLastMessage_OnlyWhenIDMatches(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{
		{ID: "1", LastMessage: &model.Message{ID: "m1", Room: "1"}},
	}}
	s := New(svc)
	defer s.Stop()
	s.FetchRoomsWithLast(context.Background())

	s.ReplaceLastMessage(&model.Message{ID: "m0", Room: "1", Reactions: []model.Reaction{{Emoji: "🔥", User: "u"}}})
	r, _ := s.Room("1")
	if len(r.LastMessage.Reactions) != 0 {
		t.Error("older message should not replace cached last message")
	}

	s.ReplaceLastMessage(&model.Message{ID: "m1", Room: "1", Reactions: []model.Reaction{{Emoji: "🔥", User: "u"}}})
	r, _ = s.Room("1")
	if len(r.LastMessage.Reactions) != 1 {
		t.Error("matching message should replace cached last message")
	}
}

func TestCreateRoomRefreshes(t *testing.T) {
	svc := &fakeService{}
	s := New(svc)
	defer s.Stop()

	room, err := s.CreateRoom(context.Background(), "general")
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	if _, ok := s.Room(room.ID); !ok {
		t.Errorf("created room %s not in directory", room.ID)
	}
}

func TestRefreshRunsInBackground(t *testing.T) {
	svc := &fakeService{withLast: []model.Room{{ID: "1"}}}
	s := New(svc)
	s.Refresh()
	s.Stop()

	if got := ids(s.Rooms()); !equalIDs(got, []string{"1"}) {
		t.Errorf("expected refresh to have landed before Stop returned, got %v", got)
	}
}
