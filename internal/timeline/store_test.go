package timeline

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
)

// fakeService returns canned history per room. A room with a gate blocks
// until the gate is closed.
type fakeService struct {
	mu      sync.Mutex
	history map[string][]model.Message
	gates   map[string]chan struct{}
	err     error
}

func (f *fakeService) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.gates[roomID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Message(nil), f.history[roomID]...), nil
}

type fakeDirectory struct {
	replaced []string
}

func (d *fakeDirectory) ReplaceLastMessage(m *model.Message) {
	d.replaced = append(d.replaced, m.ID)
}

type recordingEmitter struct {
	sent []protocol.Outbound
	err  error
}

func (e *recordingEmitter) Emit(msg protocol.Outbound) error {
	e.sent = append(e.sent, msg)
	return e.err
}

func msg(id, room string) model.Message {
	return model.Message{ID: id, Room: room, Kind: model.KindText, Content: id}
}

func messageIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Test: selectRoom
// ---------------------------------------------------------------------------

func TestSelectRoom_ReplacesHistoryAndJoins(t *testing.T) {
	svc := &fakeService{history: map[string][]model.Message{"A": {msg("a1", "A"), msg("a2", "A")}}}
	s := New(svc, nil)
	em := &recordingEmitter{}

	if err := s.SelectRoom(context.Background(), model.Room{ID: "A"}, em, Member{UserID: "u1", Username: "ana"}); err != nil {
		t.Fatalf("SelectRoom() error: %v", err)
	}
	if got := messageIDs(s.Messages()); !reflect.DeepEqual(got, []string{"a1", "a2"}) {
		t.Errorf("unexpected timeline %v", got)
	}
	if len(em.sent) != 1 {
		t.Fatalf("expected one join_room, got %d", len(em.sent))
	}
	join, ok := em.sent[0].(protocol.JoinRoom)
	if !ok || join.RoomID != "A" || join.UserID != "u1" || join.Username != "ana" {
		t.Errorf("unexpected join assertion: %+v", em.sent[0])
	}
}

func TestSelectRoom_ClearsBeforeFetch(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{
		history: map[string][]model.Message{"A": {msg("a1", "A")}, "B": {msg("b1", "B")}},
		gates:   map[string]chan struct{}{"B": gate},
	}
	s := New(svc, nil)
	s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{})

	done := make(chan struct{})
	go func() {
		s.SelectRoom(context.Background(), model.Room{ID: "B"}, nil, Member{})
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		cur, ok := s.Current()
		if ok && cur.ID == "B" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("room B never became current")
		case <-time.After(time.Millisecond):
		}
	}
	if n := len(s.Messages()); n != 0 {
		t.Errorf("expected empty timeline while B loads, got %d messages", n)
	}
	close(gate)
	<-done
	if got := messageIDs(s.Messages()); !reflect.DeepEqual(got, []string{"b1"}) {
		t.Errorf("unexpected timeline %v", got)
	}
}

func TestSelectRoom_LateFetchDiscarded(t *testing.T) {
	gateA := make(chan struct{})
	svc := &fakeService{
		history: map[string][]model.Message{"A": {msg("a1", "A")}, "B": {msg("b1", "B"), msg("b2", "B")}},
		gates:   map[string]chan struct{}{"A": gateA},
	}
	s := New(svc, nil)

	doneA := make(chan error, 1)
	go func() { doneA <- s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{}) }()
	time.Sleep(20 * time.Millisecond)

	if err := s.SelectRoom(context.Background(), model.Room{ID: "B"}, nil, Member{}); err != nil {
		t.Fatalf("SelectRoom(B) error: %v", err)
	}
	close(gateA)
	if err := <-doneA; err != nil {
		t.Fatalf("superseded SelectRoom(A) should return nil, got %v", err)
	}

	cur, _ := s.Current()
	if cur.ID != "B" {
		t.Errorf("expected current room B, got %q", cur.ID)
	}
	if got := messageIDs(s.Messages()); !reflect.DeepEqual(got, []string{"b1", "b2"}) {
		t.Errorf("late fetch for A corrupted timeline: %v", got)
	}
}

func TestSelectRoom_FetchErrorReturned(t *testing.T) {
	svc := &fakeService{err: errors.New("500")}
	s := New(svc, nil)
	if err := s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{}); err == nil {
		t.Fatal("expected error")
	}
	if cur, ok := s.Current(); !ok || cur.ID != "A" {
		t.Error("room should stay selected after a failed fetch")
	}
}

func TestSelectRoom_EmitFailureDoesNotBlockFetch(t *testing.T) {
	svc := &fakeService{history: map[string][]model.Message{"A": {msg("a1", "A")}}}
	s := New(svc, nil)
	em := &recordingEmitter{err: errors.New("disconnected")}
	if err := s.SelectRoom(context.Background(), model.Room{ID: "A"}, em, Member{UserID: "u"}); err != nil {
		t.Fatalf("SelectRoom() error: %v", err)
	}
	if len(s.Messages()) != 1 {
		t.Error("history should load even if join_room could not be sent")
	}
}

// ---------------------------------------------------------------------------
// Test: addMessage / updateMessage
// ---------------------------------------------------------------------------

func TestAddMessage_AppendsWithoutDedup(t *testing.T) {
	s := New(&fakeService{}, nil)
	s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{})

	s.AddMessage(msg("m1", "A"))
	s.AddMessage(msg("m1", "A"))
	s.AddMessage(msg("x", "other"))

	if got := messageIDs(s.Messages()); !reflect.DeepEqual(got, []string{"m1", "m1"}) {
		t.Errorf("unexpected timeline %v", got)
	}
}

func TestAddMessage_NoCurrentRoom(t *testing.T) {
	s := New(&fakeService{}, nil)
	s.AddMessage(msg("m1", "A"))
	if len(s.Messages()) != 0 {
		t.Error("message appended with no room selected")
	}
}

func TestUpdateMessage_InPlaceAndIdempotent(t *testing.T) {
	svc := &fakeService{history: map[string][]model.Message{"A": {msg("m1", "A"), msg("m2", "A"), msg("m3", "A")}}}
	dir := &fakeDirectory{}
	s := New(svc, dir)
	s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{})

	updated := msg("m2", "A")
	updated.Reactions = []model.Reaction{{Emoji: "👍", User: "u1"}}

	s.UpdateMessage(updated)
	once := s.Messages()
	s.UpdateMessage(updated)
	twice := s.Messages()

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replay changed timeline:\n once=%+v\ntwice=%+v", once, twice)
	}
	if got := messageIDs(twice); !reflect.DeepEqual(got, []string{"m1", "m2", "m3"}) {
		t.Errorf("update moved entries: %v", got)
	}
	if len(twice[1].Reactions) != 1 {
		t.Errorf("reactions not applied: %+v", twice[1])
	}
	if len(dir.replaced) != 2 || dir.replaced[0] != "m2" {
		t.Errorf("expected directory propagation, got %v", dir.replaced)
	}
}

func TestUpdateMessage_UnknownIDLeavesTimeline(t *testing.T) {
	svc := &fakeService{history: map[string][]model.Message{"A": {msg("m1", "A")}}}
	s := New(svc, nil)
	s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{})
	before := s.Messages()
	s.UpdateMessage(msg("zz", "A"))
	if !reflect.DeepEqual(before, s.Messages()) {
		t.Error("unknown id changed the timeline")
	}
}

// ---------------------------------------------------------------------------
// Test: clearing
// ---------------------------------------------------------------------------

func TestClearIfCurrent(t *testing.T) {
	svc := &fakeService{history: map[string][]model.Message{"A": {msg("m1", "A")}}}
	s := New(svc, nil)
	s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{})

	s.ClearIfCurrent("B")
	if _, ok := s.Current(); !ok {
		t.Fatal("clearing another room dropped the current one")
	}
	s.ClearIfCurrent("A")
	if _, ok := s.Current(); ok {
		t.Error("current room should be cleared")
	}
	if len(s.Messages()) != 0 {
		t.Error("messages should be cleared")
	}
}

func TestClearDiscardsInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	svc := &fakeService{
		history: map[string][]model.Message{"A": {msg("m1", "A")}},
		gates:   map[string]chan struct{}{"A": gate},
	}
	s := New(svc, nil)
	done := make(chan struct{})
	go func() {
		s.SelectRoom(context.Background(), model.Room{ID: "A"}, nil, Member{})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	s.Clear()
	close(gate)
	<-done

	if len(s.Messages()) != 0 {
		t.Error("fetch landed after Clear")
	}
}
