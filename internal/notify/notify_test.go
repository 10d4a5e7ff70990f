package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/rooms-client/internal/model"
)

type soundFlag bool

func (s soundFlag) SoundOn() bool { return bool(s) }

type recorder struct {
	got []Notification
	err error
}

func (r *recorder) Notify(ctx context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestGateRespectsSoundFlag(t *testing.T) {
	rec := &recorder{}
	n := Notification{RoomID: "r1", From: "bo", Preview: "hi"}

	NewGate(soundFlag(false), rec).Notify(context.Background(), n)
	if len(rec.got) != 0 {
		t.Error("notification delivered with sound off")
	}
	NewGate(soundFlag(true), rec).Notify(context.Background(), n)
	if len(rec.got) != 1 {
		t.Error("notification not delivered with sound on")
	}
}

func TestFromMessageUsesPreview(t *testing.T) {
	m := &model.Message{Room: "r1", Sender: model.UserRef{ID: "u2"}, Kind: model.KindImage, ImageURL: "broken"}
	n := FromMessage(m, "general")
	if n.From != "u2" || n.Preview != model.ImagePlaceholder || n.RoomName != "general" {
		t.Errorf("unexpected notification %+v", n)
	}
}

func TestBellNotifier(t *testing.T) {
	var buf bytes.Buffer
	if err := NewBellNotifier(&buf).Notify(context.Background(), Notification{RoomID: "r1", From: "bo", Preview: "hey"}); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "\a") || !strings.Contains(buf.String(), "[r1] bo: hey") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestMultiTriesAll(t *testing.T) {
	a := &recorder{err: errors.New("down")}
	b := &recorder{}
	err := Multi{a, b}.Notify(context.Background(), Notification{})
	if err == nil {
		t.Error("expected first error")
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Error("every notifier should be tried")
	}
}

// TestNATSNotifierPublishes requires a running NATS on localhost:4222.
func TestNATSNotifierPublishes(t *testing.T) {
	config := DefaultNATSConfig()
	config.MaxReconnects = 0
	notifier, err := NewNATSNotifier(config, "test_user")
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer notifier.Close()

	sub, err := nats.Connect(config.URL)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer sub.Close()

	got := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(Subject("test_user"), got)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Unsubscribe()
	sub.Flush()

	want := Notification{RoomID: "r1", From: "bo", Preview: "hi"}
	if err := notifier.Notify(context.Background(), want); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	select {
	case msg := <-got:
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != want {
			t.Errorf("got %+v, want %+v", n, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}
