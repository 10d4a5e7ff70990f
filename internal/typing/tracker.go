// Package typing tracks who is typing in each room. Local keystrokes are
// announced to the server and decay after a quiet period measured from the
// last keystroke. Remote announcements decay after the same period measured
// from receipt, and a timer that was superseded never clears a newer value.
package typing

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/whisper/rooms-client/internal/protocol"
	"github.com/whisper/rooms-client/internal/sched"
	"github.com/whisper/rooms-client/internal/transport"
)

// QuietPeriod is how long a typing indicator survives without a new
// assertion.
const QuietPeriod = 1200 * time.Millisecond

// Config holds tracker tuning parameters.
type Config struct {
	QuietPeriod time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QuietPeriod: QuietPeriod}
}

// Emitter sends outbound assertions.
type Emitter interface {
	Emit(msg protocol.Outbound) error
}

// Tracker holds per-room typing state. It is safe for concurrent use.
type Tracker struct {
	config   Config
	timers   *sched.Table
	onChange func(roomID, username string)

	mu       sync.Mutex
	self     string
	remote   map[string]string
	local    map[string]bool
	limiters map[string]*rate.Limiter
	gen      map[string]uint64 // per timer key; a clear only applies to its own generation

	ch   *transport.Channel
	subs []transport.Subscription
}

// New creates an empty tracker. onChange, if non-nil, is called after every
// change of a room's remote typing username ("" when cleared).
func New(config Config, onChange func(roomID, username string)) *Tracker {
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = QuietPeriod
	}
	return &Tracker{
		config:   config,
		timers:   sched.NewTable(),
		onChange: onChange,
		remote:   make(map[string]string),
		local:    make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
		gen:      make(map[string]uint64),
	}
}

// SetSelf sets the local username. Remote assertions carrying it are the
// server echoing our own typing and are ignored.
func (t *Tracker) SetSelf(username string) {
	t.mu.Lock()
	t.self = username
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Local assertions
// ---------------------------------------------------------------------------

// Keystroke records local input in roomID. The typing assertion is sent when
// a burst starts and then at most once per quiet period while it continues;
// the local indicator clears one quiet period after the last keystroke.
func (t *Tracker) Keystroke(emitter Emitter, roomID, username string) error {
	if roomID == "" {
		return nil
	}
	key := localKey(roomID)
	t.mu.Lock()
	t.local[roomID] = true
	gen := t.bump(key)
	lim, ok := t.limiters[roomID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.config.QuietPeriod), 1)
		t.limiters[roomID] = lim
	}
	t.mu.Unlock()

	t.timers.Schedule(key, t.config.QuietPeriod, func() {
		t.mu.Lock()
		if t.gen[key] == gen {
			delete(t.local, roomID)
		}
		t.mu.Unlock()
	})

	if !lim.Allow() {
		return nil
	}
	return emitter.Emit(protocol.Typing{RoomID: roomID, Username: username})
}

// LocalTyping reports whether the local user is mid-burst in roomID.
func (t *Tracker) LocalTyping(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local[roomID]
}

// ---------------------------------------------------------------------------
// Remote assertions
// ---------------------------------------------------------------------------

// HandleUserTyping applies a user_typing push: the room's typing username
// is set now and cleared one quiet period later unless a newer assertion for
// the room arrives first.
func (t *Tracker) HandleUserTyping(ev protocol.UserTyping) {
	if ev.RoomID == "" {
		return
	}
	t.mu.Lock()
	if t.self != "" && ev.Username == t.self {
		t.mu.Unlock()
		return
	}
	roomID := ev.RoomID
	key := remoteKey(roomID)
	t.remote[roomID] = ev.Username
	gen := t.bump(key)
	t.mu.Unlock()

	t.timers.Schedule(key, t.config.QuietPeriod, func() {
		t.mu.Lock()
		if t.gen[key] != gen {
			t.mu.Unlock()
			return
		}
		delete(t.remote, roomID)
		t.mu.Unlock()
		t.changed(roomID, "")
	})
	t.changed(roomID, ev.Username)
}

// Typing returns who is typing in roomID.
func (t *Tracker) Typing(roomID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.remote[roomID]
	return u, ok
}

// bump advances the generation of key. Callers hold t.mu.
func (t *Tracker) bump(key string) uint64 {
	t.gen[key]++
	return t.gen[key]
}

func (t *Tracker) changed(roomID, username string) {
	if t.onChange != nil {
		t.onChange(roomID, username)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Attach subscribes the tracker to user_typing pushes on ch.
func (t *Tracker) Attach(ch *transport.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ch = ch
	t.subs = append(t.subs, transport.On(ch, t.HandleUserTyping))
}

// Stop removes push subscriptions and cancels every pending clear.
func (t *Tracker) Stop() {
	t.mu.Lock()
	ch, subs := t.ch, t.subs
	t.ch, t.subs = nil, nil
	t.mu.Unlock()

	if ch != nil {
		ch.OffAll(subs)
	}
	t.timers.Stop()
	log.Printf("[typing] stopped")
}

func localKey(roomID string) string  { return "local:" + roomID }
func remoteKey(roomID string) string { return "remote:" + roomID }
