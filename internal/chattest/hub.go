package chattest

import (
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
	"github.com/whisper/rooms-client/internal/reaction"
)

// conn is one client socket. Writes are serialized by writeMu.
type conn struct {
	id      string
	raw     net.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	userID string          // set by identify
	joined map[string]bool // rooms joined with join_room
}

func (c *conn) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.raw.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return wsutil.WriteServerMessage(c.raw, op, data)
}

func (c *conn) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *conn) inRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[roomID]
}

// hub tracks live sockets and routes server events to them.
type hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func newHub() *hub {
	return &hub{conns: make(map[string]*conn)}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if ok {
		c.raw.Close()
	}
}

func (h *hub) all() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// send encodes ev once and writes it to every conn matching keep.
func (h *hub) send(ev protocol.Event, keep func(c *conn) bool) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.Printf("[chattest] encode %s: %v", ev.EventType(), err)
		return
	}
	for _, c := range h.all() {
		if !keep(c) {
			continue
		}
		if err := c.write(ws.OpText, data); err != nil {
			log.Printf("[chattest] send %s to conn=%s: %v", ev.EventType(), c.id, err)
		}
	}
}

func (h *hub) toUsers(ev protocol.Event, userIDs ...string) {
	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	h.send(ev, func(c *conn) bool { return want[c.user()] })
}

func (h *hub) toRoom(ev protocol.Event, roomID string, except *conn) {
	h.send(ev, func(c *conn) bool { return c != except && c.inRoom(roomID) })
}

// ---------------------------------------------------------------------------
// Socket handling
// ---------------------------------------------------------------------------

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.refusing.Load() {
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[chattest] upgrade failed: %v", err)
		return
	}
	c := &conn{id: uuid.New().String(), raw: raw, joined: make(map[string]bool)}
	s.hub.add(c)
	go s.serveConn(c)
}

// serveConn reads client frames until the socket fails. Pings are answered
// under the write mutex.
func (s *Server) serveConn(c *conn) {
	defer s.hub.remove(c)
	for {
		hdr, rd, err := wsutil.NextReader(c.raw, ws.StateServerSide)
		if err != nil {
			return
		}
		payload, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		switch hdr.OpCode {
		case ws.OpClose:
			c.write(ws.OpClose, nil)
			return
		case ws.OpPing:
			s.pings.Add(1)
			if err := c.write(ws.OpPong, payload); err != nil {
				return
			}
			continue
		case ws.OpPong:
			continue
		case ws.OpText:
			s.dispatch(c, payload)
		}
	}
}

// dispatch routes one client assertion. It is recorded once applied, so a
// test that saw identify in Received can push to that user.
func (s *Server) dispatch(c *conn, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[chattest] dispatch parse error conn=%s: %v", c.id, err)
		return
	}
	defer s.record(msg)

	switch m := msg.(type) {
	case protocol.Identify:
		c.mu.Lock()
		c.userID = m.UserID
		c.mu.Unlock()

	case protocol.JoinRoom:
		c.mu.Lock()
		c.joined[m.RoomID] = true
		if c.userID == "" {
			c.userID = m.UserID
		}
		c.mu.Unlock()

	case protocol.SendMessage:
		posted, ok := s.state.postMessage(m.RoomID, m.UserID, m.Content, m.ImageURL)
		if !ok {
			return
		}
		s.hub.toRoom(protocol.MessageReceived{Message: posted}, m.RoomID, nil)
		s.hub.toUsers(protocol.RoomUpdated{RoomID: m.RoomID, LastMessage: &posted}, s.state.memberIDs(m.RoomID)...)

	case protocol.Typing:
		s.hub.toRoom(protocol.UserTyping{RoomID: m.RoomID, Username: m.Username}, m.RoomID, c)

	case protocol.ReactMessage:
		s.react(m.MessageID, m.UserID, m.Emoji, true)

	case protocol.UnreactMessage:
		s.react(m.MessageID, m.UserID, m.Emoji, false)
	}
}

func (s *Server) react(messageID, userID, emoji string, add bool) {
	updated, ok := s.state.mutateMessage(messageID, func(msg *model.Message) {
		if reaction.HasReacted(msg, userID, emoji) == add {
			return
		}
		msg.Reactions = reaction.Apply(msg.Reactions, userID, emoji, s.state.now())
	})
	if !ok {
		return
	}
	s.hub.toRoom(protocol.MessageReacted{Message: updated}, updated.Room, nil)
}
