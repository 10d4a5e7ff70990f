// Package chattest runs an in-process chat server for tests. It serves the
// REST endpoints under /api and the push channel under /ws, backed by an
// in-memory store, so the client can be exercised end to end without a real
// deployment.
package chattest

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
)

// Server is a running fake chat server.
type Server struct {
	srv   *httptest.Server
	state *state
	hub   *hub

	withLastFailing atomic.Bool
	refusing        atomic.Bool
	pings           atomic.Int64

	recvMu   sync.Mutex
	received []protocol.Outbound
}

// New starts a server on a loopback port. Call Close when done.
func New() *Server {
	s := &Server{state: newState(), hub: newHub()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("GET /api/rooms", s.authed(s.handleListRooms))
	mux.HandleFunc("GET /api/rooms/with-last", s.authed(s.handleListRoomsWithLast))
	mux.HandleFunc("POST /api/rooms", s.authed(s.handleCreateRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.authed(s.handleDeleteRoom))
	mux.HandleFunc("GET /api/rooms/me/invites", s.authed(s.handleListInvites))
	mux.HandleFunc("POST /api/rooms/{first}/{second}", s.authed(s.handleRoomAction))
	mux.HandleFunc("GET /api/messages/{roomId}", s.authed(s.handleListMessages))
	mux.HandleFunc("POST /api/upload", s.authed(s.handleUpload))
	mux.HandleFunc("POST /api/users/avatar", s.authed(s.handleAvatar))
	mux.HandleFunc("GET /api/users", s.authed(s.handleSearchUsers))
	mux.HandleFunc("GET /uploads/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
	})

	s.srv = httptest.NewServer(mux)
	return s
}

// URL is the server root, e.g. http://127.0.0.1:port.
func (s *Server) URL() string { return s.srv.URL }

// APIURL is the REST base.
func (s *Server) APIURL() string { return s.srv.URL + "/api" }

// WSURL is the push channel address.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// ---------------------------------------------------------------------------
// Test hooks
// ---------------------------------------------------------------------------

// AddUser creates an account.
func (s *Server) AddUser(username, email, password string) model.User {
	return s.state.addUser(username, email, password)
}

// Token issues a valid bearer token for userID.
func (s *Server) Token(userID string) string {
	tok, err := issueToken(userID, s.state.now())
	if err != nil {
		panic(err)
	}
	return tok
}

// AddRoom creates a room owned by ownerID with the given extra members.
func (s *Server) AddRoom(name, ownerID string, memberIDs ...string) model.Room {
	return s.state.addRoom(name, ownerID, memberIDs...)
}

// Room returns the stored room.
func (s *Server) Room(id string) (model.Room, bool) {
	return s.state.room(id)
}

// Post stores a message from senderID and pushes it the same way a
// send_message assertion would.
func (s *Server) Post(roomID, senderID, content string) model.Message {
	m, ok := s.state.postMessage(roomID, senderID, content, "")
	if !ok {
		return model.Message{}
	}
	s.hub.toRoom(protocol.MessageReceived{Message: m}, roomID, nil)
	s.hub.toUsers(protocol.RoomUpdated{RoomID: roomID, LastMessage: &m}, s.state.memberIDs(roomID)...)
	return m
}

// History returns a room's stored messages.
func (s *Server) History(roomID string) []model.Message {
	return s.state.history(roomID)
}

// Invite stores an invitation and pushes invite_received to the addressee.
func (s *Server) Invite(roomID, fromID, toID string) model.Invitation {
	inv, ok := s.state.addInvite(roomID, fromID, toID)
	if !ok {
		return model.Invitation{}
	}
	s.hub.toUsers(protocol.InviteReceived{Invitation: inv}, toID)
	return inv
}

// Push sends ev to every socket identified as one of userIDs.
func (s *Server) Push(ev protocol.Event, userIDs ...string) {
	s.hub.toUsers(ev, userIDs...)
}

// Broadcast sends ev to every open socket.
func (s *Server) Broadcast(ev protocol.Event) {
	s.hub.send(ev, func(*conn) bool { return true })
}

// DropConnections closes every open socket.
func (s *Server) DropConnections() {
	for _, c := range s.hub.all() {
		s.hub.remove(c)
	}
}

// Connections is the number of open sockets.
func (s *Server) Connections() int { return s.hub.count() }

// Pings is the number of ping frames received.
func (s *Server) Pings() int64 { return s.pings.Load() }

// SetWithLastFailing makes GET /rooms/with-last answer 500.
func (s *Server) SetWithLastFailing(failing bool) {
	s.withLastFailing.Store(failing)
}

// SetRefusingConnections makes /ws answer 503 instead of upgrading, which
// lets tests exhaust a client's reconnect attempts.
func (s *Server) SetRefusingConnections(refusing bool) {
	s.refusing.Store(refusing)
}

// Received returns every client assertion seen so far, in arrival order.
func (s *Server) Received() []protocol.Outbound {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	out := make([]protocol.Outbound, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedOfType filters Received by assertion type.
func (s *Server) ReceivedOfType(typ string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, m := range s.Received() {
		if m.Type() == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) record(msg protocol.Outbound) {
	s.recvMu.Lock()
	s.received = append(s.received, msg)
	s.recvMu.Unlock()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[chattest] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authed rejects requests without a valid bearer token.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := bearer(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Not authorized")
			return
		}
		if _, ok := s.state.user(userID); !ok {
			writeError(w, http.StatusUnauthorized, "User not found")
			return
		}
		h(w, r, userID)
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

type authResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	u, ok := s.state.login(in.Email, in.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: s.Token(u.ID), User: u})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	if in.Username == "" || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "All fields are required")
		return
	}
	if s.state.emailTaken(in.Email) {
		writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}
	u := s.state.addUser(in.Username, in.Email, in.Password)
	writeJSON(w, http.StatusCreated, authResponse{Token: s.Token(u.ID), User: u})
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, nonNil(s.state.roomsFor(userID, false)))
}

func (s *Server) handleListRoomsWithLast(w http.ResponseWriter, r *http.Request, userID string) {
	if s.withLastFailing.Load() {
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.state.roomsFor(userID, true)))
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var in struct {
		Name      string `json:"name"`
		IsPrivate bool   `json:"isPrivate"`
	}
	if err := readJSON(r, &in); err != nil || strings.TrimSpace(in.Name) == "" {
		writeError(w, http.StatusBadRequest, "Room name is required")
		return
	}
	room := s.state.addRoom(in.Name, userID)
	s.state.setPrivate(room.ID, in.IsPrivate)
	room.IsPrivate = in.IsPrivate
	s.hub.toUsers(protocol.RoomAdded{}, userID)
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	room, ok := s.state.room(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if !room.IsOwnedBy(userID) {
		writeError(w, http.StatusForbidden, "Only the owner can delete this room")
		return
	}
	members := s.state.deleteRoom(id)
	s.hub.toUsers(protocol.RoomDeleted{}, members...)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// handleRoomAction serves POST /rooms/{id}/invite and POST
// /rooms/invites/{id}, which share a pattern shape.
func (s *Server) handleRoomAction(w http.ResponseWriter, r *http.Request, userID string) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "invites":
		s.respondInvite(w, r, userID, second)
	case second == "invite":
		s.sendInvite(w, r, userID, first)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) sendInvite(w http.ResponseWriter, r *http.Request, userID, roomID string) {
	var in struct {
		To string `json:"to"`
	}
	if err := readJSON(r, &in); err != nil || in.To == "" {
		writeError(w, http.StatusBadRequest, "Recipient is required")
		return
	}
	room, ok := s.state.room(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if !isMember(&room, userID) {
		writeError(w, http.StatusForbidden, "Not a member of this room")
		return
	}
	if _, ok := s.state.user(in.To); !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if isMember(&room, in.To) {
		writeError(w, http.StatusBadRequest, "User is already a member")
		return
	}
	inv := s.Invite(roomID, userID, in.To)
	writeJSON(w, http.StatusCreated, inv)
}

func (s *Server) respondInvite(w http.ResponseWriter, r *http.Request, userID, inviteID string) {
	var in struct {
		Action string `json:"action"`
	}
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	inv, ok := s.state.invite(inviteID)
	if !ok || inv.To.ID != userID {
		writeError(w, http.StatusNotFound, "Invitation not found")
		return
	}
	if !inv.Pending() {
		writeError(w, http.StatusBadRequest, "Invitation already answered")
		return
	}

	switch in.Action {
	case "accept":
		s.state.addMember(inv.Room.ID, userID)
		s.state.setInviteStatus(inviteID, model.StatusAccepted)
		s.hub.toUsers(protocol.InviteAccepted{}, inv.From.ID)
		s.hub.toUsers(protocol.RoomAdded{}, userID)
	case "decline":
		s.state.setInviteStatus(inviteID, model.StatusDeclined)
		s.hub.toUsers(protocol.InviteDeclined{}, inv.From.ID)
	default:
		writeError(w, http.StatusBadRequest, "Invalid action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, nonNil(s.state.invitesFor(userID)))
}

// ---------------------------------------------------------------------------
// Messages, media, users
// ---------------------------------------------------------------------------

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	roomID := r.PathValue("roomId")
	room, ok := s.state.room(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if !isMember(&room, userID) {
		writeError(w, http.StatusForbidden, "Not a member of this room")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.state.history(roomID)))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	name, ok := s.receiveFile(w, r, "file")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": s.URL() + "/uploads/" + name})
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request, userID string) {
	name, ok := s.receiveFile(w, r, "avatar")
	if !ok {
		return
	}
	if target := r.FormValue("userId"); target != "" && target != userID {
		writeError(w, http.StatusForbidden, "Cannot change another user's avatar")
		return
	}
	u, _ := s.state.setAvatar(userID, s.URL()+"/uploads/"+name)
	writeJSON(w, http.StatusOK, map[string]string{"avatar": u.Avatar})
}

// receiveFile drains one multipart file part and returns a stored name.
func (s *Server) receiveFile(w http.ResponseWriter, r *http.Request, field string) (string, bool) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload")
		return "", false
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return "", false
	}
	defer f.Close()
	if _, err := io.Copy(io.Discard, f); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload")
		return "", false
	}
	return newID() + "-" + hdr.Filename, true
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, userID string) {
	q := strings.TrimSpace(r.URL.Query().Get("search"))
	if q == "" {
		writeJSON(w, http.StatusOK, []model.UserRef{})
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.state.searchUsers(q)))
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
