package chattest

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/whisper/rooms-client/internal/model"
)

// state is the fake server's in-memory database.
type state struct {
	mu       sync.Mutex
	users    map[string]*account
	rooms    map[string]*model.Room
	messages map[string][]model.Message // room id -> history
	invites  map[string]*model.Invitation
	now      func() time.Time
}

type account struct {
	user  model.User
	email string
	hash  []byte
}

func newState() *state {
	return &state{
		users:    make(map[string]*account),
		rooms:    make(map[string]*model.Room),
		messages: make(map[string][]model.Message),
		invites:  make(map[string]*model.Invitation),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

func (s *state) ref(userID string) model.UserRef {
	if a, ok := s.users[userID]; ok {
		return model.UserRef{ID: a.user.ID, Username: a.user.Username, Avatar: a.user.Avatar}
	}
	return model.UserRef{ID: userID}
}

// addUser stores a bcrypt hash at minimum cost; a password bcrypt rejects
// leaves an account nobody can log into.
func (s *state) addUser(username, email, password string) model.User {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u := model.User{ID: newID(), Username: username, Email: email, CreatedAt: &now}
	s.users[u.ID] = &account{user: u, email: email, hash: hash}
	return u
}

func (s *state) login(email, password string) (model.User, bool) {
	s.mu.Lock()
	var (
		user model.User
		hash []byte
	)
	for _, a := range s.users {
		if a.email == email {
			user, hash = a.user, a.hash
			break
		}
	}
	s.mu.Unlock()

	if hash == nil || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return model.User{}, false
	}
	return user, true
}

func (s *state) user(id string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[id]
	if !ok {
		return model.User{}, false
	}
	return a.user, true
}

func (s *state) emailTaken(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.users {
		if a.email == email {
			return true
		}
	}
	return false
}

func (s *state) setAvatar(userID, url string) (model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[userID]
	if !ok {
		return model.User{}, false
	}
	a.user.Avatar = url
	return a.user, true
}

func (s *state) searchUsers(query string) []model.UserRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []model.UserRef
	for id, a := range s.users {
		if strings.Contains(strings.ToLower(a.user.Username), q) {
			out = append(out, s.ref(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *state) addRoom(name, ownerID string, memberIDs ...string) model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := &model.Room{ID: newID(), Name: name, Owner: s.ref(ownerID), CreatedAt: &now}
	r.Members = append(r.Members, s.ref(ownerID))
	for _, id := range memberIDs {
		if id != ownerID {
			r.Members = append(r.Members, s.ref(id))
		}
	}
	s.rooms[r.ID] = r
	return r.Clone()
}

func (s *state) setPrivate(roomID string, private bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.IsPrivate = private
	}
}

func isMember(r *model.Room, userID string) bool {
	for _, m := range r.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

func (s *state) memberIDs(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.ID
	}
	return out
}

// roomsFor lists userID's rooms, most recently active first.
func (s *state) roomsFor(userID string, withLast bool) []model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Room
	for _, r := range s.rooms {
		if !isMember(r, userID) {
			continue
		}
		c := r.Clone()
		if !withLast {
			c.LastMessage = nil
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Recency()
		tj, _ := out[j].Recency()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

func (s *state) room(id string) (model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return model.Room{}, false
	}
	return r.Clone(), true
}

// deleteRoom removes a room and its history, returning its former members.
func (s *state) deleteRoom(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil
	}
	members := make([]string, len(r.Members))
	for i, m := range r.Members {
		members[i] = m.ID
	}
	delete(s.rooms, id)
	delete(s.messages, id)
	for invID, inv := range s.invites {
		if inv.Room.ID == id {
			delete(s.invites, invID)
		}
	}
	return members
}

func (s *state) addMember(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok && !isMember(r, userID) {
		r.Members = append(r.Members, s.ref(userID))
	}
}

// postMessage stores a new message and makes it the room's last message.
func (s *state) postMessage(roomID, senderID, content, imageURL string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Message{}, false
	}
	now := s.now()
	m := model.Message{
		ID:        newID(),
		Room:      roomID,
		Sender:    s.ref(senderID),
		Kind:      model.KindText,
		Content:   content,
		CreatedAt: now,
	}
	if imageURL != "" {
		m.Kind = model.KindImage
		m.Content = ""
		m.ImageURL = imageURL
	}
	s.messages[roomID] = append(s.messages[roomID], m)
	r.LastMessage = m.Clone()
	r.UpdatedAt = &now
	return m, true
}

func (s *state) history(roomID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages[roomID]))
	for i := range s.messages[roomID] {
		out[i] = *s.messages[roomID][i].Clone()
	}
	return out
}

// mutateMessage applies fn to a stored message and returns the result.
func (s *state) mutateMessage(messageID string, fn func(m *model.Message)) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID != messageID {
				continue
			}
			fn(&msgs[i])
			if r, ok := s.rooms[roomID]; ok && r.LastMessage != nil && r.LastMessage.ID == messageID {
				r.LastMessage = msgs[i].Clone()
			}
			return *msgs[i].Clone(), true
		}
	}
	return model.Message{}, false
}

func (s *state) addInvite(roomID, fromID, toID string) (model.Invitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Invitation{}, false
	}
	now := s.now()
	inv := &model.Invitation{
		ID:        newID(),
		Room:      model.RoomRef{ID: r.ID, Name: r.Name, Owner: r.Owner},
		From:      s.ref(fromID),
		To:        s.ref(toID),
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.invites[inv.ID] = inv
	return *inv, true
}

func (s *state) invitesFor(userID string) []model.Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Invitation
	for _, inv := range s.invites {
		if inv.To.ID == userID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *state) invite(id string) (model.Invitation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return model.Invitation{}, false
	}
	return *inv, true
}

func (s *state) setInviteStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invites[id]; ok {
		inv.Status = status
		inv.UpdatedAt = s.now()
	}
}
