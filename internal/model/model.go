// Package model defines the records exchanged with the chat service: users,
// rooms, messages, reactions and invitations. The service sometimes sends a
// reference as a bare id string and sometimes as an embedded object, so the
// reference types here decode both shapes.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// Invitation statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

// ImagePlaceholder is shown in place of an image whose URL cannot be used.
const ImagePlaceholder = "[image unavailable]"

// User is a chat account.
type User struct {
	ID        string     `json:"_id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Avatar    string     `json:"avatar,omitempty"`
	Online    bool       `json:"online,omitempty"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// UserRef is a reference to a user that may arrive as a bare id or as a
// partial user object.
type UserRef struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// UnmarshalJSON accepts either "id" or {"_id": ...}.
func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = UserRef{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("model: user ref: %w", err)
		}
		*r = UserRef{ID: id}
		return nil
	}
	type plain UserRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("model: user ref: %w", err)
	}
	*r = UserRef(p)
	return nil
}

// RoomRef is a reference to a room that may arrive as a bare id or as a
// partial room object.
type RoomRef struct {
	ID    string  `json:"_id"`
	Name  string  `json:"name,omitempty"`
	Owner UserRef `json:"owner,omitempty"`
}

// UnmarshalJSON accepts either "id" or {"_id": ..., "name": ...}.
func (r *RoomRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = RoomRef{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("model: room ref: %w", err)
		}
		*r = RoomRef{ID: id}
		return nil
	}
	type plain RoomRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("model: room ref: %w", err)
	}
	*r = RoomRef(p)
	return nil
}

// Reaction is one user's emoji on a message. The user is stored as an id;
// an embedded user object is reduced to its id on decode.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON reduces an embedded user object to its id.
func (r *Reaction) UnmarshalJSON(data []byte) error {
	var raw struct {
		Emoji     string    `json:"emoji"`
		User      UserRef   `json:"user"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: reaction: %w", err)
	}
	*r = Reaction{Emoji: raw.Emoji, User: raw.User.ID, CreatedAt: raw.CreatedAt}
	return nil
}

// Message is a single chat message. Only Reactions changes after creation.
type Message struct {
	ID        string     `json:"_id"`
	Room      string     `json:"room"`
	Sender    UserRef    `json:"sender"`
	Kind      string     `json:"kind"`
	Content   string     `json:"content,omitempty"`
	ImageURL  string     `json:"imageUrl,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Clone returns a copy whose Reactions slice is not shared with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return &c
}

// Preview returns the one-line summary shown in room listings.
func (m *Message) Preview() string {
	if m == nil {
		return ""
	}
	if m.Kind == KindImage || (m.Content == "" && m.ImageURL != "") {
		if !ValidMediaURL(m.ImageURL) {
			return ImagePlaceholder
		}
		return "[image]"
	}
	return m.Content
}

// ValidMediaURL reports whether raw is an absolute http(s) URL.
func ValidMediaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Room is a named conversation with an owner and members.
type Room struct {
	ID          string     `json:"_id"`
	Name        string     `json:"name"`
	Owner       UserRef    `json:"owner,omitempty"`
	Members     []UserRef  `json:"members,omitempty"`
	IsPrivate   bool       `json:"isPrivate,omitempty"`
	LastMessage *Message   `json:"lastMessage,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// Clone returns a deep enough copy for store snapshots.
func (r Room) Clone() Room {
	if r.Members != nil {
		r.Members = append([]UserRef(nil), r.Members...)
	}
	r.LastMessage = r.LastMessage.Clone()
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		r.UpdatedAt = &t
	}
	return r
}

// Recency is the directory sort key: UpdatedAt if set, else the creation
// time of LastMessage. ok is false when neither is known.
func (r *Room) Recency() (t time.Time, ok bool) {
	if r.UpdatedAt != nil && !r.UpdatedAt.IsZero() {
		return *r.UpdatedAt, true
	}
	if r.LastMessage != nil && !r.LastMessage.CreatedAt.IsZero() {
		return r.LastMessage.CreatedAt, true
	}
	return time.Time{}, false
}

// IsOwnedBy reports whether userID owns the room.
func (r *Room) IsOwnedBy(userID string) bool {
	return userID != "" && r.Owner.ID == userID
}

// Invitation asks a user to join a room.
type Invitation struct {
	ID        string    `json:"_id"`
	Room      RoomRef   `json:"room"`
	From      UserRef   `json:"from"`
	To        UserRef   `json:"to"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Pending reports whether the invitation still awaits an answer.
func (i *Invitation) Pending() bool {
	return i.Status == StatusPending
}
