// Package protocol defines the events carried over the persistent channel
// between the client and the chat server. Every frame is a JSON envelope with
// a "type" discriminator and a "data" payload. Inbound events decode into a
// closed set of concrete types so that callers never switch on raw names.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/rooms-client/internal/model"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	TypeIdentify       = "identify"
	TypeJoinRoom       = "join_room"
	TypeSendMessage    = "send_message"
	TypeTyping         = "typing"
	TypeReactMessage   = "react_message"
	TypeUnreactMessage = "unreact_message"
)

// Server -> Client event names.
const (
	TypeReceiveMessage      = "receive_message"
	TypeMessageReacted      = "message_reacted"
	TypeUserTyping          = "user_typing"
	TypeRoomUpdated         = "room_updated"
	TypeRoomAdded           = "room_added"
	TypeRoomDeleted         = "room_deleted"
	TypeInviteReceived      = "invite_received"
	TypeInviteAccepted      = "invite_accepted"
	TypeInviteDeclined      = "invite_declined"
	TypeUserPresenceChanged = "user_presence_changed"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire frame. Data is kept raw so the payload can be decoded
// once the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON rejects frames without a type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	if len(partial.Data) > 0 {
		e.Data = make(json.RawMessage, len(partial.Data))
		copy(e.Data, partial.Data)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server assertions
// ---------------------------------------------------------------------------

// Outbound is an assertion the client emits on the channel.
type Outbound interface {
	Type() string
	payload() interface{}
}

// Identify binds the connection to a user so the server can route personal
// notifications (invitations) to it. The payload is the bare user id.
type Identify struct {
	UserID string
}

// JoinRoom subscribes the connection to a room's message stream.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// SendMessage posts a text or image message. Exactly one of Content and
// ImageURL is set.
type SendMessage struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Content  string `json:"content,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Typing announces that the user is typing in a room.
type Typing struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// ReactMessage adds the user's emoji to a message.
type ReactMessage struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// UnreactMessage removes the user's emoji from a message.
type UnreactMessage struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

func (Identify) Type() string       { return TypeIdentify }
func (JoinRoom) Type() string       { return TypeJoinRoom }
func (SendMessage) Type() string    { return TypeSendMessage }
func (Typing) Type() string         { return TypeTyping }
func (ReactMessage) Type() string   { return TypeReactMessage }
func (UnreactMessage) Type() string { return TypeUnreactMessage }

func (m Identify) payload() interface{}       { return m.UserID }
func (m JoinRoom) payload() interface{}       { return m }
func (m SendMessage) payload() interface{}    { return m }
func (m Typing) payload() interface{}         { return m }
func (m ReactMessage) payload() interface{}   { return m }
func (m UnreactMessage) payload() interface{} { return m }

// EncodeOutbound serializes an assertion into a wire frame.
func EncodeOutbound(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg.payload())
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msg.Type(), err)
	}
	out, err := json.Marshal(Envelope{Type: msg.Type(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", msg.Type(), err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is an inbound push event. The set of implementations is closed.
type Event interface {
	EventType() string
	inbound()
}

// MessageReceived carries a new message for a joined room.
type MessageReceived struct {
	Message model.Message
}

// MessageReacted carries a message whose reactions changed.
type MessageReacted struct {
	Message model.Message
}

// UserTyping reports that someone is typing in a room.
type UserTyping struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// RoomUpdated reports a room's new last message.
type RoomUpdated struct {
	RoomID      string         `json:"roomId"`
	LastMessage *model.Message `json:"lastMessage"`
}

// RoomAdded signals that the room list changed and should be refetched.
type RoomAdded struct{}

// RoomDeleted signals that a room the user belonged to was deleted.
type RoomDeleted struct{}

// InviteReceived carries an invitation addressed to the user.
type InviteReceived struct {
	Invitation model.Invitation
}

// InviteAccepted signals that an invitation the user sent was accepted.
type InviteAccepted struct{}

// InviteDeclined signals that an invitation the user sent was declined.
type InviteDeclined struct{}

// PresenceChanged is accepted but not acted on; the payload is kept raw.
type PresenceChanged struct {
	Raw json.RawMessage
}

func (MessageReceived) EventType() string { return TypeReceiveMessage }
func (MessageReacted) EventType() string  { return TypeMessageReacted }
func (UserTyping) EventType() string      { return TypeUserTyping }
func (RoomUpdated) EventType() string     { return TypeRoomUpdated }
func (RoomAdded) EventType() string       { return TypeRoomAdded }
func (RoomDeleted) EventType() string     { return TypeRoomDeleted }
func (InviteReceived) EventType() string  { return TypeInviteReceived }
func (InviteAccepted) EventType() string  { return TypeInviteAccepted }
func (InviteDeclined) EventType() string  { return TypeInviteDeclined }
func (PresenceChanged) EventType() string { return TypeUserPresenceChanged }

func (MessageReceived) inbound() {}
func (MessageReacted) inbound()  {}
func (UserTyping) inbound()      {}
func (RoomUpdated) inbound()     {}
func (RoomAdded) inbound()       {}
func (RoomDeleted) inbound()     {}
func (InviteReceived) inbound()  {}
func (InviteAccepted) inbound()  {}
func (InviteDeclined) inbound()  {}
func (PresenceChanged) inbound() {}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent decodes a raw frame into a typed event. An error is
// returned for malformed frames and for unknown or client-only types.
func ParseServerEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  Event
		err error
	)

	switch env.Type {
	case TypeReceiveMessage:
		var m MessageReceived
		err = decodeData(env.Data, &m.Message)
		ev = m
	case TypeMessageReacted:
		var m MessageReacted
		err = decodeData(env.Data, &m.Message)
		ev = m
	case TypeUserTyping:
		var m UserTyping
		err = decodeData(env.Data, &m)
		ev = m
	case TypeRoomUpdated:
		var m RoomUpdated
		err = decodeData(env.Data, &m)
		ev = m
	case TypeRoomAdded:
		ev = RoomAdded{}
	case TypeRoomDeleted:
		ev = RoomDeleted{}
	case TypeInviteReceived:
		var m InviteReceived
		err = decodeData(env.Data, &m.Invitation)
		ev = m
	case TypeInviteAccepted:
		ev = InviteAccepted{}
	case TypeInviteDeclined:
		ev = InviteDeclined{}
	case TypeUserPresenceChanged:
		ev = PresenceChanged{Raw: env.Data}
	default:
		return nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}

// EncodeEvent serializes a server event into a wire frame. The client never
// sends these; the fake server in tests does.
func EncodeEvent(ev Event) ([]byte, error) {
	var payload interface{}
	switch e := ev.(type) {
	case MessageReceived:
		payload = e.Message
	case MessageReacted:
		payload = e.Message
	case InviteReceived:
		payload = e.Invitation
	case PresenceChanged:
		payload = e.Raw
	case RoomAdded, RoomDeleted, InviteAccepted, InviteDeclined:
		payload = nil
	default:
		payload = ev
	}

	env := Envelope{Type: ev.EventType()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", ev.EventType(), err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// ParseClientMessage decodes a client frame into its assertion. Used by the
// fake server in tests.
func ParseClientMessage(data []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg Outbound
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m Identify
		err = decodeData(env.Data, &m.UserID)
		msg = m
	case TypeJoinRoom:
		var m JoinRoom
		err = decodeData(env.Data, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessage
		err = decodeData(env.Data, &m)
		msg = m
	case TypeTyping:
		var m Typing
		err = decodeData(env.Data, &m)
		msg = m
	case TypeReactMessage:
		var m ReactMessage
		err = decodeData(env.Data, &m)
		msg = m
	case TypeUnreactMessage:
		var m UnreactMessage
		err = decodeData(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return msg, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, v)
}
