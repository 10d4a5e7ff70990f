package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/whisper/rooms-client/internal/model"
)

// Invitation actions.
const (
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// AuthResult is returned by Login and Register.
type AuthResult struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	in := map[string]string{"email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "auth/login", "/auth/login", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account and authenticates it.
func (c *Client) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	var out AuthResult
	in := map[string]string{"username": username, "email": email, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "auth/register", "/auth/register", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// ListRooms returns the rooms the user belongs to.
func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	var out []model.Room
	if err := c.doJSON(ctx, http.MethodGet, "rooms", "/rooms", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRoomsWithLast returns the rooms with their last message populated.
func (c *Client) ListRoomsWithLast(ctx context.Context) ([]model.Room, error) {
	var out []model.Room
	if err := c.doJSON(ctx, http.MethodGet, "rooms/with-last", "/rooms/with-last", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRoom creates a room owned by the current user.
func (c *Client) CreateRoom(ctx context.Context, name string, private bool) (*model.Room, error) {
	var out model.Room
	in := map[string]interface{}{"name": name, "isPrivate": private}
	if err := c.doJSON(ctx, http.MethodPost, "rooms", "/rooms", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRoom deletes a room. Only the owner may do this.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodDelete, "rooms/delete", "/rooms/"+escape(roomID), nil, nil)
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

// SendInvite invites toUserID to roomID.
func (c *Client) SendInvite(ctx context.Context, roomID, toUserID string) error {
	in := map[string]string{"to": toUserID}
	return c.doJSON(ctx, http.MethodPost, "rooms/invite", "/rooms/"+escape(roomID)+"/invite", in, nil)
}

// ListInvites returns the invitations addressed to the current user.
func (c *Client) ListInvites(ctx context.Context) ([]model.Invitation, error) {
	var out []model.Invitation
	if err := c.doJSON(ctx, http.MethodGet, "rooms/me/invites", "/rooms/me/invites", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RespondInvite accepts or declines an invitation.
func (c *Client) RespondInvite(ctx context.Context, inviteID, action string) error {
	if action != ActionAccept && action != ActionDecline {
		return fmt.Errorf("api: invalid invitation action %q", action)
	}
	in := map[string]string{"action": action}
	return c.doJSON(ctx, http.MethodPost, "rooms/invites", "/rooms/invites/"+escape(inviteID), in, nil)
}

// ---------------------------------------------------------------------------
// Messages, media, users
// ---------------------------------------------------------------------------

// ListMessages returns a room's message history in order.
func (c *Client) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	var out []model.Message
	if err := c.doJSON(ctx, http.MethodGet, "messages", "/messages/"+escape(roomID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload stores a file and returns its public URL.
func (c *Client) Upload(ctx context.Context, filename string, file io.Reader) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doMultipart(ctx, "upload", "/upload", "file", filename, file, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// UploadAvatar replaces userID's avatar and returns the new avatar URL.
func (c *Client) UploadAvatar(ctx context.Context, userID, filename string, file io.Reader) (string, error) {
	var out struct {
		Avatar string `json:"avatar"`
	}
	fields := map[string]string{"userId": userID}
	if err := c.doMultipart(ctx, "users/avatar", "/users/avatar", "avatar", filename, file, fields, &out); err != nil {
		return "", err
	}
	return out.Avatar, nil
}

// SearchUsers finds users whose name matches query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.UserRef, error) {
	var out []model.UserRef
	path := "/users?search=" + url.QueryEscape(query)
	if err := c.doJSON(ctx, http.MethodGet, "users", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
