// Package client wires the sync engine together: one shared channel, the API
// client, the session, and the room directory, timeline, typing tracker and
// invitation inbox. A Client owns every store it creates and tears them down
// in Stop.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/whisper/rooms-client/internal/api"
	"github.com/whisper/rooms-client/internal/directory"
	"github.com/whisper/rooms-client/internal/invite"
	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/notify"
	"github.com/whisper/rooms-client/internal/prefs"
	"github.com/whisper/rooms-client/internal/protocol"
	"github.com/whisper/rooms-client/internal/reaction"
	"github.com/whisper/rooms-client/internal/session"
	"github.com/whisper/rooms-client/internal/timeline"
	"github.com/whisper/rooms-client/internal/transport"
	"github.com/whisper/rooms-client/internal/typing"
)

// MinSearchLength is the shortest query sent to user search.
const MinSearchLength = 2

var (
	// ErrNotLoggedIn is returned by operations that need a session.
	ErrNotLoggedIn = errors.New("client: not logged in")

	// ErrNoRoom is returned when an operation needs a current room.
	ErrNoRoom = errors.New("client: no room selected")

	// ErrUnknownRoom is returned when a room id is not in the directory.
	ErrUnknownRoom = errors.New("client: unknown room")

	// ErrUnknownMessage is returned when a message id is not in the timeline.
	ErrUnknownMessage = errors.New("client: unknown message")
)

// Options configures a Client.
type Options struct {
	Transport transport.Config
	API       api.Config
	Typing    typing.Config

	Sessions session.Store // required
	Prefs    prefs.Backend // required

	// Notifier receives incoming messages from other users while the
	// sound preference is on. Nil disables notifications.
	Notifier notify.Notifier

	// StickerBaseURL prefixes bare /sticker names.
	StickerBaseURL string

	// Hooks for a front end. All optional; they run on the channel's read
	// goroutine or a store's background goroutine and must not block.
	OnMessage func(m model.Message)
	OnTyping  func(roomID, username string)
	OnBadge   func(badge int)

	Now func() time.Time
}

// Client is the running engine for one user. It is safe for concurrent use.
type Client struct {
	opts     Options
	binding  *transport.Binding
	api      *api.Client
	sessions session.Store
	current  session.Current
	prefs    *prefs.Store
	notifier notify.Notifier

	rooms    *directory.Store
	timeline *timeline.Store
	typing   *typing.Tracker
	invites  *invite.Inbox

	mu      sync.Mutex
	ch      *transport.Channel
	subs    []transport.Subscription
	started bool
	stopped bool
}

// New builds a Client. Nothing touches the network until Login, Register or
// Restore.
func New(opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Client{
		opts:     opts,
		binding:  transport.NewBinding(opts.Transport),
		api:      api.New(opts.API),
		sessions: opts.Sessions,
		prefs:    prefs.NewStore(opts.Prefs),
	}
	if opts.Notifier != nil {
		c.notifier = notify.NewGate(c.prefs, opts.Notifier)
	}

	c.rooms = directory.New(c.api)
	c.timeline = timeline.New(c.api, c.rooms)
	c.rooms.SetRemovedHook(c.timeline.ClearIfCurrent)
	c.typing = typing.New(opts.Typing, func(roomID, username string) {
		if opts.OnTyping != nil {
			opts.OnTyping(roomID, username)
		}
	})
	c.invites = invite.New(c.api, c.rooms, func(badge int) {
		if opts.OnBadge != nil {
			opts.OnBadge(badge)
		}
	})
	return c
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// Login authenticates, persists the session and starts syncing.
func (c *Client) Login(ctx context.Context, email, password string) error {
	res, err := c.api.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("client: login: %w", err)
	}
	return c.begin(ctx, &session.Session{Token: res.Token, User: res.User})
}

// Register creates an account, persists the session and starts syncing.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	res, err := c.api.Register(ctx, username, email, password)
	if err != nil {
		return fmt.Errorf("client: register: %w", err)
	}
	return c.begin(ctx, &session.Session{Token: res.Token, User: res.User})
}

// Restore resumes a saved session. An expired session is cleared and
// session.ErrNoSession is returned.
func (c *Client) Restore(ctx context.Context) error {
	sess, err := c.sessions.Load(ctx)
	if err != nil {
		return err
	}
	if !sess.Valid(c.opts.Now()) {
		if err := c.sessions.Clear(ctx); err != nil {
			log.Printf("[client] clear expired session: %v", err)
		}
		return session.ErrNoSession
	}
	return c.start(ctx, sess)
}

// Logout stops syncing and forgets the saved session. The client cannot be
// started again afterwards.
func (c *Client) Logout(ctx context.Context) error {
	c.Stop()
	c.api.SetToken("")
	c.current.Set(nil)
	if err := c.sessions.Clear(ctx); err != nil {
		return fmt.Errorf("client: logout: %w", err)
	}
	return nil
}

func (c *Client) begin(ctx context.Context, sess *session.Session) error {
	if err := c.sessions.Save(ctx, sess); err != nil {
		log.Printf("[client] save session: %v", err)
	}
	return c.start(ctx, sess)
}

// start binds the session, attaches every store to the channel and runs the
// initial pulls. Stores are attached before the pulls so pushes that race
// them are not lost.
func (c *Client) start(ctx context.Context, sess *session.Session) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("client: start: client stopped")
	}
	c.mu.Unlock()

	c.current.Set(sess)
	c.api.SetToken(sess.Token)
	c.typing.SetSelf(sess.User.Username)

	if err := c.prefs.Load(ctx); err != nil {
		log.Printf("[client] %v; using defaults", err)
	}

	ch, err := c.binding.Get(ctx)
	if err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}
	if err := ch.Emit(protocol.Identify{UserID: sess.User.ID}); err != nil {
		log.Printf("[client] identify: %v", err)
	}

	c.mu.Lock()
	if !c.started {
		c.started = true
		c.ch = ch
		c.rooms.Attach(ch)
		c.timeline.Attach(ch)
		c.typing.Attach(ch)
		c.invites.Attach(ch)
		c.subs = append(c.subs, transport.On(ch, c.handleMessage))
	}
	c.mu.Unlock()

	if err := c.rooms.FetchRoomsWithLast(ctx); err != nil {
		return fmt.Errorf("client: initial rooms: %w", err)
	}
	if err := c.invites.FetchInvites(ctx); err != nil {
		log.Printf("[client] initial invites: %v", err)
	}
	log.Printf("[client] started user=%s rooms=%d invites=%d",
		sess.User.ID, len(c.rooms.Rooms()), c.invites.Badge())
	return nil
}

// Stop detaches every store from the channel and cancels their timers and
// background pulls. The channel itself stays open.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ch, subs := c.ch, c.subs
	c.ch, c.subs = nil, nil
	c.mu.Unlock()

	if ch != nil {
		ch.OffAll(subs)
	}
	c.rooms.Stop()
	c.timeline.Stop()
	c.typing.Stop()
	c.invites.Stop()
}

// Close stops the client and closes the channel. Call at process exit.
func (c *Client) Close() error {
	c.Stop()
	return c.binding.Shutdown()
}

// handleMessage forwards incoming messages to the front end and, for
// messages from other users, to the notifier.
func (c *Client) handleMessage(ev protocol.MessageReceived) {
	m := ev.Message
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
	if c.notifier == nil {
		return
	}
	me, ok := c.current.User()
	if !ok || m.Sender.ID == me.ID {
		return
	}
	name := m.Room
	if r, ok := c.rooms.Room(m.Room); ok {
		name = r.Name
	}
	if err := c.notifier.Notify(context.Background(), notify.FromMessage(&m, name)); err != nil {
		log.Printf("[client] notify: %v", err)
	}
}

// channel returns the shared channel.
func (c *Client) channel(ctx context.Context) (*transport.Channel, error) {
	return c.binding.Get(ctx)
}

func (c *Client) me() (model.User, error) {
	u, ok := c.current.User()
	if !ok {
		return model.User{}, ErrNotLoggedIn
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Rooms and messages
// ---------------------------------------------------------------------------

// SelectRoom makes roomID current, joins it and loads its history.
func (c *Client) SelectRoom(ctx context.Context, roomID string) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	room, ok := c.rooms.Room(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	return c.timeline.SelectRoom(ctx, room, ch, timeline.Member{UserID: me.ID, Username: me.Username})
}

// SendText sends text to the current room. Input starting with "/" is run
// as a slash command. Blank input is ignored.
func (c *Client) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	me, room, err := c.target()
	if err != nil {
		return err
	}
	msg := protocol.SendMessage{RoomID: room.ID, UserID: me.ID}
	if strings.HasPrefix(text, "/") {
		cmd := parseCommand(text)
		if msg, err = cmd.message(msg, me, c.opts.Now(), c.opts.StickerBaseURL); err != nil {
			return err
		}
	} else {
		msg.Content = text
	}
	if msg.ImageURL == "" {
		if err := validateText(msg.Content); err != nil {
			return err
		}
	}
	return c.emit(ctx, msg)
}

// SendImage uploads r and sends the resulting URL to the current room.
func (c *Client) SendImage(ctx context.Context, filename string, r io.Reader) error {
	me, room, err := c.target()
	if err != nil {
		return err
	}
	url, err := c.api.Upload(ctx, filename, r)
	if err != nil {
		return fmt.Errorf("client: upload %s: %w", filename, err)
	}
	return c.emit(ctx, protocol.SendMessage{RoomID: room.ID, UserID: me.ID, ImageURL: url})
}

// ToggleReaction adds or removes the user's emoji on a timeline message. The
// change is applied when the server echoes message_reacted.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	var target *model.Message
	for _, m := range c.timeline.Messages() {
		if m.ID == messageID {
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	return reaction.Toggle(ch, target, me.ID, emoji)
}

// Keystroke reports local typing in the current room.
func (c *Client) Keystroke(ctx context.Context) error {
	me, room, err := c.target()
	if err != nil {
		return err
	}
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	return c.typing.Keystroke(ch, room.ID, me.Username)
}

// CreateRoom creates a private room owned by the user.
func (c *Client) CreateRoom(ctx context.Context, name string) (*model.Room, error) {
	if _, err := c.me(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("client: room name must not be empty")
	}
	return c.rooms.CreateRoom(ctx, name)
}

// DeleteRoom deletes a room the user owns.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	me, err := c.me()
	if err != nil {
		return err
	}
	if r, ok := c.rooms.Room(roomID); ok && !r.IsOwnedBy(me.ID) {
		return fmt.Errorf("client: delete %s: only the owner can delete a room", roomID)
	}
	return c.rooms.DeleteRoom(ctx, roomID)
}

// ---------------------------------------------------------------------------
// Invitations and users
// ---------------------------------------------------------------------------

// Invite invites userID to roomID.
func (c *Client) Invite(ctx context.Context, roomID, userID string) error {
	if _, err := c.me(); err != nil {
		return err
	}
	return c.invites.SendInvite(ctx, roomID, userID)
}

// RespondInvite accepts or declines an invitation.
func (c *Client) RespondInvite(ctx context.Context, inviteID, action string) error {
	if _, err := c.me(); err != nil {
		return err
	}
	return c.invites.ActOnInvite(ctx, inviteID, action)
}

// SearchUsers looks users up by name. Queries shorter than MinSearchLength
// return nothing without a request.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.UserRef, error) {
	if _, err := c.me(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if len([]rune(query)) < MinSearchLength {
		return nil, nil
	}
	return c.api.SearchUsers(ctx, query)
}

// UpdateAvatar uploads a new avatar and replaces the cached user record.
func (c *Client) UpdateAvatar(ctx context.Context, filename string, r io.Reader) (model.User, error) {
	me, err := c.me()
	if err != nil {
		return model.User{}, err
	}
	avatar, err := c.api.UploadAvatar(ctx, me.ID, filename, r)
	if err != nil {
		return model.User{}, fmt.Errorf("client: avatar: %w", err)
	}
	me.Avatar = avatar
	if err := c.current.ReplaceUser(me); err != nil {
		return model.User{}, err
	}
	if err := c.sessions.Save(ctx, c.current.Get()); err != nil {
		log.Printf("[client] save session: %v", err)
	}
	return me, nil
}

// UpdatePrefs changes and persists preferences.
func (c *Client) UpdatePrefs(ctx context.Context, fn func(p *prefs.Prefs)) error {
	return c.prefs.Update(ctx, fn)
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// User is the logged-in user.
func (c *Client) User() (model.User, bool) { return c.current.User() }

// Rooms is the directory, most recent first.
func (c *Client) Rooms() []model.Room { return c.rooms.Rooms() }

// CurrentRoom is the selected room.
func (c *Client) CurrentRoom() (model.Room, bool) { return c.timeline.Current() }

// Messages is the current room's timeline.
func (c *Client) Messages() []model.Message { return c.timeline.Messages() }

// Invites are the pending invitations.
func (c *Client) Invites() []model.Invitation { return c.invites.Invites() }

// Badge is the pending invitation count.
func (c *Client) Badge() int { return c.invites.Badge() }

// TypingIn returns who is typing in roomID.
func (c *Client) TypingIn(roomID string) (string, bool) { return c.typing.Typing(roomID) }

// Prefs returns the current preferences.
func (c *Client) Prefs() prefs.Prefs { return c.prefs.Get() }

func (c *Client) target() (model.User, model.Room, error) {
	me, err := c.me()
	if err != nil {
		return model.User{}, model.Room{}, err
	}
	room, ok := c.timeline.Current()
	if !ok {
		return model.User{}, model.Room{}, ErrNoRoom
	}
	return me, room, nil
}

func (c *Client) emit(ctx context.Context, msg protocol.Outbound) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	return ch.Emit(msg)
}
