// Package invite keeps the set of pending invitations addressed to the user.
// The badge count is always the size of that set.
package invite

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/rooms-client/internal/api"
	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/protocol"
	"github.com/whisper/rooms-client/internal/transport"
)

// Invitation actions.
const (
	ActionAccept  = api.ActionAccept
	ActionDecline = api.ActionDecline
)

// Service is the subset of the API client the inbox needs.
type Service interface {
	ListInvites(ctx context.Context) ([]model.Invitation, error)
	RespondInvite(ctx context.Context, inviteID, action string) error
	SendInvite(ctx context.Context, roomID, toUserID string) error
}

// Directory is refreshed when an invitation changes room membership.
type Directory interface {
	FetchRoomsWithLast(ctx context.Context) error
	Refresh()
}

// Inbox is the invitation working set. It is safe for concurrent use.
type Inbox struct {
	svc      Service
	dir      Directory
	onChange func(badge int)

	mu      sync.Mutex
	invites []model.Invitation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ch     *transport.Channel
	subs   []transport.Subscription
}

// New creates an empty inbox. onChange, if non-nil, receives the badge count
// after every mutation.
func New(svc Service, dir Directory, onChange func(badge int)) *Inbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{svc: svc, dir: dir, onChange: onChange, ctx: ctx, cancel: cancel}
}

// FetchInvites replaces the working set with the pending invitations from
// the server. On failure the set is left as it was.
func (b *Inbox) FetchInvites(ctx context.Context) error {
	all, err := b.svc.ListInvites(ctx)
	if err != nil {
		return fmt.Errorf("invite: fetch invites: %w", err)
	}
	pending := make([]model.Invitation, 0, len(all))
	for _, inv := range all {
		if inv.Pending() {
			pending = append(pending, inv)
		}
	}

	b.mu.Lock()
	b.invites = pending
	n := len(b.invites)
	b.mu.Unlock()
	b.changed(n)
	return nil
}

// ActOnInvite accepts or declines an invitation. On success it is removed
// locally and, for accept, the room directory is refreshed. On failure the
// error is returned and the set is untouched.
func (b *Inbox) ActOnInvite(ctx context.Context, inviteID, action string) error {
	if err := b.svc.RespondInvite(ctx, inviteID, action); err != nil {
		return fmt.Errorf("invite: %s %s: %w", action, inviteID, err)
	}

	b.mu.Lock()
	for i := range b.invites {
		if b.invites[i].ID == inviteID {
			b.invites = append(b.invites[:i], b.invites[i+1:]...)
			break
		}
	}
	n := len(b.invites)
	b.mu.Unlock()
	b.changed(n)

	if action == ActionAccept && b.dir != nil {
		if err := b.dir.FetchRoomsWithLast(ctx); err != nil {
			log.Printf("[invite] room refresh after accept failed: %v", err)
		}
	}
	return nil
}

// SendInvite invites toUserID to roomID. Errors are returned.
func (b *Inbox) SendInvite(ctx context.Context, roomID, toUserID string) error {
	if err := b.svc.SendInvite(ctx, roomID, toUserID); err != nil {
		return fmt.Errorf("invite: send to %s in %s: %w", toUserID, roomID, err)
	}
	return nil
}

// Invites returns a snapshot of the working set.
func (b *Inbox) Invites() []model.Invitation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Invitation(nil), b.invites...)
}

// Badge returns the number of pending invitations.
func (b *Inbox) Badge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.invites)
}

func (b *Inbox) changed(n int) {
	if b.onChange != nil {
		b.onChange(n)
	}
}

// ---------------------------------------------------------------------------
// Push handling
// ---------------------------------------------------------------------------

// Attach subscribes the inbox to invitation pushes on ch.
func (b *Inbox) Attach(ch *transport.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ch = ch
	b.subs = append(b.subs,
		transport.On(ch, func(protocol.InviteReceived) { b.Refresh() }),
		transport.On(ch, func(protocol.InviteDeclined) { b.Refresh() }),
		transport.On(ch, func(protocol.InviteAccepted) {
			if b.dir != nil {
				b.dir.Refresh()
			}
		}),
	)
}

// Refresh starts FetchInvites in the background; failures are logged.
func (b *Inbox) Refresh() {
	if b.ctx.Err() != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.FetchInvites(b.ctx); err != nil && b.ctx.Err() == nil {
			log.Printf("[invite] refresh failed: %v", err)
		}
	}()
}

// Stop removes push subscriptions and waits for background refreshes.
func (b *Inbox) Stop() {
	b.mu.Lock()
	ch, subs := b.ch, b.subs
	b.ch, b.subs = nil, nil
	b.mu.Unlock()

	if ch != nil {
		ch.OffAll(subs)
	}
	b.cancel()
	b.wg.Wait()
}
