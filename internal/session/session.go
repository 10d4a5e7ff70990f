// Package session holds the authenticated user and bearer token for this
// client, and persists them between runs the way a browser keeps them in
// local storage. The token's expiry is read from its JWT claims without
// verifying the signature; only the server can verify it.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/whisper/rooms-client/internal/model"
)

// ErrNoSession is returned by Load when nothing is stored.
var ErrNoSession = errors.New("session: no stored session")

// Session is the persisted login state.
type Session struct {
	Token string     `json:"token" yaml:"token"`
	User  model.User `json:"user" yaml:"user"`
}

// Expiry returns the token's exp claim. ok is false when the token is not a
// JWT or carries no expiry.
func (s *Session) Expiry() (exp time.Time, ok bool) {
	if s == nil || s.Token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether the token expired at or before now. Tokens without
// a readable expiry are treated as valid until the server says otherwise.
func (s *Session) Expired(now time.Time) bool {
	exp, ok := s.Expiry()
	return ok && !now.Before(exp)
}

// Valid reports whether s has a user and an unexpired token.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && s.User.ID != "" && !s.Expired(now)
}

// Current is the in-memory session shared by the client. It is safe for
// concurrent use.
type Current struct {
	mu   sync.RWMutex
	sess *Session
}

// Set replaces the current session.
func (c *Current) Set(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == nil {
		c.sess = nil
		return
	}
	cp := *s
	c.sess = &cp
}

// Get returns a copy of the current session, or nil when logged out.
func (c *Current) Get() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return nil
	}
	cp := *c.sess
	return &cp
}

// User returns the current user.
func (c *Current) User() (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return model.User{}, false
	}
	return c.sess.User, true
}

// ReplaceUser replaces the cached user record wholesale, as done after an
// avatar change.
func (c *Current) ReplaceUser(u model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return fmt.Errorf("session: replace user %s: not logged in", u.ID)
	}
	c.sess.User = u
	return nil
}
