package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Store persists a session between runs.
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// File store
// ---------------------------------------------------------------------------

// FileStore keeps the session in a YAML file readable only by the user.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored session. ErrNoSession is returned if the file does
// not exist.
func (f *FileStore) Load(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", f.path, err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", f.path, err)
	}
	if s.Token == "" {
		return nil, ErrNoSession
	}
	return &s, nil
}

// Save writes s, replacing any stored session.
func (f *FileStore) Save(ctx context.Context, s *Session) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("session: rename %s: %w", tmp, err)
	}
	return nil
}

// Clear removes the stored session.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: remove %s: %w", f.path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

const (
	// SessionPrefix is the Redis key prefix for stored client sessions.
	SessionPrefix = "roomchat:session:"

	// DefaultTTL bounds a stored session whose token has no readable expiry.
	DefaultTTL = 24 * time.Hour
)

// RedisStore keeps the session in a Redis hash so several devices of the
// same profile share one login. The key expires with the token.
type RedisStore struct {
	client  *redis.Client
	profile string
}

// NewRedisStore creates a RedisStore for profile on client.
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, profile: profile}
}

func (r *RedisStore) key() string {
	return SessionPrefix + r.profile
}

// Load reads the stored session. ErrNoSession is returned if the key does
// not exist.
func (r *RedisStore) Load(ctx context.Context) (*Session, error) {
	vals, err := r.client.HGetAll(ctx, r.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis hgetall: %w", err)
	}
	if len(vals) == 0 || vals["token"] == "" {
		return nil, ErrNoSession
	}
	s := &Session{Token: vals["token"]}
	if raw := vals["user"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.User); err != nil {
			return nil, fmt.Errorf("session: decode stored user: %w", err)
		}
	}
	return s, nil
}

// Save stores s and sets the key to expire with the token.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	user, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("session: encode user: %w", err)
	}

	ttl := DefaultTTL
	if exp, ok := s.Expiry(); ok {
		ttl = time.Until(exp)
		if ttl <= 0 {
			return fmt.Errorf("session: token already expired at %s", exp.Format(time.RFC3339))
		}
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.key())
	pipe.HSet(ctx, r.key(), map[string]interface{}{
		"token":    s.Token,
		"user":     string(user),
		"saved_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, r.key(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis save: %w", err)
	}
	return nil
}

// Clear deletes the stored session.
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key()).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}
