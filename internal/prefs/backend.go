package prefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// YAML file backend
// ---------------------------------------------------------------------------

// FileBackend keeps preferences in a YAML file.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

// NewFileBackend returns a FileBackend at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load reads the file. A missing file yields an empty map.
func (f *FileBackend) Load(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileBackend) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	vals := map[string]string{}
	if err := yaml.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return vals, nil
}

// Save merges vals into the file.
func (f *FileBackend) Save(ctx context.Context, vals map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	for k, v := range vals {
		current[k] = v
	}
	data, err := yaml.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return os.WriteFile(f.path, data, 0o600)
}

// ---------------------------------------------------------------------------
// Redis backend
// ---------------------------------------------------------------------------

// PrefsPrefix is the Redis key prefix for preference hashes.
const PrefsPrefix = "roomchat:prefs:"

// RedisBackend keeps preferences in a Redis hash shared by every device of
// a profile.
type RedisBackend struct {
	client  *redis.Client
	profile string
}

// NewRedisBackend creates a RedisBackend for profile.
func NewRedisBackend(client *redis.Client, profile string) *RedisBackend {
	return &RedisBackend{client: client, profile: profile}
}

func (r *RedisBackend) key() string {
	return PrefsPrefix + r.profile
}

// Load reads the hash. A missing key yields an empty map.
func (r *RedisBackend) Load(ctx context.Context) (map[string]string, error) {
	vals, err := r.client.HGetAll(ctx, r.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", r.key(), err)
	}
	return vals, nil
}

// Save writes vals into the hash.
func (r *RedisBackend) Save(ctx context.Context, vals map[string]string) error {
	if len(vals) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		args[k] = v
	}
	if err := r.client.HSet(ctx, r.key(), args).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", r.key(), err)
	}
	return nil
}
