package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/rooms-client/internal/model"
)

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s := &Session{Token: signToken(t, exp), User: model.User{ID: "u1"}}

	got, ok := s.Expiry()
	if !ok || !got.Equal(exp) {
		t.Fatalf("Expiry() = %v %v, want %v", got, ok, exp)
	}
	if s.Expired(time.Now()) {
		t.Error("token should not be expired yet")
	}
	if !s.Expired(exp.Add(time.Second)) {
		t.Error("token should be expired after exp")
	}
	if !s.Valid(time.Now()) {
		t.Error("session should be valid")
	}
}

func TestOpaqueTokenTreatedAsValid(t *testing.T) {
	s := &Session{Token: "not-a-jwt", User: model.User{ID: "u1"}}
	if _, ok := s.Expiry(); ok {
		t.Error("opaque token should have no expiry")
	}
	if !s.Valid(time.Now()) {
		t.Error("opaque token should be treated as valid")
	}
	if (&Session{Token: "x"}).Valid(time.Now()) {
		t.Error("session without user should not be valid")
	}
}

func TestCurrentReplaceUser(t *testing.T) {
	var c Current
	if err := c.ReplaceUser(model.User{ID: "u1"}); err == nil {
		t.Fatal("expected error when logged out")
	}
	c.Set(&Session{Token: "t", User: model.User{ID: "u1", Username: "ana"}})
	if err := c.ReplaceUser(model.User{ID: "u1", Username: "ana", Avatar: "https://cdn/x.png"}); err != nil {
		t.Fatalf("ReplaceUser() error: %v", err)
	}
	u, _ := c.User()
	if u.Avatar != "https://cdn/x.png" {
		t.Errorf("avatar not replaced: %+v", u)
	}

	got := c.Get()
	got.User.Username = "mutated"
	if u, _ := c.User(); u.Username != "ana" {
		t.Error("Get returned a shared session")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "session.yaml"))

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	want := &Session{Token: "tok", User: model.User{ID: "u1", Username: "ana"}}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Token != "tok" || got.User.ID != "u1" || got.User.Username != "ana" {
		t.Errorf("unexpected session %+v", got)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("second Clear() error: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession after Clear, got %v", err)
	}
}

// newTestRedisStore requires a running Redis on localhost:6379.
func newTestRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	store := NewRedisStore(client, "test_profile")
	store.Clear(ctx)
	t.Cleanup(func() {
		store.Clear(ctx)
		client.Close()
	})
	return store, client
}

func TestRedisStoreRoundTripWithTTL(t *testing.T) {
	store, client := newTestRedisStore(t)
	ctx := context.Background()

	exp := time.Now().Add(30 * time.Minute)
	want := &Session{Token: signToken(t, exp), User: model.User{ID: "u1", Username: "ana"}}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Token != want.Token || got.User.Username != "ana" {
		t.Errorf("unexpected session %+v", got)
	}

	ttl, err := client.TTL(ctx, store.key()).Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > 30*time.Minute {
		t.Errorf("expected TTL bounded by token expiry, got %v", ttl)
	}
}

func TestRedisStoreRejectsExpiredToken(t *testing.T) {
	store, _ := newTestRedisStore(t)
	s := &Session{Token: signToken(t, time.Now().Add(-time.Minute)), User: model.User{ID: "u1"}}
	if err := store.Save(context.Background(), s); err == nil {
		t.Fatal("expected error for expired token")
	}
}
