package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	config := DefaultConfig()
	config.BaseURL = srv.URL + "/api"
	return New(config)
}

func TestBaseFromRoot(t *testing.T) {
	cases := map[string]string{
		"http://localhost:4000":   "http://localhost:4000/api",
		"http://localhost:4000/":  "http://localhost:4000/api",
		"https://chat.example///": "https://chat.example/api",
	}
	for in, want := range cases {
		if got := BaseFromRoot(in); got != want {
			t.Errorf("BaseFromRoot(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBearerTokenIsSent(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	})

	if _, err := c.ListRooms(context.Background()); err != nil {
		t.Fatalf("ListRooms() error: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("expected no Authorization header without token, got %q", gotAuth)
	}

	c.SetToken("tok123")
	if _, err := c.ListRooms(context.Background()); err != nil {
		t.Fatalf("ListRooms() error: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
}

func TestErrorCarriesServerMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"only the owner can delete"}`))
	})

	err := c.DeleteRoom(context.Background(), "r1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "only the owner can delete" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("403 should not match ErrUnauthorized")
	}
}

func TestUnauthorizedMatchesSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.ListInvites(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLoginDecodesTokenAndUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ana@x.io" || body["password"] != "pw" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Write([]byte(`{"token":"t1","user":{"_id":"u1","username":"ana"}}`))
	})

	res, err := c.Login(context.Background(), "ana@x.io", "pw")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if res.Token != "t1" || res.User.ID != "u1" || res.User.Username != "ana" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRespondInvite(t *testing.T) {
	var gotPath, gotAction string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotAction = body["action"]
		w.Write([]byte(`{"ok":true}`))
	})

	if err := c.RespondInvite(context.Background(), "inv1", ActionAccept); err != nil {
		t.Fatalf("RespondInvite() error: %v", err)
	}
	if gotPath != "/api/rooms/invites/inv1" || gotAction != "accept" {
		t.Errorf("unexpected request path=%q action=%q", gotPath, gotAction)
	}

	if err := c.RespondInvite(context.Background(), "inv1", "maybe"); err == nil {
		t.Error("expected error for invalid action")
	}
}

func TestSendInviteBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/r1/invite" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["to"] != "u2" {
			t.Errorf("expected to=u2, got %v", body)
		}
		w.WriteHeader(http.StatusCreated)
	})
	if err := c.SendInvite(context.Background(), "r1", "u2"); err != nil {
		t.Fatalf("SendInvite() error: %v", err)
	}
}

func TestUploadAvatarMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if r.FormValue("userId") != "u1" {
			t.Errorf("expected userId u1, got %q", r.FormValue("userId"))
		}
		f, hdr, err := r.FormFile("avatar")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "me.png" || string(data) != "PNGDATA" {
			t.Errorf("unexpected file %q %q", hdr.Filename, data)
		}
		w.Write([]byte(`{"avatar":"https://cdn.example/me.png"}`))
	})

	got, err := c.UploadAvatar(context.Background(), "u1", "me.png", strings.NewReader("PNGDATA"))
	if err != nil {
		t.Fatalf("UploadAvatar() error: %v", err)
	}
	if got != "https://cdn.example/me.png" {
		t.Errorf("unexpected avatar %q", got)
	}
}

func TestSearchUsersEscapesQuery(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search")
		w.Write([]byte(`[{"_id":"u2","username":"bo b"}]`))
	})
	users, err := c.SearchUsers(context.Background(), "bo b&x")
	if err != nil {
		t.Fatalf("SearchUsers() error: %v", err)
	}
	if gotQuery != "bo b&x" {
		t.Errorf("query not preserved: %q", gotQuery)
	}
	if len(users) != 1 || users[0].ID != "u2" {
		t.Errorf("unexpected users: %+v", users)
	}
}
