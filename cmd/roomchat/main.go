package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/rooms-client/internal/api"
	"github.com/whisper/rooms-client/internal/client"
	"github.com/whisper/rooms-client/internal/config"
	"github.com/whisper/rooms-client/internal/metrics"
	"github.com/whisper/rooms-client/internal/model"
	"github.com/whisper/rooms-client/internal/notify"
	"github.com/whisper/rooms-client/internal/prefs"
	"github.com/whisper/rooms-client/internal/reaction"
	"github.com/whisper/rooms-client/internal/session"
)

const help = `commands:
  :rooms                 list rooms
  :join <n|id>           open a room
  :new <name>            create a private room
  :delete <id>           delete a room you own
  :invites               list pending invitations
  :accept <id>           accept an invitation
  :decline <id>          decline an invitation
  :invite <user>         invite a user (id or name) to the open room
  :search <query>        find users
  :react <n> <emoji>     toggle a reaction on message n of the open room
  :image <path>          send an image
  :avatar <path>         change your avatar
  :sound on|off          toggle notifications
  :logout                forget the saved session and quit
  :quit                  exit
anything else is sent to the open room (/me, /shrug, /time, /sticker work)`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- Persistence ---
	var (
		sessions session.Store
		backend  prefs.Backend
		rdb      *redis.Client
	)
	switch cfg.Prefs.Backend {
	case config.BackendRedis:
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Prefs.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		sessions = session.NewRedisStore(rdb, cfg.Profile)
		backend = prefs.NewRedisBackend(rdb, cfg.Profile)
	default:
		dir := cfg.ProfileDir()
		sessions = session.NewFileStore(filepath.Join(dir, "session.yaml"))
		backend = prefs.NewFileBackend(filepath.Join(dir, "prefs.yaml"))
	}

	// --- Notifications ---
	notifiers := notify.Multi{notify.NewBellNotifier(os.Stdout)}
	var natsNotifier *notify.NATSNotifier
	if cfg.NATS.URL != "" {
		natsConfig := notify.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsNotifier, err = notify.NewNATSNotifier(natsConfig, cfg.Profile)
		if err != nil {
			log.Printf("NATS notifications disabled: %v", err)
		} else {
			notifiers = append(notifiers, natsNotifier)
		}
	}

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	ui := &terminal{out: os.Stdout}
	c := client.New(client.Options{
		Transport:      cfg.Transport(),
		API:            cfg.APIClient(),
		Typing:         cfg.TypingTracker(),
		Sessions:       sessions,
		Prefs:          backend,
		Notifier:       notifiers,
		StickerBaseURL: cfg.StickerBaseURL,
		OnMessage:      ui.message,
		OnTyping:       ui.typing,
		OnBadge:        ui.badge,
	})
	ui.c = c

	log.Printf("roomchat starting")
	log.Printf("  server_url:    %s", cfg.ServerURL)
	log.Printf("  ws_url:        %s", cfg.ChannelURL())
	log.Printf("  profile:       %s", cfg.Profile)
	log.Printf("  prefs_backend: %s", cfg.Prefs.Backend)
	log.Printf("  nats_url:      %s", cfg.NATS.URL)
	log.Printf("  metrics_addr:  %s", cfg.MetricsAddr)

	ctx := context.Background()
	if err := authenticate(ctx, c); err != nil {
		log.Fatalf("login: %v", err)
	}

	shutdown := func() {
		if err := c.Close(); err != nil {
			log.Printf("channel close error: %v", err)
		}
		if natsNotifier != nil {
			natsNotifier.Close()
		}
		if rdb != nil {
			rdb.Close()
		}
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		shutdown()
		os.Exit(0)
	}()

	ui.rooms()
	fmt.Fprintln(ui.out, "type :help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !ui.run(ctx, line) {
			break
		}
	}
	shutdown()
}

// authenticate resumes the saved session or logs in with ROOMCHAT_EMAIL and
// ROOMCHAT_PASSWORD.
func authenticate(ctx context.Context, c *client.Client) error {
	err := c.Restore(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrNoSession) {
		log.Printf("restore session: %v", err)
	}
	email, password := os.Getenv("ROOMCHAT_EMAIL"), os.Getenv("ROOMCHAT_PASSWORD")
	if email == "" || password == "" {
		return fmt.Errorf("no saved session; set ROOMCHAT_EMAIL and ROOMCHAT_PASSWORD")
	}
	if username := os.Getenv("ROOMCHAT_REGISTER"); username != "" {
		return c.Register(ctx, username, email, password)
	}
	return c.Login(ctx, email, password)
}

// ---------------------------------------------------------------------------
// Terminal front end
// ---------------------------------------------------------------------------

type terminal struct {
	c   *client.Client
	out *os.File
}

func (t *terminal) message(m model.Message) {
	if cur, ok := t.c.CurrentRoom(); !ok || cur.ID != m.Room {
		return
	}
	fmt.Fprintf(t.out, "%s  %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Sender.Username, m.Preview())
}

func (t *terminal) typing(roomID, username string) {
	if cur, ok := t.c.CurrentRoom(); !ok || cur.ID != roomID || username == "" {
		return
	}
	fmt.Fprintf(t.out, "  %s is typing...\n", username)
}

func (t *terminal) badge(n int) {
	fmt.Fprintf(t.out, "  invitations: %d\n", n)
}

func (t *terminal) rooms() {
	for i, r := range t.c.Rooms() {
		preview := ""
		if r.LastMessage != nil {
			preview = r.LastMessage.Preview()
		}
		fmt.Fprintf(t.out, "%2d. %-20s %s  %s\n", i+1, r.Name, r.ID, preview)
	}
}

func (t *terminal) history() {
	for i, m := range t.c.Messages() {
		line := fmt.Sprintf("%3d %s  %s: %s", i+1, m.CreatedAt.Local().Format("15:04"), m.Sender.Username, m.Preview())
		for _, rc := range reaction.Counts(&m) {
			line += fmt.Sprintf("  %s%d", rc.Emoji, rc.N)
		}
		fmt.Fprintln(t.out, line)
	}
}

// run executes one input line. It returns false to exit.
func (t *terminal) run(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ":") {
		t.report(t.c.Keystroke(ctx))
		t.report(t.c.SendText(ctx, line))
		return true
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "help":
		fmt.Fprintln(t.out, help)
	case "rooms":
		t.rooms()
	case "join":
		id := arg
		if n, err := strconv.Atoi(arg); err == nil {
			if rooms := t.c.Rooms(); n >= 1 && n <= len(rooms) {
				id = rooms[n-1].ID
			}
		}
		if err := t.c.SelectRoom(ctx, id); err != nil {
			t.report(err)
			return true
		}
		t.history()
	case "new":
		room, err := t.c.CreateRoom(ctx, arg)
		if err == nil {
			fmt.Fprintf(t.out, "  created %s (%s)\n", room.Name, room.ID)
		}
		t.report(err)
	case "delete":
		t.report(t.c.DeleteRoom(ctx, arg))
	case "invites":
		for _, inv := range t.c.Invites() {
			fmt.Fprintf(t.out, "  %s  %s invited you to %s\n", inv.ID, inv.From.Username, inv.Room.Name)
		}
	case "accept":
		t.report(t.c.RespondInvite(ctx, arg, api.ActionAccept))
	case "decline":
		t.report(t.c.RespondInvite(ctx, arg, api.ActionDecline))
	case "invite":
		t.invite(ctx, arg)
	case "search":
		users, err := t.c.SearchUsers(ctx, arg)
		for _, u := range users {
			fmt.Fprintf(t.out, "  %s  %s\n", u.ID, u.Username)
		}
		t.report(err)
	case "react":
		t.react(ctx, arg)
	case "image":
		t.upload(arg, func(name string, f *os.File) error { return t.c.SendImage(ctx, name, f) })
	case "avatar":
		t.upload(arg, func(name string, f *os.File) error {
			u, err := t.c.UpdateAvatar(ctx, name, f)
			if err == nil {
				fmt.Fprintf(t.out, "  avatar: %s\n", u.Avatar)
			}
			return err
		})
	case "sound":
		on := arg != "off"
		t.report(t.c.UpdatePrefs(ctx, func(p *prefs.Prefs) { p.Sound = on }))
	case "logout":
		t.report(t.c.Logout(ctx))
		return false
	case "quit", "exit":
		return false
	default:
		fmt.Fprintf(t.out, "  unknown command :%s\n", cmd)
	}
	return true
}

func (t *terminal) invite(ctx context.Context, who string) {
	room, ok := t.c.CurrentRoom()
	if !ok {
		t.report(client.ErrNoRoom)
		return
	}
	userID := who
	if users, err := t.c.SearchUsers(ctx, who); err == nil {
		for _, u := range users {
			if u.Username == who {
				userID = u.ID
				break
			}
		}
	}
	t.report(t.c.Invite(ctx, room.ID, userID))
}

func (t *terminal) react(ctx context.Context, arg string) {
	idx, emoji, _ := strings.Cut(arg, " ")
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		emoji = reaction.QuickEmojis[0]
	}
	msgs := t.c.Messages()
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || n > len(msgs) {
		fmt.Fprintf(t.out, "  no message %q\n", idx)
		return
	}
	t.report(t.c.ToggleReaction(ctx, msgs[n-1].ID, emoji))
}

func (t *terminal) upload(path string, send func(name string, f *os.File) error) {
	f, err := os.Open(path)
	if err != nil {
		t.report(err)
		return
	}
	defer f.Close()
	t.report(send(filepath.Base(path), f))
}

func (t *terminal) report(err error) {
	if err != nil {
		fmt.Fprintf(t.out, "  error: %v\n", err)
	}
}
