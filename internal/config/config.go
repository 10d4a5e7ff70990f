// Package config loads client settings from, in increasing precedence:
// built-in defaults, an optional YAML file named by ROOMCHAT_CONFIG, and
// environment variables (a .env file in the working directory is loaded
// into the environment first).
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/whisper/rooms-client/internal/api"
	"github.com/whisper/rooms-client/internal/transport"
	"github.com/whisper/rooms-client/internal/typing"
)

// Prefs backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config is the full client configuration.
type Config struct {
	ServerURL   string `yaml:"server_url"` // http root, e.g. http://localhost:4000
	WSURL       string `yaml:"ws_url"`     // derived from ServerURL when empty
	Profile     string `yaml:"profile"`
	DataDir     string `yaml:"data_dir"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables /metrics

	StickerBaseURL string `yaml:"sticker_base_url"` // prefix for bare /sticker names

	Channel ChannelConfig `yaml:"channel"`
	API     APIConfig     `yaml:"api"`
	Typing  TypingConfig  `yaml:"typing"`
	Prefs   PrefsConfig   `yaml:"prefs"`
	NATS    NATSConfig    `yaml:"nats"`
}

// ChannelConfig tunes the persistent channel.
type ChannelConfig struct {
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// APIConfig tunes the request/response client.
type APIConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// TypingConfig tunes typing indicators.
type TypingConfig struct {
	QuietPeriod time.Duration `yaml:"quiet_period"`
}

// PrefsConfig selects where preferences and the session are kept.
type PrefsConfig struct {
	Backend   string `yaml:"backend"` // file | redis
	RedisAddr string `yaml:"redis_addr"`
}

// NATSConfig enables NATS notifications when URL is set.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Default returns the built-in configuration.
func Default() Config {
	tc := transport.DefaultConfig()
	dataDir := ".roomchat"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".roomchat")
	}
	return Config{
		ServerURL: "http://localhost:4000",
		Profile:   "default",
		DataDir:   dataDir,
		Channel: ChannelConfig{
			DialTimeout:   tc.DialTimeout,
			WriteTimeout:  tc.WriteTimeout,
			PingInterval:  tc.PingInterval,
			ReconnectWait: tc.ReconnectWait,
			MaxReconnects: tc.MaxReconnects,
		},
		API:    APIConfig{Timeout: api.DefaultConfig().Timeout},
		Typing: TypingConfig{QuietPeriod: typing.QuietPeriod},
		Prefs:  PrefsConfig{Backend: BackendFile, RedisAddr: "localhost:6379"},
	}
}

// Load builds the configuration from defaults, .env, the YAML file and the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err == nil {
		log.Printf("[config] loaded .env")
	}

	cfg := Default()
	if path := os.Getenv("ROOMCHAT_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv. Unparsable
// values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("ROOMCHAT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := getenv("ROOMCHAT_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := getenv("ROOMCHAT_PROFILE"); v != "" {
		c.Profile = v
	}
	if v := getenv("ROOMCHAT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("ROOMCHAT_STICKER_BASE_URL"); v != "" {
		c.StickerBaseURL = strings.TrimRight(v, "/")
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := getenv("PREFS_BACKEND"); v != "" {
		c.Prefs.Backend = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Prefs.RedisAddr = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := getenv("MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Channel.MaxReconnects = n
		}
	}
	durations := map[string]*time.Duration{
		"DIAL_TIMEOUT":        &c.Channel.DialTimeout,
		"WRITE_TIMEOUT":       &c.Channel.WriteTimeout,
		"PING_INTERVAL":       &c.Channel.PingInterval,
		"RECONNECT_WAIT":      &c.Channel.ReconnectWait,
		"API_TIMEOUT":         &c.API.Timeout,
		"TYPING_QUIET_PERIOD": &c.Typing.QuietPeriod,
	}
	for name, dst := range durations {
		if v := getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: server_url %q must be an absolute http(s) URL", c.ServerURL)
	}
	switch c.Prefs.Backend {
	case BackendFile, BackendRedis:
	default:
		return fmt.Errorf("config: unknown prefs backend %q", c.Prefs.Backend)
	}
	if c.Profile == "" {
		return fmt.Errorf("config: profile must not be empty")
	}
	return nil
}

// ChannelURL returns the WebSocket URL, deriving it from ServerURL when not
// set explicitly: http becomes ws, https becomes wss, path /ws.
func (c *Config) ChannelURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	root := strings.TrimRight(c.ServerURL, "/")
	switch {
	case strings.HasPrefix(root, "https://"):
		root = "wss://" + strings.TrimPrefix(root, "https://")
	case strings.HasPrefix(root, "http://"):
		root = "ws://" + strings.TrimPrefix(root, "http://")
	}
	return root + "/ws"
}

// Transport returns the channel configuration.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		URL:           c.ChannelURL(),
		DialTimeout:   c.Channel.DialTimeout,
		WriteTimeout:  c.Channel.WriteTimeout,
		PingInterval:  c.Channel.PingInterval,
		ReconnectWait: c.Channel.ReconnectWait,
		MaxReconnects: c.Channel.MaxReconnects,
	}
}

// APIClient returns the request/response client configuration.
func (c *Config) APIClient() api.Config {
	return api.Config{BaseURL: api.BaseFromRoot(c.ServerURL), Timeout: c.API.Timeout}
}

// TypingTracker returns the typing tracker configuration.
func (c *Config) TypingTracker() typing.Config {
	return typing.Config{QuietPeriod: c.Typing.QuietPeriod}
}

// ProfileDir is where file-backed state for the profile lives.
func (c *Config) ProfileDir() string {
	return filepath.Join(c.DataDir, c.Profile)
}
