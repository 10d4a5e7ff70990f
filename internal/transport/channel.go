// Package transport owns the persistent WebSocket channel to the chat server.
// A Channel dials with gobwas/ws, reads frames on a background goroutine,
// decodes them into typed protocol events and hands them to subscribers. When
// the link drops it redials and replays sticky assertions (identify and the
// last join_room) so subscriptions and server-side routing survive. A channel
// that runs out of reconnect attempts goes idle rather than closing, and
// Resume brings the same channel back.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/rooms-client/internal/metrics"
	"github.com/whisper/rooms-client/internal/protocol"
)

var (
	// ErrDisconnected is returned by Emit while the link is down.
	ErrDisconnected = errors.New("transport: channel disconnected")

	// ErrClosed is returned once the channel has been closed for good.
	ErrClosed = errors.New("transport: channel closed")
)

// Config holds channel tuning parameters.
type Config struct {
	URL           string        // ws://localhost:4000/ws
	DialTimeout   time.Duration // per dial attempt
	WriteTimeout  time.Duration // per outbound frame
	PingInterval  time.Duration // heartbeat period (0 disables)
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max consecutive attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "ws://localhost:4000/ws",
		DialTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		PingInterval:  25 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Channel is a single persistent connection to the chat server. It is safe
// for concurrent use. Handlers registered with On are kept across
// reconnects.
type Channel struct {
	config Config

	mu     sync.Mutex
	conn   net.Conn
	connID string
	sticky []protocol.Outbound // identify, join_room; replayed on reconnect
	idle   bool                // no read loop running; Resume redials

	resumeMu sync.Mutex

	writeMu sync.Mutex // serializes frames on the wire

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	nextSubID  uint64

	done      chan struct{}
	closeOnce sync.Once
}

type handlerEntry struct {
	id uint64
	fn func(protocol.Event)
}

// Dial connects to the server and starts the read and heartbeat loops. The
// initial dial is synchronous so that a bad URL fails fast.
func Dial(ctx context.Context, config Config) (*Channel, error) {
	c := &Channel{
		config:   config,
		handlers: make(map[string][]handlerEntry),
		done:     make(chan struct{}),
	}

	conn, src, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.publish(conn)

	go c.loop(conn, src)
	if config.PingInterval > 0 {
		StartHeartbeat(c, config.PingInterval)
	}
	return c, nil
}

// Emit sends an assertion to the server. While the link is down or idle it
// returns ErrDisconnected, except for sticky assertions, which are kept and
// sent by the replay after the next reconnect or Resume.
func (c *Channel) Emit(msg protocol.Outbound) error {
	if c.Closed() {
		return ErrClosed
	}
	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return err
	}

	sticky := c.remember(msg)

	conn := c.current()
	if conn == nil {
		if sticky {
			// sent by replay once the link is back
			metrics.EmitsTotal.WithLabelValues(msg.Type(), "deferred").Inc()
			return nil
		}
		metrics.EmitsTotal.WithLabelValues(msg.Type(), "error").Inc()
		return ErrDisconnected
	}
	if err := c.writeFrame(conn, ws.OpText, data); err != nil {
		metrics.EmitsTotal.WithLabelValues(msg.Type(), "error").Inc()
		return fmt.Errorf("transport: emit %s: %w", msg.Type(), err)
	}
	metrics.EmitsTotal.WithLabelValues(msg.Type(), "ok").Inc()
	return nil
}

// Resume redials an idle channel and replays sticky assertions on it.
// Handlers stay registered throughout. It is a no-op while the read loop is
// still running, including while it is between reconnect attempts.
func (c *Channel) Resume(ctx context.Context) error {
	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	if c.Closed() {
		return ErrClosed
	}
	if !c.Idle() {
		return nil
	}
	conn, src, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if c.Closed() {
		conn.Close()
		return ErrClosed
	}

	c.mu.Lock()
	c.idle = false
	c.mu.Unlock()
	c.publish(conn)
	metrics.ReconnectsTotal.Inc()
	log.Printf("[transport] resumed conn=%s", c.id())

	go c.loop(conn, src)
	return nil
}

// Idle reports whether the channel gave up reconnecting and waits for Resume.
func (c *Channel) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Connected reports whether the link is currently up.
func (c *Channel) Connected() bool {
	return c.current() != nil
}

// Closed reports whether the channel has been closed for good.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close tears the channel down. Components never call this; it exists for
// process exit and tests. Safe to call multiple times.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		metrics.ChannelConnected.Set(0)
	})
	return err
}

// Drop closes the current connection without closing the channel, which
// triggers the reconnect path. Used by the heartbeat and by tests.
func (c *Channel) Drop() {
	if conn := c.current(); conn != nil {
		conn.Close()
	}
}

func (c *Channel) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// clearConn marks the link down.
func (c *Channel) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.connID = ""
	c.mu.Unlock()
	metrics.ChannelConnected.Set(0)
}

// publish makes conn current and writes the sticky assertions on it before
// any other frame. The snapshot is taken under the lock that publishes conn:
// a sticky Emit either lands in the snapshot or sees conn and writes itself
// after the replay.
func (c *Channel) publish(conn net.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.connID = uuid.New().String()
	pending := c.stickyLocked()
	c.mu.Unlock()
	metrics.ChannelConnected.Set(1)

	for _, msg := range pending {
		data, err := protocol.EncodeOutbound(msg)
		if err != nil {
			continue
		}
		if err := c.writeLocked(conn, ws.OpText, data); err != nil {
			log.Printf("[transport] replay %s failed: %v", msg.Type(), err)
			return
		}
	}
}

func (c *Channel) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// remember records the latest identify and join_room. It reports whether
// msg is sticky.
func (c *Channel) remember(msg protocol.Outbound) bool {
	switch msg.Type() {
	case protocol.TypeIdentify, protocol.TypeJoinRoom:
	default:
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, prev := range c.sticky {
		if prev.Type() == msg.Type() {
			c.sticky[i] = msg
			return true
		}
	}
	c.sticky = append(c.sticky, msg)
	return true
}

// stickyLocked returns the sticky assertions in replay order. Callers hold
// c.mu.
func (c *Channel) stickyLocked() []protocol.Outbound {
	out := make([]protocol.Outbound, 0, len(c.sticky))
	// identify first so the server can route before the join.
	for _, m := range c.sticky {
		if m.Type() == protocol.TypeIdentify {
			out = append(out, m)
		}
	}
	for _, m := range c.sticky {
		if m.Type() != protocol.TypeIdentify {
			out = append(out, m)
		}
	}
	return out
}

func (c *Channel) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	dialer := ws.Dialer{Timeout: c.config.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.config.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial %s: %w", c.config.URL, err)
	}
	var src io.Reader = conn
	if br != nil {
		// The server sent frames along with the handshake response.
		src = br
	}
	return conn, src, nil
}

// writeFrame writes one complete client frame under the write mutex.
func (c *Channel) writeFrame(conn net.Conn, op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, op, payload)
}

func (c *Channel) writeLocked(conn net.Conn, op ws.OpCode, payload []byte) error {
	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return wsutil.WriteClientMessage(conn, op, payload)
}

// loop reads until the connection fails, then reconnects, until Close. When
// the attempts run out the channel goes idle.
func (c *Channel) loop(conn net.Conn, src io.Reader) {
	for {
		err := c.readLoop(conn, src)
		if c.Closed() {
			return
		}
		log.Printf("[transport] disconnected conn=%s: %v", c.id(), err)
		conn.Close()
		c.clearConn()

		conn, src, err = c.reconnect()
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("[transport] giving up, idle until next use: %v", err)
			c.mu.Lock()
			c.idle = true
			c.mu.Unlock()
			return
		}
		c.publish(conn)
		metrics.ReconnectsTotal.Inc()
		log.Printf("[transport] reconnected conn=%s", c.id())
	}
}

func (c *Channel) reconnect() (net.Conn, io.Reader, error) {
	for attempt := 1; c.config.MaxReconnects < 0 || attempt <= c.config.MaxReconnects; attempt++ {
		select {
		case <-c.done:
			return nil, nil, ErrClosed
		case <-time.After(c.config.ReconnectWait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		conn, src, err := c.dial(ctx)
		cancel()
		if err == nil {
			if c.Closed() {
				conn.Close()
				return nil, nil, ErrClosed
			}
			return conn, src, nil
		}
		log.Printf("[transport] reconnect attempt %d failed: %v", attempt, err)
	}
	return nil, nil, fmt.Errorf("transport: reconnect: exhausted %d attempts", c.config.MaxReconnects)
}

// readLoop reads server frames and dispatches text frames. Control frames
// are answered under the write mutex.
func (c *Channel) readLoop(conn net.Conn, src io.Reader) error {
	control := func(hdr ws.Header, r io.Reader) error {
		return c.handleControl(conn, hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Channel) handleControl(conn net.Conn, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(conn, ws.OpPong, payload)
	case ws.OpClose:
		_ = c.writeFrame(conn, ws.OpClose, nil)
		return io.EOF
	}
	return nil
}
