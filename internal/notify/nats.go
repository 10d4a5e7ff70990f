package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectNotify is the NATS subject prefix for notifications; the user id
// is appended.
const SubjectNotify = "roomchat.notify"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "roomchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSNotifier publishes notifications as JSON on roomchat.notify.<userID>.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to NATS and returns a notifier publishing for
// userID. It returns an error if the initial connection fails.
func NewNATSNotifier(config NATSConfig, userID string) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSNotifier{conn: nc, subject: Subject(userID)}, nil
}

// Subject returns the subject notifications for userID are published on.
func Subject(userID string) string {
	return SubjectNotify + "." + userID
}

// Notify publishes n.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("notify: nats publish %s: %w", n.subject, err)
	}
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] notifier closed")
}
