package transport

import (
	"log"

	"github.com/whisper/rooms-client/internal/metrics"
	"github.com/whisper/rooms-client/internal/protocol"
)

// Subscription identifies one registered handler. The zero value is not a
// valid subscription.
type Subscription struct {
	eventType string
	id        uint64
}

// On registers fn for inbound events of type E. E must be one of the
// concrete protocol event types; its EventType selects the wire name.
// Registering the same function twice yields two subscriptions, so
// components track what they registered and remove it with Off on teardown.
func On[E protocol.Event](c *Channel, fn func(E)) Subscription {
	var zero E
	return c.subscribe(zero.EventType(), func(ev protocol.Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Off removes a handler. Removing an unknown or already removed
// subscription is a no-op.
func (c *Channel) Off(sub Subscription) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	entries := c.handlers[sub.eventType]
	for i, e := range entries {
		if e.id == sub.id {
			c.handlers[sub.eventType] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// OffAll removes every subscription in subs.
func (c *Channel) OffAll(subs []Subscription) {
	for _, sub := range subs {
		c.Off(sub)
	}
}

func (c *Channel) subscribe(eventType string, fn func(protocol.Event)) Subscription {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextSubID++
	sub := Subscription{eventType: eventType, id: c.nextSubID}
	c.handlers[eventType] = append(c.handlers[eventType], handlerEntry{id: sub.id, fn: fn})
	return sub
}

// dispatch parses a frame and invokes the handlers for its type in
// registration order. Malformed and unknown frames are logged and dropped.
func (c *Channel) dispatch(data []byte) {
	ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		log.Printf("[transport] dispatch parse error conn=%s: %v", c.id(), err)
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.EventType()).Inc()

	c.handlersMu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[ev.EventType()]...)
	c.handlersMu.RUnlock()

	for _, e := range entries {
		e.fn(ev)
	}
}
