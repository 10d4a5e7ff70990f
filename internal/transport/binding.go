package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/whisper/rooms-client/internal/protocol"
)

// Binding owns the one Channel used for the process lifetime. The channel is
// dialed lazily on first use and is never recreated while it is valid.
type Binding struct {
	config Config

	mu sync.Mutex
	ch *Channel
}

// NewBinding returns a Binding that will dial with config on first Get.
func NewBinding(config Config) *Binding {
	return &Binding{config: config}
}

// Get returns the shared channel, dialing it if needed. A failed dial leaves
// no channel behind so the next call retries. A channel that ran out of
// reconnect attempts is resumed in place, so its subscriptions and sticky
// assertions carry over; only Shutdown makes the next Get dial a new one.
func (b *Binding) Get(ctx context.Context) (*Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil && !b.ch.Closed() {
		if err := b.ch.Resume(ctx); err != nil {
			return nil, fmt.Errorf("transport: resume: %w", err)
		}
		return b.ch, nil
	}
	ch, err := Dial(ctx, b.config)
	if err != nil {
		return nil, err
	}
	b.ch = ch
	return ch, nil
}

// Identify tells the server which user this connection belongs to so that
// personal notifications are routed here. It is replayed on reconnect.
func (b *Binding) Identify(ctx context.Context, userID string) error {
	ch, err := b.Get(ctx)
	if err != nil {
		return err
	}
	return ch.Emit(protocol.Identify{UserID: userID})
}

// Shutdown closes the channel at process exit.
func (b *Binding) Shutdown() error {
	b.mu.Lock()
	ch := b.ch
	b.ch = nil
	b.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}
