package transport

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// StartHeartbeat begins a background goroutine that sends a WebSocket ping
// frame every interval. A failed ping drops the connection so the reconnect
// path takes over. The goroutine exits when the channel is closed.
func StartHeartbeat(c *Channel, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.ping()
			}
		}
	}()
}

func (c *Channel) ping() {
	conn := c.current()
	if conn == nil {
		return
	}
	if err := c.writeFrame(conn, ws.OpPing, nil); err != nil {
		log.Printf("[transport] heartbeat ping failed conn=%s: %v", c.id(), err)
		conn.Close()
	}
}
