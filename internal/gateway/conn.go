// README: Connection state; identity, room memberships, outbound queue and the closed flag.
package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"courier/internal/metrics"
	"courier/internal/types"
)

// Conn is one client session. Lock order is conn.mu before any room shard
// lock. Once closed is set nothing more is queued, so a terminated
// connection receives no further broadcasts.
type Conn struct {
	id       string
	openedAt time.Time
	send     chan []byte
	done     chan struct{}

	// authed is read lock-free by the handshake sweeper.
	authed atomic.Bool

	mu       sync.RWMutex
	identity types.Identity
	rooms    map[string]struct{}
	closed   bool
	final    []byte
}

func newConn(buffer int, now time.Time) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	c := &Conn{
		id:       uuid.NewString(),
		openedAt: now,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
	return c
}

func (c *Conn) ID() string { return c.id }

// Outbound yields queued frames; the transport drains it.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed once the connection is terminated or disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Final is the last frame to write before closing, if any (e.g. the error
// event explaining a forced termination). Valid after Done is closed.
func (c *Conn) Final() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.final
}

func (c *Conn) Identity() (types.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.authed.Load()
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Rooms returns a copy of the current memberships.
func (c *Conn) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// deliver queues msg without blocking. A full queue drops the frame.
func (c *Conn) deliver(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.DroppedDeliveriesTotal.Inc()
		return false
	}
}
