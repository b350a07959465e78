// README: Connection gateway hub; rooms, joins, broadcasts, terminations and status fan-out.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"courier/internal/config"
	"courier/internal/metrics"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/shard"
	"courier/internal/types"
)

var (
	ErrDenied = errors.New("room join denied")
	ErrClosed = errors.New("connection closed")

	errAlreadyAuthenticated = errors.New("already authenticated")
)

// versionRetention bounds how long per-order version marks (and terminal
// tombstones) are kept after the last status change.
const versionRetention = time.Hour

// JoinAuthorizer approves an identity for an order room.
type JoinAuthorizer interface {
	CanJoinOrder(ctx context.Context, id types.Identity, orderID types.ID) (bool, error)
}

type Ingester interface {
	Ingest(ctx context.Context, id types.Identity, raw location.RawSample) (location.Sample, error)
	Forget(driverID types.ID)
}

type OrderActions interface {
	DriverAdvance(ctx context.Context, cmd order.DriverAdvanceCommand) (*order.Change, error)
}

type room struct {
	members map[string]*Conn
}

type orderState struct {
	version  int
	terminal bool
	at       time.Time
}

type Hub struct {
	cfg    config.GatewayConfig
	auth   Authenticator
	authz  JoinAuthorizer
	ingest Ingester
	orders OrderActions
	now    func() time.Time

	conns    *shard.Map[*Conn]
	rooms    *shard.Map[*room]
	versions *shard.Map[orderState]
}

type Option func(*Hub)

func WithIngester(i Ingester) Option { return func(h *Hub) { h.ingest = i } }

func WithOrderActions(o OrderActions) Option { return func(h *Hub) { h.orders = o } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

func NewHub(cfg config.GatewayConfig, auth Authenticator, authz JoinAuthorizer, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		auth:     auth,
		authz:    authz,
		now:      func() time.Time { return time.Now().UTC() },
		conns:    shard.New[*Conn](shard.DefaultShards),
		rooms:    shard.New[*room](shard.DefaultShards),
		versions: shard.New[orderState](shard.DefaultShards),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Authenticate resolves a handshake token to an identity.
func (h *Hub) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	return h.auth.Authenticate(ctx, token)
}

// Connect registers a new connection. A bad or missing token still yields a
// live connection; it just holds no privileges until it authenticates.
func (h *Hub) Connect(ctx context.Context, token string) *Conn {
	c := newConn(h.cfg.SendBuffer, h.now())
	h.conns.Set(c.id, c)
	metrics.ConnectionsOpen.Inc()

	if token != "" {
		if err := h.authenticate(ctx, c, token); err != nil {
			log.Debug().Err(err).Str("conn_id", c.id).Msg("handshake token rejected")
		}
	}
	id, _ := c.Identity()
	log.Info().
		Str("conn_id", c.id).
		Str("actor_id", string(id.ID)).
		Str("role", string(id.Role)).
		Msg("connection opened")
	return c
}

func (h *Hub) authenticate(ctx context.Context, c *Conn, token string) error {
	id, err := h.Authenticate(ctx, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.authed.Load():
		c.mu.Unlock()
		return errAlreadyAuthenticated
	}
	c.identity = id
	c.authed.Store(true)
	c.mu.Unlock()

	if id.Role == types.RoleAdmin {
		if err := h.Join(ctx, c, AdminRoom); err != nil {
			log.Error().Err(err).Str("conn_id", c.id).Msg("admin auto-join failed")
		}
	}
	return nil
}

// Join adds c to room once the identity is authorized for it. A connection
// that has joined receives every broadcast to the room issued afterwards.
func (h *Hub) Join(ctx context.Context, c *Conn, room string) error {
	id, ok := c.Identity()
	if !ok {
		return ErrAuthenticationRequired
	}
	allowed, err := h.authorize(ctx, id, room)
	if err != nil {
		return err
	}
	if !allowed || h.terminalRoom(room) {
		return ErrDenied
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, in := c.rooms[room]; !in {
		h.addMember(room, c)
		c.rooms[room] = struct{}{}
	}
	c.mu.Unlock()

	// The order may have finished while we were authorizing; its room is gone
	// for good, so do not linger in a fresh one.
	if h.terminalRoom(room) {
		h.Leave(c, room)
		return ErrDenied
	}

	log.Info().
		Str("conn_id", c.id).
		Str("actor_id", string(id.ID)).
		Str("role", string(id.Role)).
		Str("room", room).
		Msg("room joined")
	return nil
}

func (h *Hub) authorize(ctx context.Context, id types.Identity, room string) (bool, error) {
	if room == AdminRoom {
		return id.Role == types.RoleAdmin, nil
	}
	orderID, ok := orderIDFromRoom(room)
	if !ok {
		return false, nil
	}
	return h.authz.CanJoinOrder(ctx, id, orderID)
}

func (h *Hub) terminalRoom(room string) bool {
	orderID, ok := orderIDFromRoom(room)
	if !ok {
		return false
	}
	terminal := false
	h.versions.View(string(orderID), func(st orderState, ok bool) {
		terminal = ok && st.terminal
	})
	return terminal
}

func (h *Hub) Leave(c *Conn, room string) {
	c.mu.Lock()
	_, in := c.rooms[room]
	if in {
		delete(c.rooms, room)
		h.removeMember(room, c.id)
	}
	c.mu.Unlock()

	if in {
		log.Info().Str("conn_id", c.id).Str("room", room).Msg("room left")
	}
}

func (h *Hub) addMember(name string, c *Conn) {
	h.rooms.Update(name, func(r *room, ok bool) (*room, bool) {
		if !ok {
			r = &room{members: make(map[string]*Conn)}
			metrics.RoomsOpen.Inc()
		}
		r.members[c.id] = c
		return r, true
	})
}

// removeMember drops connID from the room and collects the room once empty.
func (h *Hub) removeMember(name, connID string) {
	h.rooms.Update(name, func(r *room, ok bool) (*room, bool) {
		if !ok {
			return nil, false
		}
		delete(r.members, connID)
		if len(r.members) == 0 {
			metrics.RoomsOpen.Dec()
			return nil, false
		}
		return r, true
	})
}

func (h *Hub) members(name string) []*Conn {
	var out []*Conn
	h.rooms.View(name, func(r *room, ok bool) {
		if !ok {
			return
		}
		out = make([]*Conn, 0, len(r.members))
		for _, c := range r.members {
			out = append(out, c)
		}
	})
	return out
}

// Broadcast delivers event to a snapshot of the room's members and reports
// how many connections it was queued for.
func (h *Hub) Broadcast(room, event string, payload any) int {
	msg, err := encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return 0
	}
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()

	delivered := 0
	for _, c := range h.members(room) {
		if c.deliver(msg) {
			delivered++
		}
	}
	return delivered
}

// Send queues an event for c only.
func (h *Hub) Send(c *Conn, event string, payload any) bool {
	msg, err := encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode event")
		return false
	}
	return c.deliver(msg)
}

func (h *Hub) sendError(c *Conn, message string) {
	h.Send(c, EventError, ErrorPayload{Message: message})
}

// OnDisconnect releases every membership of c. Safe to call more than once.
func (h *Hub) OnDisconnect(c *Conn) {
	if !h.detach(c, nil) {
		return
	}
	id, _ := c.Identity()
	log.Info().
		Str("conn_id", c.id).
		Str("actor_id", string(id.ID)).
		Dur("age", h.now().Sub(c.openedAt)).
		Msg("connection closed")
}

// Terminate force-closes c for a protocol violation. message is sent as the
// final error event; no broadcast is delivered to c after this returns.
func (h *Hub) Terminate(c *Conn, reason, message string) {
	final, err := encode(EventError, ErrorPayload{Message: message})
	if err != nil {
		final = nil
	}
	if !h.detach(c, final) {
		return
	}
	metrics.TerminationsTotal.WithLabelValues(reason).Inc()
	id, _ := c.Identity()
	log.Warn().
		Str("conn_id", c.id).
		Str("actor_id", string(id.ID)).
		Str("role", string(id.Role)).
		Str("reason", reason).
		Msg("connection terminated")
}

// detach marks c closed and removes all of its memberships in one critical
// section, so a concurrent broadcast either queued before it or skips c.
func (h *Hub) detach(c *Conn, final []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.final = final
	for name := range c.rooms {
		h.removeMember(name, c.id)
	}
	c.rooms = make(map[string]struct{})
	close(c.done)
	c.mu.Unlock()

	h.conns.Delete(c.id)
	metrics.ConnectionsOpen.Dec()
	return true
}

// CloseRoom releases every member from room; the room is collected.
func (h *Hub) CloseRoom(name string) {
	var released []*Conn
	h.rooms.Update(name, func(r *room, ok bool) (*room, bool) {
		if ok {
			for _, c := range r.members {
				released = append(released, c)
			}
			metrics.RoomsOpen.Dec()
		}
		return nil, false
	})
	for _, c := range released {
		c.mu.Lock()
		delete(c.rooms, name)
		c.mu.Unlock()
	}
	log.Info().Str("room", name).Int("members", len(released)).Msg("room closed")
}

// StatusChanged fans an applied transition out to the order room. Changes
// arriving out of order (lower version than one already sent) are dropped so
// members never observe a status going backwards; a terminal change tears
// the room down and drops the driver's reference point.
func (h *Hub) StatusChanged(_ context.Context, ch order.Change) {
	room := OrderRoom(ch.OrderID)
	orderID := string(ch.OrderID)
	now := h.now()

	fresh := false
	h.versions.Update(orderID, func(st orderState, ok bool) (orderState, bool) {
		if ok && (st.terminal || ch.Version <= st.version) {
			return st, true
		}
		fresh = true

		// Fan-out happens under the order's version mark so two changes to one
		// order are queued in version order on every member.
		h.Broadcast(room, EventStatusUpdated, StatusPayload{
			OrderID:   orderID,
			Timestamp: ch.At.UnixMilli(),
			Status:    string(ch.To),
		})
		switch ch.To {
		case order.StatusPlaced:
			h.Broadcast(room, EventOrderPaid, PaidPayload{OrderID: orderID, Status: string(order.StatusPlaced)})
		case order.StatusDelivered:
			h.Broadcast(room, EventOrderCompleted, CompletedPayload{OrderID: orderID})
		}
		return orderState{version: ch.Version, terminal: ch.To.Terminal(), at: now}, true
	})
	if !fresh {
		log.Debug().Str("order_id", orderID).Int("version", ch.Version).Msg("stale status change dropped")
		return
	}
	if ch.To.Terminal() {
		h.CloseRoom(room)
		if h.ingest != nil && ch.DriverID != nil {
			h.ingest.Forget(*ch.DriverID)
		}
	}
}

// LocationAccepted fans an accepted sample out to its order room and the admin fleet view.
func (h *Hub) LocationAccepted(s location.Sample) {
	p := LocationUpdatedPayload{
		OrderID:   string(s.OrderID),
		DriverID:  string(s.DriverID),
		Timestamp: s.ReceivedAt.UnixMilli(),
		Lat:       s.Position.Lat,
		Lng:       s.Position.Lng,
		Bearing:   s.Bearing,
		ClientTS:  s.ClientTimestamp,
	}
	h.Broadcast(OrderRoom(s.OrderID), EventLocationUpdated, p)
	h.Broadcast(AdminRoom, EventFleetLocation, p)
}

// SweepHandshakes terminates connections still unauthenticated once the
// handshake timeout has passed since they opened. Frames other than a
// successful authenticate do not extend the window.
func (h *Hub) SweepHandshakes() int {
	cutoff := h.now().Add(-h.cfg.HandshakeTimeout)
	var idle []*Conn
	h.conns.Range(func(_ string, c *Conn) bool {
		if !c.authed.Load() && !c.openedAt.After(cutoff) {
			idle = append(idle, c)
		}
		return true
	})
	for _, c := range idle {
		h.Terminate(c, "handshake_timeout", ErrAuthenticationRequired.Error())
	}
	return len(idle)
}

func (h *Hub) sweepVersions() int {
	now := h.now()
	return h.versions.Sweep(func(_ string, st orderState) bool {
		return now.Sub(st.at) > versionRetention
	})
}

func (h *Hub) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := h.SweepHandshakes()
			marks := h.sweepVersions()
			if idle+marks > 0 {
				log.Debug().Int("idle_conns", idle).Int("version_marks", marks).Msg("gateway sweep")
			}
		}
	}
}

// ConnCount reports live connections.
func (h *Hub) ConnCount() int {
	return h.conns.Len()
}
