package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

var (
	customerC = types.Identity{ID: "c1", Role: types.RoleCustomer}
	driverD   = types.Identity{ID: "d1", Role: types.RoleDriver}
	adminA    = types.Identity{ID: "a1", Role: types.RoleAdmin}
)

func newTestHub(authz JoinAuthorizer, opts ...Option) *Hub {
	auth := tokenAuth{"tok-c1": customerC, "tok-d1": driverD, "tok-a1": adminA}
	return NewHub(testGatewayConfig(), auth, authz, opts...)
}

func TestUnauthenticatedConnectionIsRetained(t *testing.T) {
	h := newTestHub(newTableAuthz())
	c := h.Connect(context.Background(), "garbage")

	if _, ok := c.Identity(); ok {
		t.Fatal("bad token must not authenticate")
	}
	if c.Closed() {
		t.Fatal("unauthenticated connection must be retained")
	}

	h.Handle(context.Background(), c, frame(t, EventSubscribeOrder, SubscribePayload{OrderID: "o1"}))
	h.Handle(context.Background(), c, frame(t, EventLocationEmit, LocationPayload{OrderID: "o1"}))

	frames := drain(t, c)
	if count(frames, EventError) != 2 {
		t.Fatalf("expected two error events, got %v", eventNames(frames))
	}
	var p ErrorPayload
	_ = json.Unmarshal(frames[0].Data, &p)
	if p.Message != ErrAuthenticationRequired.Error() {
		t.Fatalf("unexpected error message %q", p.Message)
	}
	if c.Closed() {
		t.Fatal("privileged attempt while unauthenticated must not terminate")
	}
}

func TestAuthenticateEventUpgradesConnection(t *testing.T) {
	h := newTestHub(newTableAuthz())
	c := h.Connect(context.Background(), "")

	h.Handle(context.Background(), c, frame(t, EventAuthenticate, AuthenticatePayload{Token: "tok-a1"}))

	id, ok := c.Identity()
	if !ok || id != adminA {
		t.Fatalf("expected admin identity, got %+v ok=%v", id, ok)
	}
	if rooms := c.Rooms(); len(rooms) != 1 || rooms[0] != AdminRoom {
		t.Fatalf("admin should be auto-joined, rooms=%v", rooms)
	}
	if _, ok := find(drain(t, c), EventAuthenticated); !ok {
		t.Fatal("expected authenticated event")
	}
}

func TestAdminAutoJoinOnConnect(t *testing.T) {
	h := newTestHub(newTableAuthz())
	a := h.Connect(context.Background(), "tok-a1")
	if rooms := a.Rooms(); len(rooms) != 1 || rooms[0] != AdminRoom {
		t.Fatalf("expected admin room, got %v", rooms)
	}

	c := h.Connect(context.Background(), "tok-c1")
	if err := h.Join(context.Background(), c, AdminRoom); !errors.Is(err, ErrDenied) {
		t.Fatalf("non-admin joining admin: expected ErrDenied, got %v", err)
	}
}

func TestJoinDeniedTerminatesConnection(t *testing.T) {
	h := newTestHub(newTableAuthz())
	c := h.Connect(context.Background(), "tok-c1")

	h.Handle(context.Background(), c, frame(t, EventSubscribeOrder, SubscribePayload{OrderID: "o1"}))

	if !isDone(c) {
		t.Fatal("denied join must terminate the connection")
	}
	var p ErrorPayload
	var env Envelope
	if err := json.Unmarshal(c.Final(), &env); err != nil || env.Event != EventError {
		t.Fatalf("expected final error frame, got %s", c.Final())
	}
	_ = json.Unmarshal(env.Data, &p)
	if !strings.Contains(p.Message, "order:o1") {
		t.Fatalf("unexpected message %q", p.Message)
	}
	if h.ConnCount() != 0 {
		t.Fatal("terminated connection should be unregistered")
	}
}

func TestJoinInfraErrorKeepsConnection(t *testing.T) {
	authz := newTableAuthz()
	authz.err = errors.New("db down")
	h := newTestHub(authz)
	c := h.Connect(context.Background(), "tok-c1")

	h.Handle(context.Background(), c, frame(t, EventSubscribeOrder, SubscribePayload{OrderID: "o1"}))

	if c.Closed() {
		t.Fatal("infrastructure failure is not a violation")
	}
	env, ok := find(drain(t, c), EventError)
	if !ok || !strings.Contains(string(env.Data), internalErrorMessage) {
		t.Fatalf("expected internal error event, got %s", env.Data)
	}
}

func TestBroadcastAndRoomCollection(t *testing.T) {
	authz := newTableAuthz()
	authz.allow("o1", "c1")
	authz.allow("o1", "d1")
	h := newTestHub(authz)
	ctx := context.Background()

	c := h.Connect(ctx, "tok-c1")
	d := h.Connect(ctx, "tok-d1")
	for _, conn := range []*Conn{c, d} {
		if err := h.Join(ctx, conn, OrderRoom("o1")); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if n := h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"}); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(drain(t, c)) != 1 || len(drain(t, d)) != 1 {
		t.Fatal("each member should receive exactly one frame")
	}

	h.Leave(c, OrderRoom("o1"))
	if n := h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"}); n != 1 {
		t.Fatalf("expected 1 delivery after leave, got %d", n)
	}
	h.OnDisconnect(d)
	if h.rooms.Len() != 0 {
		t.Fatalf("empty room should be collected, %d rooms left", h.rooms.Len())
	}
	h.OnDisconnect(d)
}

func TestNoDeliveryAfterTerminate(t *testing.T) {
	authz := newTableAuthz()
	authz.allow("o1", "c1")
	h := newTestHub(authz)
	ctx := context.Background()

	c := h.Connect(ctx, "tok-c1")
	if err := h.Join(ctx, c, OrderRoom("o1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.Terminate(c, "test", "bye")

	if n := h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"}); n != 0 {
		t.Fatalf("broadcast reached a terminated connection")
	}
	if frames := drain(t, c); len(frames) != 0 {
		t.Fatalf("unexpected frames %v", eventNames(frames))
	}
	if err := h.Join(ctx, c, OrderRoom("o1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("join after terminate: expected ErrClosed, got %v", err)
	}
}

func TestTerminateRacesBroadcast(t *testing.T) {
	authz := newTableAuthz()
	authz.allow("o1", "c1")
	h := newTestHub(authz)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		c := h.Connect(ctx, "tok-c1")
		if err := h.Join(ctx, c, OrderRoom("o1")); err != nil {
			t.Fatalf("join: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"})
		}()
		go func() {
			defer wg.Done()
			h.Terminate(c, "test", "bye")
		}()
		wg.Wait()

		before := len(drain(t, c))
		h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"})
		if after := len(drain(t, c)); after != 0 {
			t.Fatalf("iteration %d: delivery after termination (before=%d)", i, before)
		}
	}
}

func TestConcurrentJoinsMatchAuthorizer(t *testing.T) {
	authz := newTableAuthz()
	auth := tokenAuth{}
	type pair struct {
		id    types.Identity
		order types.ID
		want  bool
	}
	var pairs []pair
	for i := 0; i < 40; i++ {
		id := types.Identity{ID: types.ID(fmt.Sprintf("u%d", i)), Role: types.RoleCustomer}
		if i%2 == 1 {
			id.Role = types.RoleDriver
		}
		auth[string(id.ID)] = id
		orderID := types.ID(fmt.Sprintf("o%d", i%5))
		want := i%3 != 0
		if want {
			authz.allow(orderID, id.ID)
		}
		pairs = append(pairs, pair{id: id, order: orderID, want: want})
	}
	h := NewHub(testGatewayConfig(), auth, authz)

	var wg sync.WaitGroup
	results := make([]error, len(pairs))
	conns := make([]*Conn, len(pairs))
	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p pair) {
			defer wg.Done()
			conns[i] = h.Connect(context.Background(), string(p.id.ID))
			results[i] = h.Join(context.Background(), conns[i], OrderRoom(p.order))
		}(i, p)
	}
	wg.Wait()

	for i, p := range pairs {
		if got := results[i] == nil; got != p.want {
			t.Errorf("%s -> %s: joined=%v want %v (err=%v)", p.id.ID, p.order, got, p.want, results[i])
		}
	}
	for orderIdx := 0; orderIdx < 5; orderIdx++ {
		orderID := types.ID(fmt.Sprintf("o%d", orderIdx))
		want := 0
		for _, p := range pairs {
			if p.order == orderID && p.want {
				want++
			}
		}
		if got := len(h.members(OrderRoom(orderID))); got != want {
			t.Errorf("room %s: %d members, want %d", orderID, got, want)
		}
	}
}

func TestStatusChangesNeverGoBackwards(t *testing.T) {
	authz := newTableAuthz()
	authz.allow("o1", "c1")
	h := newTestHub(authz)
	ctx := context.Background()
	c := h.Connect(ctx, "tok-c1")
	if err := h.Join(ctx, c, OrderRoom("o1")); err != nil {
		t.Fatalf("join: %v", err)
	}

	now := time.Now()
	h.StatusChanged(ctx, order.Change{OrderID: "o1", From: order.StatusPlaced, To: order.StatusReady, Version: 3, At: now})
	h.StatusChanged(ctx, order.Change{OrderID: "o1", From: order.StatusPlaced, To: order.StatusPreparing, Version: 2, At: now})

	frames := drain(t, c)
	if len(frames) != 1 {
		t.Fatalf("expected the stale change to be dropped, got %v", eventNames(frames))
	}
	var p StatusPayload
	_ = json.Unmarshal(frames[0].Data, &p)
	if p.Status != string(order.StatusReady) {
		t.Fatalf("expected ready, got %s", p.Status)
	}
}

func TestTerminalStatusTearsDownRoom(t *testing.T) {
	authz := newTableAuthz()
	authz.allow("o1", "c1")
	h := newTestHub(authz)
	ctx := context.Background()
	c := h.Connect(ctx, "tok-c1")
	if err := h.Join(ctx, c, OrderRoom("o1")); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.StatusChanged(ctx, order.Change{OrderID: "o1", From: order.StatusOutForDelivery, To: order.StatusDelivered, Version: 6, At: time.Now()})

	got := eventNames(drain(t, c))
	if len(got) != 2 || got[0] != EventStatusUpdated || got[1] != EventOrderCompleted {
		t.Fatalf("unexpected events %v", got)
	}
	if len(c.Rooms()) != 0 || h.rooms.Len() != 0 {
		t.Fatal("room should be torn down")
	}
	if c.Closed() {
		t.Fatal("members are released, not disconnected")
	}

	// Even with a stale approval the finished order's room stays closed.
	if err := h.Join(ctx, c, OrderRoom("o1")); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for finished order, got %v", err)
	}
	h.StatusChanged(ctx, order.Change{OrderID: "o1", To: order.StatusCancelled, Version: 7, At: time.Now()})
	if frames := drain(t, c); len(frames) != 0 {
		t.Fatalf("no change may follow a terminal one, got %v", eventNames(frames))
	}
}

func TestTerminalStatusForgetsDriverPosition(t *testing.T) {
	ing := &forgetfulIngester{}
	h := newTestHub(newTableAuthz(), WithIngester(ing))
	ctx := context.Background()
	driver := types.ID("d1")

	h.StatusChanged(ctx, order.Change{OrderID: "o1", DriverID: &driver, To: order.StatusOutForDelivery, Version: 5, At: time.Now()})
	h.StatusChanged(ctx, order.Change{OrderID: "o2", To: order.StatusCancelled, Version: 2, At: time.Now()})
	if got := ing.forgotten(); len(got) != 0 {
		t.Fatalf("only terminal changes with a driver forget, got %v", got)
	}

	h.StatusChanged(ctx, order.Change{OrderID: "o1", DriverID: &driver, To: order.StatusDelivered, Version: 6, At: time.Now()})
	h.StatusChanged(ctx, order.Change{OrderID: "o1", DriverID: &driver, To: order.StatusCancelled, Version: 7, At: time.Now()})
	if got := ing.forgotten(); len(got) != 1 || got[0] != driver {
		t.Fatalf("expected d1 forgotten once, got %v", got)
	}
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	authz := newTableAuthz()
	authz.allow("o1", "c1")
	cfg := testGatewayConfig()
	cfg.SendBuffer = 1
	h := NewHub(cfg, tokenAuth{"tok-c1": customerC}, authz)
	ctx := context.Background()
	c := h.Connect(ctx, "tok-c1")
	if err := h.Join(ctx, c, OrderRoom("o1")); err != nil {
		t.Fatalf("join: %v", err)
	}

	if n := h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"}); n != 1 {
		t.Fatalf("first broadcast should queue, got %d", n)
	}
	if n := h.Broadcast(OrderRoom("o1"), EventOrderCompleted, CompletedPayload{OrderID: "o1"}); n != 0 {
		t.Fatalf("full queue should drop, got %d", n)
	}
	if c.Closed() {
		t.Fatal("slow consumer stays connected")
	}
}

func TestHandshakeSweep(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(newTableAuthz(), WithClock(clock.Now))
	ctx := context.Background()

	idle := h.Connect(ctx, "")
	chatty := h.Connect(ctx, "")
	late := h.Connect(ctx, "")
	authed := h.Connect(ctx, "tok-c1")

	clock.Advance(8 * time.Second)
	young := h.Connect(ctx, "")
	h.Handle(ctx, chatty, []byte(`{"event":"ping"}`))
	h.Handle(ctx, chatty, []byte(`not json`))
	h.Handle(ctx, late, frame(t, EventAuthenticate, AuthenticatePayload{Token: "tok-c1"}))
	clock.Advance(3 * time.Second)
	h.Handle(ctx, chatty, []byte(`{"event":"subscribe_order","data":{"orderId":"o1"}}`))

	if n := h.SweepHandshakes(); n != 2 {
		t.Fatalf("expected 2 unauthenticated connections swept, got %d", n)
	}
	if !isDone(idle) {
		t.Fatal("idle unauthenticated connection should be dropped")
	}
	if !isDone(chatty) {
		t.Fatal("frames other than authenticate must not extend the handshake window")
	}
	if isDone(young) || isDone(late) || isDone(authed) {
		t.Fatal("connections inside the window or authenticated must survive")
	}
}

func TestLocationEmitByNonDriverTerminates(t *testing.T) {
	loc := location.NewService(config.DefaultIngest(), driverOnly{assignmentTable{}}, nil)
	h := newTestHub(newTableAuthz(), WithIngester(loc))
	c := h.Connect(context.Background(), "tok-c1")

	lat, lng := 12.97, 77.59
	h.Handle(context.Background(), c, frame(t, EventLocationEmit, LocationPayload{OrderID: "o1", Lat: &lat, Lng: &lng}))

	if !isDone(c) {
		t.Fatal("location emit by a customer is a protocol violation")
	}
}

func TestLocationRejectionsKeepDriverConnected(t *testing.T) {
	assign := assignmentTable{drivers: map[types.ID]types.ID{"o1": "d1"}}
	cfg := config.DefaultIngest()
	cfg.RateLimit = 2
	loc := location.NewService(cfg, driverOnly{assign}, nil)
	h := newTestHub(newTableAuthz(), WithIngester(loc))
	ctx := context.Background()
	d := h.Connect(ctx, "tok-d1")

	lat, lng := 12.97, 77.59
	h.Handle(ctx, d, frame(t, EventLocationEmit, LocationPayload{OrderID: "o2", Lat: &lat, Lng: &lng}))
	h.Handle(ctx, d, frame(t, EventLocationEmit, LocationPayload{OrderID: "o1"}))
	h.Handle(ctx, d, frame(t, EventLocationEmit, LocationPayload{OrderID: "o1", Lat: &lat, Lng: &lng}))

	frames := drain(t, d)
	if len(frames) != 3 {
		t.Fatalf("expected three error events, got %v", eventNames(frames))
	}
	want := []error{location.ErrNotAssigned, location.ErrInvalidPayload, location.ErrRateLimited}
	for i, f := range frames {
		var p ErrorPayload
		_ = json.Unmarshal(f.Data, &p)
		if p.Message != want[i].Error() {
			t.Errorf("frame %d: got %q want %q", i, p.Message, want[i])
		}
	}
	if d.Closed() {
		t.Fatal("recoverable rejections must not terminate")
	}
}

type forgetfulIngester struct {
	mu     sync.Mutex
	forgot []types.ID
}

func (f *forgetfulIngester) Ingest(context.Context, types.Identity, location.RawSample) (location.Sample, error) {
	return location.Sample{}, location.ErrNotAssigned
}

func (f *forgetfulIngester) Forget(driverID types.ID) {
	f.mu.Lock()
	f.forgot = append(f.forgot, driverID)
	f.mu.Unlock()
}

func (f *forgetfulIngester) forgotten() []types.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ID(nil), f.forgot...)
}

// driverOnly adapts an assignment table to location.Authorizer.
type driverOnly struct{ a assignmentTable }

func (d driverOnly) DriverAssigned(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	return d.a.IsDriverAssigned(ctx, orderID, driverID)
}
