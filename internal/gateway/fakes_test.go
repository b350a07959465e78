package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// tokenAuth maps opaque tokens to identities.
type tokenAuth map[string]types.Identity

func (a tokenAuth) Authenticate(_ context.Context, token string) (types.Identity, error) {
	id, ok := a[token]
	if !ok {
		return types.Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// tableAuthz approves (actor, order) pairs present in the table.
type tableAuthz struct {
	mu      sync.Mutex
	allowed map[types.ID]map[types.ID]bool
	err     error
}

func newTableAuthz() *tableAuthz {
	return &tableAuthz{allowed: make(map[types.ID]map[types.ID]bool)}
}

func (a *tableAuthz) allow(orderID, actor types.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allowed[orderID] == nil {
		a.allowed[orderID] = make(map[types.ID]bool)
	}
	a.allowed[orderID][actor] = true
}

func (a *tableAuthz) CanJoinOrder(_ context.Context, id types.Identity, orderID types.ID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	return a.allowed[orderID][id.ID], nil
}

// orderRepo is an in-memory order.Repository that also serves as the
// authorizer's order reader.
type orderRepo struct {
	mu     sync.Mutex
	orders map[types.ID]*order.Order
}

func newOrderRepo() *orderRepo {
	return &orderRepo{orders: make(map[types.ID]*order.Order)}
}

func (r *orderRepo) put(id, customer types.ID, status order.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[id] = &order.Order{ID: id, CustomerID: customer, Status: status, CreatedAt: time.Now()}
}

func (r *orderRepo) Get(_ context.Context, id types.ID) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *orderRepo) UpdateStatus(_ context.Context, id types.ID, from, to order.Status, version int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	return true, nil
}

func (r *orderRepo) AppendEvent(context.Context, *order.Event) error { return nil }

type assignmentTable struct {
	owners  map[types.ID]types.ID
	drivers map[types.ID]types.ID
}

func (a assignmentTable) IsCustomerOwner(_ context.Context, orderID, customerID types.ID) (bool, error) {
	return a.owners[orderID] == customerID, nil
}

func (a assignmentTable) IsDriverAssigned(_ context.Context, orderID, driverID types.ID) (bool, error) {
	return a.drivers[orderID] == driverID, nil
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{HandshakeTimeout: 10 * time.Second, SendBuffer: 64}
}

// drain returns every frame currently queued for c.
func drain(t *testing.T, c *Conn) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case msg := <-c.Outbound():
			var env Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Event
	}
	return out
}

func find(envs []Envelope, event string) (Envelope, bool) {
	for _, e := range envs {
		if e.Event == event {
			return e, true
		}
	}
	return Envelope{}, false
}

func count(envs []Envelope, event string) int {
	n := 0
	for _, e := range envs {
		if e.Event == event {
			n++
		}
	}
	return n
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	b, err := encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func isDone(c *Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
