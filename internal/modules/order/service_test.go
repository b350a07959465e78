// README: Order service tests (flow, invalid requests, concurrency) against an in-memory repository.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"courier/internal/types"
)

// ---------------------------------------------------------------------------
// In-memory collaborators
// ---------------------------------------------------------------------------

type memRepo struct {
	mu        sync.Mutex
	orders    map[types.ID]*Order
	events    []Event
	updateErr error
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[types.ID]*Order)}
}

func (m *memRepo) put(id types.ID, customer types.ID, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id] = &Order{ID: id, CustomerID: customer, Status: status, CreatedAt: time.Now()}
}

func (m *memRepo) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id types.ID, from, to Status, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return false, m.updateErr
	}
	o, ok := m.orders[id]
	if !ok || o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	return true, nil
}

func (m *memRepo) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memRepo) status(id types.ID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

type fakeChecker struct {
	drivers   map[types.ID]types.ID // order -> driver
	customers map[types.ID]types.ID // order -> customer
	err       error
}

func (f *fakeChecker) DriverAssigned(_ context.Context, orderID, driverID types.ID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.drivers[orderID] == driverID, nil
}

func (f *fakeChecker) CustomerOwns(_ context.Context, orderID, customerID types.ID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.customers[orderID] == customerID, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []Change
	onEvent func(Change)
}

func (p *recordingPublisher) StatusChanged(_ context.Context, c Change) {
	if p.onEvent != nil {
		p.onEvent(c)
	}
	p.mu.Lock()
	p.changes = append(p.changes, c)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Change(nil), p.changes...)
}

type fakeNotifier struct {
	calls chan Status
	err   error
}

func (f *fakeNotifier) NotifyStatus(_ context.Context, _ types.ID, s Status) error {
	f.calls <- s
	return f.err
}

func newTestService(repo *memRepo, pub *recordingPublisher, opts ...Option) *Service {
	checker := &fakeChecker{
		drivers:   map[types.ID]types.ID{"o1": "d1"},
		customers: map[types.ID]types.ID{"o1": "c1"},
	}
	opts = append([]Option{WithPublisher(pub)}, opts...)
	return NewService(repo, checker, opts...)
}

func assertStatus(t *testing.T, repo *memRepo, id types.ID, want Status) {
	t.Helper()
	if got := repo.status(id); got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

// ---------------------------------------------------------------------------
// Flow tests
// ---------------------------------------------------------------------------

func TestOrderFlowHappyPath(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPending)
	pub := &recordingPublisher{}
	svc := newTestService(repo, pub)

	steps := []struct {
		run  func() (*Change, error)
		want Status
	}{
		{func() (*Change, error) {
			return svc.Transition(ctx, TransitionCommand{OrderID: "o1", Target: StatusPlaced, Cause: CausePaymentCaptured})
		}, StatusPlaced},
		{func() (*Change, error) {
			return svc.AdminSetStatus(ctx, AdminStatusCommand{OrderID: "o1", AdminID: "a1", Target: StatusPreparing})
		}, StatusPreparing},
		{func() (*Change, error) {
			return svc.AdminSetStatus(ctx, AdminStatusCommand{OrderID: "o1", AdminID: "a1", Target: StatusReady})
		}, StatusReady},
		{func() (*Change, error) {
			return svc.DriverAdvance(ctx, DriverAdvanceCommand{OrderID: "o1", DriverID: "d1", Target: StatusPickup})
		}, StatusPickup},
		{func() (*Change, error) {
			return svc.DriverAdvance(ctx, DriverAdvanceCommand{OrderID: "o1", DriverID: "d1", Target: StatusOutForDelivery})
		}, StatusOutForDelivery},
		{func() (*Change, error) {
			return svc.DriverAdvance(ctx, DriverAdvanceCommand{OrderID: "o1", DriverID: "d1", Target: StatusDelivered})
		}, StatusDelivered},
	}
	for i, step := range steps {
		c, err := step.run()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if c.To != step.want {
			t.Fatalf("step %d: change.To = %s, want %s", i, c.To, step.want)
		}
		assertStatus(t, repo, "o1", step.want)
	}

	if got := len(pub.snapshot()); got != len(steps) {
		t.Fatalf("published %d changes, want %d", got, len(steps))
	}
	if got := len(repo.events); got != len(steps) {
		t.Fatalf("appended %d events, want %d", got, len(steps))
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []Status{StatusDelivered, StatusCancelled} {
		repo := newMemRepo()
		repo.put("o1", "c1", terminal)
		pub := &recordingPublisher{}
		svc := newTestService(repo, pub)

		for _, target := range []Status{StatusCancelled, StatusDelivered, StatusPickup} {
			_, err := svc.AdminSetStatus(ctx, AdminStatusCommand{OrderID: "o1", AdminID: "a1", Target: target})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", terminal, target, err)
			}
		}
		if len(pub.snapshot()) != 0 {
			t.Fatalf("%s: nothing should be published", terminal)
		}
	}
}

func TestCancelFromEveryNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	for from := range AllowedTransitions {
		repo := newMemRepo()
		repo.put("o1", "c1", from)
		svc := newTestService(repo, &recordingPublisher{})
		if _, err := svc.Cancel(ctx, CancelCommand{OrderID: "o1", Actor: types.Identity{ID: "c1", Role: types.RoleCustomer}}); err != nil {
			t.Fatalf("cancel from %s: %v", from, err)
		}
		assertStatus(t, repo, "o1", StatusCancelled)
	}
}

func TestPlacedOnlyViaPayment(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPending)
	svc := newTestService(repo, &recordingPublisher{})

	_, err := svc.AdminSetStatus(ctx, AdminStatusCommand{OrderID: "o1", AdminID: "a1", Target: StatusPlaced})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("admin placed: expected ErrInvalidTransition, got %v", err)
	}
	_, err = svc.AdminSetStatus(ctx, AdminStatusCommand{OrderID: "o1", AdminID: "a1", Target: StatusPreparing})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skip payment: expected ErrInvalidTransition, got %v", err)
	}
	assertStatus(t, repo, "o1", StatusPending)
}

func TestPersistedBeforeBroadcast(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPending)
	pub := &recordingPublisher{}
	pub.onEvent = func(c Change) {
		if got := repo.status(c.OrderID); got != c.To {
			t.Errorf("broadcast saw store status %s, want %s", got, c.To)
		}
	}
	svc := newTestService(repo, pub)

	if _, err := svc.Transition(ctx, TransitionCommand{OrderID: "o1", Target: StatusPlaced, Cause: CausePaymentCaptured}); err != nil {
		t.Fatalf("transition: %v", err)
	}
}

func TestStoreFailureAppliesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPending)
	storeErr := errors.New("connection refused")
	repo.updateErr = storeErr
	pub := &recordingPublisher{}
	svc := newTestService(repo, pub)

	_, err := svc.Transition(ctx, TransitionCommand{OrderID: "o1", Target: StatusPlaced, Cause: CausePaymentCaptured})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	assertStatus(t, repo, "o1", StatusPending)
	if len(pub.snapshot()) != 0 {
		t.Fatal("nothing should be broadcast when persistence fails")
	}
}

func TestNotifierFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPending)
	n := &fakeNotifier{calls: make(chan Status, 1), err: errors.New("fcm unavailable")}
	svc := newTestService(repo, &recordingPublisher{}, WithNotifier(n))

	if _, err := svc.Transition(ctx, TransitionCommand{OrderID: "o1", Target: StatusPlaced, Cause: CausePaymentCaptured}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	select {
	case s := <-n.calls:
		if s != StatusPlaced {
			t.Fatalf("notified %s, want placed", s)
		}
	case <-time.After(time.Second):
		t.Fatal("notifier was not invoked")
	}
	assertStatus(t, repo, "o1", StatusPlaced)
}

func TestDriverAdvanceRequiresAssignment(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusReady)
	svc := newTestService(repo, &recordingPublisher{})

	_, err := svc.DriverAdvance(ctx, DriverAdvanceCommand{OrderID: "o1", DriverID: "d2", Target: StatusPickup})
	if !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	_, err = svc.DriverAdvance(ctx, DriverAdvanceCommand{OrderID: "o1", DriverID: "d1", Target: StatusCancelled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("driver cancel: expected ErrInvalidTransition, got %v", err)
	}
	assertStatus(t, repo, "o1", StatusReady)
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPlaced)
	svc := newTestService(repo, &recordingPublisher{})

	if _, err := svc.Cancel(ctx, CancelCommand{OrderID: "o1", Actor: types.Identity{ID: "c2", Role: types.RoleCustomer}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other customer: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Cancel(ctx, CancelCommand{OrderID: "o1", Actor: types.Identity{ID: "d1", Role: types.RoleDriver}}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("driver: expected ErrForbidden, got %v", err)
	}
	c, err := svc.Cancel(ctx, CancelCommand{OrderID: "o1", Actor: types.Identity{ID: "a1", Role: types.RoleAdmin}})
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if c.Cause != CauseAdminAction {
		t.Fatalf("cause = %s, want admin_action", c.Cause)
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	svc := newTestService(newMemRepo(), &recordingPublisher{})
	_, err := svc.Transition(context.Background(), TransitionCommand{OrderID: "missing", Target: StatusPlaced, Cause: CausePaymentCaptured})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentPlacedAppliesOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusPending)
	pub := &recordingPublisher{}
	svc := newTestService(repo, pub)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Transition(ctx, TransitionCommand{OrderID: "o1", Target: StatusPlaced, Cause: CausePaymentCaptured})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	if got := len(pub.snapshot()); got != 1 {
		t.Fatalf("expected 1 broadcast, got %d", got)
	}
}

// TestConcurrentTransitionsStayMonotonic fires mixed targets at one order and
// checks the applied sequence, ordered by version, only moves forward and
// stops at a terminal status.
func TestConcurrentTransitionsStayMonotonic(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		repo := newMemRepo()
		id := types.ID(fmt.Sprintf("o%d", round))
		repo.put(id, "c1", StatusPlaced)
		pub := &recordingPublisher{}
		svc := newTestService(repo, pub)

		targets := []Status{StatusPreparing, StatusReady, StatusPickup, StatusOutForDelivery, StatusDelivered, StatusCancelled, StatusReady, StatusPreparing}
		var wg sync.WaitGroup
		for _, target := range targets {
			wg.Add(1)
			go func(to Status) {
				defer wg.Done()
				_, _ = svc.AdminSetStatus(ctx, AdminStatusCommand{OrderID: id, AdminID: "a1", Target: to})
			}(target)
		}
		wg.Wait()

		changes := pub.snapshot()
		sort.Slice(changes, func(i, j int) bool { return changes[i].Version < changes[j].Version })
		prev := StatusPlaced
		for _, c := range changes {
			if prev.Terminal() {
				t.Fatalf("round %d: transition %s -> %s observed after terminal", round, c.From, c.To)
			}
			if c.From != prev {
				t.Fatalf("round %d: change from %s does not follow %s", round, c.From, prev)
			}
			if c.To != StatusCancelled {
				pr, _ := Rank(prev)
				cr, _ := Rank(c.To)
				if cr <= pr {
					t.Fatalf("round %d: non-monotonic %s -> %s", round, prev, c.To)
				}
			}
			prev = c.To
		}
	}
}

func TestChangeCarriesAssignedDriver(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.put("o1", "c1", StatusOutForDelivery)
	driver := types.ID("d1")
	repo.orders["o1"].DriverID = &driver
	pub := &recordingPublisher{}
	svc := newTestService(repo, pub)

	c, err := svc.DriverAdvance(ctx, DriverAdvanceCommand{OrderID: "o1", DriverID: "d1", Target: StatusDelivered})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if c.DriverID == nil || *c.DriverID != driver {
		t.Fatalf("change should name the assigned driver, got %v", c.DriverID)
	}
	if got := pub.snapshot(); len(got) != 1 || got[0].DriverID == nil || *got[0].DriverID != driver {
		t.Fatalf("published change lost the driver: %+v", got)
	}
}
