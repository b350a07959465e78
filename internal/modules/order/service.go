// README: Order service implements lifecycle transitions, persistence-before-broadcast and push fan-out.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"courier/internal/metrics"
	"courier/internal/types"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order state conflict")
	ErrNotAssigned       = errors.New("driver not assigned to order")
	ErrForbidden         = errors.New("forbidden")
	ErrBadRequest        = errors.New("bad request")
)

// maxAttempts bounds re-reads after losing a compare-and-set race.
const maxAttempts = 3

const pushTimeout = 5 * time.Second

var tracer = otel.Tracer("courier/order")

// Publisher receives every applied transition after it has been persisted.
type Publisher interface {
	StatusChanged(ctx context.Context, c Change)
}

// Notifier dispatches push notifications; failures never affect a transition.
type Notifier interface {
	NotifyStatus(ctx context.Context, orderID types.ID, status Status) error
}

// AssignmentChecker answers ownership questions for driver and customer actions.
type AssignmentChecker interface {
	DriverAssigned(ctx context.Context, orderID, driverID types.ID) (bool, error)
	CustomerOwns(ctx context.Context, orderID, customerID types.ID) (bool, error)
}

type Service struct {
	repo      Repository
	checker   AssignmentChecker
	publisher Publisher
	notifier  Notifier
	timeout   time.Duration
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithStoreTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, checker AssignmentChecker, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		checker: checker,
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPublisher wires the broadcaster after construction; the gateway and the
// service depend on each other.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

type TransitionCommand struct {
	OrderID types.ID
	Target  Status
	Cause   Cause
	ActorID *types.ID
}

type DriverAdvanceCommand struct {
	OrderID  types.ID
	DriverID types.ID
	Target   Status
}

type CancelCommand struct {
	OrderID types.ID
	Actor   types.Identity
}

type AdminStatusCommand struct {
	OrderID types.ID
	AdminID types.ID
	Target  Status
}

// Transition applies target to the order if the adjacency table allows it.
// A nil error means Applied. The new status is persisted before anything is
// broadcast; broadcast and push are best-effort and never roll it back.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (_ *Change, err error) {
	ctx, span := tracer.Start(ctx, "order.Transition")
	span.SetAttributes(
		attribute.String("order.id", string(cmd.OrderID)),
		attribute.String("order.target", string(cmd.Target)),
		attribute.String("order.cause", string(cmd.Cause)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if cmd.OrderID == "" || !cmd.Target.Valid() {
		return nil, ErrBadRequest
	}
	if !CauseAllows(cmd.Cause, cmd.Target) {
		s.reject(cmd, "", "cause not permitted")
		return nil, ErrInvalidTransition
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		o, err := s.get(ctx, cmd.OrderID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(o.Status, cmd.Target) {
			s.reject(cmd, o.Status, "not in adjacency table")
			return nil, ErrInvalidTransition
		}

		ok, err := s.update(ctx, o, cmd.Target)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		change := Change{
			OrderID:  o.ID,
			DriverID: o.DriverID,
			From:     o.Status,
			To:       cmd.Target,
			Cause:    cmd.Cause,
			Version:  o.StatusVersion + 1,
			At:       s.now(),
		}
		s.applied(ctx, change, cmd.ActorID)
		return &change, nil
	}
	return nil, ErrConflict
}

// DriverAdvance is a driver-initiated transition (pickup, out_for_delivery, delivered).
func (s *Service) DriverAdvance(ctx context.Context, cmd DriverAdvanceCommand) (*Change, error) {
	if cmd.OrderID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	if !CauseAllows(CauseDriverAction, cmd.Target) {
		return nil, ErrInvalidTransition
	}
	assigned, err := s.checker.DriverAssigned(ctx, cmd.OrderID, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, ErrNotAssigned
	}
	return s.Transition(ctx, TransitionCommand{
		OrderID: cmd.OrderID,
		Target:  cmd.Target,
		Cause:   CauseDriverAction,
		ActorID: &cmd.DriverID,
	})
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Change, error) {
	cause := CauseAdminAction
	switch cmd.Actor.Role {
	case types.RoleAdmin:
	case types.RoleCustomer:
		owns, err := s.checker.CustomerOwns(ctx, cmd.OrderID, cmd.Actor.ID)
		if err != nil {
			return nil, err
		}
		if !owns {
			return nil, ErrForbidden
		}
		cause = CauseCustomerCancel
	default:
		return nil, ErrForbidden
	}
	return s.Transition(ctx, TransitionCommand{
		OrderID: cmd.OrderID,
		Target:  StatusCancelled,
		Cause:   cause,
		ActorID: &cmd.Actor.ID,
	})
}

func (s *Service) AdminSetStatus(ctx context.Context, cmd AdminStatusCommand) (*Change, error) {
	return s.Transition(ctx, TransitionCommand{
		OrderID: cmd.OrderID,
		Target:  cmd.Target,
		Cause:   CauseAdminAction,
		ActorID: &cmd.AdminID,
	})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.get(ctx, id)
}

func (s *Service) get(ctx context.Context, id types.ID) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Get(ctx, id)
}

func (s *Service) update(ctx context.Context, o *Order, to Status) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.UpdateStatus(ctx, o.ID, o.Status, to, o.StatusVersion)
}

func (s *Service) applied(ctx context.Context, c Change, actor *types.ID) {
	metrics.TransitionsTotal.WithLabelValues("applied", string(c.To)).Inc()
	log.Info().
		Str("order_id", string(c.OrderID)).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Str("cause", string(c.Cause)).
		Msg("order transition applied")

	evCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.repo.AppendEvent(evCtx, &Event{
		OrderID:    c.OrderID,
		FromStatus: c.From,
		ToStatus:   c.To,
		Cause:      c.Cause,
		ActorID:    actor,
		CreatedAt:  c.At,
	})
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("order_id", string(c.OrderID)).Msg("append order event failed")
	}

	if s.publisher != nil {
		s.publisher.StatusChanged(ctx, c)
	}
	if s.notifier != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
			defer cancel()
			if err := s.notifier.NotifyStatus(pctx, c.OrderID, c.To); err != nil {
				log.Warn().Err(err).Str("order_id", string(c.OrderID)).Msg("push notification failed")
			}
		}()
	}
}

func (s *Service) reject(cmd TransitionCommand, from Status, why string) {
	metrics.TransitionsTotal.WithLabelValues("rejected", string(cmd.Target)).Inc()
	log.Info().
		Str("order_id", string(cmd.OrderID)).
		Str("from", string(from)).
		Str("to", string(cmd.Target)).
		Str("cause", string(cmd.Cause)).
		Str("reason", why).
		Msg("order transition rejected")
}
