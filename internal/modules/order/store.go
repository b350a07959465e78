// README: Order store backed by PostgreSQL; status writes are compare-and-set on status_version.
package order

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

// Repository is the order store collaborator consumed by the service.
type Repository interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO orders (id, customer_id, driver_id, status, status_version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		string(o.ID),
		string(o.CustomerID),
		toStringPtr(o.DriverID),
		string(o.Status),
		o.StatusVersion,
		o.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, customer_id, driver_id, status, status_version, created_at, updated_at
        FROM orders
        WHERE id = $1`, string(id),
	)

	var o Order
	var driverID *string
	err := row.Scan(&o.ID, &o.CustomerID, &driverID, &o.Status, &o.StatusVersion, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	return &o, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET status = $1,
            status_version = status_version + 1,
            updated_at = NOW(),
            placed_at = CASE WHEN $1 = 'placed' THEN NOW() ELSE placed_at END,
            delivered_at = CASE WHEN $1 = 'delivered' THEN NOW() ELSE delivered_at END,
            cancelled_at = CASE WHEN $1 = 'cancelled' THEN NOW() ELSE cancelled_at END
        WHERE id = $2 AND status = $3 AND status_version = $4`,
		string(to),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO order_state_events (
            order_id, from_status, to_status, cause, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.Cause),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

// Events lists the audit trail of an order, oldest first.
func (s *Store) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, from_status, to_status, cause, actor_id, created_at
        FROM order_state_events
        WHERE order_id = $1
        ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actor *string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.Cause, &actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor != nil {
			a := types.ID(*actor)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
