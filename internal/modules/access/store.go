// README: Assignment store backed by PostgreSQL (order ownership and driver assignments).
package access

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

// Assignments is the assignment store collaborator.
type Assignments interface {
	IsCustomerOwner(ctx context.Context, orderID, customerID types.ID) (bool, error)
	IsDriverAssigned(ctx context.Context, orderID, driverID types.ID) (bool, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) IsCustomerOwner(ctx context.Context, orderID, customerID types.ID) (bool, error) {
	return s.exists(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM orders WHERE id = $1 AND customer_id = $2
        )`, string(orderID), string(customerID))
}

func (s *Store) IsDriverAssigned(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	return s.exists(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM delivery_assignments
            WHERE order_id = $1 AND driver_id = $2 AND active
        )`, string(orderID), string(driverID))
}

// Assign makes driverID the single active driver of the order.
func (s *Store) Assign(ctx context.Context, orderID, driverID types.ID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
        UPDATE delivery_assignments SET active = FALSE
        WHERE order_id = $1 AND driver_id <> $2`, string(orderID), string(driverID)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO delivery_assignments (order_id, driver_id, active, assigned_at)
        VALUES ($1, $2, TRUE, NOW())
        ON CONFLICT (order_id, driver_id) DO UPDATE SET active = TRUE, assigned_at = NOW()`,
		string(orderID), string(driverID)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET driver_id = $2 WHERE id = $1`, string(orderID), string(driverID)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
