// README: Access authorizer; decides room membership and driver capabilities per order.
package access

import (
	"context"
	"errors"
	"time"

	"courier/internal/modules/order"
	"courier/internal/types"
)

type OrderReader interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type Authorizer struct {
	assignments Assignments
	orders      OrderReader
	timeout     time.Duration
}

func NewAuthorizer(assignments Assignments, orders OrderReader, timeout time.Duration) *Authorizer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authorizer{assignments: assignments, orders: orders, timeout: timeout}
}

// CanJoinOrder approves an identity for the order's room. Terminal orders
// admit nobody: their room has been torn down for good.
func (a *Authorizer) CanJoinOrder(ctx context.Context, id types.Identity, orderID types.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	active, err := a.orderActive(ctx, orderID)
	if err != nil || !active {
		return false, err
	}
	switch id.Role {
	case types.RoleCustomer:
		return a.assignments.IsCustomerOwner(ctx, orderID, id.ID)
	case types.RoleDriver:
		return a.assignments.IsDriverAssigned(ctx, orderID, id.ID)
	case types.RoleAdmin:
		return true, nil
	}
	return false, nil
}

// CanView is the read check used by the polling fallback; unlike joining it
// also lets participants read terminal orders.
func (a *Authorizer) CanView(ctx context.Context, id types.Identity, orderID types.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	switch id.Role {
	case types.RoleCustomer:
		return a.assignments.IsCustomerOwner(ctx, orderID, id.ID)
	case types.RoleDriver:
		return a.assignments.IsDriverAssigned(ctx, orderID, id.ID)
	case types.RoleAdmin:
		return true, nil
	}
	return false, nil
}

// DriverAssigned reports whether the driver holds a current, non-terminal
// delivery assignment for the order.
func (a *Authorizer) DriverAssigned(ctx context.Context, orderID, driverID types.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	assigned, err := a.assignments.IsDriverAssigned(ctx, orderID, driverID)
	if err != nil || !assigned {
		return false, err
	}
	return a.orderActive(ctx, orderID)
}

func (a *Authorizer) CustomerOwns(ctx context.Context, orderID, customerID types.ID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.assignments.IsCustomerOwner(ctx, orderID, customerID)
}

func (a *Authorizer) orderActive(ctx context.Context, orderID types.ID) (bool, error) {
	o, err := a.orders.Get(ctx, orderID)
	if errors.Is(err, order.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !o.Status.Terminal(), nil
}
