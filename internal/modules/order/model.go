// README: Order aggregate, status definitions and the lifecycle adjacency table.
package order

import (
	"time"

	"courier/internal/types"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusPlaced         Status = "placed"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusPickup         Status = "pickup"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// Cause records who or what requested a transition.
type Cause string

const (
	CausePaymentCaptured Cause = "payment_captured"
	CauseDriverAction    Cause = "driver_action"
	CauseAdminAction     Cause = "admin_action"
	CauseCustomerCancel  Cause = "customer_cancel"
)

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	DriverID      *types.ID
	Status        Status
	StatusVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	Cause      Cause
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Change describes an applied transition; it is what gets broadcast and pushed.
// Version is the order's status_version after the write, so consumers can
// discard changes that reach them out of order.
type Change struct {
	OrderID  types.ID
	DriverID *types.ID // assigned driver when the change was applied
	From     Status
	To       Status
	Cause    Cause
	Version  int
	At       time.Time
}

// AllowedTransitions represents the order state flow as code. Statuses only
// move forward; placed cannot be skipped because it is the payment gate, and
// every non-terminal status may escape to cancelled.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusPlaced, StatusCancelled},
	StatusPlaced:         {StatusPreparing, StatusReady, StatusPickup, StatusOutForDelivery, StatusDelivered, StatusCancelled},
	StatusPreparing:      {StatusReady, StatusPickup, StatusOutForDelivery, StatusDelivered, StatusCancelled},
	StatusReady:          {StatusPickup, StatusOutForDelivery, StatusDelivered, StatusCancelled},
	StatusPickup:         {StatusOutForDelivery, StatusDelivered, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered, StatusCancelled},
}

// causeTargets bounds which statuses each kind of actor may request.
var causeTargets = map[Cause][]Status{
	CausePaymentCaptured: {StatusPlaced},
	CauseDriverAction:    {StatusPickup, StatusOutForDelivery, StatusDelivered},
	CauseAdminAction:     {StatusPreparing, StatusReady, StatusPickup, StatusOutForDelivery, StatusDelivered, StatusCancelled},
	CauseCustomerCancel:  {StatusCancelled},
}

func CanTransition(from, to Status) bool {
	return contains(AllowedTransitions[from], to)
}

// CauseAllows reports whether a cause may request the target status at all.
func CauseAllows(c Cause, to Status) bool {
	return contains(causeTargets[c], to)
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlaced, StatusPreparing, StatusReady,
		StatusPickup, StatusOutForDelivery, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

var rank = map[Status]int{
	StatusPending:        0,
	StatusPlaced:         1,
	StatusPreparing:      2,
	StatusReady:          3,
	StatusPickup:         4,
	StatusOutForDelivery: 5,
	StatusDelivered:      6,
}

// Rank is the position of a status in the monotonic sequence; cancelled has no rank.
func Rank(s Status) (int, bool) {
	r, ok := rank[s]
	return r, ok
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
