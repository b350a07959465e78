// README: Driver location samples and ingest rejection reasons.
package location

import (
	"errors"
	"time"

	"courier/internal/types"
)

// RawSample is the untrusted payload of a driver.location.emit event.
type RawSample struct {
	OrderID   types.ID
	Lat       float64
	Lng       float64
	Bearing   float64
	Timestamp int64 // client clock, epoch ms; display only
}

// Sample is an accepted, sanitized location. ReceivedAt is server-assigned and
// is the only timestamp used for ordering and speed checks.
type Sample struct {
	DriverID        types.ID
	OrderID         types.ID
	Position        types.Point
	Bearing         float64
	ClientTimestamp int64
	ReceivedAt      time.Time
}

// Rejection reasons. ErrWrongRole is a protocol violation; the rest are recoverable.
var (
	ErrWrongRole           = errors.New("location emit requires driver role")
	ErrRateLimited         = errors.New("location rate limit exceeded")
	ErrNotAssigned         = errors.New("driver not assigned to order")
	ErrInvalidPayload      = errors.New("invalid location payload")
	ErrImplausibleMovement = errors.New("implausible movement")
)

// Reason maps a rejection to its metric/wire label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrWrongRole):
		return "wrong_role"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotAssigned):
		return "not_assigned"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrImplausibleMovement):
		return "implausible_movement"
	}
	return "error"
}
