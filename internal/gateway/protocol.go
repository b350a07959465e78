// README: Realtime wire protocol; JSON envelopes and inbound/outbound event payloads.
package gateway

import (
	"encoding/json"
	"strings"

	"courier/internal/types"
)

// Inbound events.
const (
	EventAuthenticate   = "authenticate"
	EventSubscribeOrder = "subscribe_order"
	EventLocationEmit   = "driver.location.emit"
	EventOrderAdvance   = "driver.order.advance"
)

// Outbound events.
const (
	EventAuthenticated   = "authenticated"
	EventSubscribed      = "subscribed"
	EventStatusUpdated   = "order.status.updated"
	EventOrderPaid       = "order.paid"
	EventOrderCompleted  = "order.completed"
	EventLocationUpdated = "driver.location.updated"
	EventFleetLocation   = "fleet.location.updated"
	EventError           = "error"
)

const (
	AdminRoom       = "admin"
	orderRoomPrefix = "order:"
)

func OrderRoom(orderID types.ID) string {
	return orderRoomPrefix + string(orderID)
}

// orderIDFromRoom returns the order id of an order room.
func orderIDFromRoom(room string) (types.ID, bool) {
	id, ok := strings.CutPrefix(room, orderRoomPrefix)
	if !ok || id == "" {
		return "", false
	}
	return types.ID(id), true
}

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type SubscribePayload struct {
	OrderID string `json:"orderId"`
}

// LocationPayload keeps lat/lng as pointers so a missing coordinate is a
// schema error rather than a silent zero.
type LocationPayload struct {
	OrderID   string   `json:"orderId"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Bearing   float64  `json:"bearing"`
	Timestamp int64    `json:"timestamp"`
}

type AdvancePayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type SubscribedPayload struct {
	Room    string `json:"room"`
	OrderID string `json:"orderId,omitempty"`
}

type StatusPayload struct {
	OrderID   string `json:"orderId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

type PaidPayload struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type CompletedPayload struct {
	OrderID string `json:"orderId"`
}

type LocationUpdatedPayload struct {
	OrderID   string  `json:"orderId"`
	DriverID  string  `json:"driverId"`
	Timestamp int64   `json:"timestamp"` // server receive time, epoch ms
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Bearing   float64 `json:"bearing"`
	ClientTS  int64   `json:"clientTimestamp,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
