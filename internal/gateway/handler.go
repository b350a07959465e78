// README: Inbound event dispatch; one call per frame, sequential per connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/types"
)

const internalErrorMessage = "internal error"

// Handle processes one inbound frame from c. The transport must not call it
// concurrently for the same connection.
func (h *Hub) Handle(ctx context.Context, c *Conn, frame []byte) {
	if c.Closed() {
		return
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.sendError(c, "malformed message")
		return
	}

	switch env.Event {
	case EventAuthenticate:
		h.handleAuthenticate(ctx, c, env.Data)
	case EventSubscribeOrder:
		h.handleSubscribe(ctx, c, env.Data)
	case EventLocationEmit:
		h.handleLocation(ctx, c, env.Data)
	case EventOrderAdvance:
		h.handleAdvance(ctx, c, env.Data)
	default:
		h.sendError(c, "unknown event")
	}
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *Conn, data json.RawMessage) {
	var p AuthenticatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Token == "" {
		h.sendError(c, "token required")
		return
	}
	if err := h.authenticate(ctx, c, p.Token); err != nil {
		switch {
		case errors.Is(err, errAlreadyAuthenticated):
			h.sendError(c, err.Error())
		case errors.Is(err, ErrClosed):
		default:
			h.sendError(c, ErrUnauthenticated.Error())
		}
		return
	}
	id, _ := c.Identity()
	h.Send(c, EventAuthenticated, AuthenticatedPayload{UserID: string(id.ID), Role: string(id.Role)})
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Conn, data json.RawMessage) {
	if _, ok := c.Identity(); !ok {
		h.sendError(c, ErrAuthenticationRequired.Error())
		return
	}
	var p SubscribePayload
	if err := json.Unmarshal(data, &p); err != nil || p.OrderID == "" {
		h.sendError(c, "orderId required")
		return
	}

	room := OrderRoom(types.ID(p.OrderID))
	err := h.Join(ctx, c, room)
	switch {
	case err == nil:
		h.Send(c, EventSubscribed, SubscribedPayload{Room: room, OrderID: p.OrderID})
	case errors.Is(err, ErrDenied):
		h.Terminate(c, "join_denied", "not authorized for "+room)
	case errors.Is(err, ErrClosed):
	default:
		log.Error().Err(err).Str("conn_id", c.id).Str("room", room).Msg("join authorization failed")
		h.sendError(c, internalErrorMessage)
	}
}

func (h *Hub) handleLocation(ctx context.Context, c *Conn, data json.RawMessage) {
	id, ok := c.Identity()
	if !ok {
		h.sendError(c, ErrAuthenticationRequired.Error())
		return
	}
	if h.ingest == nil {
		h.sendError(c, "unknown event")
		return
	}

	sample, err := h.ingest.Ingest(ctx, id, rawSample(data))
	switch {
	case err == nil:
		h.LocationAccepted(sample)
	case errors.Is(err, location.ErrWrongRole):
		h.Terminate(c, "wrong_role", err.Error())
	case errors.Is(err, location.ErrRateLimited),
		errors.Is(err, location.ErrNotAssigned),
		errors.Is(err, location.ErrInvalidPayload),
		errors.Is(err, location.ErrImplausibleMovement):
		h.sendError(c, err.Error())
	default:
		log.Error().Err(err).Str("conn_id", c.id).Msg("location ingest failed")
		h.sendError(c, internalErrorMessage)
	}
}

// rawSample decodes leniently: anything unparseable becomes a sample the
// pipeline rejects as an invalid payload, after the role and rate checks.
func rawSample(data json.RawMessage) location.RawSample {
	var p LocationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return location.RawSample{Lat: math.NaN(), Lng: math.NaN()}
	}
	raw := location.RawSample{
		OrderID:   types.ID(p.OrderID),
		Lat:       math.NaN(),
		Lng:       math.NaN(),
		Bearing:   p.Bearing,
		Timestamp: p.Timestamp,
	}
	if p.Lat != nil {
		raw.Lat = *p.Lat
	}
	if p.Lng != nil {
		raw.Lng = *p.Lng
	}
	return raw
}

func (h *Hub) handleAdvance(ctx context.Context, c *Conn, data json.RawMessage) {
	id, ok := c.Identity()
	if !ok {
		h.sendError(c, ErrAuthenticationRequired.Error())
		return
	}
	if h.orders == nil {
		h.sendError(c, "unknown event")
		return
	}
	if id.Role != types.RoleDriver {
		h.sendError(c, order.ErrForbidden.Error())
		return
	}
	var p AdvancePayload
	if err := json.Unmarshal(data, &p); err != nil || p.OrderID == "" || p.Status == "" {
		h.sendError(c, "orderId and status required")
		return
	}

	_, err := h.orders.DriverAdvance(ctx, order.DriverAdvanceCommand{
		OrderID:  types.ID(p.OrderID),
		DriverID: id.ID,
		Target:   order.Status(p.Status),
	})
	switch {
	case err == nil:
		// The applied change reaches the caller through the room broadcast.
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrNotAssigned),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrBadRequest):
		h.sendError(c, err.Error())
	default:
		log.Error().Err(err).Str("conn_id", c.id).Str("order_id", p.OrderID).Msg("driver advance failed")
		h.sendError(c, internalErrorMessage)
	}
}
