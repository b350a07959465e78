// README: Order handlers for status reads and cancellation.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"courier/internal/http/middleware"
	"courier/internal/modules/order"
	"courier/internal/types"
)

// OrderService is the slice of order.Service the HTTP layer drives.
type OrderService interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Cancel(ctx context.Context, cmd order.CancelCommand) (*order.Change, error)
	DriverAdvance(ctx context.Context, cmd order.DriverAdvanceCommand) (*order.Change, error)
	AdminSetStatus(ctx context.Context, cmd order.AdminStatusCommand) (*order.Change, error)
}

type Viewer interface {
	CanView(ctx context.Context, id types.Identity, orderID types.ID) (bool, error)
}

type OrderHandler struct {
	order  OrderService
	viewer Viewer
}

func NewOrderHandler(svc OrderService, viewer Viewer) *OrderHandler {
	return &OrderHandler{order: svc, viewer: viewer}
}

// Status is the polling fallback for clients without a live connection.
func (h *OrderHandler) Status(c *gin.Context) {
	caller, _ := middleware.Caller(c)
	id := types.ID(c.Param("id"))
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing order id")
		return
	}

	ok, err := h.viewer.CanView(c.Request.Context(), caller, id)
	if err != nil {
		log.Error().Err(err).Str("order_id", string(id)).Msg("view check failed")
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}

	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orderId": o.ID, "status": o.Status})
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	caller, _ := middleware.Caller(c)
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing order id")
		return
	}
	change, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID: types.ID(id),
		Actor:   caller,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newChangeResponse(change))
}
