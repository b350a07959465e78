// README: Admin handlers for manual status overrides and driver assignment.
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

type Assigner interface {
	Assign(ctx context.Context, orderID, driverID types.ID) error
}

type AdminHandler struct {
	order    OrderService
	assigner Assigner
}

func NewAdminHandler(svc OrderService, assigner Assigner) *AdminHandler {
	return &AdminHandler{order: svc, assigner: assigner}
}

type adminStatusReq struct {
	Status string `json:"status" binding:"required,oneof=preparing ready pickup out_for_delivery delivered cancelled"`
}

type assignReq struct {
	DriverID string `json:"driverId" binding:"required,max=128"`
}

func (h *AdminHandler) SetStatus(c *gin.Context) {
	var req adminStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	change, err := h.order.AdminSetStatus(c.Request.Context(), order.AdminStatusCommand{
		OrderID: types.ID(c.Param("id")),
		AdminID: types.ID(middleware.CallerUID(c)),
		Target:  order.Status(req.Status),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newChangeResponse(change))
}

func (h *AdminHandler) Assign(c *gin.Context) {
	var req assignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	orderID := types.ID(c.Param("id"))
	if _, err := h.order.Get(c.Request.Context(), orderID); err != nil {
		writeOrderError(c, err)
		return
	}
	if err := h.assigner.Assign(c.Request.Context(), orderID, types.ID(req.DriverID)); err != nil {
		log.Error().Err(err).Str("order_id", string(orderID)).Msg("assign driver failed")
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	log.Info().Str("order_id", string(orderID)).Str("driver_id", req.DriverID).Msg("driver assigned")
	writeJSON(c, http.StatusOK, gin.H{"orderId": orderID, "driverId": req.DriverID})
}
