// README: Driver handlers; REST twin of the realtime advance event.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/http/middleware"
	"courier/internal/modules/order"
	"courier/internal/types"
)

type DriverHandler struct {
	order OrderService
}

func NewDriverHandler(svc OrderService) *DriverHandler {
	return &DriverHandler{order: svc}
}

type advanceReq struct {
	Status string `json:"status" binding:"required,oneof=pickup out_for_delivery delivered"`
}

func (h *DriverHandler) Advance(c *gin.Context) {
	var req advanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing order id")
		return
	}
	change, err := h.order.DriverAdvance(c.Request.Context(), order.DriverAdvanceCommand{
		OrderID:  types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
		Target:   order.Status(req.Status),
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newChangeResponse(change))
}
