// README: Base handler utilities (JSON helpers, error mapping, binding errors).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"courier/internal/modules/order"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type changeResponse struct {
	OrderID string       `json:"orderId"`
	From    order.Status `json:"from"`
	To      order.Status `json:"to"`
	Version int          `json:"version"`
}

func newChangeResponse(c *order.Change) changeResponse {
	return changeResponse{OrderID: string(c.OrderID), From: c.From, To: c.To, Version: c.Version}
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrNotAssigned), errors.Is(err, order.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("order request failed")
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// writeBindError reports validation failures per field, anything else as invalid json.
func writeBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(c, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
}
