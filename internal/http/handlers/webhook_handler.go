// README: Payment webhook endpoint; hands the raw body to the finalizer.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"courier/internal/modules/payment"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

type WebhookFinalizer interface {
	Handle(ctx context.Context, rawBody []byte, signature string) error
}

type WebhookHandler struct {
	finalizer WebhookFinalizer
}

func NewWebhookHandler(f WebhookFinalizer) *WebhookHandler {
	return &WebhookHandler{finalizer: f}
}

// Payment must read the body untouched; the signature covers the exact bytes.
func (h *WebhookHandler) Payment(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "unreadable body")
		return
	}

	err = h.finalizer.Handle(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, payment.ErrInvalidSignature):
		writeError(c, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, payment.ErrMalformed):
		writeError(c, http.StatusBadRequest, "malformed payload")
	default:
		// Non-2xx asks the gateway to redeliver.
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
