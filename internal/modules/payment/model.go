// README: Payment gateway webhook payloads and payment record states.
package payment

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

type RecordStatus string

const (
	RecordCaptured RecordStatus = "captured"
	RecordFailed   RecordStatus = "failed"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformed        = errors.New("malformed webhook payload")
)

// webhookEvent is the gateway's callback envelope. Only the fields the
// finalizer needs are decoded.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID       string            `json:"id"`
	OrderID  string            `json:"order_id"` // gateway-side order reference
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"` // minor units
	Currency string            `json:"currency"`
	Notes    map[string]string `json:"notes"` // carries our internal order id
}

// Record is a payment row keyed by the gateway order reference.
type Record struct {
	GatewayRef string
	OrderID    string
	PaymentID  string
	Status     RecordStatus
	Amount     decimal.Decimal
	Currency   string
}

// minorUnitExponent converts gateway minor units (paise, cents) to a decimal amount.
const minorUnitExponent = -2
