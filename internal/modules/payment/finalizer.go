// README: Payment webhook finalizer; verified captures become one placed transition per reference.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"courier/internal/metrics"
	"courier/internal/modules/order"
	"courier/internal/types"
)

var tracer = otel.Tracer("courier/payment")

// internalOrderNote is the notes key the checkout flow stores our order id under.
const internalOrderNote = "order_id"

type Transitioner interface {
	Transition(ctx context.Context, cmd order.TransitionCommand) (*order.Change, error)
}

type Finalizer struct {
	secret  []byte
	idem    Idempotency
	records Records
	orders  Transitioner
	timeout time.Duration
}

func NewFinalizer(secret string, idem Idempotency, records Records, orders Transitioner, timeout time.Duration) *Finalizer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Finalizer{secret: []byte(secret), idem: idem, records: records, orders: orders, timeout: timeout}
}

// Handle verifies and applies one webhook delivery. A nil error is the
// success acknowledgement; the gateway retries anything else, so every path
// that returns an error (or panics) leaves no claim behind.
func (f *Finalizer) Handle(ctx context.Context, rawBody []byte, signature string) (err error) {
	ctx, span := tracer.Start(ctx, "payment.Handle", trace.WithSpanKind(trace.SpanKindServer))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := Verify(f.secret, rawBody, signature); err != nil {
		metrics.WebhooksTotal.WithLabelValues("invalid_signature").Inc()
		log.Warn().Int("bytes", len(rawBody)).Msg("payment webhook rejected: bad signature")
		return err
	}

	var ev webhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		return ErrMalformed
	}
	entity := ev.Payload.Payment.Entity
	span.SetAttributes(
		attribute.String("payment.event", ev.Event),
		attribute.String("payment.gateway_ref", entity.OrderID),
	)

	switch ev.Event {
	case EventPaymentCaptured:
		return f.captured(ctx, entity)
	case EventPaymentFailed:
		return f.failed(ctx, entity)
	}
	metrics.WebhooksTotal.WithLabelValues("ignored").Inc()
	return nil
}

func (f *Finalizer) captured(ctx context.Context, e paymentEntity) error {
	rec, err := recordFrom(e, RecordCaptured)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		return err
	}

	key := EventPaymentCaptured + ":" + rec.GatewayRef
	first, err := f.idem.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !first {
		metrics.WebhooksTotal.WithLabelValues("duplicate").Inc()
		log.Info().Str("gateway_ref", rec.GatewayRef).Msg("duplicate payment.captured ignored")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			f.release(ctx, key, rec.GatewayRef)
			panic(r)
		}
	}()

	if err := f.apply(ctx, rec); err != nil {
		f.release(ctx, key, rec.GatewayRef)
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		return err
	}
	// Until confirmed the claim is only a lease; if this fails the lease
	// lapses and a redelivery finds the order already placed.
	if err := f.idem.Confirm(context.WithoutCancel(ctx), key); err != nil {
		log.Warn().Err(err).Str("gateway_ref", rec.GatewayRef).Msg("confirm idempotency key failed")
	}
	metrics.WebhooksTotal.WithLabelValues("captured").Inc()
	log.Info().
		Str("order_id", rec.OrderID).
		Str("gateway_ref", rec.GatewayRef).
		Str("amount", rec.Amount.StringFixed(2)).
		Str("currency", rec.Currency).
		Msg("payment captured")
	return nil
}

func (f *Finalizer) release(ctx context.Context, key, ref string) {
	if err := f.idem.Release(context.WithoutCancel(ctx), key); err != nil {
		log.Error().Err(err).Str("gateway_ref", ref).Msg("release idempotency key failed")
	}
}

func (f *Finalizer) apply(ctx context.Context, rec Record) error {
	sctx, cancel := context.WithTimeout(ctx, f.timeout)
	err := f.records.MarkCaptured(sctx, rec)
	cancel()
	if err != nil {
		return err
	}

	_, err = f.orders.Transition(ctx, order.TransitionCommand{
		OrderID: types.ID(rec.OrderID),
		Target:  order.StatusPlaced,
		Cause:   order.CausePaymentCaptured,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrNotFound):
		// Retrying cannot change the outcome; acknowledge so the gateway stops.
		log.Warn().Err(err).
			Str("order_id", rec.OrderID).
			Str("gateway_ref", rec.GatewayRef).
			Msg("captured payment did not place order")
		return nil
	}
	return err
}

func (f *Finalizer) failed(ctx context.Context, e paymentEntity) error {
	rec, err := recordFrom(e, RecordFailed)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.records.MarkFailed(sctx, rec); err != nil {
		metrics.WebhooksTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.WebhooksTotal.WithLabelValues("failed").Inc()
	log.Info().Str("order_id", rec.OrderID).Str("gateway_ref", rec.GatewayRef).Msg("payment failed; order stays pending")
	return nil
}

func recordFrom(e paymentEntity, status RecordStatus) (Record, error) {
	orderID := e.Notes[internalOrderNote]
	if e.OrderID == "" || orderID == "" {
		return Record{}, ErrMalformed
	}
	return Record{
		GatewayRef: e.OrderID,
		OrderID:    orderID,
		PaymentID:  e.ID,
		Status:     status,
		Amount:     decimal.New(e.Amount, minorUnitExponent),
		Currency:   e.Currency,
	}, nil
}
