// README: Payment record store backed by PostgreSQL.
package payment

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrRecordNotFound = errors.New("payment record not found")

// Records is the payment record collaborator.
type Records interface {
	MarkCaptured(ctx context.Context, r Record) error
	MarkFailed(ctx context.Context, r Record) error
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) MarkCaptured(ctx context.Context, r Record) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO payments (gateway_ref, order_id, payment_id, status, amount, currency, updated_at)
        VALUES ($1, $2, $3, 'captured', $4::numeric, $5, NOW())
        ON CONFLICT (gateway_ref) DO UPDATE
        SET status = 'captured', payment_id = EXCLUDED.payment_id, updated_at = NOW()`,
		r.GatewayRef, r.OrderID, r.PaymentID, r.Amount.String(), r.Currency,
	)
	return err
}

// MarkFailed records a failed attempt; it never downgrades a captured payment.
func (s *Store) MarkFailed(ctx context.Context, r Record) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO payments (gateway_ref, order_id, payment_id, status, amount, currency, updated_at)
        VALUES ($1, $2, $3, 'failed', $4::numeric, $5, NOW())
        ON CONFLICT (gateway_ref) DO UPDATE
        SET status = 'failed', payment_id = EXCLUDED.payment_id, updated_at = NOW()
        WHERE payments.status <> 'captured'`,
		r.GatewayRef, r.OrderID, r.PaymentID, r.Amount.String(), r.Currency,
	)
	return err
}

func (s *Store) Get(ctx context.Context, gatewayRef string) (*Record, error) {
	var r Record
	var paymentID *string
	var amount string
	err := s.db.QueryRow(ctx, `
        SELECT gateway_ref, order_id, payment_id, status, amount::text, currency
        FROM payments WHERE gateway_ref = $1`, gatewayRef,
	).Scan(&r.GatewayRef, &r.OrderID, &paymentID, &r.Status, &amount, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if paymentID != nil {
		r.PaymentID = *paymentID
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return &r, nil
}
