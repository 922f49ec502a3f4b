package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/topup/internal/retry"
)

const (
	casMaxAttempts = 5
	casBaseDelay   = 10 * time.Millisecond
)

// PostgresStore persists orders in PostgreSQL. Atomicity comes from
// conditional writes (INSERT ... ON CONFLICT DO NOTHING, UPDATE guarded
// by the expected status) rather than explicit locks; serialization
// failures are retried a bounded number of times before surfacing
// ErrContention.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `order_id, user_id, amount, status,
	       payment_url, provider_txn_id, utr_check,
	       credited, created_at, updated_at, paid_at`

func (p *PostgresStore) Reserve(ctx context.Context, orderID, userID string, amount int64) (*Order, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	var (
		o       *Order
		created bool
	)
	err := retry.Do(ctx, casMaxAttempts, casBaseDelay, func() error {
		now := time.Now()
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO orders (order_id, user_id, amount, status, credited, created_at, updated_at)
			VALUES ($1, $2, $3, $4, FALSE, $5, $5)
			ON CONFLICT (order_id) DO NOTHING`,
			orderID, userID, amount, string(StatusCreated), now,
		)
		if err != nil {
			return classifyPQ(err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return classifyPQ(err)
		}
		created = rows == 1

		o, err = p.Get(ctx, orderID)
		if err != nil {
			// Inserted-or-conflicted row vanished between the write
			// and the read; treat as contention and retry.
			if errors.Is(err, ErrOrderNotFound) {
				return fmt.Errorf("order %s disappeared after reserve", orderID)
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, false, wrapContention(err)
	}
	return o, created, nil
}

func (p *PostgresStore) AttachGatewayRef(ctx context.Context, orderID string, ref GatewayRef) (*Order, error) {
	var o *Order
	err := retry.Do(ctx, casMaxAttempts, casBaseDelay, func() error {
		// Write-once: only rows still in created state with no ref are touched.
		_, err := p.db.ExecContext(ctx, `
			UPDATE orders
			SET payment_url = $2, provider_txn_id = $3, utr_check = $4,
			    status = $5, updated_at = $6
			WHERE order_id = $1 AND status = $7 AND provider_txn_id IS NULL`,
			orderID, nullString(ref.PaymentURL), nullString(ref.ProviderTxnID), nullString(ref.UTRCheck),
			string(StatusPending), time.Now(), string(StatusCreated),
		)
		if err != nil {
			return classifyPQ(err)
		}
		o, err = p.Get(ctx, orderID)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, wrapContention(err)
	}
	return o, nil
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) CompareAndTransition(ctx context.Context, orderID string, expected, next Status, mutate func(*Order)) (*Order, bool, error) {
	var (
		out     *Order
		applied bool
	)
	err := retry.Do(ctx, casMaxAttempts, casBaseDelay, func() error {
		cur, err := p.Get(ctx, orderID)
		if err != nil {
			return retry.Permanent(err)
		}
		if cur.Status != expected {
			out, applied = cur, false
			return nil
		}

		cp := *cur
		if mutate != nil {
			mutate(&cp)
		}
		cp.Status = next
		cp.UpdatedAt = time.Now()

		res, err := p.db.ExecContext(ctx, `
			UPDATE orders
			SET status = $2, credited = $3, updated_at = $4, paid_at = $5
			WHERE order_id = $1 AND status = $6`,
			orderID, string(cp.Status), cp.Credited, cp.UpdatedAt, nullTime(cp.PaidAt), string(expected),
		)
		if err != nil {
			return classifyPQ(err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return classifyPQ(err)
		}
		if rows == 0 {
			// Lost the race: report the winner's record, don't retry.
			cur, err := p.Get(ctx, orderID)
			if err != nil {
				return retry.Permanent(err)
			}
			out, applied = cur, false
			return nil
		}
		out, applied = &cp, true
		return nil
	})
	if err != nil {
		return nil, false, wrapContention(err)
	}
	return out, applied, nil
}

func (p *PostgresStore) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(StatusPending), time.Now().Add(-age), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status        string
		paymentURL    sql.NullString
		providerTxnID sql.NullString
		utrCheck      sql.NullString
		paidAt        sql.NullTime
	)
	err := s.Scan(
		&o.OrderID, &o.UserID, &o.Amount, &status,
		&paymentURL, &providerTxnID, &utrCheck,
		&o.Credited, &o.CreatedAt, &o.UpdatedAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.GatewayRef = GatewayRef{
		PaymentURL:    paymentURL.String,
		ProviderTxnID: providerTxnID.String,
		UTRCheck:      utrCheck.String,
	}
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	return o, nil
}

// classifyPQ marks errors worth a conditional-write retry. Serialization
// and deadlock failures are transient; everything else is permanent.
func classifyPQ(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return err
		}
	}
	return retry.Permanent(err)
}

func wrapContention(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
