package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tradeweave/settlement/internal/audit"
)

// PostgresStore persists orders in PostgreSQL. Every mutation inserts its
// audit entry inside the same transaction, so order state and the ledger
// cannot drift apart.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, dealer_id, items, subtotal_amount, tax_amount,
		       commission_amount, total_amount, shipping_address, status,
		       payment_ref, delivered_at, timeline, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, o *Order, aud *audit.Entry) error {
	itemsJSON, _ := json.Marshal(o.Items)
	addrJSON, _ := json.Marshal(o.ShippingAddress)
	timelineJSON, _ := json.Marshal(o.Timeline)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, dealer_id, items, subtotal_amount, tax_amount,
			commission_amount, total_amount, shipping_address, status,
			payment_ref, delivered_at, timeline, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)`,
		o.ID, o.BuyerID, o.DealerID, itemsJSON, o.SubtotalAmount, o.TaxAmount,
		o.CommissionAmount, o.TotalAmount, addrJSON, string(o.Status),
		nullString(o.PaymentRef), nullTime(o.DeliveredAt), timelineJSON,
		o.CreatedAt, o.UpdatedAt, o.Version,
	)
	if err != nil {
		return err
	}
	if err := audit.InsertTx(ctx, tx, aud); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ApplyTransition(ctx context.Context, o *Order, aud *audit.Entry) error {
	timelineJSON, _ := json.Marshal(o.Timeline)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, payment_ref = $2, delivered_at = $3,
			timeline = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		string(o.Status), nullString(o.PaymentRef), nullTime(o.DeliveredAt),
		timelineJSON, o.UpdatedAt, o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the order vanished or another writer bumped the version.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}
	if err := audit.InsertTx(ctx, tx, aud); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.Version++
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return p.listBy(ctx, "buyer_id", buyerID, limit)
}

func (p *PostgresStore) ListByDealer(ctx context.Context, dealerID string, limit int) ([]*Order, error) {
	return p.listBy(ctx, "dealer_id", dealerID, limit)
}

func (p *PostgresStore) listBy(ctx context.Context, column, value string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2`, value, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		itemsJSON    []byte
		addrJSON     []byte
		timelineJSON []byte
		status       string
		paymentRef   sql.NullString
		deliveredAt  sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.DealerID, &itemsJSON, &o.SubtotalAmount, &o.TaxAmount,
		&o.CommissionAmount, &o.TotalAmount, &addrJSON, &status,
		&paymentRef, &deliveredAt, &timelineJSON, &o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.PaymentRef = paymentRef.String
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if len(itemsJSON) > 0 {
		_ = json.Unmarshal(itemsJSON, &o.Items)
	}
	if len(addrJSON) > 0 {
		_ = json.Unmarshal(addrJSON, &o.ShippingAddress)
	}
	if len(timelineJSON) > 0 {
		_ = json.Unmarshal(timelineJSON, &o.Timeline)
	}
	return o, nil
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
