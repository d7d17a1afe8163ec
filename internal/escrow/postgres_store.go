package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/tradeweave/settlement/internal/audit"
)

// PostgresStore persists escrows in PostgreSQL. Mutations insert their
// audit entry inside the same transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `order_id, captured_amount, held_amount, released_amount, refunded_amount,
		       status, payment_ref, release_eligible_at, released_at, refunded_at,
		       frozen_at, split, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, aud *audit.Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (
			order_id, captured_amount, held_amount, released_amount, refunded_amount,
			status, payment_ref, release_eligible_at, released_at, refunded_at,
			frozen_at, split, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		e.OrderID, e.CapturedAmount, e.HeldAmount, e.ReleasedAmount, e.RefundedAmount,
		string(e.Status), nullString(e.PaymentRef), nullTime(e.ReleaseEligibleAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		nullTime(e.FrozenAt), splitJSON(e.Split), e.CreatedAt, e.UpdatedAt, e.Version,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateEscrow
		}
		return err
	}
	if err := audit.InsertTx(ctx, tx, aud); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow, aud *audit.Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			held_amount = $1, released_amount = $2, refunded_amount = $3,
			status = $4, release_eligible_at = $5, released_at = $6,
			refunded_at = $7, frozen_at = $8, split = $9,
			updated_at = $10, version = version + 1
		WHERE order_id = $11 AND version = $12`,
		e.HeldAmount, e.ReleasedAmount, e.RefundedAmount,
		string(e.Status), nullTime(e.ReleaseEligibleAt), nullTime(e.ReleasedAt),
		nullTime(e.RefundedAt), nullTime(e.FrozenAt), splitJSON(e.Split),
		e.UpdatedAt, e.OrderID, e.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE order_id = $1)`, e.OrderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrConflict
	}
	if err := audit.InsertTx(ctx, tx, aud); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'HELD'
		  AND release_eligible_at IS NOT NULL
		  AND release_eligible_at <= $1
		ORDER BY release_eligible_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) CreateInstruction(ctx context.Context, ins *RefundInstruction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_instructions (
			id, order_id, amount, partial, reason, status,
			gateway_ref, requested_at, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ins.ID, ins.OrderID, ins.Amount, ins.Partial, nullString(ins.Reason),
		ins.Status, nullString(ins.GatewayRef), ins.RequestedAt, nullTime(ins.ExecutedAt),
	)
	return err
}

const instructionColumns = `id, order_id, amount, partial, reason, status,
		       gateway_ref, requested_at, executed_at`

func (p *PostgresStore) GetInstruction(ctx context.Context, id string) (*RefundInstruction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+instructionColumns+` FROM refund_instructions WHERE id = $1`, id)

	ins, err := scanInstruction(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstructionNotFound
	}
	return ins, err
}

func (p *PostgresStore) UpdateInstruction(ctx context.Context, ins *RefundInstruction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refund_instructions SET
			status = $1, gateway_ref = $2, executed_at = $3
		WHERE id = $4`,
		ins.Status, nullString(ins.GatewayRef), nullTime(ins.ExecutedAt), ins.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInstructionNotFound
	}
	return nil
}

func (p *PostgresStore) ListPendingInstructions(ctx context.Context, limit int) ([]*RefundInstruction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM refund_instructions
		WHERE status = 'pending'
		ORDER BY requested_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RefundInstruction
	for rows.Next() {
		ins, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListInstructionsByOrder(ctx context.Context, orderID string) ([]*RefundInstruction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+instructionColumns+`
		FROM refund_instructions
		WHERE order_id = $1
		ORDER BY requested_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RefundInstruction
	for rows.Next() {
		ins, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status            string
		paymentRef        sql.NullString
		releaseEligibleAt sql.NullTime
		releasedAt        sql.NullTime
		refundedAt        sql.NullTime
		frozenAt          sql.NullTime
		split             []byte
	)

	err := s.Scan(
		&e.OrderID, &e.CapturedAmount, &e.HeldAmount, &e.ReleasedAmount, &e.RefundedAmount,
		&status, &paymentRef, &releaseEligibleAt, &releasedAt, &refundedAt,
		&frozenAt, &split, &e.CreatedAt, &e.UpdatedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PaymentRef = paymentRef.String
	if releaseEligibleAt.Valid {
		e.ReleaseEligibleAt = &releaseEligibleAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if frozenAt.Valid {
		e.FrozenAt = &frozenAt.Time
	}
	if len(split) > 0 {
		var sp Split
		if err := json.Unmarshal(split, &sp); err == nil {
			e.Split = &sp
		}
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanInstruction(s scanner) (*RefundInstruction, error) {
	ins := &RefundInstruction{}
	var (
		reason     sql.NullString
		gatewayRef sql.NullString
		executedAt sql.NullTime
	)

	err := s.Scan(
		&ins.ID, &ins.OrderID, &ins.Amount, &ins.Partial, &reason, &ins.Status,
		&gatewayRef, &ins.RequestedAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}

	ins.Reason = reason.String
	ins.GatewayRef = gatewayRef.String
	if executedAt.Valid {
		ins.ExecutedAt = &executedAt.Time
	}
	return ins, nil
}

func splitJSON(s *Split) interface{} {
	if s == nil {
		return nil
	}
	b, _ := json.Marshal(s)
	return b
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
