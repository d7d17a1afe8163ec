package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tradeweave/settlement/internal/audit"
)

// PostgresStore persists disputes in PostgreSQL. Mutations insert their
// audit entry inside the same transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, raised_by, reason, detail, status,
		       resolution, resolution_reason, refund_amount, resolved_by,
		       evidence, created_at, resolved_at, version`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute, aud *audit.Entry) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, raised_by, reason, detail, status,
			resolution, resolution_reason, refund_amount, resolved_by,
			evidence, created_at, resolved_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		d.ID, d.OrderID, d.RaisedBy, d.Reason, nullString(d.Detail), string(d.Status),
		nullString(string(d.Resolution)), nullString(d.ResolutionReason), d.RefundAmount,
		nullString(d.ResolvedBy), evidenceJSON, d.CreatedAt, nullTime(d.ResolvedAt), d.Version,
	)
	if err != nil {
		return err
	}
	if err := audit.InsertTx(ctx, tx, aud); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, aud *audit.Entry) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, resolution_reason = $3,
			refund_amount = $4, resolved_by = $5, evidence = $6,
			resolved_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		string(d.Status), nullString(string(d.Resolution)), nullString(d.ResolutionReason),
		d.RefundAmount, nullString(d.ResolvedBy), evidenceJSON,
		nullTime(d.ResolvedAt), d.ID, d.Version,
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
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrConflict
	}
	if err := audit.InsertTx(ctx, tx, aud); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (p *PostgresStore) GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE order_id = $1 AND status = 'OPEN'
		LIMIT 1`, orderID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountResolvedByRaiser(ctx context.Context, raisedBy string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM disputes
		WHERE raised_by = $1 AND status = 'RESOLVED'`, raisedBy).Scan(&count)
	return count, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		detail           sql.NullString
		status           string
		resolution       sql.NullString
		resolutionReason sql.NullString
		resolvedBy       sql.NullString
		evidenceJSON     []byte
		resolvedAt       sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.OrderID, &d.RaisedBy, &d.Reason, &detail, &status,
		&resolution, &resolutionReason, &d.RefundAmount, &resolvedBy,
		&evidenceJSON, &d.CreatedAt, &resolvedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Detail = detail.String
	d.Resolution = Resolution(resolution.String)
	d.ResolutionReason = resolutionReason.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &d.Evidence)
	}
	return d, nil
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
