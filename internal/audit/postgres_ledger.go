package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresLedger writes audit entries to PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates an audit ledger backed by PostgreSQL.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Record(ctx context.Context, entry *Entry) error {
	return InsertTx(ctx, l.db, entry)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InsertTx appends an audit entry using the given executor. Stores that
// mutate orders, escrows, or disputes pass their open transaction here so
// the audit write commits or rolls back with the mutation.
func InsertTx(ctx context.Context, ex execer, entry *Entry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_entries (actor_type, actor_id, action, entity_type, entity_id, before_state, after_state, reason, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9, $10, NOW())
	`, entry.ActorType, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID,
		entry.BeforeState, entry.AfterState, entry.Reason, entry.RequestID, entry.IPAddress)
	if err != nil {
		return fmt.Errorf("audit write failed: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}

	query := `SELECT id, actor_type, COALESCE(actor_id, ''), action, entity_type, entity_id,
		COALESCE(before_state::TEXT, '{}'), COALESCE(after_state::TEXT, '{}'),
		COALESCE(reason, ''), COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.ActorType, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID,
			&e.BeforeState, &e.AfterState, &e.Reason, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time assertion that PostgresLedger implements Ledger.
var _ Ledger = (*PostgresLedger)(nil)
