package outbox

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

// PostgresStore persists staged events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		dataJSON = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, order_id, data, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Type), e.OrderID, dataJSON, e.Status, e.Attempts, e.CreatedAt,
	)
	return err
}

const eventColumns = `id, event_type, order_id, data, status, attempts, COALESCE(last_error, ''), created_at, delivered_at`

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE order_id = $1
		ORDER BY created_at
		LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'delivered', delivered_at = NOW(), last_error = NULL
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) MarkAttempt(ctx context.Context, id string, attempts int, lastError string, failed bool) error {
	status := StatusPending
	if failed {
		status = StatusFailed
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = $1, last_error = $2, status = $3
		WHERE id = $4`, attempts, lastError, status, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		e := &Event{}
		var (
			eventType   string
			dataJSON    []byte
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &eventType, &e.OrderID, &dataJSON, &e.Status,
			&e.Attempts, &e.LastError, &e.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		if deliveredAt.Valid {
			e.DeliveredAt = &deliveredAt.Time
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// PostgresSubscriptionStore persists webhook subscriptions in PostgreSQL.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

// NewPostgresSubscriptionStore creates a PostgreSQL-backed subscription store.
func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

func (p *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(events), sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, url, secret, events, active, created_at, COALESCE(last_error, '')
		FROM webhook_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresSubscriptionStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, url, secret, events, active, created_at, COALESCE(last_error, '')
		FROM webhook_subscriptions
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *PostgresSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET url = $1, secret = $2, events = $3, active = $4, last_error = $5
		WHERE id = $6`,
		sub.URL, sub.Secret, pq.Array(events), sub.Active, sub.LastError, sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events pq.StringArray
	err := s.Scan(&sub.ID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt, &sub.LastError)
	if err != nil {
		return nil, err
	}
	sub.Events = make([]EventType, len(events))
	for i, e := range events {
		sub.Events[i] = EventType(e)
	}
	return sub, nil
}

var (
	_ Store             = (*PostgresStore)(nil)
	_ SubscriptionStore = (*PostgresSubscriptionStore)(nil)
)
