package payment

import (
	"context"
	"database/sql"
)

// PostgresEventStore persists the payment timeline in PostgreSQL.
// Rows are insert-only; there is no update path.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Append(ctx context.Context, e *Event) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO payment_events (payment_id, event_type, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		e.PaymentID, e.Type, nullString(e.Actor), nullString(e.Detail), e.CreatedAt,
	).Scan(&e.ID)
}

func (p *PostgresEventStore) List(ctx context.Context, paymentID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_id, event_type, actor, detail, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var actor, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Type, &actor, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Detail = detail.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresEventStore implements EventStore.
var _ EventStore = (*PostgresEventStore)(nil)
