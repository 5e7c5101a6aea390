package kyc

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a Postgres-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const recordColumns = `email, full_name, country, status, notes, created_at, verified_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kyc_records (email, full_name, country, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.Email, r.FullName, r.Country, r.Status, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, email string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM kyc_records WHERE email = $1`, email)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, email string, status Status, notes string, now time.Time) error {
	var verifiedAt sql.NullTime
	if status == StatusVerified {
		verifiedAt = sql.NullTime{Time: now, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE kyc_records SET status = $2, notes = $3, verified_at = COALESCE($4, verified_at)
		WHERE email = $1`, email, status, notes, verifiedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM kyc_records
		WHERE status = $1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var notes sql.NullString
	var verifiedAt sql.NullTime
	if err := s.Scan(&r.Email, &r.FullName, &r.Country, &r.Status, &notes,
		&r.CreatedAt, &verifiedAt); err != nil {
		return nil, err
	}
	r.Notes = notes.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		r.VerifiedAt = &t
	}
	return &r, nil
}
