package dispute

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

const disputeColumns = `id, payment_id, escrow_id, raised_by, role, reason, details, evidence_ref,
	status, resolution, resolved_by, resolution_note, onchain_tx_hash, refund_ref, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	// The partial unique index on (payment_id) WHERE status = 'pending'
	// rejects a second open dispute for the same payment.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, payment_id, escrow_id, raised_by, role, reason, details, evidence_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.PaymentID, d.EscrowID, d.RaisedBy, d.Role, d.Reason,
		nullString(d.Details), nullString(d.EvidenceRef), d.Status, d.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyOpen
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE payment_id = $1 AND status = 'pending'`, paymentID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByPayment(ctx context.Context, paymentID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, res Resolution, resolvedBy, note string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolution = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'`,
		id, res, resolvedBy, note, now)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrResolved
	}
	return nil
}

func (p *PostgresStore) SetOnchainTxHash(ctx context.Context, id, txHash string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE disputes SET onchain_tx_hash = $2 WHERE id = $1`, id, txHash)
	return err
}

func (p *PostgresStore) SetRefundRef(ctx context.Context, id, ref string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE disputes SET refund_ref = $2 WHERE id = $1`, id, ref)
	return err
}

func (p *PostgresStore) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO dispute_events (dispute_id, type, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.DisputeID, e.Type, nullString(e.Actor), nullString(e.Detail), e.CreatedAt).
		Scan(&e.ID)
}

func (p *PostgresStore) ListHistory(ctx context.Context, disputeID string) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, type, actor, detail, created_at
		FROM dispute_events WHERE dispute_id = $1 ORDER BY id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var actor, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Type, &actor, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Detail = detail.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	var d Dispute
	var details, evidenceRef, resolution, resolvedBy, note, txHash, refundRef sql.NullString
	var resolvedAt sql.NullTime
	if err := s.Scan(&d.ID, &d.PaymentID, &d.EscrowID, &d.RaisedBy, &d.Role, &d.Reason,
		&details, &evidenceRef, &d.Status, &resolution, &resolvedBy, &note, &txHash, &refundRef,
		&d.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	d.Details = details.String
	d.EvidenceRef = evidenceRef.String
	d.Resolution = Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNote = note.String
	d.OnchainTxHash = txHash.String
	d.RefundRef = refundRef.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
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

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
