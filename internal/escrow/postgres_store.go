package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payment_id, currency, custody_percent, custody_amount,
	       release_amount, commission_amount, custody_end, status, dispute_status,
	       funding_ref, onchain_escrow_id, release_tx_hash, refund_tx_hash,
	       payout_ref, payout_status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, payment_id, currency, custody_percent, custody_amount,
			release_amount, commission_amount, custody_end, status, dispute_status,
			funding_ref, onchain_escrow_id, release_tx_hash, refund_tx_hash,
			payout_ref, payout_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		e.ID, e.PaymentID, e.Currency, e.CustodyPercent, e.CustodyAmount,
		e.ReleaseAmount, e.CommissionAmount, e.CustodyEnd, string(e.Status), string(e.DisputeStatus),
		nullString(e.FundingRef), nullString(e.OnchainEscrowID), nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		nullString(e.PayoutRef), string(e.PayoutStatus), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPayment(ctx context.Context, paymentID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE payment_id = $1`, paymentID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOnchainRef(ctx context.Context, onchainEscrowID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE onchain_escrow_id = $1`, onchainEscrowID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_status = $2, funding_ref = $3,
			onchain_escrow_id = $4, release_tx_hash = $5, refund_tx_hash = $6,
			payout_ref = $7, payout_status = $8, updated_at = $9
		WHERE id = $10`,
		string(e.Status), string(e.DisputeStatus), nullString(e.FundingRef),
		nullString(e.OnchainEscrowID), nullString(e.ReleaseTxHash), nullString(e.RefundTxHash),
		nullString(e.PayoutRef), string(e.PayoutStatus), time.Now(),
		e.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// MarkFunded is idempotent on the funding reference: a second delivery of
// the same deposit changes nothing and reports changed=false.
func (p *PostgresStore) MarkFunded(ctx context.Context, id, fundingRef string, now time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, funding_ref = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusActive), fundingRef, now, id, string(StatusPending))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}

	// No pending row matched: either already funded (no-op when the
	// reference matches) or a real state error.
	e, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Status == StatusActive && e.FundingRef == fundingRef {
		return false, nil
	}
	return false, ErrInvalidState
}

// MarkReleased flips active→released in one statement that also enforces
// the no-active-dispute rule, so concurrent release attempts collapse to
// a single winner.
func (p *PostgresStore) MarkReleased(ctx context.Context, id, txHash string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, release_tx_hash = $2, payout_status = $3, updated_at = $4
		WHERE id = $5 AND status = $6 AND dispute_status <> $7`,
		string(StatusReleased), nullString(txHash), string(PayoutPending), now,
		id, string(StatusActive), string(DisputePending))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id, ref string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, refund_tx_hash = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(StatusRefunded), nullString(ref), now, id, string(StatusActive))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetDisputeStatus(ctx context.Context, id string, ds DisputeStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET dispute_status = $1, updated_at = $2 WHERE id = $3`,
		string(ds), time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetOnchainRef(ctx context.Context, id, onchainEscrowID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET onchain_escrow_id = $1, updated_at = $2 WHERE id = $3`,
		onchainEscrowID, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkPaidOut(ctx context.Context, id, payoutRef string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET payout_status = $1, payout_ref = $2, updated_at = $3
		WHERE id = $4 AND payout_status = $5`,
		string(PayoutPaid), payoutRef, now, id, string(PayoutPending))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		  AND dispute_status <> $2
		  AND custody_end < $3
		ORDER BY custody_end
		LIMIT $4`, string(StatusActive), string(DisputePending), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByPayoutStatus(ctx context.Context, ps PayoutStatus, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE payout_status = $1
		ORDER BY updated_at
		LIMIT $2`, string(ps), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status        string
		disputeStatus string
		payoutStatus  string
		fundingRef    sql.NullString
		onchainID     sql.NullString
		releaseTx     sql.NullString
		refundTx      sql.NullString
		payoutRef     sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.PaymentID, &e.Currency, &e.CustodyPercent, &e.CustodyAmount,
		&e.ReleaseAmount, &e.CommissionAmount, &e.CustodyEnd, &status, &disputeStatus,
		&fundingRef, &onchainID, &releaseTx, &refundTx,
		&payoutRef, &payoutStatus, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.DisputeStatus = DisputeStatus(disputeStatus)
	e.PayoutStatus = PayoutStatus(payoutStatus)
	e.FundingRef = fundingRef.String
	e.OnchainEscrowID = onchainID.String
	e.ReleaseTxHash = releaseTx.String
	e.RefundTxHash = refundTx.String
	e.PayoutRef = payoutRef.String

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrInvalidState
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
