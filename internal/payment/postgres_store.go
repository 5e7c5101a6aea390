package payment

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-pay/custodia/internal/pagination"
)

// PostgresStore persists payment data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, amount, currency, amount_usd, payer_email, payee_email,
	       status, payer_approved, payer_approved_at, payee_approved, payee_approved_at,
	       custody_percent, custody_period_days, release_conditions,
	       commission_percent, commission_amount, commission_beneficiary,
	       deposit_ref, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pm *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, amount, currency, amount_usd, payer_email, payee_email,
			status, payer_approved, payer_approved_at, payee_approved, payee_approved_at,
			custody_percent, custody_period_days, release_conditions,
			commission_percent, commission_amount, commission_beneficiary,
			deposit_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20
		)`,
		pm.ID, pm.Amount, pm.Currency, pm.AmountUSD, pm.PayerEmail, pm.PayeeEmail,
		string(pm.Status), pm.PayerApproved, nullTime(pm.PayerApprovedAt), pm.PayeeApproved, nullTime(pm.PayeeApprovedAt),
		pm.CustodyPercent, pm.CustodyPeriodDays, nullString(pm.ReleaseConditions),
		pm.CommissionPercent, pm.CommissionAmount, nullString(pm.CommissionBeneficiary),
		nullString(pm.DepositRef), pm.CreatedAt, pm.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pm, err
}

func (p *PostgresStore) GetByDepositRef(ctx context.Context, ref string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE deposit_ref = $1`, ref)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return pm, err
}

func (p *PostgresStore) Update(ctx context.Context, pm *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, payer_approved = $2, payer_approved_at = $3,
			payee_approved = $4, payee_approved_at = $5,
			commission_amount = $6, updated_at = $7
		WHERE id = $8`,
		string(pm.Status), pm.PayerApproved, nullTime(pm.PayerApprovedAt),
		pm.PayeeApproved, nullTime(pm.PayeeApprovedAt),
		pm.CommissionAmount, time.Now(),
		pm.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition is a compare-and-set status move. The WHERE clause on the
// current status makes concurrent transitions race-safe: only one wins.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidState
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), time.Now(), id, string(from))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing row from wrong state.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

// Approve sets the approval flag for the role and, when both flags are
// set, moves the payment to releasing — all inside one transaction that
// holds a row-level write lock on the payment. Two near-simultaneous
// approvals therefore produce exactly one release trigger.
func (p *PostgresStore) Approve(ctx context.Context, id string, role Role, now time.Time) (*Payment, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if pm.Status != StatusFunded {
		return nil, false, ErrInvalidState
	}

	switch role {
	case RolePayer:
		if pm.PayerApproved {
			return nil, false, ErrAlreadyApproved
		}
		pm.PayerApproved = true
		pm.PayerApprovedAt = &now
	case RolePayee:
		if pm.PayeeApproved {
			return nil, false, ErrAlreadyApproved
		}
		pm.PayeeApproved = true
		pm.PayeeApprovedAt = &now
	default:
		return nil, false, ErrUnauthorized
	}

	triggered := pm.DualApproved()
	if triggered {
		pm.Status = StatusReleasing
	}
	pm.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, payer_approved = $2, payer_approved_at = $3,
			payee_approved = $4, payee_approved_at = $5, updated_at = $6
		WHERE id = $7`,
		string(pm.Status), pm.PayerApproved, nullTime(pm.PayerApprovedAt),
		pm.PayeeApproved, nullTime(pm.PayeeApprovedAt), pm.UpdatedAt,
		pm.ID,
	); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return pm, triggered, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, email string, cursor *pagination.Cursor, limit int) ([]*Payment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE payer_email = $1 OR payee_email = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, email, limit)
	} else {
		// Keyset pagination: rows strictly after the cursor position in
		// (created_at, id) descending order.
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE (payer_email = $1 OR payee_email = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, email, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pm := &Payment{}
	var (
		status            string
		payerApprovedAt   sql.NullTime
		payeeApprovedAt   sql.NullTime
		releaseConditions sql.NullString
		beneficiary       sql.NullString
		depositRef        sql.NullString
	)

	err := s.Scan(
		&pm.ID, &pm.Amount, &pm.Currency, &pm.AmountUSD, &pm.PayerEmail, &pm.PayeeEmail,
		&status, &pm.PayerApproved, &payerApprovedAt, &pm.PayeeApproved, &payeeApprovedAt,
		&pm.CustodyPercent, &pm.CustodyPeriodDays, &releaseConditions,
		&pm.CommissionPercent, &pm.CommissionAmount, &beneficiary,
		&depositRef, &pm.CreatedAt, &pm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pm.Status = Status(status)
	pm.ReleaseConditions = releaseConditions.String
	pm.CommissionBeneficiary = beneficiary.String
	pm.DepositRef = depositRef.String
	if payerApprovedAt.Valid {
		pm.PayerApprovedAt = &payerApprovedAt.Time
	}
	if payeeApprovedAt.Valid {
		pm.PayeeApprovedAt = &payeeApprovedAt.Time
	}

	return pm, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
