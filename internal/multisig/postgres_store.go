package multisig

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

const walletColumns = `id, name, version, address, owners, required_sigs, reject_threshold, active, created_at`

const requestColumns = `id, payment_id, wallet_id, wallet_name, target_address, amount, amount_usd,
	currency, required_sigs, status, pre_approval, execute_after, expires_at, tx_hash, created_at, updated_at`

func (p *PostgresStore) CreateWallet(ctx context.Context, w *WalletConfig) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM wallet_configs WHERE name = $1`, w.Name).Scan(&maxVersion)
	if err != nil {
		return err
	}
	w.Version = int(maxVersion.Int64) + 1

	if _, err := tx.ExecContext(ctx,
		`UPDATE wallet_configs SET active = FALSE WHERE name = $1 AND active`, w.Name); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_configs (id, name, version, address, owners, required_sigs, reject_threshold, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.Name, w.Version, w.Address, pq.Array(w.Owners),
		w.RequiredSigs, w.RejectThreshold, w.Active, w.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetActiveWallet(ctx context.Context, name string) (*WalletConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallet_configs WHERE name = $1 AND active`, name)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*WalletConfig, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallet_configs ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WalletConfig
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_requests (id, payment_id, wallet_id, wallet_name, target_address,
			amount, amount_usd, currency, required_sigs, status, pre_approval, execute_after,
			expires_at, tx_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.PaymentID, r.WalletID, r.WalletName, r.TargetAddress,
		r.Amount, r.AmountUSD, r.Currency, r.RequiredSigs, r.Status, r.PreApproval,
		nullTime(r.ExecuteAfter), r.ExpiresAt, nullString(r.TxHash), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM multisig_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetOpenByPayment(ctx context.Context, paymentID string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM multisig_requests
		WHERE payment_id = $1 AND status NOT IN ('executed', 'rejected', 'expired')
		ORDER BY created_at DESC LIMIT 1`, paymentID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// AddSignature inserts the signature, counts the collected decisions and,
// when approvals reach the threshold, flips pending→approved — all in one
// transaction. The unique (request_id, signer) index rejects duplicate
// signers; the WHERE status = 'pending' clause on the flip means only one
// concurrent signer observes crossed = true.
func (p *PostgresStore) AddSignature(ctx context.Context, requestID string, sig *Signature) (SignatureCounts, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return SignatureCounts{}, false, err
	}
	defer tx.Rollback()

	var required int
	err = tx.QueryRowContext(ctx,
		`SELECT required_sigs FROM multisig_requests WHERE id = $1 FOR UPDATE`, requestID).
		Scan(&required)
	if errors.Is(err, sql.ErrNoRows) {
		return SignatureCounts{}, false, ErrNotFound
	}
	if err != nil {
		return SignatureCounts{}, false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO multisig_signatures (request_id, signer, signature, approved, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		requestID, sig.Signer, nullString(sig.Signature), sig.Approved, sig.CreatedAt)
	if isUniqueViolation(err) {
		return SignatureCounts{}, false, ErrAlreadySigned
	}
	if err != nil {
		return SignatureCounts{}, false, err
	}

	var counts SignatureCounts
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE approved), COUNT(*) FILTER (WHERE NOT approved)
		FROM multisig_signatures WHERE request_id = $1`, requestID).
		Scan(&counts.Approvals, &counts.Rejections)
	if err != nil {
		return SignatureCounts{}, false, err
	}

	crossed := false
	if counts.Approvals >= required {
		res, err := tx.ExecContext(ctx, `
			UPDATE multisig_requests SET status = 'approved', updated_at = NOW()
			WHERE id = $1 AND status = 'pending'`, requestID)
		if err != nil {
			return SignatureCounts{}, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return SignatureCounts{}, false, err
		}
		crossed = n == 1
	}

	if err := tx.Commit(); err != nil {
		return SignatureCounts{}, false, err
	}
	return counts, crossed, nil
}

func (p *PostgresStore) ListSignatures(ctx context.Context, requestID string) ([]*Signature, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, signer, signature, approved, created_at
		FROM multisig_signatures WHERE request_id = $1 ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Signature
	for rows.Next() {
		var s Signature
		var signature sql.NullString
		if err := rows.Scan(&s.ID, &s.RequestID, &s.Signer, &signature, &s.Approved, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Signature = signature.String
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CAS(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE multisig_requests SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish missing from wrong status.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM multisig_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) SetExecuted(ctx context.Context, id, txHash string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE multisig_requests SET status = 'executed', tx_hash = $2, updated_at = $3
		WHERE id = $1`, id, txHash, now)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE multisig_requests SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ClearExecuteAfter(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE multisig_requests SET execute_after = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM multisig_requests
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (p *PostgresStore) ListDuePreApprovals(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM multisig_requests
		WHERE status = 'approved' AND execute_after IS NOT NULL AND execute_after <= $1
		ORDER BY execute_after LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(s scanner) (*WalletConfig, error) {
	var w WalletConfig
	if err := s.Scan(&w.ID, &w.Name, &w.Version, &w.Address, pq.Array(&w.Owners),
		&w.RequiredSigs, &w.RejectThreshold, &w.Active, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanRequest(s scanner) (*Request, error) {
	var r Request
	var executeAfter sql.NullTime
	var txHash sql.NullString
	if err := s.Scan(&r.ID, &r.PaymentID, &r.WalletID, &r.WalletName, &r.TargetAddress,
		&r.Amount, &r.AmountUSD, &r.Currency, &r.RequiredSigs, &r.Status, &r.PreApproval,
		&executeAfter, &r.ExpiresAt, &txHash, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if executeAfter.Valid {
		t := executeAfter.Time
		r.ExecuteAfter = &t
	}
	r.TxHash = txHash.String
	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
