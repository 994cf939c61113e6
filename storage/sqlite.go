// Package storage persists the off-chain payment records: escrow metadata,
// sealed payments, and receiver asset preferences. It is a cache beside the
// ledger, never the authority on escrow state.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"supipay/escrow"
)

// SQLiteStore implements escrow.MetadataStore and escrow.PreferenceStore on
// a single SQLite file. Use ":memory:" for tests.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS escrow_metadata (
            payment_id TEXT PRIMARY KEY,
            sender TEXT NOT NULL,
            receiver TEXT NOT NULL,
            amount TEXT NOT NULL,
            asset_code TEXT NOT NULL,
            asset_issuer TEXT,
            status TEXT NOT NULL,
            tx_hash TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_receiver ON escrow_metadata(receiver);`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_metadata(status);`,
		`CREATE TABLE IF NOT EXISTS sealed_payments (
            payment_id TEXT PRIMARY KEY,
            sender TEXT NOT NULL,
            receiver TEXT NOT NULL,
            amount TEXT NOT NULL,
            asset_code TEXT NOT NULL,
            asset_issuer TEXT,
            ciphertext TEXT NOT NULL,
            iv TEXT NOT NULL,
            commitment TEXT NOT NULL,
            expires_at TIMESTAMP NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS receiver_preferences (
            wallet TEXT PRIMARY KEY,
            asset_code TEXT NOT NULL,
            asset_issuer TEXT
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutEscrow(ctx context.Context, m *escrow.Metadata) error {
	const stmt = `INSERT OR REPLACE INTO escrow_metadata(payment_id, sender, receiver, amount, asset_code, asset_issuer, status, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, m.PaymentID, m.Sender, m.Receiver, m.Amount, m.AssetCode, m.AssetIssuer, string(m.Status), m.TxHash, m.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetEscrow(ctx context.Context, paymentID string) (*escrow.Metadata, error) {
	const query = `SELECT payment_id, sender, receiver, amount, asset_code, asset_issuer, status, tx_hash, created_at FROM escrow_metadata WHERE payment_id = ?`
	row := s.db.QueryRowContext(ctx, query, paymentID)
	m, err := scanMetadata(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrMetadataNotFound, paymentID)
	}
	return m, err
}

func (s *SQLiteStore) DeleteEscrow(ctx context.Context, paymentID string) error {
	const stmt = `DELETE FROM escrow_metadata WHERE payment_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, paymentID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", escrow.ErrMetadataNotFound, paymentID)
	}
	return nil
}

func (s *SQLiteStore) ListEscrowsForReceiver(ctx context.Context, receiver string, status escrow.Status) ([]*escrow.Metadata, error) {
	const query = `SELECT payment_id, sender, receiver, amount, asset_code, asset_issuer, status, tx_hash, created_at FROM escrow_metadata WHERE receiver = ? AND status = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, receiver, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*escrow.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMetadata(scan func(dest ...any) error) (*escrow.Metadata, error) {
	var m escrow.Metadata
	var status string
	var issuer sql.NullString
	if err := scan(&m.PaymentID, &m.Sender, &m.Receiver, &m.Amount, &m.AssetCode, &issuer, &status, &m.TxHash, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.AssetIssuer = issuer.String
	m.Status = escrow.Status(status)
	return &m, nil
}

func (s *SQLiteStore) PutSealed(ctx context.Context, r *escrow.SealedRecord) error {
	const stmt = `INSERT OR REPLACE INTO sealed_payments(payment_id, sender, receiver, amount, asset_code, asset_issuer, ciphertext, iv, commitment, expires_at, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, r.PaymentID, r.Sender, r.Receiver, r.Amount, r.AssetCode, r.AssetIssuer, r.Ciphertext, r.IV, r.Commitment, r.ExpiresAt.UTC(), string(r.Status), r.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetSealed(ctx context.Context, paymentID string) (*escrow.SealedRecord, error) {
	const query = `SELECT payment_id, sender, receiver, amount, asset_code, asset_issuer, ciphertext, iv, commitment, expires_at, status, created_at FROM sealed_payments WHERE payment_id = ?`
	row := s.db.QueryRowContext(ctx, query, paymentID)
	var r escrow.SealedRecord
	var status string
	var issuer sql.NullString
	var expires, created time.Time
	err := row.Scan(&r.PaymentID, &r.Sender, &r.Receiver, &r.Amount, &r.AssetCode, &issuer, &r.Ciphertext, &r.IV, &r.Commitment, &expires, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrMetadataNotFound, paymentID)
	}
	if err != nil {
		return nil, err
	}
	r.AssetIssuer = issuer.String
	r.Status = escrow.SealedStatus(status)
	r.ExpiresAt = expires.UTC()
	r.CreatedAt = created.UTC()
	return &r, nil
}

func (s *SQLiteStore) SetSealedStatus(ctx context.Context, paymentID string, status escrow.SealedStatus) error {
	const stmt = `UPDATE sealed_payments SET status = ? WHERE payment_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), paymentID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", escrow.ErrMetadataNotFound, paymentID)
	}
	return nil
}

func (s *SQLiteStore) PreferredAsset(ctx context.Context, wallet string) (string, string, error) {
	const query = `SELECT asset_code, asset_issuer FROM receiver_preferences WHERE wallet = ?`
	row := s.db.QueryRowContext(ctx, query, wallet)
	var code string
	var issuer sql.NullString
	if err := row.Scan(&code, &issuer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", nil
		}
		return "", "", err
	}
	return code, issuer.String, nil
}

func (s *SQLiteStore) SetPreferredAsset(ctx context.Context, wallet, code, issuer string) error {
	const stmt = `INSERT INTO receiver_preferences(wallet, asset_code, asset_issuer) VALUES (?, ?, ?) ON CONFLICT(wallet) DO UPDATE SET asset_code = excluded.asset_code, asset_issuer = excluded.asset_issuer`
	_, err := s.db.ExecContext(ctx, stmt, wallet, code, issuer)
	return err
}
