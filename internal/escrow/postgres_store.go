package escrow

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore implements Store with PostgreSQL. The buyer_id primary key
// plus INSERT ... ON CONFLICT DO NOTHING gives the create-if-absent
// uniqueness primitive.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table. The goose migrations under migrations/
// are authoritative for deployments; this mirrors them for fresh databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			buyer_id          VARCHAR(42) PRIMARY KEY,
			seller_id         VARCHAR(42) NOT NULL,
			locked_amount     NUMERIC(20,6) NOT NULL,
			ledger_ref        VARCHAR(255) NOT NULL,
			reserved_quantity BIGINT NOT NULL DEFAULT 0,
			status            VARCHAR(16) NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_created ON escrows(created_at);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, record *Record) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (buyer_id, seller_id, locked_amount, ledger_ref, reserved_quantity, status, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7)
		ON CONFLICT (buyer_id) DO NOTHING
	`, record.BuyerID, record.SellerID, record.LockedAmount, record.LedgerRef,
		record.ReservedQuantity, record.Status, record.CreatedAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyPending
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, buyerID string) (*Record, error) {
	record := &Record{}
	err := p.db.QueryRowContext(ctx, `
		SELECT buyer_id, seller_id, locked_amount, ledger_ref, reserved_quantity, status, created_at
		FROM escrows WHERE buyer_id = $1
	`, strings.ToLower(buyerID)).Scan(
		&record.BuyerID, &record.SellerID, &record.LockedAmount, &record.LedgerRef,
		&record.ReservedQuantity, &record.Status, &record.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (p *PostgresStore) Update(ctx context.Context, record *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			seller_id         = $2,
			locked_amount     = $3::NUMERIC(20,6),
			ledger_ref        = $4,
			reserved_quantity = $5,
			status            = $6
		WHERE buyer_id = $1
	`, record.BuyerID, record.SellerID, record.LockedAmount, record.LedgerRef,
		record.ReservedQuantity, record.Status)
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

func (p *PostgresStore) Delete(ctx context.Context, buyerID string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM escrows WHERE buyer_id = $1
	`, strings.ToLower(buyerID))
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

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT buyer_id, seller_id, locked_amount, ledger_ref, reserved_quantity, status, created_at
		FROM escrows
		WHERE reserved_quantity > 0 AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT buyer_id, seller_id, locked_amount, ledger_ref, reserved_quantity, status, created_at
		FROM escrows
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.BuyerID, &r.SellerID, &r.LockedAmount, &r.LedgerRef,
			&r.ReservedQuantity, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
