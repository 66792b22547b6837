package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tradelock/escrowd/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed custody store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the custody tables. The goose migrations under migrations/
// are authoritative for deployments; this mirrors them for fresh databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_balances (
			account_addr    VARCHAR(42) PRIMARY KEY,
			available       NUMERIC(20,6) NOT NULL DEFAULT 0,
			held            NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_in        NUMERIC(20,6) NOT NULL DEFAULT 0,
			total_out       NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_held_nonneg      CHECK (held >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(40) PRIMARY KEY,
			account_addr    VARCHAR(42) NOT NULL,
			type            VARCHAR(20) NOT NULL,
			amount          NUMERIC(20,6) NOT NULL,
			reference       VARCHAR(255),
			description     TEXT,
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_addr);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
	`)
	return err
}

// GetBalance retrieves an account's custodial balance.
func (p *PostgresStore) GetBalance(ctx context.Context, accountAddr string) (*Balance, error) {
	bal := &Balance{AccountAddr: accountAddr}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, total_in, total_out, updated_at
		FROM ledger_balances WHERE account_addr = $1
	`, accountAddr).Scan(&bal.Available, &bal.Held, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			AccountAddr: accountAddr,
			Available:   "0",
			Held:        "0",
			TotalIn:     "0",
			TotalOut:    "0",
			UpdatedAt:   time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Credit adds funds to an account's available balance.
func (p *PostgresStore) Credit(ctx context.Context, accountAddr, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Upsert balance using native NUMERIC arithmetic
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_addr, available, total_in, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6), NOW())
		ON CONFLICT (account_addr) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC(20,6),
			total_in   = ledger_balances.total_in  + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, accountAddr, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	if err := recordEntry(ctx, tx, accountAddr, "deposit", amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// Hold moves funds from available to held with row-level protection.
// The CHECK constraint on available >= 0 prevents overdraft at the DB level.
func (p *PostgresStore) Hold(ctx context.Context, accountAddr, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC(20,6),
			held       = held + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_addr = $1
	`, accountAddr, amount)
	if err != nil {
		// CHECK constraint violation means insufficient balance
		return ErrInsufficientBalance
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := recordEntry(ctx, tx, accountAddr, "lock", amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// ReleaseHeld moves held funds from one account to another's available balance.
func (p *PostgresStore) ReleaseHeld(ctx context.Context, fromAddr, toAddr, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			held       = held - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_addr = $1
	`, fromAddr, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_addr, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (account_addr) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, toAddr, amount)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	if err := recordEntry(ctx, tx, fromAddr, "release", amount, reference, description); err != nil {
		return err
	}
	if err := recordEntry(ctx, tx, toAddr, "release_received", amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// ReturnHeld moves held funds back to the same account's available balance.
func (p *PostgresStore) ReturnHeld(ctx context.Context, accountAddr, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			held       = held - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_addr = $1
	`, accountAddr, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	if err := recordEntry(ctx, tx, accountAddr, "refund", amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// Transfer moves funds between two accounts' available balances.
func (p *PostgresStore) Transfer(ctx context.Context, fromAddr, toAddr, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2::NUMERIC(20,6),
			total_out  = total_out + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE account_addr = $1
	`, fromAddr, amount)
	if err != nil {
		return ErrInsufficientBalance
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_addr, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (account_addr) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, toAddr, amount)
	if err != nil {
		return fmt.Errorf("failed to credit recipient: %w", err)
	}

	if err := recordEntry(ctx, tx, fromAddr, "fee", amount, reference, description); err != nil {
		return err
	}

	return tx.Commit()
}

// GetHistory returns custody entries for an account, newest first.
func (p *PostgresStore) GetHistory(ctx context.Context, accountAddr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_addr, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE account_addr = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountAddr, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func recordEntry(ctx context.Context, tx *sql.Tx, accountAddr, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_addr, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, NOW())
	`, idgen.WithPrefix("led_"), accountAddr, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
