package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id    TEXT PRIMARY KEY,
		balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id              BIGSERIAL PRIMARY KEY,
		user_id         TEXT NOT NULL REFERENCES accounts (user_id),
		delta           BIGINT NOT NULL CHECK (delta <> 0),
		kind            TEXT NOT NULL CHECK (kind IN ('purchase', 'webhook', 'usage-debit', 'manual-adjustment')),
		description     TEXT NOT NULL DEFAULT '',
		reference_token TEXT UNIQUE,
		feature         TEXT,
		balance_after   BIGINT NOT NULL CHECK (balance_after >= 0),
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_user_id_idx ON credit_transactions (user_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_user_created_idx ON credit_transactions (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		reference_token TEXT PRIMARY KEY,
		transaction_id  BIGINT NOT NULL REFERENCES credit_transactions (id),
		user_id         TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}
