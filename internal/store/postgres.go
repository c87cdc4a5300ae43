package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/creditsledger/backend/internal/models"
)

const uniqueViolation = "23505"

const transactionColumns = `id, user_id, delta, kind, description, reference_token, feature, balance_after, created_at`

const selectByReference = `
		SELECT t.id, t.user_id, t.delta, t.kind, t.description, t.reference_token, t.feature, t.balance_after, t.created_at
		FROM idempotency_records r
		JOIN credit_transactions t ON t.id = r.transaction_id
		WHERE r.reference_token = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore keeps the log in PostgreSQL. Account serialization is the
// account row lock taken with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) WithAccount(ctx context.Context, userID string, fn func(AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, now); err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	acct := &pgAccountTx{tx: tx, userID: userID}
	err = tx.QueryRowContext(ctx, `
		SELECT balance, updated_at
		FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&acct.balance, &acct.lastCreatedAt)
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	if err := fn(acct); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM accounts
		WHERE user_id = $1`, userID).Scan(&a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, cursor int64) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1 AND ($2::bigint = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`, userID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]models.Transaction, 0, limit)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

func (s *PostgresStore) FindByReference(ctx context.Context, token string) (*models.Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, selectByReference, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return txn, err
}

func (s *PostgresStore) Stats(ctx context.Context, userID string, monthStart time.Time) (*models.CreditStats, error) {
	var stats models.CreditStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'usage-debit' THEN -delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind IN ('purchase', 'webhook') THEN delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'usage-debit' AND created_at >= $2 THEN -delta ELSE 0 END), 0)
		FROM credit_transactions
		WHERE user_id = $1`, userID, monthStart).Scan(&stats.TotalUsed, &stats.TotalPurchased, &stats.MonthlyUsage)
	if err != nil {
		return nil, err
	}

	var feature string
	err = s.db.QueryRowContext(ctx, `
		SELECT feature
		FROM credit_transactions
		WHERE user_id = $1 AND kind = 'usage-debit' AND feature IS NOT NULL
		GROUP BY feature
		ORDER BY SUM(-delta) DESC, feature
		LIMIT 1`, userID).Scan(&feature)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		stats.MostUsedFeature = &feature
	}
	return &stats, nil
}

type pgAccountTx struct {
	tx            *sql.Tx
	userID        string
	balance       int64
	lastCreatedAt time.Time
}

func (a *pgAccountTx) UserID() string           { return a.userID }
func (a *pgAccountTx) Balance() int64           { return a.balance }
func (a *pgAccountTx) LastCreatedAt() time.Time { return a.lastCreatedAt }

func (a *pgAccountTx) FindByReference(ctx context.Context, token string) (*models.Transaction, error) {
	txn, err := scanTransaction(a.tx.QueryRowContext(ctx, selectByReference, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return txn, err
}

func (a *pgAccountTx) Append(ctx context.Context, txn *models.Transaction) error {
	err := a.tx.QueryRowContext(ctx, `
		INSERT INTO credit_transactions (user_id, delta, kind, description, reference_token, feature, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		a.userID, txn.Delta, string(txn.Kind), txn.Description,
		nullString(txn.ReferenceToken), nullString(string(txn.Feature)),
		txn.BalanceAfter, txn.CreatedAt).Scan(&txn.ID)
	if err != nil {
		return mapWriteError(err)
	}

	if txn.ReferenceToken != "" {
		if _, err := a.tx.ExecContext(ctx, `
			INSERT INTO idempotency_records (reference_token, transaction_id, user_id, created_at)
			VALUES ($1, $2, $3, $4)`,
			txn.ReferenceToken, txn.ID, a.userID, txn.CreatedAt); err != nil {
			return mapWriteError(err)
		}
	}

	txn.UserID = a.userID
	a.lastCreatedAt = txn.CreatedAt
	return nil
}

func (a *pgAccountTx) SetBalance(ctx context.Context, balance int64) error {
	if _, err := a.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE user_id = $3`,
		balance, a.lastCreatedAt, a.userID); err != nil {
		return err
	}
	a.balance = balance
	return nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		txn     models.Transaction
		kind    string
		token   sql.NullString
		feature sql.NullString
	)
	if err := row.Scan(&txn.ID, &txn.UserID, &txn.Delta, &kind, &txn.Description,
		&token, &feature, &txn.BalanceAfter, &txn.CreatedAt); err != nil {
		return nil, err
	}
	txn.Kind = models.TransactionKind(kind)
	txn.ReferenceToken = token.String
	txn.Feature = models.Feature(feature.String)
	return &txn, nil
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, pqErr.Constraint)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
