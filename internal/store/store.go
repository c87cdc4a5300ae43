// Package store persists accounts, the append-only transaction log and the
// idempotency records that tie external reference tokens to transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/creditsledger/backend/internal/models"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrDuplicateReference = errors.New("store: reference token already recorded")
)

// AccountTx is a unit of work scoped to one locked account. Writes become
// visible together when the enclosing WithAccount call returns nil.
type AccountTx interface {
	UserID() string
	// Balance is the balance as of the lock, including writes made on this AccountTx.
	Balance() int64
	// LastCreatedAt is the createdAt of the newest transaction of the account.
	LastCreatedAt() time.Time
	FindByReference(ctx context.Context, token string) (*models.Transaction, error)
	// Append assigns txn.ID and records the idempotency record when
	// txn.ReferenceToken is set.
	Append(ctx context.Context, txn *models.Transaction) error
	SetBalance(ctx context.Context, balance int64) error
}

// Store is the transaction log. Calls for the same user serialize inside
// WithAccount; calls for different users never share a lock.
type Store interface {
	// WithAccount locks the account of userID, creating it if needed, and runs
	// fn. Everything fn wrote is committed iff fn returns nil.
	WithAccount(ctx context.Context, userID string, fn func(AccountTx) error) error
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	// ListByUser returns up to limit transactions with id < cursor (any id
	// when cursor is 0), newest first.
	ListByUser(ctx context.Context, userID string, limit int, cursor int64) ([]models.Transaction, error)
	FindByReference(ctx context.Context, token string) (*models.Transaction, error)
	// Stats aggregates the account history; MonthlyUsage counts usage since monthStart.
	Stats(ctx context.Context, userID string, monthStart time.Time) (*models.CreditStats, error)
}
