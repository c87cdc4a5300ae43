package services

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/creditsledger/backend/internal/models"
	"github.com/creditsledger/backend/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Page is one slice of an account history, newest first. NextCursor is zero
// when the history is exhausted.
type Page struct {
	Transactions []models.Transaction `json:"transactions"`
	NextCursor   int64                `json:"nextCursor,omitempty"`
}

// QueryService serves read-only projections of the transaction log.
type QueryService struct {
	store        store.Store
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

func NewQueryService(st store.Store, defaultLimit, maxLimit int) *QueryService {
	if defaultLimit <= 0 {
		defaultLimit = DefaultHistoryLimit
	}
	if maxLimit <= 0 {
		maxLimit = MaxHistoryLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &QueryService{store: st, defaultLimit: defaultLimit, maxLimit: maxLimit, now: time.Now}
}

func (q *QueryService) clamp(limit int) int {
	if limit <= 0 {
		return q.defaultLimit
	}
	if limit > q.maxLimit {
		return q.maxLimit
	}
	return limit
}

// GetBalance returns zero for users without an account and never creates one.
func (q *QueryService) GetBalance(ctx context.Context, userID string) (int64, error) {
	acct, err := q.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storageError("get balance", err)
	}
	return acct.Balance, nil
}

func (q *QueryService) GetHistory(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	txns, err := q.store.ListByUser(ctx, userID, q.clamp(limit), 0)
	if err != nil {
		return nil, storageError("list history", err)
	}
	return txns, nil
}

func (q *QueryService) ListPage(ctx context.Context, userID string, limit int, cursor int64) (Page, error) {
	limit = q.clamp(limit)
	// one extra row tells whether another page exists
	txns, err := q.store.ListByUser(ctx, userID, limit+1, cursor)
	if err != nil {
		return Page{}, storageError("list page", err)
	}

	page := Page{Transactions: txns}
	if len(txns) > limit {
		page.Transactions = txns[:limit]
		page.NextCursor = txns[limit-1].ID
	}
	return page, nil
}

// Iterate walks the history newest first starting after cursor. It stops at
// the first error, yielding it once.
func (q *QueryService) Iterate(ctx context.Context, userID string, pageSize int, cursor int64) iter.Seq2[models.Transaction, error] {
	return func(yield func(models.Transaction, error) bool) {
		for {
			page, err := q.ListPage(ctx, userID, pageSize, cursor)
			if err != nil {
				yield(models.Transaction{}, err)
				return
			}
			for _, txn := range page.Transactions {
				if !yield(txn, nil) {
					return
				}
			}
			if page.NextCursor == 0 {
				return
			}
			cursor = page.NextCursor
		}
	}
}

func (q *QueryService) GetStats(ctx context.Context, userID string) (*models.CreditStats, error) {
	now := q.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	stats, err := q.store.Stats(ctx, userID, monthStart)
	if err != nil {
		return nil, storageError("stats", err)
	}
	return stats, nil
}
