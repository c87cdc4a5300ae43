package store

import (
	"context"
	"sync"
	"time"

	"github.com/creditsledger/backend/internal/models"
)

// MemoryStore is a process-local Store used by tests and the single-instance
// development mode. Each account has its own mutex; the maps are guarded by mu.
type MemoryStore struct {
	mu           sync.RWMutex
	locks        map[string]*sync.Mutex
	accounts     map[string]*models.Account
	transactions map[string][]models.Transaction // ascending by id
	references   map[string]models.Transaction
	nextID       int64
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:        make(map[string]*sync.Mutex),
		accounts:     make(map[string]*models.Account),
		transactions: make(map[string][]models.Transaction),
		references:   make(map[string]models.Transaction),
		now:          time.Now,
	}
}

func (s *MemoryStore) accountLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *MemoryStore) WithAccount(ctx context.Context, userID string, fn func(AccountTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.accountLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	acct := &memAccountTx{store: s, userID: userID}
	if a, ok := s.accounts[userID]; ok {
		acct.balance = a.Balance
		acct.lastCreatedAt = a.UpdatedAt
	}
	s.mu.RUnlock()

	if err := fn(acct); err != nil {
		return err
	}
	return s.commit(acct)
}

func (s *MemoryStore) commit(acct *memAccountTx) error {
	if len(acct.pending) == 0 && !acct.balanceSet {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, txn := range acct.pending {
		if txn.ReferenceToken == "" {
			continue
		}
		if _, ok := s.references[txn.ReferenceToken]; ok {
			return ErrDuplicateReference
		}
	}

	a, ok := s.accounts[acct.userID]
	if !ok {
		a = &models.Account{UserID: acct.userID, CreatedAt: s.now().UTC()}
		s.accounts[acct.userID] = a
	}
	for _, txn := range acct.pending {
		s.transactions[acct.userID] = append(s.transactions[acct.userID], txn)
		if txn.ReferenceToken != "" {
			s.references[txn.ReferenceToken] = txn
		}
	}
	if acct.balanceSet {
		a.Balance = acct.balance
		a.UpdatedAt = acct.lastCreatedAt
	}
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, cursor int64) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.transactions[userID]
	out := make([]models.Transaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if cursor > 0 && all[i].ID >= cursor {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) FindByReference(ctx context.Context, token string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.references[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &txn, nil
}

func (s *MemoryStore) Stats(ctx context.Context, userID string, monthStart time.Time) (*models.CreditStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.CreditStats
	usage := make(map[models.Feature]int64)
	for _, txn := range s.transactions[userID] {
		switch {
		case txn.Kind == models.KindUsageDebit:
			stats.TotalUsed += -txn.Delta
			if !txn.CreatedAt.Before(monthStart) {
				stats.MonthlyUsage += -txn.Delta
			}
			if txn.Feature != "" {
				usage[txn.Feature] += -txn.Delta
			}
		case txn.Kind.IsCredit():
			stats.TotalPurchased += txn.Delta
		}
	}

	var best models.Feature
	for f, used := range usage {
		if best == "" || used > usage[best] || (used == usage[best] && f < best) {
			best = f
		}
	}
	if best != "" {
		name := string(best)
		stats.MostUsedFeature = &name
	}
	return &stats, nil
}

type memAccountTx struct {
	store         *MemoryStore
	userID        string
	balance       int64
	balanceSet    bool
	lastCreatedAt time.Time
	pending       []models.Transaction
}

func (a *memAccountTx) UserID() string           { return a.userID }
func (a *memAccountTx) Balance() int64           { return a.balance }
func (a *memAccountTx) LastCreatedAt() time.Time { return a.lastCreatedAt }

func (a *memAccountTx) FindByReference(ctx context.Context, token string) (*models.Transaction, error) {
	for i := range a.pending {
		if a.pending[i].ReferenceToken == token {
			txn := a.pending[i]
			return &txn, nil
		}
	}
	return a.store.FindByReference(ctx, token)
}

func (a *memAccountTx) Append(ctx context.Context, txn *models.Transaction) error {
	if txn.ReferenceToken != "" {
		if _, err := a.FindByReference(ctx, txn.ReferenceToken); err == nil {
			return ErrDuplicateReference
		}
	}

	a.store.mu.Lock()
	a.store.nextID++
	txn.ID = a.store.nextID
	a.store.mu.Unlock()

	txn.UserID = a.userID
	a.lastCreatedAt = txn.CreatedAt
	a.pending = append(a.pending, *txn)
	return nil
}

func (a *memAccountTx) SetBalance(ctx context.Context, balance int64) error {
	a.balance = balance
	a.balanceSet = true
	return nil
}
