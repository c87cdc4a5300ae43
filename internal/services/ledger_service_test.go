package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/creditsledger/backend/internal/audit"
	"github.com/creditsledger/backend/internal/idempotency"
	"github.com/creditsledger/backend/internal/models"
	"github.com/creditsledger/backend/internal/store"
)

type ledgerFixture struct {
	ledger *LedgerService
	query  *QueryService
	store  *store.MemoryStore
	hook   *test.Hook
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	log, hook := test.NewNullLogger()
	st := store.NewMemoryStore()
	guard := idempotency.NewMemoryGuard(st, idempotency.Options{PollInterval: time.Millisecond})
	return &ledgerFixture{
		ledger: NewLedgerService(st, guard, nil, audit.NewAuditLogger(log), log),
		query:  NewQueryService(st, 0, 0),
		store:  st,
		hook:   hook,
	}
}

func (f *ledgerFixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	balance, err := f.query.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func TestLedgerService_Apply_Validation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ApplyRequest
		want error
	}{
		{"zero delta", ApplyRequest{UserID: "user-1", Delta: 0, Kind: models.KindPurchase}, ErrInvalidDelta},
		{"missing user", ApplyRequest{Delta: 5, Kind: models.KindPurchase}, ErrInvalidDelta},
		{"unknown kind", ApplyRequest{UserID: "user-1", Delta: 5, Kind: "refund"}, ErrInvalidDelta},
		{"positive usage debit", ApplyRequest{UserID: "user-1", Delta: 5, Kind: models.KindUsageDebit}, ErrInvalidDelta},
		{"negative purchase", ApplyRequest{UserID: "user-1", Delta: -5, Kind: models.KindPurchase}, ErrInvalidDelta},
		{"negative webhook", ApplyRequest{UserID: "user-1", Delta: -5, Kind: models.KindWebhook, ReferenceToken: "tok-1"}, ErrInvalidDelta},
		{"unknown feature", ApplyRequest{UserID: "user-1", Delta: -5, Kind: models.KindUsageDebit, Feature: "OCR"}, ErrUnknownFeature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Apply(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.store.GetAccount(ctx, "user-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected requests must not create accounts")
}

func TestLedgerService_ManualAdjustment(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AddCredits(ctx, "user-1", 50, models.KindManualAdjustment, "goodwill")
	require.NoError(t, err)
	res, err := f.ledger.Apply(ctx, ApplyRequest{UserID: "user-1", Delta: -20, Kind: models.KindManualAdjustment, Description: "correction"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Transaction.BalanceAfter)

	_, err = f.ledger.Apply(ctx, ApplyRequest{UserID: "user-1", Delta: -31, Kind: models.KindManualAdjustment})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestLedgerService_Scenario(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	purchase, err := f.ledger.AddCredits(ctx, "user-1", 300, models.KindPurchase, "Base pack")
	require.NoError(t, err)
	assert.Equal(t, int64(300), purchase.BalanceAfter)

	first, err := f.ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "Promo", "tok-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(600), first.Transaction.BalanceAfter)

	second, err := f.ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "Promo", "tok-1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	_, err = f.ledger.Debit(ctx, "user-1", 700, "too much")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, int64(600), f.balance(t, "user-1"))
	history, err := f.query.GetHistory(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.Transaction.ID, history[0].ID)
	assert.Equal(t, purchase.ID, history[1].ID)

	record, err := f.store.FindByReference(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, first.Transaction.ID, record.ID)
}

func TestLedgerService_AddCreditsFromWebhook(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		_, err := f.ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "  ")
		assert.ErrorIs(t, err, ErrMissingReference)
		assert.ErrorIs(t, err, ErrInvalidDelta)
	})

	t.Run("concurrent deliveries of one token credit once", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ids     = make(map[int64]int)
			applied int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.ledger.AddCreditsFromWebhook(ctx, "user-2", 100, "bundle", "tok-concurrent")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[res.Transaction.ID]++
				if !res.Replayed {
					applied++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, applied)
		assert.Len(t, ids, 1)
		assert.Equal(t, int64(100), f.balance(t, "user-2"))
	})
}

func TestLedgerService_ConcurrentDebitRace(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AddCredits(ctx, "user-1", 100, models.KindPurchase, "seed")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Debit(ctx, "user-1", 80, "race")
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(20), f.balance(t, "user-1"))
}

func TestLedgerService_BalanceMatchesLog(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	users := []string{"user-a", "user-b", "user-c"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := users[i%len(users)]
			if i%3 == 0 {
				_, _ = f.ledger.Debit(ctx, userID, int64(i%7+1), "usage")
				return
			}
			_, _ = f.ledger.AddCredits(ctx, userID, int64(i%5+1), models.KindPurchase, "top-up")
		}(i)
	}
	wg.Wait()

	for _, userID := range users {
		var sum int64
		var lastID int64
		var lastCreated time.Time
		first := true
		for txn, err := range f.query.Iterate(ctx, userID, 7, 0) {
			require.NoError(t, err)
			sum += txn.Delta
			if !first {
				assert.Less(t, txn.ID, lastID, "history must be strictly newest first")
				assert.False(t, txn.CreatedAt.After(lastCreated))
			}
			first = false
			lastID, lastCreated = txn.ID, txn.CreatedAt
		}
		assert.Equal(t, sum, f.balance(t, userID))
		assert.GreaterOrEqual(t, sum, int64(0))
	}
}

func TestLedgerService_CreatedAtNeverGoesBackwards(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	later := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	f.ledger.now = func() time.Time { return later }
	first, err := f.ledger.AddCredits(ctx, "user-1", 10, models.KindPurchase, "")
	require.NoError(t, err)

	f.ledger.now = func() time.Time { return later.Add(-time.Hour) }
	second, err := f.ledger.AddCredits(ctx, "user-1", 10, models.KindPurchase, "")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Greater(t, second.ID, first.ID)
}

func TestLedgerService_DebitFeature(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	_, err := f.ledger.AddCredits(ctx, "user-1", 10, models.KindPurchase, "seed")
	require.NoError(t, err)

	res, err := f.ledger.DebitFeature(ctx, "user-1", models.FeatureTranscription, "", "job-42")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), res.Transaction.Delta)
	assert.Equal(t, models.FeatureTranscription, res.Transaction.Feature)
	assert.Equal(t, "transcription usage", res.Transaction.Description)

	retry, err := f.ledger.DebitFeature(ctx, "user-1", models.FeatureTranscription, "", "job-42")
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, int64(5), f.balance(t, "user-1"))

	_, err = f.ledger.DebitFeature(ctx, "user-1", "OCR", "", "")
	assert.ErrorIs(t, err, ErrUnknownFeature)

	_, err = f.ledger.DebitFeature(ctx, "user-1", models.FeatureAIInsights, "", "")
	require.NoError(t, err)
	_, err = f.ledger.DebitFeature(ctx, "user-1", models.FeatureDocumentAnalysis, "", "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(1), f.balance(t, "user-1"))
}

func TestLedgerService_ReferenceIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("deduct token cannot swallow a provider credit", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.AddCredits(ctx, "attacker", 10, models.KindPurchase, "seed")
		require.NoError(t, err)

		debit, err := f.ledger.DebitFeature(ctx, "attacker", models.FeatureTopicModelling, "", "pi_victim")
		require.NoError(t, err)
		assert.Equal(t, "deduct:attacker:pi_victim", debit.Transaction.ReferenceToken)

		res, err := f.ledger.AddCreditsFromWebhook(ctx, "victim", 300, "Base package purchase - 300 credits", "pi_victim")
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, "victim", res.Transaction.UserID)
		assert.Equal(t, int64(300), f.balance(t, "victim"))
		assert.Equal(t, int64(9), f.balance(t, "attacker"))
	})

	t.Run("deduct token cannot replay another user's transaction", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.AddCredits(ctx, "attacker", 10, models.KindPurchase, "seed")
		require.NoError(t, err)
		_, err = f.ledger.AddCreditsFromWebhook(ctx, "other", 700, "Standard package purchase - 700 credits", "pi_other")
		require.NoError(t, err)

		res, err := f.ledger.DebitFeature(ctx, "attacker", models.FeatureTranscription, "", "pi_other")
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, "attacker", res.Transaction.UserID)
		assert.Equal(t, int64(-5), res.Transaction.Delta)
		assert.Equal(t, int64(5), f.balance(t, "attacker"))
		assert.Equal(t, int64(700), f.balance(t, "other"))
	})

	t.Run("same deduct token is scoped per user", func(t *testing.T) {
		f := newLedgerFixture(t)
		for _, user := range []string{"user-1", "user-2"} {
			_, err := f.ledger.AddCredits(ctx, user, 10, models.KindPurchase, "seed")
			require.NoError(t, err)
			res, err := f.ledger.DebitFeature(ctx, user, models.FeatureAIInsights, "", "req-1")
			require.NoError(t, err)
			assert.False(t, res.Replayed)
		}
		assert.Equal(t, int64(6), f.balance(t, "user-1"))
		assert.Equal(t, int64(6), f.balance(t, "user-2"))
	})

	t.Run("provider token recorded for another user is a conflict", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
		require.NoError(t, err)

		res, err := f.ledger.AddCreditsFromWebhook(ctx, "user-2", 300, "promo", "tok-1")
		assert.ErrorIs(t, err, ErrReferenceConflict)
		assert.Nil(t, res)
		assert.Equal(t, int64(0), f.balance(t, "user-2"))
		assert.False(t, IsRetryable(err))
	})

	t.Run("token recorded for another kind is a conflict", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
		require.NoError(t, err)

		_, err = f.ledger.Apply(ctx, ApplyRequest{UserID: "user-1", Delta: 300, Kind: models.KindPurchase, ReferenceToken: "tok-1"})
		assert.ErrorIs(t, err, ErrReferenceConflict)
		assert.Equal(t, int64(300), f.balance(t, "user-1"))
	})

	t.Run("conflict is detected on every replay path", func(t *testing.T) {
		log, _ := test.NewNullLogger()
		stores := map[string]func(*store.MemoryStore) store.Store{
			"locked re-check":  func(st *store.MemoryStore) store.Store { return st },
			"unique violation": func(st *store.MemoryStore) store.Store { return blindStore{st} },
		}
		for name, wrap := range stores {
			t.Run(name, func(t *testing.T) {
				st := store.NewMemoryStore()
				ledger := NewLedgerService(wrap(st), passGuard{}, nil, audit.NewAuditLogger(log), log)

				_, err := ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
				require.NoError(t, err)
				_, err = ledger.AddCreditsFromWebhook(ctx, "user-2", 300, "promo", "tok-1")
				assert.ErrorIs(t, err, ErrReferenceConflict)

				_, err = st.GetAccount(ctx, "user-2")
				assert.ErrorIs(t, err, store.ErrNotFound)
			})
		}
	})
}

func TestLedgerService_WrapperValidation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AddCredits(ctx, "user-1", 0, models.KindPurchase, "")
	assert.ErrorIs(t, err, ErrInvalidDelta)
	_, err = f.ledger.AddCredits(ctx, "user-1", -10, models.KindManualAdjustment, "")
	assert.ErrorIs(t, err, ErrInvalidDelta)
	_, err = f.ledger.Debit(ctx, "user-1", -3, "")
	assert.ErrorIs(t, err, ErrInvalidDelta)

	txn, err := f.ledger.AddCredits(ctx, "user-1", 5, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.KindPurchase, txn.Kind)
}

// passGuard always lets the caller proceed, as if reservations had expired.
type passGuard struct{}

func (passGuard) CheckAndReserve(ctx context.Context, token string) (idempotency.Decision, error) {
	return idempotency.Decision{Status: idempotency.Proceed}, nil
}

func (passGuard) Release(ctx context.Context, r *idempotency.Reservation) error { return nil }

// blindStore hides idempotency records from the locked re-check so only the
// unique constraint catches a duplicate token.
type blindStore struct {
	*store.MemoryStore
}

type blindTx struct {
	store.AccountTx
}

func (blindTx) FindByReference(ctx context.Context, token string) (*models.Transaction, error) {
	return nil, store.ErrNotFound
}

func (b blindStore) WithAccount(ctx context.Context, userID string, fn func(store.AccountTx) error) error {
	return b.MemoryStore.WithAccount(ctx, userID, func(tx store.AccountTx) error {
		return fn(blindTx{tx})
	})
}

func TestLedgerService_DurableRecordBacksUpGuard(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()

	t.Run("locked re-check replays", func(t *testing.T) {
		st := store.NewMemoryStore()
		ledger := NewLedgerService(st, passGuard{}, nil, audit.NewAuditLogger(log), log)

		first, err := ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
		require.NoError(t, err)
		second, err := ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	})

	t.Run("unique violation replays", func(t *testing.T) {
		st := store.NewMemoryStore()
		ledger := NewLedgerService(blindStore{st}, passGuard{}, nil, audit.NewAuditLogger(log), log)

		first, err := ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
		require.NoError(t, err)
		second, err := ledger.AddCreditsFromWebhook(ctx, "user-1", 300, "promo", "tok-1")
		require.NoError(t, err)
		assert.True(t, second.Replayed)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

		acct, err := st.GetAccount(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, int64(300), acct.Balance)
	})
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) WithAccount(ctx context.Context, userID string, fn func(store.AccountTx) error) error {
	return f.err
}

func TestLedgerService_StorageErrors(t *testing.T) {
	log, _ := test.NewNullLogger()
	ctx := context.Background()
	boom := errors.New("connection reset by peer")

	ledger := NewLedgerService(failingStore{err: boom}, passGuard{}, nil, audit.NewAuditLogger(log), log)
	_, err := ledger.AddCredits(ctx, "user-1", 10, models.KindPurchase, "")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.True(t, IsRetryable(err))
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, txn *models.Transaction) error {
	args := m.Called(ctx, txn)
	return args.Error(0)
}

func TestLedgerService_PublishesCommittedTransactions(t *testing.T) {
	ctx := context.Background()
	log, hook := test.NewNullLogger()
	st := store.NewMemoryStore()
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(txn *models.Transaction) bool {
		return txn.UserID == "user-1" && txn.Delta == 25
	})).Return(errors.New("redis down")).Once()

	guard := idempotency.NewMemoryGuard(st, idempotency.Options{})
	ledger := NewLedgerService(st, guard, publisher, audit.NewAuditLogger(log), log)

	_, err := ledger.AddCredits(ctx, "user-1", 25, models.KindPurchase, "")
	require.NoError(t, err, "publish failures are not ledger failures")
	publisher.AssertExpectations(t)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "failed to publish transaction event" {
			warned = true
		}
	}
	assert.True(t, warned)
}
