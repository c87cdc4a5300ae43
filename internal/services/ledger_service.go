package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/internal/idempotency"
	"github.com/creditsledger/backend/internal/models"
	"github.com/creditsledger/backend/internal/store"
)

// errReplay aborts the account unit of work when the token turns out to be
// recorded already.
var errReplay = errors.New("credits: reference already applied")

type ReferenceGuard interface {
	CheckAndReserve(ctx context.Context, token string) (idempotency.Decision, error)
	Release(ctx context.Context, r *idempotency.Reservation) error
}

type Auditor interface {
	LogCommit(txn *models.Transaction)
	LogReplay(txn *models.Transaction)
	LogRejection(userID string, delta int64, kind models.TransactionKind, token string, err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, txn *models.Transaction) error
}

type ApplyRequest struct {
	UserID         string
	Delta          int64
	Kind           models.TransactionKind
	Description    string
	ReferenceToken string
	Feature        models.Feature
}

type ApplyResult struct {
	Transaction *models.Transaction
	// Replayed is set when ReferenceToken was applied before and Transaction
	// is the original one.
	Replayed bool
}

func (r ApplyRequest) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidDelta)
	case r.Delta == 0:
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidDelta)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDelta, r.Kind)
	case r.Kind == models.KindUsageDebit && r.Delta > 0:
		return fmt.Errorf("%w: usage debits must be negative", ErrInvalidDelta)
	case r.Kind.IsCredit() && r.Delta < 0:
		return fmt.Errorf("%w: %s credits must be positive", ErrInvalidDelta, r.Kind)
	}
	if r.Feature != "" {
		if _, ok := r.Feature.Cost(); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFeature, r.Feature)
		}
	}
	return nil
}

// LedgerService is the only writer of balances.
type LedgerService struct {
	store     store.Store
	guard     ReferenceGuard
	publisher EventPublisher
	audit     Auditor
	log       *logrus.Logger
	now       func() time.Time
}

// NewLedgerService wires the ledger. publisher may be nil.
func NewLedgerService(st store.Store, guard ReferenceGuard, publisher EventPublisher, auditor Auditor, log *logrus.Logger) *LedgerService {
	return &LedgerService{
		store:     st,
		guard:     guard,
		publisher: publisher,
		audit:     auditor,
		log:       log,
		now:       time.Now,
	}
}

// Apply validates req and commits it as one transaction. A request whose
// ReferenceToken was applied before returns the original transaction with
// Replayed set and changes nothing.
func (s *LedgerService) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if err := req.validate(); err != nil {
		s.reject(req, err)
		return nil, err
	}

	decision, err := s.guard.CheckAndReserve(ctx, req.ReferenceToken)
	if err != nil {
		return nil, storageError("reserve reference", err)
	}
	if decision.Status == idempotency.AlreadyApplied {
		return s.replay(req, decision.Transaction)
	}
	defer func() {
		if err := s.guard.Release(context.WithoutCancel(ctx), decision.Reservation); err != nil {
			s.log.WithError(err).WithField("reference_token", req.ReferenceToken).Warn("failed to release reservation")
		}
	}()

	var committed, prior *models.Transaction
	err = s.store.WithAccount(ctx, req.UserID, func(tx store.AccountTx) error {
		if req.ReferenceToken != "" {
			found, err := tx.FindByReference(ctx, req.ReferenceToken)
			if err == nil {
				prior = found
				return errReplay
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		current := tx.Balance()
		if req.Delta > 0 && current > math.MaxInt64-req.Delta {
			return fmt.Errorf("%w: balance would overflow", ErrInvalidDelta)
		}
		balance := current + req.Delta
		if balance < 0 {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, current, -req.Delta)
		}

		createdAt := s.now().UTC()
		if last := tx.LastCreatedAt(); createdAt.Before(last) {
			createdAt = last
		}
		txn := &models.Transaction{
			UserID:         req.UserID,
			Delta:          req.Delta,
			Kind:           req.Kind,
			Description:    req.Description,
			ReferenceToken: req.ReferenceToken,
			Feature:        req.Feature,
			BalanceAfter:   balance,
			CreatedAt:      createdAt,
		}
		if err := tx.Append(ctx, txn); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, balance); err != nil {
			return err
		}
		committed = txn
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, errReplay):
		return s.replay(req, prior)
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInvalidDelta):
		s.reject(req, err)
		return nil, err
	case errors.Is(err, store.ErrDuplicateReference):
		// lost a race on the unique reference; the winner's row is committed
		found, lerr := s.store.FindByReference(ctx, req.ReferenceToken)
		if lerr != nil {
			return nil, storageError("load replayed reference", errors.Join(err, lerr))
		}
		return s.replay(req, found)
	default:
		return nil, storageError("apply", err)
	}

	s.log.WithFields(logrus.Fields{
		"transaction_id":  committed.ID,
		"user_id":         committed.UserID,
		"delta":           committed.Delta,
		"kind":            committed.Kind,
		"balance_after":   committed.BalanceAfter,
		"reference_token": committed.ReferenceToken,
	}).Info("credit transaction committed")
	s.audit.LogCommit(committed)

	if s.publisher != nil {
		if err := s.publisher.Publish(context.WithoutCancel(ctx), committed); err != nil {
			s.log.WithError(err).WithField("transaction_id", committed.ID).Warn("failed to publish transaction event")
		}
	}
	return &ApplyResult{Transaction: committed}, nil
}

// AddCredits grants amount credits without a reference token.
func (s *LedgerService) AddCredits(ctx context.Context, userID string, amount int64, kind models.TransactionKind, description string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidDelta)
	}
	if kind == "" {
		kind = models.KindPurchase
	}
	res, err := s.Apply(ctx, ApplyRequest{UserID: userID, Delta: amount, Kind: kind, Description: description})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// AddCreditsFromWebhook grants amount credits at most once per referenceToken.
func (s *LedgerService) AddCreditsFromWebhook(ctx context.Context, userID string, amount int64, description, referenceToken string) (*ApplyResult, error) {
	if strings.TrimSpace(referenceToken) == "" {
		s.reject(ApplyRequest{UserID: userID, Delta: amount, Kind: models.KindWebhook}, ErrMissingReference)
		return nil, ErrMissingReference
	}
	return s.Apply(ctx, ApplyRequest{
		UserID:         userID,
		Delta:          amount,
		Kind:           models.KindWebhook,
		Description:    description,
		ReferenceToken: referenceToken,
	})
}

// Debit consumes amount credits.
func (s *LedgerService) Debit(ctx context.Context, userID string, amount int64, description string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidDelta)
	}
	res, err := s.Apply(ctx, ApplyRequest{UserID: userID, Delta: -amount, Kind: models.KindUsageDebit, Description: description})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}

// deductReference scopes a client-chosen token to its user so it can never
// collide with provider references or another user's tokens.
func deductReference(userID, token string) string {
	if token == "" {
		return ""
	}
	return "deduct:" + userID + ":" + token
}

// DebitFeature consumes the cost of one use of feature. referenceToken is
// optional and makes client retries safe.
func (s *LedgerService) DebitFeature(ctx context.Context, userID string, feature models.Feature, description, referenceToken string) (*ApplyResult, error) {
	cost, ok := feature.Cost()
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
		s.reject(ApplyRequest{UserID: userID, Kind: models.KindUsageDebit, ReferenceToken: referenceToken}, err)
		return nil, err
	}
	if description == "" {
		description = strings.ToLower(string(feature)) + " usage"
	}
	return s.Apply(ctx, ApplyRequest{
		UserID:         userID,
		Delta:          -cost,
		Kind:           models.KindUsageDebit,
		Description:    description,
		ReferenceToken: deductReference(userID, referenceToken),
		Feature:        feature,
	})
}

// replay returns the transaction already recorded for req.ReferenceToken. A
// token recorded for another account or kind is a conflict, not a replay.
func (s *LedgerService) replay(req ApplyRequest, original *models.Transaction) (*ApplyResult, error) {
	entry := s.log.WithFields(logrus.Fields{
		"transaction_id":  original.ID,
		"user_id":         original.UserID,
		"reference_token": req.ReferenceToken,
	})
	if original.UserID != req.UserID || original.Kind != req.Kind {
		err := fmt.Errorf("%w: recorded for %s %s", ErrReferenceConflict, original.UserID, original.Kind)
		s.reject(req, err)
		return nil, err
	}
	if original.Delta != req.Delta {
		entry.WithField("requested_delta", req.Delta).Warn("reference token replayed with a different delta")
	} else {
		entry.Info("reference token already applied")
	}
	s.audit.LogReplay(original)
	return &ApplyResult{Transaction: original, Replayed: true}, nil
}

func (s *LedgerService) reject(req ApplyRequest, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"user_id": req.UserID,
		"delta":   req.Delta,
		"kind":    req.Kind,
	}).Warn("credit transaction rejected")
	s.audit.LogRejection(req.UserID, req.Delta, req.Kind, req.ReferenceToken, err)
}
