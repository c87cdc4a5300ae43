// Package idempotency decides whether a reference token was already applied
// and, if not, reserves it for a single in-flight caller.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/creditsledger/backend/internal/models"
	"github.com/creditsledger/backend/internal/store"
)

var ErrReservationBusy = errors.New("idempotency: token reserved by another caller")

const (
	DefaultReservationTTL = 30 * time.Second
	DefaultPollInterval   = 50 * time.Millisecond
)

// Lookup reads the durable idempotency records.
type Lookup interface {
	FindByReference(ctx context.Context, token string) (*models.Transaction, error)
}

type Status int

const (
	// Proceed means the caller holds the reservation and must apply the change.
	Proceed Status = iota
	// AlreadyApplied means a transaction exists for the token.
	AlreadyApplied
)

func (s Status) String() string {
	if s == AlreadyApplied {
		return "already-applied"
	}
	return "proceed"
}

type Reservation struct {
	Token     string
	Owner     string
	ExpiresAt time.Time
}

type Decision struct {
	Status      Status
	Transaction *models.Transaction // set when AlreadyApplied
	Reservation *Reservation        // set when Proceed with a token
}

type Options struct {
	ReservationTTL time.Duration
	PollInterval   time.Duration
	// MaxWait bounds how long a caller waits on somebody else's reservation.
	// Zero waits until the context ends.
	MaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = DefaultReservationTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

type reserver interface {
	reserve(ctx context.Context, token, owner string, ttl time.Duration) (bool, error)
	release(ctx context.Context, token, owner string) error
}

type Guard struct {
	lookup       Lookup
	reservations reserver
	opts         Options
	now          func() time.Time
	newOwner     func() string
}

func newGuard(lookup Lookup, r reserver, opts Options) *Guard {
	return &Guard{
		lookup:       lookup,
		reservations: r,
		opts:         opts.withDefaults(),
		now:          time.Now,
		newOwner:     uuid.NewString,
	}
}

// CheckAndReserve returns AlreadyApplied with the original transaction when
// token has a durable record. Otherwise it blocks until it holds the token's
// reservation, polling while another caller holds it.
func (g *Guard) CheckAndReserve(ctx context.Context, token string) (Decision, error) {
	if token == "" {
		return Decision{Status: Proceed}, nil
	}

	var deadline time.Time
	if g.opts.MaxWait > 0 {
		deadline = g.now().Add(g.opts.MaxWait)
	}
	owner := g.newOwner()

	for {
		txn, err := g.lookup.FindByReference(ctx, token)
		if err == nil {
			return Decision{Status: AlreadyApplied, Transaction: txn}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Decision{}, fmt.Errorf("idempotency: lookup %q: %w", token, err)
		}

		ok, err := g.reservations.reserve(ctx, token, owner, g.opts.ReservationTTL)
		if err != nil {
			return Decision{}, fmt.Errorf("idempotency: reserve %q: %w", token, err)
		}
		if ok {
			return Decision{
				Status: Proceed,
				Reservation: &Reservation{
					Token:     token,
					Owner:     owner,
					ExpiresAt: g.now().Add(g.opts.ReservationTTL),
				},
			}, nil
		}

		if !deadline.IsZero() && !g.now().Before(deadline) {
			return Decision{}, ErrReservationBusy
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-time.After(g.opts.PollInterval):
		}
	}
}

// Release drops the reservation if r still owns it. A nil reservation is a no-op.
func (g *Guard) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	if err := g.reservations.release(ctx, r.Token, r.Owner); err != nil {
		return fmt.Errorf("idempotency: release %q: %w", r.Token, err)
	}
	return nil
}
