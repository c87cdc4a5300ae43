package models

import (
	"time"
)

// TransactionKind is the reason a balance changed.
type TransactionKind string

const (
	KindPurchase         TransactionKind = "purchase"
	KindWebhook          TransactionKind = "webhook"
	KindUsageDebit       TransactionKind = "usage-debit"
	KindManualAdjustment TransactionKind = "manual-adjustment"
)

// Valid reports whether k is one of the known kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindWebhook, KindUsageDebit, KindManualAdjustment:
		return true
	}
	return false
}

// IsCredit reports whether transactions of this kind add credits.
func (k TransactionKind) IsCredit() bool {
	return k == KindPurchase || k == KindWebhook
}

// Transaction is an immutable balance change. Positive Delta is a credit,
// negative Delta a debit.
type Transaction struct {
	ID             int64           `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	Delta          int64           `json:"delta" db:"delta"`
	Kind           TransactionKind `json:"kind" db:"kind"`
	Description    string          `json:"description" db:"description"`
	ReferenceToken string          `json:"referenceToken,omitempty" db:"reference_token"`
	Feature        Feature         `json:"feature,omitempty" db:"feature"`
	BalanceAfter   int64           `json:"balanceAfter" db:"balance_after"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// TransactionView is the read-API projection of a Transaction.
type TransactionView struct {
	ID          int64           `json:"id"`
	Delta       int64           `json:"delta"`
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// View returns the read-API projection of t.
func (t *Transaction) View() TransactionView {
	return TransactionView{
		ID:          t.ID,
		Delta:       t.Delta,
		Kind:        t.Kind,
		Description: t.Description,
		CreatedAt:   t.CreatedAt,
	}
}
