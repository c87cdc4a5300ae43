package models

import (
	"time"
)

// Account holds the cached balance of one user. Balance always equals the sum
// of the deltas of the account's transactions.
type Account struct {
	UserID    string    `json:"userId" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"` // createdAt of the last transaction
}

// IdempotencyRecord maps an external reference token to the transaction it produced.
type IdempotencyRecord struct {
	ReferenceToken string    `json:"referenceToken" db:"reference_token"`
	TransactionID  int64     `json:"transactionId" db:"transaction_id"`
	UserID         string    `json:"userId" db:"user_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// CreditStats summarizes an account's history.
type CreditStats struct {
	TotalUsed       int64   `json:"totalUsed"`
	TotalPurchased  int64   `json:"totalPurchased"`
	MonthlyUsage    int64   `json:"monthlyUsage"`
	MostUsedFeature *string `json:"mostUsedFeature"`
}
