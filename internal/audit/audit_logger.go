// Package audit records every ledger decision as a structured audit event.
package audit

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/internal/models"
)

const (
	EventCommit    = "CREDIT_COMMIT"
	EventReplay    = "CREDIT_REPLAY"
	EventRejection = "CREDIT_REJECTED"
)

type AuditEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	TransactionID  int64     `json:"transaction_id,omitempty"`
	UserID         string    `json:"user_id"`
	Delta          int64     `json:"delta"`
	Kind           string    `json:"kind"`
	ReferenceToken string    `json:"reference_token,omitempty"`
	Status         string    `json:"status"`
	Details        any       `json:"details,omitempty"`
}

type AuditLogger struct {
	log *logrus.Logger
	now func() time.Time
}

func NewAuditLogger(log *logrus.Logger) *AuditLogger {
	return &AuditLogger{log: log, now: time.Now}
}

func (a *AuditLogger) LogCommit(txn *models.Transaction) {
	a.write(AuditEvent{
		EventType:      EventCommit,
		TransactionID:  txn.ID,
		UserID:         txn.UserID,
		Delta:          txn.Delta,
		Kind:           string(txn.Kind),
		ReferenceToken: txn.ReferenceToken,
		Status:         "SUCCESS",
		Details:        map[string]int64{"balance_after": txn.BalanceAfter},
	})
}

func (a *AuditLogger) LogReplay(txn *models.Transaction) {
	a.write(AuditEvent{
		EventType:      EventReplay,
		TransactionID:  txn.ID,
		UserID:         txn.UserID,
		Delta:          txn.Delta,
		Kind:           string(txn.Kind),
		ReferenceToken: txn.ReferenceToken,
		Status:         "DUPLICATE",
	})
}

func (a *AuditLogger) LogRejection(userID string, delta int64, kind models.TransactionKind, token string, err error) {
	a.write(AuditEvent{
		EventType:      EventRejection,
		UserID:         userID,
		Delta:          delta,
		Kind:           string(kind),
		ReferenceToken: token,
		Status:         "FAILED",
		Details:        map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	event.Timestamp = a.now().UTC()
	a.log.WithField("audit", event).Info("AUDIT")
}
