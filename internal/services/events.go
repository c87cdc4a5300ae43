package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/creditsledger/backend/internal/models"
)

const DefaultEventQueue = "credits:events"

// TransactionEvent is pushed for every committed transaction.
type TransactionEvent struct {
	TransactionID int64                  `json:"transactionId"`
	UserID        string                 `json:"userId"`
	Delta         int64                  `json:"delta"`
	Kind          models.TransactionKind `json:"kind"`
	BalanceAfter  int64                  `json:"balanceAfter"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// RedisPublisher appends events to a Redis list consumed by downstream
// services (notifications, the presentation layer's cache).
type RedisPublisher struct {
	client redis.Cmdable
	queue  string
}

func NewRedisPublisher(client redis.Cmdable, queue string) *RedisPublisher {
	if queue == "" {
		queue = DefaultEventQueue
	}
	return &RedisPublisher{client: client, queue: queue}
}

func (p *RedisPublisher) Publish(ctx context.Context, txn *models.Transaction) error {
	payload, err := json.Marshal(TransactionEvent{
		TransactionID: txn.ID,
		UserID:        txn.UserID,
		Delta:         txn.Delta,
		Kind:          txn.Kind,
		BalanceAfter:  txn.BalanceAfter,
		CreatedAt:     txn.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.RPush(ctx, p.queue, payload).Err(); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}
