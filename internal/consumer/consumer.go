package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/creditsledger/backend/internal/config"
	"github.com/creditsledger/backend/internal/services"
	"github.com/creditsledger/backend/internal/webhook"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	messageTimeout       = 30 * time.Second
)

// Ledger is the part of the ledger the consumer writes through.
type Ledger interface {
	AddCreditsFromWebhook(ctx context.Context, userID string, amount int64, description, referenceToken string) (*services.ApplyResult, error)
}

// Consumer applies payment provider events delivered over AMQP. Deliveries
// are acknowledged only after the ledger committed or replayed them.
type Consumer struct {
	cfg    config.RabbitMQConfig
	ledger Ledger
	log    *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	wg sync.WaitGroup
}

func New(cfg config.RabbitMQConfig, ledger Ledger, log *logrus.Logger) *Consumer {
	return &Consumer{cfg: cfg, ledger: ledger, log: log}
}

func (c *Consumer) connect() (<-chan amqp.Delivery, chan *amqp.Error, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.cfg.Queue,
		"credits-"+uuid.NewString(),
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithField("queue", c.cfg.Queue).Info("connected to RabbitMQ")
	return msgs, conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

// Run consumes until ctx is cancelled, reconnecting with a linear backoff
// when the broker drops the connection.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()

	attempt := 0
	for {
		msgs, closed, err := c.connect()
		if err != nil {
			attempt++
			if attempt > maxReconnectAttempts {
				return fmt.Errorf("giving up after %d attempts: %w", maxReconnectAttempts, err)
			}
			delay := reconnectDelay * time.Duration(attempt)
			c.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("RabbitMQ connection failed, retrying")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		attempt = 0

		c.log.WithField("workers", c.cfg.Workers).Info("starting consumer workers")
		for range c.cfg.Workers {
			c.wg.Add(1)
			go c.worker(ctx, msgs)
		}

		select {
		case <-ctx.Done():
			c.log.Info("stopping consumer workers")
			c.close()
			c.wg.Wait()
			return nil
		case amqpErr := <-closed:
			c.log.WithField("reason", amqpErr).Error("RabbitMQ connection closed unexpectedly")
			c.close()
			c.wg.Wait()
		}
	}
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

// handleDelivery applies one event. Malformed payloads are dropped, storage
// failures are requeued for another attempt.
func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	entry := c.log.WithField("delivery_tag", msg.DeliveryTag)

	event, err := webhook.ParseEvent(msg.Body)
	if err != nil {
		entry.WithError(err).Error("failed to parse payment event")
		nack(entry, msg, false)
		return
	}
	entry = entry.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.Type})

	grant, err := event.CreditGrant()
	if err != nil {
		if errors.Is(err, webhook.ErrUnhandledEvent) {
			entry.WithError(err).Info("payment event ignored")
			ack(entry, msg)
			return
		}
		entry.WithError(err).Error("invalid payment event")
		nack(entry, msg, false)
		return
	}

	res, err := c.ledger.AddCreditsFromWebhook(ctx, grant.UserID, grant.Amount, grant.Description, grant.ReferenceToken)
	switch {
	case err == nil:
		entry.WithFields(logrus.Fields{
			"user_id":        grant.UserID,
			"transaction_id": res.Transaction.ID,
			"replayed":       res.Replayed,
		}).Info("payment event applied")
		ack(entry, msg)
	case services.IsRetryable(err):
		entry.WithError(err).Warn("payment event requeued")
		nack(entry, msg, true)
	default:
		entry.WithError(err).Error("payment event rejected")
		nack(entry, msg, false)
	}
}

func ack(entry *logrus.Entry, msg amqp.Delivery) {
	if err := msg.Ack(false); err != nil {
		entry.WithError(err).Error("failed to ack delivery")
	}
}

func nack(entry *logrus.Entry, msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		entry.WithError(err).WithField("requeue", requeue).Error("failed to nack delivery")
	}
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
