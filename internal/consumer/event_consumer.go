package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
)

// retryHeader counts how many times the consumer has republished a message.
const retryHeader = "x-retry-count"

// EventSender is the notification pipeline entry point.
type EventSender interface {
	Send(ctx context.Context, event models.NotificationEvent) (services.SendResult, error)
}

// Publisher republishes a message for another attempt. *amqp.Channel satisfies it.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EventConsumer turns queued NotificationEvents into sends. Malformed and invalid
// events are dead-lettered at once; failed sends are retried up to maxDeliveries.
type EventConsumer struct {
	base          *BaseConsumer
	sender        EventSender
	publisher     Publisher
	queue         string
	maxDeliveries int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewEventConsumer(base *BaseConsumer, sender EventSender, publisher Publisher, maxDeliveries int, m *metrics.Metrics, logger *slog.Logger) *EventConsumer {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &EventConsumer{
		base:          base,
		sender:        sender,
		publisher:     publisher,
		queue:         base.cfg.Queue,
		maxDeliveries: maxDeliveries,
		metrics:       m,
		logger:        logger,
	}
}

func (c *EventConsumer) Start(ctx context.Context) error {
	return c.base.Start(ctx, c.handleDelivery)
}

func (c *EventConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) error {
	var event models.NotificationEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.logger.Error("malformed event dead-lettered",
			slog.String("message_id", msg.MessageId),
			slog.Any("error", err))
		_ = msg.Reject(false)
		return fmt.Errorf("decode event: %w", err)
	}
	if event.ID == "" {
		event.ID = msg.MessageId
	}
	c.metrics.IncConsumed("queue")

	log := c.logger.With(slog.String("event_id", event.ID), slog.String("type", string(event.Type)))

	res, err := c.sender.Send(ctx, event)
	switch {
	case err == nil:
		if res.Suppressed {
			log.Debug("event suppressed", slog.String("reason", res.SuppressedReason))
		}
		return msg.Ack(false)
	case errors.Is(err, models.ErrValidation):
		log.Error("invalid event dead-lettered", slog.Any("error", err))
		_ = msg.Reject(false)
		return err
	case ctx.Err() != nil:
		// Shutting down; hand the event back to the broker untouched.
		_ = msg.Nack(false, true)
		return err
	}

	attempt := deliveryAttempts(&msg) + 1
	if attempt >= c.maxDeliveries || c.publisher == nil {
		log.Error("processing failed, message dead-lettered",
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		_ = msg.Reject(false)
		return err
	}
	if perr := c.republish(&msg, attempt); perr != nil {
		log.Warn("republish failed, message requeued", slog.Any("error", perr))
		_ = msg.Nack(false, true)
		return errors.Join(err, perr)
	}
	log.Warn("processing failed, message requeued",
		slog.Int("attempt", attempt),
		slog.Any("error", err))
	return errors.Join(err, msg.Ack(false))
}

func (c *EventConsumer) republish(msg *amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt)
	return c.publisher.Publish("", c.queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageId,
		Body:         msg.Body,
	})
}

// deliveryAttempts reports how many times msg has already been processed.
func deliveryAttempts(msg *amqp.Delivery) int {
	if n, ok := intHeader(msg.Headers[retryHeader]); ok {
		return n
	}
	if raw, ok := msg.Headers["x-death"]; ok {
		if deaths, ok := raw.([]interface{}); ok && len(deaths) > 0 {
			if table, ok := deaths[0].(amqp.Table); ok {
				if n, ok := intHeader(table["count"]); ok {
					return n
				}
			}
		}
	}
	if msg.Redelivered {
		return 1
	}
	return 0
}

func intHeader(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
