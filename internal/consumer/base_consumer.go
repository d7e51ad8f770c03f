package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

const (
	defaultExchange   = "notifications.direct"
	defaultRoutingKey = "push"
)

// ErrDeliveriesClosed is returned when the broker closes the delivery stream
// before the consumer is asked to stop.
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// HandlerFunc processes one delivery and is responsible for acking it.
type HandlerFunc func(context.Context, amqp.Delivery) error

// QueueConfig names the topology the consumer declares on start.
type QueueConfig struct {
	Exchange   string
	RoutingKey string
	Queue      string
	// DeadLetterQueue receives rejected messages. Empty disables dead-lettering.
	DeadLetterQueue string
	Prefetch        int
	Workers         int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Exchange == "" {
		c.Exchange = defaultExchange
	}
	if c.RoutingKey == "" {
		c.RoutingKey = defaultRoutingKey
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 50
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	return c
}

// BaseConsumer declares the event queue topology and fans deliveries out to a
// fixed pool of workers.
type BaseConsumer struct {
	conn   *amqp.Connection
	cfg    QueueConfig
	logger *slog.Logger
}

func NewBaseConsumer(conn *amqp.Connection, cfg QueueConfig, logger *slog.Logger) *BaseConsumer {
	return &BaseConsumer{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Start consumes until ctx is cancelled or the broker closes the stream. In-flight
// handlers finish before Start returns.
func (c *BaseConsumer) Start(ctx context.Context, handler HandlerFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.setupQueue(ch); err != nil {
		return fmt.Errorf("queue setup failed: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		"",
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("consuming events",
		slog.String("queue", c.cfg.Queue),
		slog.Int("workers", c.cfg.Workers),
		slog.Int("prefetch", c.cfg.Prefetch))

	return runWorkers(ctx, c.cfg.Workers, deliveries, handler, c.logger)
}

// runWorkers drains deliveries with n workers. It returns nil on ctx cancellation
// and ErrDeliveriesClosed if the channel closes first.
func runWorkers(ctx context.Context, n int, deliveries <-chan amqp.Delivery, handler HandlerFunc, logger *slog.Logger) error {
	var (
		wg     sync.WaitGroup
		closed sync.Once
		done   = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						closed.Do(func() { close(done) })
						return
					}
					if err := handler(ctx, msg); err != nil {
						logger.Debug("handler returned error",
							slog.Uint64("delivery_tag", msg.DeliveryTag),
							slog.Any("error", err))
					}
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case <-done:
		wg.Wait()
		return ErrDeliveriesClosed
	}
}

func (c *BaseConsumer) setupQueue(ch *amqp.Channel) error {
	args := amqp.Table{}
	if c.cfg.DeadLetterQueue != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = c.cfg.DeadLetterQueue
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		return err
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return err
	}
	if c.cfg.DeadLetterQueue != "" {
		if _, err := ch.QueueDeclare(c.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}
