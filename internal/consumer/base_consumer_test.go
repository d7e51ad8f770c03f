package consumer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/logger"
)

func TestQueueConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := QueueConfig{Queue: "push.queue"}.withDefaults()
	assert.Equal(t, defaultExchange, cfg.Exchange)
	assert.Equal(t, defaultRoutingKey, cfg.RoutingKey)
	assert.Equal(t, 50, cfg.Prefetch)
	assert.Equal(t, 5, cfg.Workers)
}

func TestRunWorkers_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	deliveries := make(chan amqp.Delivery)
	var handled atomic.Int32

	errc := make(chan error, 1)
	go func() {
		errc <- runWorkers(ctx, 3, deliveries, func(context.Context, amqp.Delivery) error {
			handled.Add(1)
			return nil
		}, logger.Discard())
	}()

	for range 10 {
		deliveries <- amqp.Delivery{}
	}
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
	assert.Equal(t, int32(10), handled.Load())
}

func TestRunWorkers_ReportsClosedChannel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{}
	deliveries <- amqp.Delivery{}
	close(deliveries)

	var handled atomic.Int32
	err := runWorkers(context.Background(), 2, deliveries, func(context.Context, amqp.Delivery) error {
		handled.Add(1)
		return nil
	}, logger.Discard())

	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.Equal(t, int32(2), handled.Load())
}
