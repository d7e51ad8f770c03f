package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streadway/amqp"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/config"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/consumer"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/routes"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/logger"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/ratelimit"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logr := logger.New(cfg.LogLevel, cfg.LogFormat)
	logr.Info("starting delivery engine", slog.String("app", cfg.AppName), slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Error("delivery engine exited", slog.Any("error", err))
		os.Exit(1)
	}
	logr.Info("delivery engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logr *slog.Logger) error {
	db, err := repository.OpenPostgres(cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		return err
	}
	if err := repository.Migrate(db); err != nil {
		return err
	}

	tokens := repository.NewTokenStore(db, cfg.TokenPageSize)
	records := repository.NewRecordStore(db)
	users := repository.NewUserStore(db, cfg.UsersTable)
	metricsCollector := metrics.New()

	var (
		counterStore ratelimit.Store
		dedup        services.Deduplicator
	)
	if cfg.RedisURL != "" {
		rdb, err := repository.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		redisRepo := repository.NewRedisRepository(rdb, "push:")
		defer redisRepo.Close()
		counterStore, dedup = redisRepo, redisRepo
		logr.Info("using redis for rate limits and dedup")
	} else {
		mem := ratelimit.NewMemoryStore()
		defer mem.Close()
		counterStore, dedup = mem, services.NewMemoryDeduplicator(cfg.DedupTTL)
		logr.Warn("REDIS_URL not set, rate limits and dedup are local to this instance")
	}

	limiter, err := ratelimit.New(counterStore,
		ratelimit.Policy{Limit: cfg.RateLimitDefault, Window: cfg.RateLimitWindow},
		ratelimit.WithPolicy(ratelimit.ActionFollow, ratelimit.Policy{Limit: cfg.RateLimitFollow, Window: cfg.RateLimitWindow}),
		ratelimit.WithPolicy(ratelimit.ActionLocationTip, ratelimit.Policy{Limit: cfg.RateLimitLocationTip, Window: cfg.RateLimitWindow}),
		ratelimit.WithLogger(logr),
	)
	if err != nil {
		return err
	}

	dispatcher := services.NewDispatcher(tokens, buildGateways(ctx, cfg, logr), services.DispatcherConfig{
		Concurrency:    cfg.DispatchConcurrency,
		GatewayTimeout: cfg.GatewayTimeout,
		Retry: retry.Policy{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			JitterFactor:   0.2,
		},
	}, metricsCollector, logr)

	notifier := services.NewNotifier(
		dispatcher,
		services.NewAuditLogger(records, metricsCollector, logr),
		limiter,
		dedup,
		services.NotifierConfig{DispatchTimeout: cfg.DispatchTimeout, DedupTTL: cfg.DedupTTL},
		metricsCollector,
		logr,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := startHTTPServer(cfg.HTTPPort, routes.NewRouter(routes.Deps{
		Notifier: notifier,
		Users:    users,
		Devices:  tokens,
		Records:  records,
		Gateways: dispatcher.GatewayStatus,
		Ping:     func(ctx context.Context) error { return repository.Ping(ctx, db) },
		Metrics:  metricsCollector,
		Logger:   logr,
		Started:  time.Now(),
	}), logr)
	defer shutdownHTTP(httpSrv, logr)

	if cfg.RabbitURL == "" {
		logr.Warn("RABBITMQ_URL not set, queue ingestion disabled")
		<-ctx.Done()
		return nil
	}
	return consume(ctx, cfg, notifier, metricsCollector, logr)
}

func buildGateways(ctx context.Context, cfg *config.Config, logr *slog.Logger) []services.Gateway {
	var gateways []services.Gateway

	apns, err := services.NewAPNSGateway(services.APNSConfig(cfg.APNS), logr)
	if err != nil {
		logr.Warn("apns gateway disabled, ios tokens will not be delivered", slog.Any("error", err))
	} else {
		gateways = append(gateways, apns)
	}

	fcm, err := services.NewFCMGateway(ctx, cfg.FCM.CredentialsFile, logr)
	if err != nil {
		logr.Warn("fcm gateway disabled, android and web tokens will not be delivered", slog.Any("error", err))
	} else {
		gateways = append(gateways, fcm)
	}
	return gateways
}

func consume(ctx context.Context, cfg *config.Config, sender consumer.EventSender, m *metrics.Metrics, logr *slog.Logger) error {
	var conn *amqp.Connection
	dialPolicy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, JitterFactor: 0.2}
	err := retry.Do(ctx, dialPolicy, func() error {
		var derr error
		conn, derr = amqp.Dial(cfg.RabbitURL)
		if derr != nil {
			logr.Warn("rabbitmq dial failed", slog.Any("error", derr))
		}
		return derr
	})
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer conn.Close()

	// Retries are republished on their own channel so they do not share flow control with consumption.
	pubCh, err := conn.Channel()
	if err != nil {
		return err
	}
	defer pubCh.Close()

	base := consumer.NewBaseConsumer(conn, consumer.QueueConfig{
		Queue:           cfg.EventQueue,
		DeadLetterQueue: cfg.DeadLetterQueue,
		Prefetch:        cfg.PrefetchCount,
		Workers:         cfg.WorkerCount,
	}, logr)
	events := consumer.NewEventConsumer(base, sender, pubCh, cfg.RetryMaxAttempts, m, logr)

	// A broker-side close ends the process so the supervisor can restart it with a fresh connection.
	return events.Start(ctx)
}

func startHTTPServer(port string, handler http.Handler, logr *slog.Logger) *http.Server {
	if port == "" {
		port = "8082"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("http server error", slog.Any("error", err))
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logr *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Error("failed to shutdown http server", slog.Any("error", err))
	}
}
