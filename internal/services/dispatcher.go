package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/retry"
)

// TokenRegistry is the part of the token store the dispatcher depends on.
type TokenRegistry interface {
	ActiveTokensFor(ctx context.Context, userID string, platforms ...models.Platform) ([]models.DeviceToken, error)
	ActiveTokensForAll(ctx context.Context, platform models.Platform) iter.Seq2[models.DeviceToken, error]
	CountActive(ctx context.Context, platforms ...models.Platform) (int64, error)
	Deactivate(ctx context.Context, tokenID string) (bool, error)
	Touch(ctx context.Context, tokenID string) error
}

type DispatcherConfig struct {
	// Concurrency bounds simultaneous gateway calls within one Send.
	Concurrency int
	// GatewayTimeout applies to each gateway call, including the retry.
	GatewayTimeout time.Duration
	Retry          retry.Policy
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 32
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 2
	}
	c.Retry.Retryable = IsTransient
	return c
}

// Dispatcher resolves recipients to active tokens and fans a composed payload out
// to the platform gateways through a bounded worker pool.
type Dispatcher struct {
	registry TokenRegistry
	gateways map[models.Platform]Gateway
	cfg      DispatcherConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewDispatcher(registry TokenRegistry, gateways []Gateway, cfg DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		gateways: make(map[models.Platform]Gateway),
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger.With("component", "dispatcher"),
	}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		for _, p := range gw.Platforms() {
			d.gateways[p] = gw
		}
	}
	return d
}

// GatewayStatus reports every gateway the engine knows about. Gateways that were
// never configured are reported with Configured=false.
func (d *Dispatcher) GatewayStatus() map[string]GatewayStatus {
	out := map[string]GatewayStatus{
		"apns": {},
		"fcm":  {},
	}
	for _, gw := range d.gateways {
		out[gw.Name()] = gw.Status()
	}
	return out
}

// route is what the workers need to deliver to one platform.
type route struct {
	platform    models.Platform
	gateway     Gateway
	message     PlatformMessage
	// unavailable holds why tokens on this platform cannot be attempted.
	unavailable error
	// shapeErr is set when the payload could not be shaped for this platform.
	shapeErr    error
}

func (r *route) available() bool {
	return r.unavailable == nil && r.gateway.Status().Healthy
}

// Send delivers payload to every active token the event resolves to. Cancelling ctx
// stops new gateway calls; calls already in flight run to completion and are counted.
// Abandoned tokens stay in TotalTokens but produce no outcome.
func (d *Dispatcher) Send(ctx context.Context, event *models.NotificationEvent, payload ComposedPayload) (models.DispatchSummary, error) {
	platforms := event.TargetPlatforms()
	routes := d.routes(platforms, payload, event.Overrides)

	var (
		tokens iter.Seq2[models.DeviceToken, error]
		total  int
	)
	switch event.Recipients.Mode {
	case models.RecipientsBroadcastAll:
		n, err := d.registry.CountActive(ctx, platforms...)
		if err != nil {
			return models.DispatchSummary{}, fmt.Errorf("resolve broadcast audience: %w", err)
		}
		total = int(n)
		tokens = d.broadcastTokens(ctx, platforms)
	default:
		resolved, err := d.resolveUsers(ctx, event.RecipientIDs(), platforms)
		if err != nil {
			return models.DispatchSummary{}, fmt.Errorf("resolve recipients: %w", err)
		}
		total = len(resolved)
		tokens = func(yield func(models.DeviceToken, error) bool) {
			for _, t := range resolved {
				if !yield(t, nil) {
					return
				}
			}
		}
	}

	var (
		mu         sync.Mutex
		outcomes   []models.DispatchOutcome
		wg         sync.WaitGroup
		seen       int
		resolveErr error
	)
	sem := semaphore.NewWeighted(int64(d.cfg.Concurrency))

	for tok, err := range tokens {
		if err != nil {
			if ctx.Err() == nil {
				resolveErr = err
			}
			break
		}
		seen++
		if ctx.Err() != nil {
			break
		}
		r := routes[tok.Platform]
		if r == nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(tok models.DeviceToken) {
			defer wg.Done()
			defer sem.Release(1)
			out, ok := d.dispatchOne(ctx, r, tok)
			if !ok {
				return
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(tok)
	}
	wg.Wait()

	summary := Aggregate(outcomes)
	// The pre-count can drift from what the stream returned while tokens change underneath.
	if ctx.Err() == nil && resolveErr == nil {
		summary.TotalTokens = seen
	} else {
		summary.TotalTokens = max(total, seen)
	}
	for _, p := range platforms {
		if r := routes[p]; r != nil && !r.available() {
			summary.UnavailablePlatforms = append(summary.UnavailablePlatforms, p)
		}
	}

	if resolveErr != nil {
		return summary, fmt.Errorf("stream broadcast tokens: %w", resolveErr)
	}
	if n := summary.Abandoned(); n > 0 {
		d.logger.Warn("dispatch stopped before every token was attempted",
			slog.String("event_id", event.ID),
			slog.Int("total_tokens", summary.TotalTokens),
			slog.Int("abandoned", n),
			slog.Any("error", ctx.Err()))
	}
	return summary, nil
}

func (d *Dispatcher) routes(platforms []models.Platform, payload ComposedPayload, overrides *models.PlatformOverrides) map[models.Platform]*route {
	routes := make(map[models.Platform]*route, len(platforms))
	for _, p := range platforms {
		r := &route{platform: p, gateway: d.gateways[p]}
		routes[p] = r
		if r.gateway == nil {
			r.unavailable = fmt.Errorf("%w: no gateway configured for %s", ErrConfiguration, p)
			continue
		}
		if st := r.gateway.Status(); !st.Healthy {
			r.unavailable = fmt.Errorf("%w: %s gateway unhealthy: %s", ErrConfiguration, r.gateway.Name(), st.Reason)
			continue
		}
		msg, err := ShapeForPlatform(payload, p, overrides)
		if err != nil {
			r.shapeErr = err
			continue
		}
		r.message = msg
	}
	return routes
}

func (d *Dispatcher) resolveUsers(ctx context.Context, userIDs []string, platforms []models.Platform) ([]models.DeviceToken, error) {
	var out []models.DeviceToken
	for _, id := range userIDs {
		tokens, err := d.registry.ActiveTokensFor(ctx, id, platforms...)
		if err != nil {
			return nil, err
		}
		out = append(out, tokens...)
	}
	return out, nil
}

func (d *Dispatcher) broadcastTokens(ctx context.Context, platforms []models.Platform) iter.Seq2[models.DeviceToken, error] {
	return func(yield func(models.DeviceToken, error) bool) {
		for _, p := range platforms {
			for tok, err := range d.registry.ActiveTokensForAll(ctx, p) {
				if !yield(tok, err) || err != nil {
					return
				}
			}
		}
	}
}

// dispatchOne sends to a single token with one retry on transient failure. It returns
// false when the caller's context ended before any attempt was made.
func (d *Dispatcher) dispatchOne(ctx context.Context, r *route, tok models.DeviceToken) (models.DispatchOutcome, bool) {
	out := models.DispatchOutcome{
		TokenID:  tok.ID,
		UserID:   tok.UserID,
		Platform: tok.Platform,
	}

	if !r.available() || r.shapeErr != nil {
		out.Result = models.ResultGatewayRejected
		switch {
		case r.unavailable != nil:
			out.Err = r.unavailable
		case r.shapeErr != nil:
			out.Err = newGatewayError(tok.Platform, ErrGatewayRejected, "payload", r.shapeErr)
		default:
			out.Err = fmt.Errorf("%w: %s gateway unhealthy", ErrConfiguration, r.gateway.Name())
		}
		d.metrics.IncOutcome(string(tok.Platform), string(out.Result))
		return out, true
	}

	// In-flight calls outlive the caller's cancellation; only the per-call timeout bounds them.
	callCtx := context.WithoutCancel(ctx)
	attempts, err := d.cfg.Retry.Do(ctx, func(a retry.Attempt) error {
		if a > 1 {
			d.metrics.IncRetried(string(tok.Platform))
		}
		attemptCtx, cancel := context.WithTimeout(callCtx, d.cfg.GatewayTimeout)
		defer cancel()
		err := r.gateway.Send(attemptCtx, tok, r.message)
		var gwErr *GatewayError
		if err != nil && !errors.As(err, &gwErr) {
			err = newGatewayError(tok.Platform, ErrTransientGateway, "call", err)
		}
		return err
	})
	if attempts == 0 {
		return out, false
	}

	out.Attempts = attempts
	out.Result = ResultFor(err)
	out.Err = err

	switch out.Result {
	case models.ResultDelivered:
		if err := d.registry.Touch(callCtx, tok.ID); err != nil {
			d.logger.Debug("refresh last seen failed", slog.String("token_id", tok.ID), slog.Any("error", err))
		}
	case models.ResultInvalidToken:
		changed, derr := d.registry.Deactivate(callCtx, tok.ID)
		if derr != nil {
			d.logger.Error("deactivate token failed",
				slog.String("token_id", tok.ID),
				slog.String("token", tok.TokenPrefix()),
				slog.Any("error", derr))
		}
		out.Deactivated = changed
		if changed {
			d.metrics.IncDeactivated()
			d.logger.Info("token deactivated",
				slog.String("token_id", tok.ID),
				slog.String("platform", string(tok.Platform)),
				slog.String("token", tok.TokenPrefix()))
		}
	default:
		d.logger.Warn("gateway call failed",
			slog.String("token_id", tok.ID),
			slog.String("platform", string(tok.Platform)),
			slog.String("result", string(out.Result)),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
	}
	d.metrics.IncOutcome(string(tok.Platform), string(out.Result))
	return out, true
}
