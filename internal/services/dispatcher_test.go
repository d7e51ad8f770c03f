package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository/repotest"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/logger"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/retry"
)

var testPayload = services.ComposedPayload{Title: "Hello", Body: "World", Data: map[string]string{"type": "test"}}

func testConfig() services.DispatcherConfig {
	return services.DispatcherConfig{
		Concurrency:    4,
		GatewayTimeout: time.Second,
		Retry:          retry.Policy{MaxAttempts: 2},
	}
}

func transientErr(p models.Platform) error {
	return &services.GatewayError{Platform: p, Kind: services.ErrTransientGateway, Reason: "503"}
}

func invalidErr(p models.Platform) error {
	return &services.GatewayError{Platform: p, Kind: services.ErrInvalidToken, Reason: "Unregistered"}
}

func register(t *testing.T, store *repository.TokenStore, userID string, platform models.Platform, token string) *models.DeviceToken {
	t.Helper()
	tok, err := store.RegisterOrRefresh(context.Background(), userID, platform, token)
	require.NoError(t, err)
	return tok
}

func TestDispatcher_FollowSkipsInactiveTokens(t *testing.T) {
	t.Parallel()

	store := repository.NewTokenStore(repotest.NewDB(t), 0)
	ctx := context.Background()
	register(t, store, "user-b", models.PlatformIOS, "ios-b")
	android := register(t, store, "user-b", models.PlatformAndroid, "android-b")
	_, err := store.Deactivate(ctx, android.ID)
	require.NoError(t, err)

	apns := newFakeGateway("apns", deliverAll, models.PlatformIOS)
	fcm := newFakeGateway("fcm", deliverAll, models.PlatformAndroid, models.PlatformWeb)
	d := services.NewDispatcher(store, []services.Gateway{apns, fcm}, testConfig(), nil, logger.Discard())

	event := &models.NotificationEvent{Type: models.EventFollow, ActorID: "user-a", Recipients: models.ToUsers("user-b")}
	summary, err := d.Send(ctx, event, testPayload)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TotalTokens)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 0, summary.FailedCount)
	assert.True(t, summary.Success())
	assert.Equal(t, 1, apns.callsFor("ios-b"))
	assert.Zero(t, fcm.totalCalls())
}

func TestDispatcher_BroadcastDeactivatesInvalidToken(t *testing.T) {
	t.Parallel()

	store := repository.NewTokenStore(repotest.NewDB(t), 1)
	ctx := context.Background()
	register(t, store, "u1", models.PlatformIOS, "ios-1")
	register(t, store, "u2", models.PlatformAndroid, "android-2")
	gone := register(t, store, "u3", models.PlatformAndroid, "android-3")

	apns := newFakeGateway("apns", deliverAll, models.PlatformIOS)
	fcm := newFakeGateway("fcm", func(_ context.Context, tok models.DeviceToken, _ int) error {
		if tok.Token == "android-3" {
			return invalidErr(tok.Platform)
		}
		return nil
	}, models.PlatformAndroid, models.PlatformWeb)
	d := services.NewDispatcher(store, []services.Gateway{apns, fcm}, testConfig(), nil, logger.Discard())

	summary, err := d.Send(ctx, &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.Broadcast()}, testPayload)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalTokens)
	assert.Equal(t, 2, summary.SentCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, 1, summary.InvalidCount)
	assert.Equal(t, 1, summary.DeactivatedCount)
	assert.True(t, summary.Success())
	assert.Equal(t, 1, fcm.callsFor("android-3"), "invalid tokens are not retried")

	left, err := store.ActiveTokensFor(ctx, "u3")
	require.NoError(t, err)
	assert.Empty(t, left)

	stored, err := store.Get(ctx, gone.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	n, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDispatcher_ZeroTokensIsSuccess(t *testing.T) {
	t.Parallel()

	store := repository.NewTokenStore(repotest.NewDB(t), 0)
	d := services.NewDispatcher(store, nil, testConfig(), nil, logger.Discard())

	summary, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("nobody")}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, models.DispatchSummary{}, summary)
	assert.True(t, summary.Success())
}

func TestDispatcher_TransientFailureRetriesOnceAndKeepsToken(t *testing.T) {
	t.Parallel()

	store := repository.NewTokenStore(repotest.NewDB(t), 0)
	ctx := context.Background()
	register(t, store, "u1", models.PlatformIOS, "flaky")
	register(t, store, "u1", models.PlatformIOS, "down")

	apns := newFakeGateway("apns", func(_ context.Context, tok models.DeviceToken, call int) error {
		if tok.Token == "flaky" && call > 1 {
			return nil
		}
		return transientErr(tok.Platform)
	}, models.PlatformIOS)
	d := services.NewDispatcher(store, []services.Gateway{apns}, testConfig(), nil, logger.Discard())

	summary, err := d.Send(ctx, &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u1")}, testPayload)
	require.NoError(t, err)

	assert.Equal(t, 2, apns.callsFor("flaky"))
	assert.Equal(t, 2, apns.callsFor("down"), "exactly one retry")
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, 1, summary.TransientCount)
	assert.Zero(t, summary.DeactivatedCount)

	active, err := store.ActiveTokensFor(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestDispatcher_PlainErrorsAreTreatedAsTransient(t *testing.T) {
	t.Parallel()

	reg := newMemoryRegistry(models.DeviceToken{ID: "t1", UserID: "u1", Platform: models.PlatformAndroid, Token: "slow", IsActive: true})
	fcm := newFakeGateway("fcm", func(ctx context.Context, _ models.DeviceToken, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}, models.PlatformAndroid)
	cfg := testConfig()
	cfg.GatewayTimeout = 10 * time.Millisecond
	d := services.NewDispatcher(reg, []services.Gateway{fcm}, cfg, nil, logger.Discard())

	summary, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u1")}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TransientCount)
	assert.Equal(t, 2, fcm.callsFor("slow"))
}

func TestDispatcher_DeadlineAbandonsUnstartedTokens(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var tokens []models.DeviceToken
	for i := range 5 {
		tokens = append(tokens, models.DeviceToken{
			ID:       fmt.Sprintf("t%d", i),
			UserID:   "u1",
			Platform: models.PlatformIOS,
			Token:    fmt.Sprintf("tok-%d", i),
			IsActive: true,
		})
	}
	reg := newMemoryRegistry(tokens...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	apns := newFakeGateway("apns", func(callCtx context.Context, _ models.DeviceToken, _ int) error {
		if started.Add(1) == 2 {
			// The deadline passes while the second call is in flight.
			cancel()
		}
		return callCtx.Err()
	}, models.PlatformIOS)

	cfg := testConfig()
	cfg.Concurrency = 1
	d := services.NewDispatcher(reg, []services.Gateway{apns}, cfg, nil, logger.Discard())

	var summary models.DispatchSummary
	var err error
	require.NotPanics(t, func() {
		summary, err = d.Send(ctx, &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u1")}, testPayload)
	})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.TotalTokens)
	assert.Equal(t, 2, summary.SentCount, "in-flight call finishes after cancellation")
	assert.Less(t, summary.Completed(), summary.TotalTokens)
	assert.Equal(t, 3, summary.Abandoned())
	assert.Equal(t, 2, apns.totalCalls())
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var tokens []models.DeviceToken
	for i := range 20 {
		tokens = append(tokens, models.DeviceToken{
			ID:       fmt.Sprintf("t%02d", i),
			UserID:   "u1",
			Platform: models.PlatformWeb,
			Token:    fmt.Sprintf("web-%02d", i),
			IsActive: true,
		})
	}
	reg := newMemoryRegistry(tokens...)

	var inFlight, peak atomic.Int32
	fcm := newFakeGateway("fcm", func(context.Context, models.DeviceToken, int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, models.PlatformAndroid, models.PlatformWeb)

	cfg := testConfig()
	cfg.Concurrency = 3
	d := services.NewDispatcher(reg, []services.Gateway{fcm}, cfg, nil, logger.Discard())

	summary, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.Broadcast()}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.SentCount)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestDispatcher_MissingGatewayReportsUnavailablePlatform(t *testing.T) {
	t.Parallel()

	reg := newMemoryRegistry(
		models.DeviceToken{ID: "a", UserID: "u1", Platform: models.PlatformIOS, Token: "ios", IsActive: true},
		models.DeviceToken{ID: "b", UserID: "u1", Platform: models.PlatformAndroid, Token: "android", IsActive: true},
	)
	fcm := newFakeGateway("fcm", deliverAll, models.PlatformAndroid, models.PlatformWeb)
	d := services.NewDispatcher(reg, []services.Gateway{fcm}, testConfig(), nil, logger.Discard())

	summary, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u1")}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalTokens)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 1, summary.RejectedCount)
	assert.Equal(t, []models.Platform{models.PlatformIOS}, summary.UnavailablePlatforms)

	status := d.GatewayStatus()
	assert.False(t, status["apns"].Configured)
	assert.True(t, status["fcm"].Healthy)
}

func TestDispatcher_RespectsPlatformScope(t *testing.T) {
	t.Parallel()

	reg := newMemoryRegistry(
		models.DeviceToken{ID: "a", UserID: "u1", Platform: models.PlatformIOS, Token: "ios", IsActive: true},
		models.DeviceToken{ID: "b", UserID: "u1", Platform: models.PlatformWeb, Token: "web", IsActive: true},
	)
	apns := newFakeGateway("apns", deliverAll, models.PlatformIOS)
	fcm := newFakeGateway("fcm", deliverAll, models.PlatformAndroid, models.PlatformWeb)
	d := services.NewDispatcher(reg, []services.Gateway{apns, fcm}, testConfig(), nil, logger.Discard())

	event := &models.NotificationEvent{
		Type:       models.EventGeneric,
		Recipients: models.ToUsers("u1"),
		Platforms:  []models.Platform{models.PlatformWeb},
	}
	summary, err := d.Send(context.Background(), event, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTokens)
	assert.Zero(t, apns.totalCalls())
	require.Len(t, fcm.messages, 1)
	require.NotNil(t, fcm.messages[0].FCM)
	assert.NotNil(t, fcm.messages[0].FCM.Webpush)
}

func TestDispatcher_RepeatedPlatformsSendOnce(t *testing.T) {
	t.Parallel()

	reg := newMemoryRegistry(
		models.DeviceToken{ID: "a", UserID: "u1", Platform: models.PlatformIOS, Token: "ios-1", IsActive: true},
		models.DeviceToken{ID: "b", UserID: "u2", Platform: models.PlatformAndroid, Token: "android-2", IsActive: true},
	)
	apns := newFakeGateway("apns", deliverAll, models.PlatformIOS)
	fcm := newFakeGateway("fcm", deliverAll, models.PlatformAndroid, models.PlatformWeb)
	d := services.NewDispatcher(reg, []services.Gateway{apns, fcm}, testConfig(), nil, logger.Discard())

	summary, err := d.Send(context.Background(), &models.NotificationEvent{
		Type:       models.EventGeneric,
		Recipients: models.Broadcast(),
		Platforms:  []models.Platform{"ios", "IOS", models.PlatformIOS},
	}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, apns.callsFor("ios-1"))
	assert.Zero(t, fcm.totalCalls())
	assert.Equal(t, 1, summary.TotalTokens)
	assert.Equal(t, 1, summary.SentCount)
	assert.Empty(t, summary.UnavailablePlatforms)
}

func TestDispatcher_PlatformScopeIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	reg := newMemoryRegistry(
		models.DeviceToken{ID: "a", UserID: "u1", Platform: models.PlatformIOS, Token: "ios-1", IsActive: true},
	)
	apns := newFakeGateway("apns", deliverAll, models.PlatformIOS)
	d := services.NewDispatcher(reg, []services.Gateway{apns}, testConfig(), nil, logger.Discard())

	summary, err := d.Send(context.Background(), &models.NotificationEvent{
		Type:       models.EventGeneric,
		Recipients: models.ToUsers("u1"),
		Platforms:  []models.Platform{" IOS "},
	}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTokens)
	assert.Equal(t, 1, summary.SentCount)
	assert.Equal(t, 1, apns.callsFor("ios-1"))
	assert.Empty(t, summary.UnavailablePlatforms)
}

func TestDispatcher_ConfigurationErrorDisablesGateway(t *testing.T) {
	t.Parallel()

	reg := newMemoryRegistry(
		models.DeviceToken{ID: "a", UserID: "u1", Platform: models.PlatformIOS, Token: "ios-a", IsActive: true},
		models.DeviceToken{ID: "b", UserID: "u2", Platform: models.PlatformIOS, Token: "ios-b", IsActive: true},
	)
	client := &fakeAPNSClient{reason: "InvalidProviderToken", status: 403}
	gw := services.NewAPNSGatewayWithClient(client, "com.example.app", logger.Discard())
	cfg := testConfig()
	cfg.Concurrency = 1
	d := services.NewDispatcher(reg, []services.Gateway{gw}, cfg, nil, logger.Discard())

	first, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u1")}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, first.RejectedCount)
	assert.False(t, gw.Status().Healthy)
	assert.Equal(t, "InvalidProviderToken", gw.Status().Reason)

	second, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u2")}, testPayload)
	require.NoError(t, err)
	assert.Equal(t, 1, second.RejectedCount)
	assert.Contains(t, second.UnavailablePlatforms, models.PlatformIOS)
	assert.Equal(t, 1, client.count(), "no network call once the gateway is unhealthy")
}

func TestDispatcher_ResolutionFailure(t *testing.T) {
	t.Parallel()

	d := services.NewDispatcher(failingRegistry{newMemoryRegistry()}, nil, testConfig(), nil, logger.Discard())
	_, err := d.Send(context.Background(), &models.NotificationEvent{Type: models.EventGeneric, Recipients: models.ToUsers("u1")}, testPayload)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
}

var errStoreDown = errors.New("store down")

type failingRegistry struct{ *memoryRegistry }

func (failingRegistry) ActiveTokensFor(context.Context, string, ...models.Platform) ([]models.DeviceToken, error) {
	return nil, errStoreDown
}

type fakeAPNSClient struct {
	reason string
	status int
	err    error

	mu    sync.Mutex
	calls int
	last  *apns2.Notification
}

func (c *fakeAPNSClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
