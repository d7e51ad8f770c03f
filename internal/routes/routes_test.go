package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository/repotest"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/routes"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/logger"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubNotifier embeds the interface so only Send needs an implementation.
type stubNotifier struct {
	services.NotificationService
	events []models.NotificationEvent
	result services.SendResult
	err    error
}

func (s *stubNotifier) Send(_ context.Context, e models.NotificationEvent) (services.SendResult, error) {
	s.events = append(s.events, e)
	return s.result, s.err
}

type fixture struct {
	router   *gin.Engine
	notifier *stubNotifier
	tokens   *repository.TokenStore
	records  *repository.RecordStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := repotest.NewDB(t)
	require.NoError(t, db.Create(&models.User{ID: "u1", Email: "u1@example.com"}).Error)

	f := &fixture{
		notifier: &stubNotifier{},
		tokens:   repository.NewTokenStore(db, 0),
		records:  repository.NewRecordStore(db),
	}
	f.router = routes.NewRouter(routes.Deps{
		Notifier: f.notifier,
		Users:    repository.NewUserStore(db, ""),
		Devices:  f.tokens,
		Records:  f.records,
		Gateways: func() map[string]services.GatewayStatus {
			return map[string]services.GatewayStatus{
				"apns": {Configured: true, Healthy: false, Reason: "InvalidProviderToken"},
				"fcm":  {},
			}
		},
		Metrics: metrics.New(),
		Logger:  logger.Discard(),
		Started: time.Now(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name string
		body any
	}{
		{name: "no audience", body: map[string]any{"notification": map[string]string{"title": "t", "body": "b"}}},
		{name: "missing title", body: map[string]any{"userIds": []string{"u1"}, "notification": map[string]string{"body": "b"}}},
		{name: "missing body", body: map[string]any{"sendToAll": true, "notification": map[string]string{"title": "t"}}},
		{name: "malformed", body: "not an object"},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/notifications/send", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
	}
	assert.Empty(t, f.notifier.events)
}

func TestSend_Broadcast(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.notifier.result = services.SendResult{Summary: models.DispatchSummary{TotalTokens: 3, SentCount: 2, FailedCount: 1}}

	rec := f.do(t, http.MethodPost, "/notifications/send", map[string]any{
		"sendToAll":         true,
		"notification":      map[string]string{"title": "Hello", "body": "World"},
		"data":              map[string]any{"deeplink": "/home", "count": 3},
		"platformOverrides": map[string]any{"apns": map[string]any{"sound": "chime"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(2), out["sentCount"])
	assert.Equal(t, float64(1), out["failedCount"])
	assert.Equal(t, float64(3), out["totalTokens"])

	require.Len(t, f.notifier.events, 1)
	e := f.notifier.events[0]
	assert.Equal(t, models.RecipientsBroadcastAll, e.Recipients.Mode)
	assert.Equal(t, models.EventGeneric, e.Type)
	assert.Equal(t, "3", e.Data["count"])
	require.NotNil(t, e.Overrides)
	assert.Equal(t, "chime", e.Overrides.APNs.Sound)
}

func TestSend_AllFailedIsStillOK(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.notifier.result = services.SendResult{Summary: models.DispatchSummary{TotalTokens: 2, FailedCount: 2}}

	rec := f.do(t, http.MethodPost, "/notifications/send", map[string]any{
		"userIds":      []string{"u1"},
		"notification": map[string]string{"title": "t", "body": "b"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])
}

func TestSend_InternalErrorIsGeneric(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.notifier.err = errors.New("pq: connection refused to 10.0.0.4")

	rec := f.do(t, http.MethodPost, "/notifications/send", map[string]any{
		"userIds":      []string{"u1"},
		"notification": map[string]string{"title": "t", "body": "b"},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.4")
}

func TestSendToUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/notifications/send", map[string]any{
		"userId":       "u1",
		"notification": map[string]string{"title": "t", "body": "b"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(0), out["sentCount"])
	assert.Equal(t, "user has no active device tokens", out["message"])

	rec = f.do(t, http.MethodPut, "/notifications/send", map[string]any{
		"userId":       "ghost",
		"notification": map[string]string{"title": "t", "body": "b"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/notifications/send", map[string]any{
		"notification": map[string]string{"title": "t", "body": "b"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.notifier.events, 1)
}

func TestDevices(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/devices", map[string]string{"userId": "u1", "platform": "IOS", "token": "secret-token"})
	require.Equal(t, http.StatusCreated, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ios", out["platform"])
	assert.NotContains(t, rec.Body.String(), "secret-token")
	id := out["id"].(string)

	rec = f.do(t, http.MethodPost, "/devices", map[string]string{"userId": "u1", "platform": "symbian", "token": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/devices/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["deactivated"])

	rec = f.do(t, http.MethodDelete, "/devices/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["deactivated"], "second deactivate is a no-op")

	rec = f.do(t, http.MethodDelete, "/devices/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tokens.RegisterOrRefresh(ctx, "u1", models.PlatformAndroid, "a")
	require.NoError(t, err)
	require.NoError(t, f.records.Create(ctx, &models.NotificationRecord{Type: models.EventTest, SentCount: 4, FailedCount: 1, Status: models.RecordPartiallySent}))

	rec := f.do(t, http.MethodGet, "/notifications/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Gateways      map[string]services.GatewayStatus `json:"gateways"`
		ActiveTokens  map[string]int64                  `json:"activeTokens"`
		Notifications map[string]int64                  `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Gateways["apns"].Healthy)
	assert.False(t, out.Gateways["fcm"].Configured)
	assert.Equal(t, int64(1), out.ActiveTokens["android"])
	assert.Equal(t, int64(0), out.ActiveTokens["ios"])
	assert.Equal(t, int64(4), out.Notifications["sent24h"])
	assert.Equal(t, int64(1), out.Notifications["failed24h"])
	assert.Equal(t, int64(1), out.Notifications["recent1h"])
	assert.Equal(t, int64(1), out.Notifications["total"])
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
