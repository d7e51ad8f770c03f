package routes

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
)

type UserFinder interface {
	FindUser(ctx context.Context, id string) (*models.User, error)
}

type DeviceRegistry interface {
	RegisterOrRefresh(ctx context.Context, userID string, platform models.Platform, token string) (*models.DeviceToken, error)
	Get(ctx context.Context, tokenID string) (*models.DeviceToken, error)
	Deactivate(ctx context.Context, tokenID string) (bool, error)
	CountActiveByPlatform(ctx context.Context) (map[models.Platform]int64, error)
}

type RecordStats interface {
	StatsSince(ctx context.Context, since time.Time) (repository.RecordStats, error)
}

// Deps carries everything the HTTP surface talks to.
type Deps struct {
	Notifier services.NotificationService
	Users    UserFinder
	Devices  DeviceRegistry
	Records  RecordStats
	// Gateways reports gateway health without secret material.
	Gateways func() map[string]services.GatewayStatus
	// Ping checks the datastore for /health. Optional.
	Ping    func(ctx context.Context) error
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Started time.Time
}

// NewRouter wires the notification, device and operational endpoints.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(deps.Logger))

	h := &handler{deps: deps, now: time.Now}

	r.GET("/health", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	notifications := r.Group("/notifications")
	{
		notifications.POST("/send", h.send)
		notifications.PUT("/send", h.sendToUser)
		notifications.GET("/status", h.status)
	}

	devices := r.Group("/devices")
	{
		devices.POST("", h.registerDevice)
		devices.DELETE("/:id", h.deactivateDevice)
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if logger == nil {
			return
		}
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

func (h *handler) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"success": true,
		"message": "delivery engine healthy",
		"meta": gin.H{
			"uptime_seconds": int(time.Since(h.deps.Started).Seconds()),
			"timestamp":      time.Now().UTC(),
		},
	}
	if h.deps.Ping != nil {
		if err := h.deps.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["success"] = false
			body["message"] = "database unavailable"
		}
	}
	c.JSON(status, body)
}
