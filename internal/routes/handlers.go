package routes

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
)

type handler struct {
	deps Deps
	now  func() time.Time
}

type notificationContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type sendRequest struct {
	UserIDs           []string                  `json:"userIds"`
	SendToAll         bool                      `json:"sendToAll"`
	Notification      notificationContent       `json:"notification"`
	Data              map[string]any            `json:"data"`
	PlatformOverrides *models.PlatformOverrides `json:"platformOverrides"`
	Platforms         []models.Platform         `json:"platforms"`
	DedupKey          string                    `json:"dedupKey"`
}

type sendToUserRequest struct {
	UserID       string              `json:"userId"`
	Notification notificationContent `json:"notification"`
	Data         map[string]any      `json:"data"`
}

type sendResponse struct {
	Success          bool              `json:"success"`
	SentCount        int               `json:"sentCount"`
	FailedCount      int               `json:"failedCount"`
	TotalTokens      int               `json:"totalTokens"`
	DeactivatedCount int               `json:"deactivatedCount,omitempty"`
	Unavailable      []models.Platform `json:"unavailablePlatforms,omitempty"`
	Suppressed       bool              `json:"suppressed,omitempty"`
	SuppressedReason string            `json:"suppressedReason,omitempty"`
	RetryAfterSecs   int               `json:"retryAfterSeconds,omitempty"`
	RecordID         string            `json:"recordId,omitempty"`
	Message          string            `json:"message,omitempty"`
}

func newSendResponse(res services.SendResult) sendResponse {
	out := sendResponse{
		Success:          res.Summary.Success(),
		SentCount:        res.Summary.SentCount,
		FailedCount:      res.Summary.FailedCount,
		TotalTokens:      res.Summary.TotalTokens,
		DeactivatedCount: res.Summary.DeactivatedCount,
		Unavailable:      res.Summary.UnavailablePlatforms,
		Suppressed:       res.Suppressed,
		SuppressedReason: res.SuppressedReason,
		RetryAfterSecs:   int(res.RetryAfter.Round(time.Second) / time.Second),
	}
	if res.Record != nil {
		out.RecordID = res.Record.ID
	}
	return out
}

func (n notificationContent) validate() error {
	if strings.TrimSpace(n.Title) == "" || strings.TrimSpace(n.Body) == "" {
		return fmt.Errorf("%w: notification.title and notification.body are required", models.ErrValidation)
	}
	return nil
}

func stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// send handles POST /notifications/send for a set of users or a broadcast.
func (h *handler) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	if len(req.UserIDs) == 0 && !req.SendToAll {
		h.writeError(c, fmt.Errorf("%w: either userIds or sendToAll is required", models.ErrValidation))
		return
	}
	if err := req.Notification.validate(); err != nil {
		h.writeError(c, err)
		return
	}

	recipients := models.ToUsers(req.UserIDs...)
	if req.SendToAll {
		recipients = models.Broadcast()
	}
	event := models.NotificationEvent{
		Type:       models.EventGeneric,
		Recipients: recipients,
		Title:      req.Notification.Title,
		Body:       req.Notification.Body,
		Data:       stringData(req.Data),
		Overrides:  req.PlatformOverrides,
		Platforms:  req.Platforms,
		DedupKey:   req.DedupKey,
	}
	h.deps.Metrics.IncConsumed("http")

	res, err := h.deps.Notifier.Send(c.Request.Context(), event)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSendResponse(res))
}

// sendToUser handles PUT /notifications/send for exactly one user.
func (h *handler) sendToUser(c *gin.Context) {
	var req sendToUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		h.writeError(c, fmt.Errorf("%w: userId is required", models.ErrValidation))
		return
	}
	if err := req.Notification.validate(); err != nil {
		h.writeError(c, err)
		return
	}
	if h.deps.Users != nil {
		if _, err := h.deps.Users.FindUser(c.Request.Context(), req.UserID); err != nil {
			h.writeError(c, err)
			return
		}
	}
	h.deps.Metrics.IncConsumed("http")

	res, err := h.deps.Notifier.Send(c.Request.Context(), models.NotificationEvent{
		Type:       models.EventGeneric,
		Recipients: models.ToUsers(req.UserID),
		Title:      req.Notification.Title,
		Body:       req.Notification.Body,
		Data:       stringData(req.Data),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := newSendResponse(res)
	if res.Summary.TotalTokens == 0 && !res.Suppressed {
		out.Message = "user has no active device tokens"
	}
	c.JSON(http.StatusOK, out)
}

// status handles GET /notifications/status.
func (h *handler) status(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.now().UTC()

	gateways := map[string]services.GatewayStatus{}
	if h.deps.Gateways != nil {
		gateways = h.deps.Gateways()
	}

	tokens, err := h.deps.Devices.CountActiveByPlatform(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	day, err := h.deps.Records.StatsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		h.writeError(c, err)
		return
	}
	hour, err := h.deps.Records.StatsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		h.writeError(c, err)
		return
	}
	all, err := h.deps.Records.StatsSince(ctx, time.Time{})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"gateways":     gateways,
		"activeTokens": tokens,
		"notifications": gin.H{
			"sent24h":   day.Sent,
			"failed24h": day.Failed,
			"recent1h":  hour.Notifications,
			"total":     all.Notifications,
		},
		"timestamp": now,
	})
}

type registerDeviceRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Platform string `json:"platform" binding:"required"`
	Token    string `json:"token" binding:"required"`
}

// registerDevice handles POST /devices.
func (h *handler) registerDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		h.writeError(c, err)
		return
	}
	tok, err := h.deps.Devices.RegisterOrRefresh(c.Request.Context(), req.UserID, platform, req.Token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tok)
}

// deactivateDevice handles DELETE /devices/:id. Tokens are soft-deactivated, never removed.
func (h *handler) deactivateDevice(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.deps.Devices.Get(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	changed, err := h.deps.Devices.Deactivate(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "deactivated": changed})
}

func (h *handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	default:
		if h.deps.Logger != nil {
			h.deps.Logger.Error("request failed",
				slog.String("path", c.FullPath()),
				slog.Any("error", err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}
