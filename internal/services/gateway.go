package services

import (
	"context"
	"sync"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
)

// Gateway delivers one platform message to one device token.
// Send returns nil on delivery or a *GatewayError classifying the failure.
type Gateway interface {
	Name() string
	Platforms() []models.Platform
	Send(ctx context.Context, token models.DeviceToken, msg PlatformMessage) error
	Status() GatewayStatus
}

// GatewayStatus is the operator-facing health of a gateway. It never carries secrets.
type GatewayStatus struct {
	Configured bool   `json:"configured"`
	Healthy    bool   `json:"healthy"`
	Reason     string `json:"reason,omitempty"`
}

// gatewayHealth latches a gateway unhealthy after a configuration error. It stays
// unhealthy for the life of the process.
type gatewayHealth struct {
	mu     sync.RWMutex
	failed bool
	reason string
}

func (h *gatewayHealth) markUnhealthy(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.failed {
		h.failed = true
		h.reason = reason
	}
}

func (h *gatewayHealth) status() GatewayStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return GatewayStatus{Configured: true, Healthy: !h.failed, Reason: h.reason}
}
