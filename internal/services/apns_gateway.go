package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
)

// APNSClient is the subset of *apns2.Client the gateway uses.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type APNSConfig struct {
	KeyID      string
	TeamID     string
	BundleID   string
	KeyFile    string
	Production bool
}

// Configured reports whether every credential needed for token auth is present.
func (c APNSConfig) Configured() bool {
	return c.KeyID != "" && c.TeamID != "" && c.BundleID != "" && c.KeyFile != ""
}

// APNSGateway sends iOS notifications over the APNs HTTP/2 API.
type APNSGateway struct {
	client   APNSClient
	bundleID string
	logger   *slog.Logger
	health   gatewayHealth
}

// NewAPNSGateway loads the .p8 signing key and builds a token-auth client.
// Bad key material fails here rather than on the first send.
func NewAPNSGateway(cfg APNSConfig, logger *slog.Logger) (*APNSGateway, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: apns credentials incomplete", ErrConfiguration)
	}
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: load apns key: %v", ErrConfiguration, err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return NewAPNSGatewayWithClient(client, cfg.BundleID, logger), nil
}

func NewAPNSGatewayWithClient(client APNSClient, bundleID string, logger *slog.Logger) *APNSGateway {
	return &APNSGateway{
		client:   client,
		bundleID: bundleID,
		logger:   logger.With("component", "apns_gateway"),
	}
}

func (g *APNSGateway) Name() string { return "apns" }

func (g *APNSGateway) Platforms() []models.Platform {
	return []models.Platform{models.PlatformIOS}
}

func (g *APNSGateway) Status() GatewayStatus { return g.health.status() }

func (g *APNSGateway) Send(ctx context.Context, tok models.DeviceToken, msg PlatformMessage) error {
	if msg.APNs == nil {
		return newGatewayError(models.PlatformIOS, ErrGatewayRejected, "missing apns payload", nil)
	}
	n := &apns2.Notification{
		DeviceToken: tok.Token,
		Topic:       g.bundleID,
		Payload:     msg.APNs.Payload,
		CollapseID:  msg.APNs.CollapseID,
		Priority:    msg.APNs.Priority,
		PushType:    apns2.PushTypeAlert,
	}

	res, err := g.client.PushWithContext(ctx, n)
	if err != nil {
		return newGatewayError(models.PlatformIOS, ErrTransientGateway, "transport", err)
	}
	if res.Sent() {
		return nil
	}

	kind := classifyAPNs(res)
	if errors.Is(kind, ErrConfiguration) {
		g.health.markUnhealthy(res.Reason)
		g.logger.Error("apns rejected provider credentials", slog.String("reason", res.Reason), slog.Int("status", res.StatusCode))
	}
	return newGatewayError(models.PlatformIOS, kind, res.Reason, nil)
}

func classifyAPNs(res *apns2.Response) error {
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return ErrInvalidToken
	case apns2.ReasonInvalidProviderToken, apns2.ReasonExpiredProviderToken, apns2.ReasonMissingProviderToken:
		return ErrConfiguration
	}
	switch {
	case res.StatusCode == http.StatusGone:
		return ErrInvalidToken
	case res.StatusCode == http.StatusTooManyRequests, res.StatusCode >= http.StatusInternalServerError:
		return ErrTransientGateway
	default:
		return ErrGatewayRejected
	}
}
