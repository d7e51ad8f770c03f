package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
)

// FCMClient is the subset of *messaging.Client the gateway uses.
type FCMClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMGateway sends android and web notifications through Firebase Cloud Messaging.
type FCMGateway struct {
	client FCMClient
	logger *slog.Logger
	health gatewayHealth
}

// NewFCMGateway initializes a Firebase app from a service account file.
func NewFCMGateway(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCMGateway, error) {
	if credentialsFile == "" {
		return nil, fmt.Errorf("%w: fcm credentials file not set", ErrConfiguration)
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: initialize firebase app: %v", ErrConfiguration, err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: messaging client: %v", ErrConfiguration, err)
	}
	return NewFCMGatewayWithClient(client, logger), nil
}

func NewFCMGatewayWithClient(client FCMClient, logger *slog.Logger) *FCMGateway {
	return &FCMGateway{
		client: client,
		logger: logger.With("component", "fcm_gateway"),
	}
}

func (g *FCMGateway) Name() string { return "fcm" }

func (g *FCMGateway) Platforms() []models.Platform {
	return []models.Platform{models.PlatformAndroid, models.PlatformWeb}
}

func (g *FCMGateway) Status() GatewayStatus { return g.health.status() }

func (g *FCMGateway) Send(ctx context.Context, tok models.DeviceToken, msg PlatformMessage) error {
	if msg.FCM == nil {
		return newGatewayError(tok.Platform, ErrGatewayRejected, "missing fcm message", nil)
	}
	m := *msg.FCM
	m.Token = tok.Token

	if _, err := g.client.Send(ctx, &m); err != nil {
		reason, kind := classifyFCM(err)
		if errors.Is(kind, ErrConfiguration) {
			g.health.markUnhealthy(reason)
			g.logger.Error("fcm rejected credentials", slog.Any("error", err))
		}
		return newGatewayError(tok.Platform, kind, reason, err)
	}
	return nil
}

func classifyFCM(err error) (string, error) {
	switch {
	case messaging.IsUnregistered(err):
		return "unregistered", ErrInvalidToken
	case messaging.IsSenderIDMismatch(err):
		return "sender-id-mismatch", ErrInvalidToken
	case messaging.IsInvalidArgument(err):
		return "invalid-argument", ErrGatewayRejected
	case messaging.IsThirdPartyAuthError(err):
		return "third-party-auth", ErrConfiguration
	case messaging.IsQuotaExceeded(err):
		return "quota-exceeded", ErrTransientGateway
	case messaging.IsUnavailable(err):
		return "unavailable", ErrTransientGateway
	case messaging.IsInternal(err):
		return "internal", ErrTransientGateway
	default:
		// Network failures and timeouts surface as plain errors.
		return "unknown", ErrTransientGateway
	}
}
