package services

import (
	"errors"
	"fmt"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
)

var (
	ErrUnsupportedEventType = fmt.Errorf("%w: unsupported event type", models.ErrValidation)
	ErrInvalidToken         = errors.New("gateway reported token as invalid")
	ErrTransientGateway     = errors.New("transient gateway failure")
	ErrGatewayRejected      = errors.New("gateway rejected message")
	ErrConfiguration        = errors.New("gateway configuration error")
	ErrPayloadTooLarge      = errors.New("payload exceeds gateway size limit")
)

// GatewayError is a classified failure returned by a Gateway.
type GatewayError struct {
	Platform models.Platform
	Reason   string
	// Kind is one of ErrInvalidToken, ErrTransientGateway, ErrGatewayRejected or ErrConfiguration.
	Kind  error
	Cause error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Platform, e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newGatewayError(platform models.Platform, kind error, reason string, cause error) *GatewayError {
	return &GatewayError{Platform: platform, Kind: kind, Reason: reason, Cause: cause}
}

// ResultFor maps a gateway error to the per-token outcome it produces.
func ResultFor(err error) models.OutcomeResult {
	switch {
	case err == nil:
		return models.ResultDelivered
	case errors.Is(err, ErrInvalidToken):
		return models.ResultInvalidToken
	case errors.Is(err, ErrTransientGateway):
		return models.ResultTransientError
	default:
		return models.ResultGatewayRejected
	}
}

// IsTransient reports whether err is worth a retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientGateway)
}
