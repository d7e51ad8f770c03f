package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/ratelimit"
)

const (
	SuppressedRateLimited = "rate-limited"
	SuppressedDuplicate   = "duplicate"
	SuppressedSelfAction  = "self-action"

	commentPreviewRunes = 100
)

// Actor is the end user whose action produced an event.
type Actor struct {
	ID   string
	Name string
}

// SendResult is what a NotificationService call reports back to business logic.
// A suppressed event has no summary and no record.
type SendResult struct {
	Summary          models.DispatchSummary
	Record           *models.NotificationRecord
	Suppressed       bool
	SuppressedReason string
	RetryAfter       time.Duration
}

// NotificationService is the entry point business logic uses to raise notifications.
type NotificationService interface {
	NotifyFollow(ctx context.Context, actor Actor, targetUserID string) (SendResult, error)
	NotifyLike(ctx context.Context, actor Actor, ownerID string, subject models.SubjectRef) (SendResult, error)
	NotifyComment(ctx context.Context, actor Actor, ownerID string, subject models.SubjectRef, preview string) (SendResult, error)
	NotifyMention(ctx context.Context, actor Actor, mentionedID string, subject models.SubjectRef) (SendResult, error)
	NotifyLocationInteraction(ctx context.Context, actor Actor, ownerID, locationID, locationName, interaction string) (SendResult, error)
	NotifyReportSubmitted(ctx context.Context, reporterID string, subject models.SubjectRef, moderatorIDs ...string) (SendResult, error)
	NotifyChallengeJoined(ctx context.Context, actor Actor, ownerID, challengeID, challengeName string) (SendResult, error)
	Send(ctx context.Context, event models.NotificationEvent) (SendResult, error)
}

// RateLimiter decides whether an actor may trigger another action.
type RateLimiter interface {
	Check(ctx context.Context, actorID string, action ratelimit.Action, scope ...string) ratelimit.Decision
}

// Sender dispatches a composed payload. *Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, event *models.NotificationEvent, payload ComposedPayload) (models.DispatchSummary, error)
}

// Auditor persists the outcome of a dispatch. *AuditLogger implements it.
type Auditor interface {
	Record(ctx context.Context, event *models.NotificationEvent, payload ComposedPayload, summary models.DispatchSummary) *models.NotificationRecord
}

type NotifierConfig struct {
	// DispatchTimeout is the overall deadline of one send. Zero leaves the caller's deadline alone.
	DispatchTimeout time.Duration
	DedupTTL        time.Duration
}

// Notifier implements NotificationService on top of the dispatcher.
type Notifier struct {
	sender  Sender
	audit   Auditor
	limiter RateLimiter
	dedup   Deduplicator
	cfg     NotifierConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

var _ NotificationService = (*Notifier)(nil)

// NewNotifier wires a notifier. limiter and dedup may be nil to disable those checks.
func NewNotifier(sender Sender, audit Auditor, limiter RateLimiter, dedup Deduplicator, cfg NotifierConfig, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender:  sender,
		audit:   audit,
		limiter: limiter,
		dedup:   dedup,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "notifier"),
		now:     time.Now,
	}
}

func (n *Notifier) NotifyFollow(ctx context.Context, actor Actor, targetUserID string) (SendResult, error) {
	return n.fromActor(ctx, actor, targetUserID, models.NotificationEvent{
		Type:     models.EventFollow,
		Subject:  models.SubjectRef{Type: "user", ID: actor.ID},
		DedupKey: fmt.Sprintf("follow:%s:%s", actor.ID, targetUserID),
	})
}

func (n *Notifier) NotifyLike(ctx context.Context, actor Actor, ownerID string, subject models.SubjectRef) (SendResult, error) {
	return n.fromActor(ctx, actor, ownerID, models.NotificationEvent{
		Type:     models.EventLike,
		Subject:  subject,
		DedupKey: fmt.Sprintf("like:%s:%s:%s", actor.ID, subject.Type, subject.ID),
	})
}

func (n *Notifier) NotifyComment(ctx context.Context, actor Actor, ownerID string, subject models.SubjectRef, preview string) (SendResult, error) {
	return n.fromActor(ctx, actor, ownerID, models.NotificationEvent{
		Type:    models.EventComment,
		Subject: subject,
		Data:    map[string]string{"preview": truncateRunes(preview, commentPreviewRunes)},
	})
}

func (n *Notifier) NotifyMention(ctx context.Context, actor Actor, mentionedID string, subject models.SubjectRef) (SendResult, error) {
	return n.fromActor(ctx, actor, mentionedID, models.NotificationEvent{
		Type:    models.EventMention,
		Subject: subject,
	})
}

func (n *Notifier) NotifyLocationInteraction(ctx context.Context, actor Actor, ownerID, locationID, locationName, interaction string) (SendResult, error) {
	return n.fromActor(ctx, actor, ownerID, models.NotificationEvent{
		Type:    models.EventLocationInteraction,
		Subject: models.SubjectRef{Type: "location", ID: locationID},
		Data: map[string]string{
			"location_id":   locationID,
			"location_name": locationName,
			"interaction":   interaction,
		},
	})
}

func (n *Notifier) NotifyReportSubmitted(ctx context.Context, reporterID string, subject models.SubjectRef, moderatorIDs ...string) (SendResult, error) {
	return n.Send(ctx, models.NotificationEvent{
		Type:       models.EventReportSubmitted,
		ActorID:    reporterID,
		Recipients: models.ToUsers(moderatorIDs...),
		Subject:    subject,
		DedupKey:   fmt.Sprintf("report:%s:%s:%s", reporterID, subject.Type, subject.ID),
	})
}

func (n *Notifier) NotifyChallengeJoined(ctx context.Context, actor Actor, ownerID, challengeID, challengeName string) (SendResult, error) {
	return n.fromActor(ctx, actor, ownerID, models.NotificationEvent{
		Type:    models.EventChallengeJoined,
		Subject: models.SubjectRef{Type: "challenge", ID: challengeID},
		Data: map[string]string{
			"challenge_id":   challengeID,
			"challenge_name": challengeName,
		},
	})
}

// fromActor fills in the actor and single recipient. Users are never notified of their own actions.
func (n *Notifier) fromActor(ctx context.Context, actor Actor, recipientID string, event models.NotificationEvent) (SendResult, error) {
	event.ActorID = actor.ID
	event.ActorName = actor.Name
	event.Recipients = models.ToUsers(recipientID)
	if actor.ID != "" && strings.TrimSpace(recipientID) == actor.ID {
		return SendResult{Suppressed: true, SuppressedReason: SuppressedSelfAction}, nil
	}
	return n.Send(ctx, event)
}

// Send runs one event through validation, composition, rate limiting,
// duplicate suppression, dispatch and audit. Suppression is reported in the
// result, never as an error.
func (n *Notifier) Send(ctx context.Context, event models.NotificationEvent) (SendResult, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = n.now().UTC()
	}
	if err := event.Validate(); err != nil {
		return SendResult{}, err
	}
	payload, err := Compose(&event)
	if err != nil {
		return SendResult{}, err
	}

	log := n.logger.With(slog.String("event_id", event.ID), slog.String("type", string(event.Type)))

	// The limiter runs before dedup, so a repeated event still spends the actor's quota.
	if n.limiter != nil && event.Type.ActorOriginated() {
		action, scope := rateLimitAction(&event)
		if d := n.limiter.Check(ctx, event.ActorID, action, scope...); !d.Allowed {
			n.metrics.IncRateLimited(string(action))
			log.Info("event suppressed by rate limit",
				slog.String("actor_id", event.ActorID),
				slog.Duration("retry_after", d.RetryAfter))
			return SendResult{Suppressed: true, SuppressedReason: SuppressedRateLimited, RetryAfter: d.RetryAfter}, nil
		}
	}

	claimedKey := false
	if n.dedup != nil && event.DedupKey != "" {
		claimed, err := n.dedup.Claim(ctx, event.DedupKey, n.cfg.DedupTTL)
		claimedKey = err == nil && claimed
		switch {
		case err != nil:
			log.Warn("dedup claim failed, sending anyway", slog.Any("error", err))
		case !claimed:
			n.metrics.IncDuplicate()
			log.Info("duplicate event suppressed", slog.String("dedup_key", event.DedupKey))
			return SendResult{Suppressed: true, SuppressedReason: SuppressedDuplicate}, nil
		}
	}

	dispatchCtx := ctx
	if n.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, n.cfg.DispatchTimeout)
		defer cancel()
	}

	start := n.now()
	summary, err := n.sender.Send(dispatchCtx, &event, payload)
	n.metrics.ObserveDispatch(n.now().Sub(start))
	if err != nil {
		log.Error("dispatch failed", slog.Any("error", err))
		// The event was not delivered, so a redelivery must not be treated as a duplicate.
		if claimedKey {
			if rerr := n.dedup.Release(context.WithoutCancel(ctx), event.DedupKey); rerr != nil {
				log.Warn("dedup release failed", slog.Any("error", rerr))
			}
		}
		return SendResult{Summary: summary}, err
	}

	var record *models.NotificationRecord
	if n.audit != nil {
		record = n.audit.Record(ctx, &event, payload, summary)
	}

	log.Info("notification dispatched",
		slog.Int("total_tokens", summary.TotalTokens),
		slog.Int("sent", summary.SentCount),
		slog.Int("failed", summary.FailedCount),
		slog.Int("deactivated", summary.DeactivatedCount))
	return SendResult{Summary: summary, Record: record}, nil
}

func rateLimitAction(event *models.NotificationEvent) (ratelimit.Action, []string) {
	switch event.Type {
	case models.EventFollow:
		return ratelimit.ActionFollow, nil
	case models.EventLocationInteraction:
		return ratelimit.ActionLocationTip, []string{event.Subject.ID}
	default:
		return ratelimit.ActionNotify, nil
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + ellipsis
}
