package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// EventType is the closed set of logical events the engine knows how to render.
type EventType string

const (
	EventFollow              EventType = "follow"
	EventLike                EventType = "like"
	EventComment             EventType = "comment"
	EventMention             EventType = "mention"
	EventLocationInteraction EventType = "location_interaction"
	EventReportSubmitted     EventType = "report_submitted"
	EventChallengeJoined     EventType = "challenge_joined"
	EventGeneric             EventType = "generic"
	EventTest                EventType = "test"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventFollow,
	EventLike,
	EventComment,
	EventMention,
	EventLocationInteraction,
	EventReportSubmitted,
	EventChallengeJoined,
	EventGeneric,
	EventTest,
}

// ParseEventType maps a wire string to an EventType.
func ParseEventType(raw string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range EventTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, raw)
}

// ActorOriginated reports whether events of this type are triggered by an end user
// and therefore subject to per-actor rate limiting.
func (t EventType) ActorOriginated() bool {
	switch t {
	case EventFollow, EventLike, EventComment, EventMention, EventLocationInteraction, EventChallengeJoined:
		return true
	default:
		return false
	}
}

// RecipientMode selects how the recipient set is resolved.
type RecipientMode string

const (
	RecipientsSpecificUsers RecipientMode = "specific-users"
	RecipientsBroadcastAll  RecipientMode = "broadcast-all"
)

// Recipients describes who should receive an event.
type Recipients struct {
	Mode    RecipientMode `json:"mode"`
	UserIDs []string      `json:"user_ids,omitempty"`
}

// ToUsers targets a specific set of users.
func ToUsers(ids ...string) Recipients {
	return Recipients{Mode: RecipientsSpecificUsers, UserIDs: ids}
}

// Broadcast targets every active token.
func Broadcast() Recipients {
	return Recipients{Mode: RecipientsBroadcastAll}
}

// SubjectRef points at the content the event is about.
type SubjectRef struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// APNsOverrides customizes the APNs request for one event.
type APNsOverrides struct {
	Sound      string `json:"sound,omitempty"`
	Badge      *int   `json:"badge,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	Category   string `json:"category,omitempty"`
	CollapseID string `json:"collapseId,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// FCMOverrides customizes the FCM message for one event.
type FCMOverrides struct {
	Priority    string `json:"priority,omitempty"`
	CollapseKey string `json:"collapseKey,omitempty"`
	TTLSeconds  int    `json:"ttlSeconds,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
}

// PlatformOverrides holds optional gateway-specific shaping.
type PlatformOverrides struct {
	APNs *APNsOverrides `json:"apns,omitempty"`
	FCM  *FCMOverrides  `json:"fcm,omitempty"`
}

// NotificationEvent is the unit of work entering the delivery engine, either from
// the HTTP surface, the event queue, or a NotificationService call.
type NotificationEvent struct {
	ID         string             `json:"id,omitempty"`
	Type       EventType          `json:"type"`
	ActorID    string             `json:"actor_id,omitempty"`
	ActorName  string             `json:"actor_name,omitempty"`
	Recipients Recipients         `json:"recipients"`
	Subject    SubjectRef         `json:"subject,omitempty"`
	Title      string             `json:"title,omitempty"`
	Body       string             `json:"body,omitempty"`
	Data       map[string]string  `json:"data,omitempty"`
	Overrides  *PlatformOverrides `json:"platform_overrides,omitempty"`
	Platforms  []Platform         `json:"platforms,omitempty"`
	DedupKey   string             `json:"dedup_key,omitempty"`
	CreatedAt  time.Time          `json:"created_at,omitempty"`
}

// Validate checks the invariants that must hold before an event reaches the dispatcher
// and rewrites the platform scope in canonical, de-duplicated form.
func (e *NotificationEvent) Validate() error {
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return err
	}
	if e.Type.ActorOriginated() && strings.TrimSpace(e.ActorID) == "" {
		return fmt.Errorf("%w: %s event requires an actor", ErrValidation, e.Type)
	}
	switch e.Recipients.Mode {
	case RecipientsBroadcastAll:
	case RecipientsSpecificUsers:
		if len(e.RecipientIDs()) == 0 {
			return fmt.Errorf("%w: no recipients", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: missing recipient selector", ErrValidation)
	}
	for k := range e.Data {
		if k == APNsReservedKey {
			return fmt.Errorf("%w: data key %q is reserved", ErrValidation, k)
		}
	}
	platforms := make([]Platform, 0, len(e.Platforms))
	for _, raw := range e.Platforms {
		p, err := ParsePlatform(string(raw))
		if err != nil {
			return err
		}
		if !slices.Contains(platforms, p) {
			platforms = append(platforms, p)
		}
	}
	if len(e.Platforms) > 0 {
		e.Platforms = platforms
	}
	return nil
}

// RecipientIDs returns the non-empty, de-duplicated recipient user ids.
func (e *NotificationEvent) RecipientIDs() []string {
	seen := make(map[string]struct{}, len(e.Recipients.UserIDs))
	ids := make([]string, 0, len(e.Recipients.UserIDs))
	for _, id := range e.Recipients.UserIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// TargetPlatforms returns the platforms this event may be delivered to.
// Entries are normalized and repeated platforms collapse to one; unknown ones are skipped.
func (e *NotificationEvent) TargetPlatforms() []Platform {
	if len(e.Platforms) == 0 {
		return AllPlatforms
	}
	out := make([]Platform, 0, len(e.Platforms))
	for _, raw := range e.Platforms {
		p, err := ParsePlatform(string(raw))
		if err != nil || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PlatformScope renders the target platforms for the audit trail.
func (e *NotificationEvent) PlatformScope() string {
	if len(e.Platforms) == 0 {
		return "all"
	}
	targets := e.TargetPlatforms()
	parts := make([]string, len(targets))
	for i, p := range targets {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
