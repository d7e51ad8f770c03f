package services

import (
	"fmt"
	"strings"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
)

const defaultActorName = "Someone"

// ComposedPayload is the platform-neutral content of a notification.
type ComposedPayload struct {
	Title string
	Body  string
	Data  map[string]string
}

type eventTemplate struct {
	title string
	body  string
}

// templates holds one entry per models.EventType. Generic and test events carry
// caller-supplied text and are handled before lookup.
var templates = map[models.EventType]eventTemplate{
	models.EventFollow: {
		title: "New follower",
		body:  "{{actor}} started following you",
	},
	models.EventLike: {
		title: "New like",
		body:  "{{actor}} liked your {{subject}}",
	},
	models.EventComment: {
		title: "New comment",
		body:  "{{actor}} commented on your {{subject}}: {{preview}}",
	},
	models.EventMention: {
		title: "You were mentioned",
		body:  "{{actor}} mentioned you in a {{subject}}",
	},
	models.EventLocationInteraction: {
		title: "Activity at {{location_name}}",
		body:  "{{actor}} {{interaction}} {{location_name}}",
	},
	models.EventReportSubmitted: {
		title: "Report received",
		body:  "A {{subject}} was reported and is waiting for review",
	},
	models.EventChallengeJoined: {
		title: "Challenge update",
		body:  "{{actor}} joined your challenge {{challenge_name}}",
	},
}

// Compose renders the title, body and data of event. It performs no I/O.
func Compose(event *models.NotificationEvent) (ComposedPayload, error) {
	data := make(map[string]string, len(event.Data)+4)
	for k, v := range event.Data {
		data[k] = v
	}
	data["type"] = string(event.Type)
	if event.ID != "" {
		data["event_id"] = event.ID
	}
	if event.Subject.Type != "" {
		data["subject_type"] = event.Subject.Type
	}
	if event.Subject.ID != "" {
		data["subject_id"] = event.Subject.ID
	}
	if event.ActorID != "" {
		data["actor_id"] = event.ActorID
	}

	switch event.Type {
	case models.EventGeneric, models.EventTest:
		title := strings.TrimSpace(event.Title)
		body := strings.TrimSpace(event.Body)
		if title == "" || body == "" {
			return ComposedPayload{}, fmt.Errorf("%w: %s notification requires title and body", models.ErrValidation, event.Type)
		}
		return ComposedPayload{Title: title, Body: body, Data: data}, nil
	}

	tpl, ok := templates[event.Type]
	if !ok {
		return ComposedPayload{}, fmt.Errorf("%w: %q", ErrUnsupportedEventType, event.Type)
	}

	vars := make(map[string]string, len(event.Data)+3)
	for k, v := range event.Data {
		vars[k] = v
	}
	vars["actor"] = actorName(event.ActorName)
	vars["subject"] = subjectNoun(event.Subject.Type)
	if vars["interaction"] == "" {
		vars["interaction"] = "interacted with"
	}
	if vars["location_name"] == "" {
		vars["location_name"] = "your location"
	}

	payload := ComposedPayload{
		Title: RenderTemplate(tpl.title, vars),
		Body:  strings.TrimSuffix(RenderTemplate(tpl.body, vars), ":"),
		Data:  data,
	}
	// Callers may override the rendered text.
	if t := strings.TrimSpace(event.Title); t != "" {
		payload.Title = t
	}
	if b := strings.TrimSpace(event.Body); b != "" {
		payload.Body = b
	}
	return payload, nil
}

func actorName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultActorName
}

func subjectNoun(subjectType string) string {
	if subjectType = strings.TrimSpace(subjectType); subjectType != "" {
		return subjectType
	}
	return "post"
}
