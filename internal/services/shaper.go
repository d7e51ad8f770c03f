package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2/payload"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
)

// APNsMaxPayloadSize is the largest payload APNs accepts for a regular alert.
const APNsMaxPayloadSize = 4096

const ellipsis = "…"

// reservedDataKeys are written by Compose and kept when shrinking an APNs payload.
var reservedDataKeys = map[string]struct{}{
	"type":         {},
	"event_id":     {},
	"subject_type": {},
	"subject_id":   {},
	"actor_id":     {},
}

// APNsMessage is a ready-to-send APNs payload without a device token.
type APNsMessage struct {
	Payload    *payload.Payload
	CollapseID string
	Priority   int
	// Size is the encoded payload size in bytes.
	Size int
	// Truncated is set when the body was shortened or data keys were dropped.
	Truncated bool
}

// PlatformMessage is the gateway-specific form of a composed payload.
// Exactly one of APNs and FCM is set.
type PlatformMessage struct {
	Platform models.Platform
	APNs     *APNsMessage
	FCM      *messaging.Message
}

// ShapeForPlatform converts a composed payload to the message a platform's gateway expects.
// web and android are delivered through FCM.
func ShapeForPlatform(p ComposedPayload, platform models.Platform, overrides *models.PlatformOverrides) (PlatformMessage, error) {
	var o models.PlatformOverrides
	if overrides != nil {
		o = *overrides
	}
	switch platform {
	case models.PlatformIOS:
		msg, err := shapeAPNs(p, o.APNs, APNsMaxPayloadSize)
		if err != nil {
			return PlatformMessage{}, err
		}
		return PlatformMessage{Platform: platform, APNs: msg}, nil
	case models.PlatformAndroid, models.PlatformWeb:
		return PlatformMessage{Platform: platform, FCM: shapeFCM(p, platform, o.FCM)}, nil
	default:
		return PlatformMessage{}, fmt.Errorf("%w: unknown platform %q", models.ErrValidation, platform)
	}
}

type apnsBuilder struct {
	title     string
	body      []rune
	data      map[string]string
	overrides *models.APNsOverrides
}

func (b *apnsBuilder) build(bodyRunes int) *payload.Payload {
	body := string(b.body)
	if bodyRunes < len(b.body) {
		body = string(b.body[:bodyRunes]) + ellipsis
	}
	pl := payload.NewPayload().AlertTitle(b.title).AlertBody(body).Sound("default")
	if o := b.overrides; o != nil {
		if o.Sound != "" {
			pl.Sound(o.Sound)
		}
		if o.Badge != nil {
			pl.Badge(*o.Badge)
		}
		if o.ThreadID != "" {
			pl.ThreadID(o.ThreadID)
		}
		if o.Category != "" {
			pl.Category(o.Category)
		}
	}
	for k, v := range b.data {
		pl.Custom(k, v)
	}
	return pl
}

func payloadSize(pl *payload.Payload) int {
	raw, err := json.Marshal(pl)
	if err != nil {
		return 0
	}
	return len(raw)
}

// fitBody returns the largest body length in runes that keeps the payload within limit,
// or -1 if even an empty body does not fit.
func (b *apnsBuilder) fitBody(limit int) int {
	if payloadSize(b.build(0)) > limit {
		return -1
	}
	lo, hi := 0, len(b.body)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if payloadSize(b.build(mid)) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// shapeAPNs builds the aps payload. Oversized payloads lose body text first, then
// optional data keys largest first; the title is never shortened.
func shapeAPNs(p ComposedPayload, overrides *models.APNsOverrides, limit int) (*APNsMessage, error) {
	b := &apnsBuilder{
		title:     p.Title,
		body:      []rune(p.Body),
		data:      make(map[string]string, len(p.Data)),
		overrides: overrides,
	}
	for k, v := range p.Data {
		// A custom "aps" key would replace the alert dictionary.
		if k == models.APNsReservedKey {
			continue
		}
		b.data[k] = v
	}

	msg := &APNsMessage{}
	if overrides != nil {
		msg.CollapseID = overrides.CollapseID
		msg.Priority = overrides.Priority
	}

	full := b.build(len(b.body))
	if size := payloadSize(full); size <= limit {
		msg.Payload, msg.Size = full, size
		return msg, nil
	}

	droppable := optionalKeys(b.data)
	for {
		if n := b.fitBody(limit); n >= 0 {
			msg.Payload = b.build(n)
			msg.Size = payloadSize(msg.Payload)
			msg.Truncated = true
			return msg, nil
		}
		if len(droppable) == 0 {
			return nil, fmt.Errorf("%w: title and required keys exceed %d bytes", ErrPayloadTooLarge, limit)
		}
		delete(b.data, droppable[0])
		droppable = droppable[1:]
	}
}

func optionalKeys(data map[string]string) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if _, reserved := reservedDataKeys[k]; !reserved {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		li, lj := len(keys[i])+len(data[keys[i]]), len(keys[j])+len(data[keys[j]])
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func shapeFCM(p ComposedPayload, platform models.Platform, o *models.FCMOverrides) *messaging.Message {
	data := make(map[string]string, len(p.Data))
	for k, v := range p.Data {
		data[k] = v
	}
	msg := &messaging.Message{
		Notification: &messaging.Notification{
			Title: p.Title,
			Body:  p.Body,
		},
		Data: data,
	}
	if o == nil {
		o = &models.FCMOverrides{}
	}
	msg.Notification.ImageURL = o.ImageURL

	switch platform {
	case models.PlatformAndroid:
		android := &messaging.AndroidConfig{
			Priority:    "high",
			CollapseKey: o.CollapseKey,
			Notification: &messaging.AndroidNotification{
				ChannelID: o.ChannelID,
				ImageURL:  o.ImageURL,
			},
		}
		if o.Priority != "" {
			android.Priority = o.Priority
		}
		if o.TTLSeconds > 0 {
			ttl := time.Duration(o.TTLSeconds) * time.Second
			android.TTL = &ttl
		}
		msg.Android = android
	case models.PlatformWeb:
		webpush := &messaging.WebpushConfig{
			Headers: map[string]string{},
			Notification: &messaging.WebpushNotification{
				Title: p.Title,
				Body:  p.Body,
				Image: o.ImageURL,
				Tag:   o.CollapseKey,
			},
			Data: data,
		}
		if o.TTLSeconds > 0 {
			webpush.Headers["TTL"] = strconv.Itoa(o.TTLSeconds)
		}
		if o.Priority == "high" {
			webpush.Headers["Urgency"] = "high"
		}
		msg.Webpush = webpush
	}
	return msg
}
