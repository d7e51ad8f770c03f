package services_test

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
)

// fakeGateway records calls and answers with respond, which sees the token and the
// 1-based call number for that token.
type fakeGateway struct {
	name      string
	platforms []models.Platform
	respond   func(ctx context.Context, tok models.DeviceToken, call int) error
	status    services.GatewayStatus

	mu       sync.Mutex
	calls    map[string]int
	messages []services.PlatformMessage
}

func newFakeGateway(name string, respond func(ctx context.Context, tok models.DeviceToken, call int) error, platforms ...models.Platform) *fakeGateway {
	return &fakeGateway{
		name:      name,
		platforms: platforms,
		respond:   respond,
		status:    services.GatewayStatus{Configured: true, Healthy: true},
		calls:     make(map[string]int),
	}
}

func deliverAll(context.Context, models.DeviceToken, int) error { return nil }

func (g *fakeGateway) Name() string                   { return g.name }
func (g *fakeGateway) Platforms() []models.Platform   { return g.platforms }
func (g *fakeGateway) Status() services.GatewayStatus { return g.status }

func (g *fakeGateway) Send(ctx context.Context, tok models.DeviceToken, msg services.PlatformMessage) error {
	g.mu.Lock()
	g.calls[tok.Token]++
	call := g.calls[tok.Token]
	g.messages = append(g.messages, msg)
	g.mu.Unlock()
	if g.respond == nil {
		return nil
	}
	return g.respond(ctx, tok, call)
}

func (g *fakeGateway) callsFor(token string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[token]
}

func (g *fakeGateway) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// memoryRegistry is an in-process TokenRegistry for tests that must not start
// database goroutines.
type memoryRegistry struct {
	mu     sync.Mutex
	tokens map[string]*models.DeviceToken
}

func newMemoryRegistry(tokens ...models.DeviceToken) *memoryRegistry {
	r := &memoryRegistry{tokens: make(map[string]*models.DeviceToken)}
	for i := range tokens {
		t := tokens[i]
		r.tokens[t.ID] = &t
	}
	return r
}

func (r *memoryRegistry) sorted(match func(*models.DeviceToken) bool) []models.DeviceToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DeviceToken
	for _, t := range r.tokens {
		if t.IsActive && match(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func inPlatforms(p models.Platform, platforms []models.Platform) bool {
	if len(platforms) == 0 {
		return true
	}
	for _, x := range platforms {
		if x == p {
			return true
		}
	}
	return false
}

func (r *memoryRegistry) ActiveTokensFor(_ context.Context, userID string, platforms ...models.Platform) ([]models.DeviceToken, error) {
	return r.sorted(func(t *models.DeviceToken) bool {
		return t.UserID == userID && inPlatforms(t.Platform, platforms)
	}), nil
}

func (r *memoryRegistry) ActiveTokensForAll(_ context.Context, platform models.Platform) iter.Seq2[models.DeviceToken, error] {
	return func(yield func(models.DeviceToken, error) bool) {
		for _, t := range r.sorted(func(t *models.DeviceToken) bool { return t.Platform == platform }) {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (r *memoryRegistry) CountActive(_ context.Context, platforms ...models.Platform) (int64, error) {
	return int64(len(r.sorted(func(t *models.DeviceToken) bool { return inPlatforms(t.Platform, platforms) }))), nil
}

func (r *memoryRegistry) Deactivate(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok || !t.IsActive {
		return false, nil
	}
	t.IsActive = false
	return true, nil
}

func (r *memoryRegistry) Touch(context.Context, string) error { return nil }
