// Package ratelimit guards how often an actor may trigger notification-producing
// actions. It uses fixed windows counted in a pluggable Store.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Action names a family of rate-limited operations.
type Action string

const (
	ActionNotify      Action = "notify"
	ActionFollow      Action = "follow"
	ActionLocationTip Action = "location_tip"
)

// maxKeyLength keeps storage keys short in backends like Redis.
const maxKeyLength = 64

// Policy is a limit of Limit actions per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) validate() error {
	if p.Limit <= 0 {
		return ErrInvalidLimit
	}
	if p.Window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Store counts hits in fixed windows.
type Store interface {
	// Increment records one hit for key, opening a new window when none is live,
	// and returns the hit count of the live window and the time until it resets.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// Decision is the result of a Check. A denial is a value, not an error.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter applies per-action policies to (actor, action) keys.
type Limiter struct {
	store    Store
	fallback Policy
	policies map[Action]Policy
	logger   *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy sets the policy for one action family.
func WithPolicy(action Action, p Policy) Option {
	return func(l *Limiter) {
		l.policies[action] = p
	}
}

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter. fallback applies to actions without their own policy.
func New(store Store, fallback Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if err := fallback.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		store:    store,
		fallback: fallback,
		policies: make(map[Action]Policy),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, p := range l.policies {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// PolicyFor returns the policy applied to an action.
func (l *Limiter) PolicyFor(action Action) Policy {
	if p, ok := l.policies[action]; ok {
		return p
	}
	return l.fallback
}

// Check counts one action by actorID and reports whether it is allowed. The optional
// scope narrows the key, e.g. a location id for per-location tip limits.
// Store failures fail open and are logged.
func (l *Limiter) Check(ctx context.Context, actorID string, action Action, scope ...string) Decision {
	p := l.PolicyFor(action)
	if actorID == "" {
		return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit}
	}

	key := Key(actorID, action, scope...)
	count, resetIn, err := l.store.Increment(ctx, key, p.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing action",
			slog.String("action", string(action)),
			slog.Any("error", err))
		return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit}
	}

	if count > int64(p.Limit) {
		if resetIn <= 0 {
			resetIn = p.Window
		}
		return Decision{Allowed: false, Limit: p.Limit, Remaining: 0, RetryAfter: resetIn}
	}
	return Decision{Allowed: true, Limit: p.Limit, Remaining: p.Limit - int(count)}
}

// Key builds the storage key for an (actor, action, scope) triple. Long keys are
// hashed to 32 hex chars.
func Key(actorID string, action Action, scope ...string) string {
	parts := make([]string, 0, 2+len(scope))
	parts = append(parts, string(action), actorID)
	for _, s := range scope {
		if s != "" {
			parts = append(parts, s)
		}
	}
	key := strings.Join(parts, ":")
	if len(key) > maxKeyLength {
		sum := sha256.Sum256([]byte(key))
		return string(action) + ":" + hex.EncodeToString(sum[:16])
	}
	return key
}
