// ABOUTME: Sliding-window rate limiter keyed by operation and identity
// ABOUTME: Policy table with per-operation limits; unknown operations get generous defaults

package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/michaelansel/c3po/internal/store"
)

// Policy is a per-operation limit: at most Max requests per Window.
type Policy struct {
	Max    int
	Window time.Duration
}

// Policies is the default per-operation limit table. Operations not
// listed fall back to DefaultPolicy.
var Policies = map[string]Policy{
	"send_message":     {Max: 10, Window: time.Minute},
	"reply":            {Max: 10, Window: time.Minute},
	"list_agents":      {Max: 30, Window: time.Minute},
	"get_messages":     {Max: 30, Window: time.Minute},
	"wait_for_message": {Max: 30, Window: time.Minute},
	"ack_messages":     {Max: 30, Window: time.Minute},
	"rest_register":    {Max: 5, Window: time.Minute},
	"rest_pending":     {Max: 30, Window: time.Minute},
	"rest_wait":        {Max: 30, Window: time.Minute},
	"rest_unregister":  {Max: 5, Window: time.Minute},
	"rest_validate":    {Max: 30, Window: time.Minute},
	"register_key":     {Max: 5, Window: time.Minute},
	"upload_blob":      {Max: 10, Window: time.Minute},
	"fetch_blob":       {Max: 30, Window: time.Minute},
}

// DefaultPolicy applies to operations not present in Policies.
var DefaultPolicy = Policy{Max: 60, Window: time.Minute}

// Auditor is the audit hook the limiter calls when a store failure
// forces a fail-open decision.
type Auditor interface {
	RateLimitFailOpen(ctx context.Context, operation, identity string)
}

// Limiter checks and records sliding-window counters in the store.
type Limiter struct {
	store   store.Store
	auditor Auditor
	logger  *slog.Logger
}

// New creates a limiter backed by the given store.
func New(s store.Store, auditor Auditor, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: s, auditor: auditor, logger: logger.With("component", "ratelimit")}
}

// PolicyFor returns the limit policy for an operation.
func PolicyFor(operation string) Policy {
	if p, ok := Policies[operation]; ok {
		return p
	}
	return DefaultPolicy
}

// Allow checks the window for (operation, identity) and records the
// request when under the limit. Returns whether the request may
// proceed and the count observed in the window.
//
// Store failures fail open: a brief over-limit burst is preferred
// over refusing service, and the decision is audited.
func (l *Limiter) Allow(ctx context.Context, operation, identity string) (bool, int) {
	policy := PolicyFor(operation)
	now := time.Now().UTC()

	count, err := l.store.RateCount(ctx, operation, identity, now.Add(-policy.Window))
	if err != nil {
		l.failOpen(ctx, operation, identity, err)
		return true, 0
	}

	if count >= policy.Max {
		l.logger.Warn("rate limited",
			"operation", operation,
			"identity", identity,
			"count", count,
			"limit", policy.Max,
		)
		return false, count
	}

	if err := l.store.RateRecord(ctx, operation, identity, now); err != nil {
		l.failOpen(ctx, operation, identity, err)
		return true, count
	}
	return true, count + 1
}

func (l *Limiter) failOpen(ctx context.Context, operation, identity string, err error) {
	l.logger.Warn("rate limit store failure, failing open",
		"operation", operation,
		"identity", identity,
		"error", err,
	)
	if l.auditor != nil {
		l.auditor.RateLimitFailOpen(ctx, operation, identity)
	}
}
