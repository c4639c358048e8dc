// Package ratelimit bounds how often a single identifier may submit.
//
// The Limiter keeps a sliding window of attempt timestamps per identifier in
// a WindowStore. Stores must prune and append atomically so that concurrent
// requests for the same identifier cannot both squeeze under the limit.
//
// The limiter fails open: when the store is unreachable the request is
// allowed and the degradation is logged and counted.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/metrics"
)

const (
	// DefaultLimit is the number of attempts allowed per window.
	DefaultLimit = 5

	// DefaultWindow is the trailing window attempts are counted in.
	DefaultWindow = 60 * time.Second

	// DefaultTimeout bounds a single store round trip.
	DefaultTimeout = 500 * time.Millisecond

	keyPrefix = "rate-limit:"
)

// =============================================================================
// Store Interface
// =============================================================================

// WindowStore persists per-key attempt windows.
type WindowStore interface {
	// Hit prunes timestamps at or before now-window, then either denies
	// (count >= limit) or appends now. It must be atomic per key.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error)

	// Peek reports the live window for key without recording an attempt.
	Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error)

	// Clear removes every recorded attempt for key.
	Clear(ctx context.Context, key string) error
}

// Window is the state of one key after a store operation.
type Window struct {
	Allowed bool
	Count   int       // Attempts inside the window, including this one if allowed
	Oldest  time.Time // Oldest attempt still inside the window; zero if none
}

// =============================================================================
// Limiter
// =============================================================================

// Config configures a Limiter. Zero values fall back to the defaults.
type Config struct {
	Limit   int
	Window  time.Duration
	Timeout time.Duration
	Name    string // Label used in logs and metrics, e.g. "submission"
}

// Limiter applies a sliding window limit on top of a WindowStore.
type Limiter struct {
	store   WindowStore
	limit   int
	window  time.Duration
	timeout time.Duration
	name    string
	logger  *slog.Logger
	now     func() time.Time
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Degraded   bool          // Store failed and the request was let through
	RetryAfter time.Duration // Set when denied
}

// Status describes an identifier's current window.
type Status struct {
	Current int
	Max     int
	ResetIn time.Duration
}

// New creates a Limiter backed by store.
func New(store WindowStore, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "submission"
	}
	return &Limiter{
		store:   store,
		limit:   cfg.Limit,
		window:  cfg.Window,
		timeout: cfg.Timeout,
		name:    cfg.Name,
		logger:  logger,
		now:     time.Now,
	}
}

// Allow reports whether identifier may make another attempt now.
// An empty identifier is never allowed.
func (l *Limiter) Allow(ctx context.Context, identifier string) bool {
	return l.Check(ctx, identifier).Allowed
}

// Check records an attempt for identifier and returns the full decision.
func (l *Limiter) Check(ctx context.Context, identifier string) Decision {
	if identifier == "" {
		metrics.RateLimitDecisions.WithLabelValues(l.name, "denied").Inc()
		return Decision{Allowed: false, RetryAfter: l.window}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	w, err := l.store.Hit(ctx, key(identifier), now, l.window, l.limit)
	if err != nil {
		l.logger.Warn("rate limiter degraded, allowing request",
			"limiter", l.name,
			"identifier", identifier,
			"error", err,
		)
		metrics.RateLimitDecisions.WithLabelValues(l.name, "degraded").Inc()
		return Decision{Allowed: true, Degraded: true}
	}

	if !w.Allowed {
		l.logger.Info("rate limit exceeded",
			"limiter", l.name,
			"identifier", identifier,
			"count", w.Count,
		)
		metrics.RateLimitDecisions.WithLabelValues(l.name, "denied").Inc()
		return Decision{Allowed: false, RetryAfter: l.resetIn(w, now)}
	}

	metrics.RateLimitDecisions.WithLabelValues(l.name, "allowed").Inc()
	return Decision{Allowed: true}
}

// Status returns the live window for identifier without recording an attempt.
func (l *Limiter) Status(ctx context.Context, identifier string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	w, err := l.store.Peek(ctx, key(identifier), now, l.window)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Current: w.Count,
		Max:     l.limit,
		ResetIn: l.resetIn(w, now),
	}, nil
}

// Reset clears the window for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.store.Clear(ctx, key(identifier)); err != nil {
		return err
	}
	l.logger.Info("rate limit reset", "limiter", l.name, "identifier", identifier)
	return nil
}

// resetIn is the time until the oldest attempt leaves the window.
func (l *Limiter) resetIn(w Window, now time.Time) time.Duration {
	if w.Count == 0 || w.Oldest.IsZero() {
		return 0
	}
	d := w.Oldest.Add(l.window).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func key(identifier string) string {
	return keyPrefix + identifier
}
