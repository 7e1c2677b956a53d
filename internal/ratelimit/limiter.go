// Package ratelimit gates expensive external calls with sliding-window
// admission control. Windows are measured continuously backward from now by
// summing raw usage rows, so there are no fixed-bucket boundary artifacts;
// the scan is bounded by the per-day request ceiling itself.
package ratelimit

import (
	"context"
	"time"

	"jobflow/internal/domain"
)

// Priority classes scale the configured ceilings per process type.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityLowest Priority = "lowest"
)

func (p Priority) multiplier() float64 {
	switch p {
	case PriorityHigh:
		return 1.0
	case PriorityMedium:
		return 0.75
	case PriorityLow:
		return 0.5
	case PriorityLowest:
		return 0.25
	default:
		return 1.0
	}
}

// Limits are the ceilings for the high-priority class; lower classes get
// the ceiling multiplied down. A zero ceiling disables that check.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	TokensPerMinute   int
	TokensPerHour     int
	TokensPerDay      int
}

type Config struct {
	Enabled    bool
	Limits     Limits
	Priorities map[string]Priority // process type -> class; absent means high
}

// WindowUsage is the consumption observed inside one trailing window.
type WindowUsage struct {
	Requests int `json:"requests"`
	Tokens   int `json:"tokens"`
}

// Usage reports consumption per trailing window.
type Usage struct {
	Minute WindowUsage `json:"minute"`
	Hour   WindowUsage `json:"hour"`
	Day    WindowUsage `json:"day"`
}

// Decision is the outcome of one admission check. On denial, RetryAfter is
// sized to the violated window.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Usage      Usage
}

type Limiter struct {
	store UsageStore
	cfg   Config
	now   func() time.Time
}

func NewLimiter(store UsageStore, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock; tests use it to pin window edges.
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

// GetCurrentUsage sums usage rows over the trailing minute, hour and day.
func (l *Limiter) GetCurrentUsage(ctx context.Context) (Usage, error) {
	now := l.now()
	var u Usage
	for _, w := range []struct {
		span time.Duration
		dst  *WindowUsage
	}{
		{time.Minute, &u.Minute},
		{time.Hour, &u.Hour},
		{24 * time.Hour, &u.Day},
	} {
		requests, tokens, err := l.store.WindowTotals(ctx, now.Add(-w.span))
		if err != nil {
			return Usage{}, err
		}
		w.dst.Requests = requests
		w.dst.Tokens = tokens
	}
	return u, nil
}

// Retry hints sized to the violated window.
const (
	retryAfterMinute = time.Minute
	retryAfterHour   = 5 * time.Minute
	retryAfterDay    = time.Hour
)

// CheckLimit decides whether a call for processType, expected to cost
// estimatedTokens, may proceed. Checks run in a fixed order and the first
// violated ceiling short-circuits the rest.
func (l *Limiter) CheckLimit(ctx context.Context, processType string, estimatedTokens int) (Decision, error) {
	usage, err := l.GetCurrentUsage(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !l.cfg.Enabled {
		return Decision{Allowed: true, Usage: usage}, nil
	}

	priority := PriorityHigh
	if p, ok := l.cfg.Priorities[processType]; ok {
		priority = p
	}
	mult := priority.multiplier()
	effective := func(ceiling int) int {
		return int(float64(ceiling) * mult)
	}

	checks := []struct {
		ceiling    int
		current    int
		reason     string
		retryAfter time.Duration
	}{
		{l.cfg.Limits.RequestsPerMinute, usage.Minute.Requests, "requests per minute limit reached", retryAfterMinute},
		{l.cfg.Limits.RequestsPerHour, usage.Hour.Requests, "requests per hour limit reached", retryAfterHour},
		{l.cfg.Limits.RequestsPerDay, usage.Day.Requests, "requests per day limit reached", retryAfterDay},
		{l.cfg.Limits.TokensPerMinute, usage.Minute.Tokens + estimatedTokens, "tokens per minute limit reached", retryAfterMinute},
		{l.cfg.Limits.TokensPerHour, usage.Hour.Tokens + estimatedTokens, "tokens per hour limit reached", retryAfterHour},
		{l.cfg.Limits.TokensPerDay, usage.Day.Tokens + estimatedTokens, "tokens per day limit reached", retryAfterDay},
	}
	for _, c := range checks {
		if c.ceiling <= 0 {
			continue
		}
		if c.current >= effective(c.ceiling) {
			return Decision{
				Allowed:    false,
				Reason:     c.reason,
				RetryAfter: c.retryAfter,
				Usage:      usage,
			}, nil
		}
	}
	return Decision{Allowed: true, Usage: usage}, nil
}

// RecordUsage pre-charges one call attempt with its estimated cost and
// returns the usage row id for later reconciliation.
func (l *Limiter) RecordUsage(ctx context.Context, processType string, estimatedTokens int, model *string) (string, error) {
	return l.store.Insert(ctx, domain.UsageRecord{
		CreatedAt:       l.now(),
		ProcessType:     processType,
		RequestCount:    1,
		EstimatedTokens: estimatedTokens,
		Model:           model,
	})
}

// UpdateActualTokens replaces the estimate once the true cost is known.
func (l *Limiter) UpdateActualTokens(ctx context.Context, usageID string, actualTokens int) error {
	return l.store.UpdateActualTokens(ctx, usageID, actualTokens)
}

// DefaultUsageHorizon is wider than the widest limit window so cleanup
// never deletes rows a day-window sum still needs.
const DefaultUsageHorizon = 25 * time.Hour

// CleanupOldUsage deletes usage rows older than the horizon.
func (l *Limiter) CleanupOldUsage(ctx context.Context, horizon time.Duration) (int, error) {
	if horizon <= 0 {
		horizon = DefaultUsageHorizon
	}
	return l.store.DeleteBefore(ctx, l.now().Add(-horizon))
}
