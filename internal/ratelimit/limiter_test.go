package ratelimit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobflow/internal/domain"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, UsageStore) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "usage_test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { db.Close() })

	store := NewSQLiteUsageStore(db)
	return NewLimiter(store, cfg), store
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCheckLimitLowPriorityCeiling(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		Enabled:    true,
		Limits:     Limits{RequestsPerMinute: 10},
		Priorities: map[string]Priority{"transcribe": PriorityLow},
	})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	// low multiplier 0.5 over a ceiling of 10 gives an effective ceiling of 5
	for i := 0; i < 4; i++ {
		_, err := limiter.RecordUsage(ctx, "transcribe", 100, nil)
		require.NoError(t, err)
	}
	decision, err := limiter.CheckLimit(ctx, "transcribe", 100)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	_, err = limiter.RecordUsage(ctx, "transcribe", 100, nil)
	require.NoError(t, err)

	decision, err = limiter.CheckLimit(ctx, "transcribe", 100)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "requests per minute limit reached", decision.Reason)
	assert.Equal(t, time.Minute, decision.RetryAfter)
	assert.Equal(t, 5, decision.Usage.Minute.Requests)
}

func TestCheckLimitDisabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		Enabled: false,
		Limits:  Limits{RequestsPerMinute: 1},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.RecordUsage(ctx, "summarize", 10, nil)
		require.NoError(t, err)
	}
	decision, err := limiter.CheckLimit(ctx, "summarize", 10)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckLimitTokenWindowIncludesEstimate(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		Enabled: true,
		Limits:  Limits{TokensPerMinute: 1000},
	})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	_, err := limiter.RecordUsage(ctx, "summarize", 600, nil)
	require.NoError(t, err)

	decision, err := limiter.CheckLimit(ctx, "summarize", 300)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// 600 used + 400 prospective hits the ceiling exactly.
	decision, err = limiter.CheckLimit(ctx, "summarize", 400)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "tokens per minute limit reached", decision.Reason)
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestCheckLimitFirstViolationShortCircuits(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		Enabled: true,
		Limits:  Limits{RequestsPerMinute: 1, TokensPerMinute: 1},
	})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	_, err := limiter.RecordUsage(ctx, "summarize", 100, nil)
	require.NoError(t, err)

	decision, err := limiter.CheckLimit(ctx, "summarize", 100)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	// Requests-per-minute is checked before tokens-per-minute.
	assert.Equal(t, "requests per minute limit reached", decision.Reason)
}

func TestSlidingWindowExcludesOldRecords(t *testing.T) {
	limiter, store := newTestLimiter(t, Config{Enabled: true, Limits: Limits{RequestsPerMinute: 2}})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	// 61 seconds old: outside the minute window, inside the hour window.
	_, err := store.Insert(ctx, domain.UsageRecord{
		CreatedAt:       now.Add(-61 * time.Second),
		ProcessType:     "fetch",
		RequestCount:    1,
		EstimatedTokens: 50,
	})
	require.NoError(t, err)
	_, err = store.Insert(ctx, domain.UsageRecord{
		CreatedAt:       now.Add(-10 * time.Second),
		ProcessType:     "fetch",
		RequestCount:    1,
		EstimatedTokens: 70,
	})
	require.NoError(t, err)

	usage, err := limiter.GetCurrentUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, WindowUsage{Requests: 1, Tokens: 70}, usage.Minute)
	assert.Equal(t, WindowUsage{Requests: 2, Tokens: 120}, usage.Hour)
	assert.Equal(t, WindowUsage{Requests: 2, Tokens: 120}, usage.Day)
}

func TestUpdateActualTokensReconciles(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Enabled: true})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	id, err := limiter.RecordUsage(ctx, "summarize", 500, nil)
	require.NoError(t, err)

	usage, err := limiter.GetCurrentUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, usage.Minute.Tokens)

	require.NoError(t, limiter.UpdateActualTokens(ctx, id, 180))

	usage, err = limiter.GetCurrentUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 180, usage.Minute.Tokens)
}

func TestCleanupOldUsage(t *testing.T) {
	limiter, store := newTestLimiter(t, Config{Enabled: true})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	_, err := store.Insert(ctx, domain.UsageRecord{
		CreatedAt: now.Add(-26 * time.Hour), ProcessType: "fetch", EstimatedTokens: 10,
	})
	require.NoError(t, err)
	_, err = store.Insert(ctx, domain.UsageRecord{
		CreatedAt: now.Add(-2 * time.Hour), ProcessType: "fetch", EstimatedTokens: 10,
	})
	require.NoError(t, err)

	removed, err := limiter.CleanupOldUsage(ctx, DefaultUsageHorizon)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	requests, _, err := store.WindowTotals(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestUnknownProcessTypeDefaultsToHighPriority(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		Enabled: true,
		Limits:  Limits{RequestsPerMinute: 2},
	})
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	limiter.SetNow(fixedNow(now))
	ctx := context.Background()

	_, err := limiter.RecordUsage(ctx, "mystery", 0, nil)
	require.NoError(t, err)

	decision, err := limiter.CheckLimit(ctx, "mystery", 0)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	_, err = limiter.RecordUsage(ctx, "mystery", 0, nil)
	require.NoError(t, err)

	decision, err = limiter.CheckLimit(ctx, "mystery", 0)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}
