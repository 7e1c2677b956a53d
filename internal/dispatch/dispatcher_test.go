package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"jobflow/internal/backoff"
	"jobflow/internal/domain"
	"jobflow/internal/queue"
)

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "dispatch_test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, queue.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return queue.NewSQLiteStore(db, queue.Options{
		Backoff: backoff.Exponential(time.Millisecond, time.Millisecond),
	})
}

func newTestDispatcher(t *testing.T, store queue.Store, registry *Registry) *Dispatcher {
	t.Helper()
	return New(store, registry, Config{
		PollEvery:      10 * time.Millisecond,
		MaxJobsPerTick: 10,
		Workers:        4,
		HandlerTimeout: time.Second,
	}, zerolog.Nop())
}

func waitForStatus(t *testing.T, store queue.Store, id string, want domain.Status) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestDispatcherCompletesSuccessfulJob(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registry.Register("greet", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		return domain.Outcome{Summary: "greeted", Data: json.RawMessage(`{"ok":true}`)}, nil
	}))
	d := newTestDispatcher(t, store, registry)

	var mu sync.Mutex
	var events []Event
	d.Notifier().Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	id, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "greet", Params: json.RawMessage(`{}`)})
	require.NoError(t, err)

	d.Tick(ctx, time.Now().UTC())

	job := waitForStatus(t, store, id, domain.StatusCompleted)
	require.NotNil(t, job.ResultSummary)
	assert.Equal(t, "greeted", *job.ResultSummary)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Nil(t, job.LockedAt)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Event{JobID: id, JobType: "greet", Summary: "greeted"}, events[0])
}

func TestDispatcherMissingHandlerFailsTerminally(t *testing.T) {
	store := newTestStore(t)
	d := newTestDispatcher(t, store, NewRegistry())

	ctx := context.Background()
	id, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "nobody-home", Params: json.RawMessage(`{}`), MaxRetries: 5})
	require.NoError(t, err)

	d.Tick(ctx, time.Now().UTC())

	job := waitForStatus(t, store, id, domain.StatusFailed)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "no handler for type nobody-home", *job.ErrorMessage)
	// No retries burned: the failure is a configuration error, not an attempt.
	assert.Equal(t, 0, job.RetryCount)
}

func TestDispatcherHandlerErrorSchedulesRetry(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registry.Register("flaky", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("upstream unavailable")
	}))
	d := newTestDispatcher(t, store, registry)

	ctx := context.Background()
	id, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "flaky", Params: json.RawMessage(`{}`), MaxRetries: 3})
	require.NoError(t, err)

	d.Tick(ctx, time.Now().UTC())

	job := waitForStatus(t, store, id, domain.StatusPending)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "upstream unavailable", *job.ErrorMessage)
}

func TestDispatcherHandlerPanicIsFailure(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registry.Register("panicky", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		panic("oh no")
	}))
	d := newTestDispatcher(t, store, registry)

	ctx := context.Background()
	id, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "panicky", Params: json.RawMessage(`{}`), MaxRetries: 3})
	require.NoError(t, err)

	d.Tick(ctx, time.Now().UTC())

	job := waitForStatus(t, store, id, domain.StatusPending)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "handler panicked")
}

func TestDispatcherRunsJobsToTerminalFailure(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registry.Register("doomed", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("always broken")
	}))
	d := newTestDispatcher(t, store, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "doomed", Params: json.RawMessage(`{}`), MaxRetries: 3})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	job := waitForStatus(t, store, id, domain.StatusFailed)
	assert.Equal(t, 3, job.RetryCount)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	// A terminal job is never picked up again.
	_, err = store.ClaimNext(context.Background(), time.Now().UTC().Add(time.Hour))
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestDispatcherEmitsEventOnFailure(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	registry.Register("flaky", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("nope")
	}))
	d := newTestDispatcher(t, store, registry)

	var mu sync.Mutex
	var events []Event
	d.Notifier().Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx := context.Background()
	id, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "flaky", Params: json.RawMessage(`{}`), MaxRetries: 2})
	require.NoError(t, err)

	d.Tick(ctx, time.Now().UTC())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Event{JobID: id, JobType: "flaky", Summary: "nope", Failed: true}, events[0])
}

func TestTickSkipsWhileAnotherTickRuns(t *testing.T) {
	store := newTestStore(t)
	registry := NewRegistry()
	release := make(chan struct{})
	registry.Register("slow", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		<-release
		return domain.Outcome{Summary: "done"}, nil
	}))
	// One worker slot: the second claim in a tick blocks on the semaphore,
	// keeping the tick guard held.
	d := New(store, registry, Config{
		PollEvery:      10 * time.Millisecond,
		MaxJobsPerTick: 2,
		Workers:        1,
		HandlerTimeout: time.Second,
	}, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := store.Enqueue(ctx, queue.EnqueueRequest{Type: "slow", Params: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	go d.Tick(ctx, time.Now().UTC())
	require.Eventually(t, func() bool { return d.tickBusy.Load() }, time.Second, time.Millisecond)

	// The overlapping tick returns immediately without claiming.
	d.Tick(ctx, time.Now().UTC())
	assert.True(t, d.tickBusy.Load())

	close(release)
	require.Eventually(t, func() bool { return !d.tickBusy.Load() }, time.Second, time.Millisecond)
}

func TestNotifierIsolatesPanickingListener(t *testing.T) {
	n := NewNotifier()
	var got []string
	n.Subscribe(func(ev Event) {
		panic("bad listener")
	})
	n.Subscribe(func(ev Event) {
		got = append(got, ev.JobID)
	})

	require.NotPanics(t, func() {
		n.Notify(Event{JobID: "job_1", JobType: "t", Summary: "s"})
	})
	assert.Equal(t, []string{"job_1"}, got)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("a", HandlerFunc(func(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
		return domain.Outcome{}, nil
	}))

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("b")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"a"}, r.Types())
}
