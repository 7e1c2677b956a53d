package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
)

type Config struct {
	PollEvery      time.Duration // how often the claim loop wakes up
	MaxJobsPerTick int           // claims per tick before yielding
	Workers        int           // concurrent handler bound
	HandlerTimeout time.Duration // per-invocation deadline; 0 means none
}

func DefaultConfig() Config {
	return Config{
		PollEvery:      2 * time.Second,
		MaxJobsPerTick: 10,
		Workers:        4,
		HandlerTimeout: 2 * time.Minute,
	}
}

// Dispatcher drives jobs from pending to a terminal-or-retry state. It polls
// the store on a ticker, claims a bounded batch, and runs handlers behind a
// worker semaphore so a slow handler never blocks later ticks.
type Dispatcher struct {
	store    queue.Store
	registry *Registry
	notifier *Notifier
	cfg      Config
	sem      chan struct{}
	tickBusy atomic.Bool
	wg       sync.WaitGroup
	log      zerolog.Logger
}

func New(store queue.Store, registry *Registry, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = DefaultConfig().PollEvery
	}
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = DefaultConfig().MaxJobsPerTick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		notifier: NewNotifier(),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Workers),
		log:      logger,
	}
}

// Notifier exposes the dispatcher-owned completion event fan-out.
func (d *Dispatcher) Notifier() *Notifier { return d.notifier }

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.cfg.PollEvery)
	defer t.Stop()
	d.log.Info().Dur("poll_every", d.cfg.PollEvery).Int("workers", d.cfg.Workers).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case now := <-t.C:
			d.Tick(ctx, now.UTC())
		}
	}
}

// Tick claims and dispatches up to MaxJobsPerTick ready jobs. If a previous
// tick is still claiming (or waiting on a worker slot) this one is skipped;
// that guard is in-process only, cross-process safety comes from the
// store's conditional claim.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	if !d.tickBusy.CompareAndSwap(false, true) {
		return
	}
	defer d.tickBusy.Store(false)

	for i := 0; i < d.cfg.MaxJobsPerTick; i++ {
		job, err := d.store.ClaimNext(ctx, now)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				d.log.Error().Err(err).Msg("claim failed")
			}
			return
		}
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func(job domain.Job) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.runJob(ctx, job)
		}(job)
	}
}

func (d *Dispatcher) runJob(ctx context.Context, job domain.Job) {
	h, ok := d.registry.Lookup(job.Type)
	if !ok {
		// A retry would hit the same absence, so fail terminally now.
		msg := "no handler for type " + job.Type
		if err := d.store.FailPermanent(ctx, job.ID, msg); err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("record missing-handler failure")
		}
		d.notifier.Notify(Event{JobID: job.ID, JobType: job.Type, Summary: msg, Failed: true})
		return
	}

	hctx := ctx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	outcome, err := invoke(hctx, h, job.Params)
	if err != nil {
		if ferr := d.store.Fail(ctx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, queue.ErrNotProcessing) {
			d.log.Error().Err(ferr).Str("job_id", job.ID).Msg("record job failure")
		}
		d.log.Warn().Err(err).Str("job_id", job.ID).Str("job_type", job.Type).Msg("job failed")
		d.notifier.Notify(Event{JobID: job.ID, JobType: job.Type, Summary: err.Error(), Failed: true})
		return
	}

	if cerr := d.store.Complete(ctx, job.ID, outcome.Data, outcome.Summary); cerr != nil && !errors.Is(cerr, queue.ErrNotProcessing) {
		d.log.Error().Err(cerr).Str("job_id", job.ID).Msg("record job completion")
	}
	d.notifier.Notify(Event{JobID: job.ID, JobType: job.Type, Summary: outcome.Summary})
}

// invoke runs the handler, converting a panic into a failed outcome so one
// bad job cannot crash the poller.
func invoke(ctx context.Context, h Handler, params json.RawMessage) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, params)
}
