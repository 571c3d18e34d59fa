// Package fetcher implements the job fetcher (C5): the single goroutine
// that polls the control plane for work, honors queue headroom and the
// dynamic concurrency budget, and hands each acquired job to the
// registry and queue in the order spec.md §4.5 and §5 require — the
// queue push happens before the registry add, so a crash between the
// two only ever loses a job the queue never delivered, never one the
// registry thinks is still running.
package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/arthurcrodrigues/worker-runtime/internal/queue"
	"github.com/arthurcrodrigues/worker-runtime/internal/transport"
	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// rateLimitSleep is the pause spec.md §4.5 prescribes after a 429: long
// enough to back off a chatty control plane, short enough that a worker
// idle for one cycle isn't mistaken for dead.
const rateLimitSleep = 5 * time.Second

// transientSleep bounds how long the fetcher waits after a non-timeout
// transport error before retrying, distinct from the longer rate-limit
// sleep and the "retry immediately" timeout case.
const transientSleep = time.Second

// headroomPoll is how often the fetcher rechecks queue headroom while
// the queue is full.
const headroomPoll = time.Second

// Acquirer issues the acquisition call; satisfied by *transport.Client.
type Acquirer interface {
	Acquire(ctx context.Context, jobInProgress bool, batchSize int) ([]models.Job, error)
}

// Registry is the subset of the in-progress registry the fetcher needs.
type Registry interface {
	Add(id string) error
	Count() (int, error)
	InProgress(id string) bool
}

// Provider exposes the live queue and budget C7 owns, including the
// resize hook the fetcher must invoke once per cycle.
type Provider interface {
	Queue() *queue.Queue
	Budget() int
	MaybeResize(ctx context.Context) error
}

// Fetcher runs the acquisition loop.
type Fetcher struct {
	client   Acquirer
	registry Registry
	provider Provider
	log      zerolog.Logger
}

// New builds a Fetcher.
func New(client Acquirer, registry Registry, provider Provider, log zerolog.Logger) *Fetcher {
	return &Fetcher{client: client, registry: registry, provider: provider, log: log}
}

// Run executes the acquisition loop until ctx is cancelled (spec.md
// §4.5: "On shutdown: stop acquiring immediately").
func (f *Fetcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := f.provider.MaybeResize(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.log.Warn().Err(err).Msg("fetcher: resize wait interrupted")
		}

		if !f.waitForHeadroom(ctx) {
			return
		}

		q := f.provider.Queue()
		needed := f.provider.Budget() - q.Len()
		if needed < 1 {
			continue
		}

		inProgress, err := f.registry.Count()
		if err != nil {
			f.log.Warn().Err(err).Msg("fetcher: counting in-progress jobs")
			if !sleep(ctx, transientSleep) {
				return
			}
			continue
		}

		jobs, err := f.client.Acquire(ctx, inProgress > 0, needed)
		switch {
		case errors.Is(err, transport.ErrRateLimited):
			f.log.Debug().Msg("fetcher: rate limited, backing off")
			if !sleep(ctx, rateLimitSleep) {
				return
			}
			continue
		case errors.Is(err, transport.ErrNoJobs):
			continue
		case errors.Is(err, context.DeadlineExceeded):
			// A timed-out acquisition call retries immediately, per
			// spec.md §4.5 — only a 429 earns a sleep.
			continue
		case err != nil:
			f.log.Warn().Err(err).Msg("fetcher: acquire failed")
			if !sleep(ctx, transientSleep) {
				return
			}
			continue
		}

		for _, job := range jobs {
			if f.registry.InProgress(job.ID) {
				f.log.Debug().Str("job_id", job.ID).Msg("fetcher: dropping duplicate acquisition")
				continue
			}
			if err := q.Push(ctx, job); err != nil {
				return
			}
			if err := f.registry.Add(job.ID); err != nil {
				f.log.Error().Str("job_id", job.ID).Err(err).Msg("fetcher: registry add failed after queue push")
			}
		}
	}
}

// waitForHeadroom blocks until the queue has room for at least one more
// job or ctx ends, polling at headroomPoll granularity.
func (f *Fetcher) waitForHeadroom(ctx context.Context) bool {
	for {
		q := f.provider.Queue()
		if q.Len() < f.provider.Budget() {
			return true
		}
		if !sleep(ctx, headroomPoll) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
