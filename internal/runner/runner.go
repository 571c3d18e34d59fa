// Package runner implements the job runner (C6): the loop that pops
// queued jobs, dispatches each to its own goroutine capped by the live
// concurrency budget, and reports the terminal result — grounded on the
// job-count-limit / goroutine-per-job / WaitGroup-drain shape the
// storacha-piri jobqueue worker uses, and on the bobmcallan-vire
// jobmanager's safeGo pattern for isolating a handler panic to the
// single job it occurred in.
package runner

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arthurcrodrigues/worker-runtime/internal/handler"
	"github.com/arthurcrodrigues/worker-runtime/internal/queue"
	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// popPoll bounds how long a single Pop attempt waits before the runner
// re-checks its termination condition and re-fetches the current queue,
// which may have changed out from under it during a resize.
const popPoll = time.Second

// slotPoll is how often the runner rechecks for a free concurrency slot
// while the budget is saturated.
const slotPoll = time.Second

// Poster delivers terminal results, stream fragments and progress
// updates; satisfied by *transport.Client.
type Poster interface {
	PostResult(ctx context.Context, jobID string, isStream bool, envelope models.ResultEnvelope) error
	PostStream(ctx context.Context, jobID string, fragment models.StreamFragment) error
	Progress(jobID string, payload json.RawMessage)
}

// Registry is the subset of the in-progress registry the runner needs.
type Registry interface {
	Remove(id string) error
}

// Provider exposes the live queue and budget C7 owns.
type Provider interface {
	Queue() *queue.Queue
	Budget() int
}

// Config configures a Runner.
type Config struct {
	Handler        any
	Shape          handler.Shape
	Identity       handler.Identity
	Options        handler.Options
	HandlerTimeout time.Duration

	// OnRefresh is invoked once, asynchronously, the first time a
	// completed job's result carries refresh_worker — the caller wires
	// this to the scaler's shutdown trigger.
	OnRefresh func()
}

// Runner pops queued jobs and runs each to completion on its own
// goroutine, never exceeding the provider's current budget of
// concurrently in-flight jobs.
type Runner struct {
	client   Poster
	registry Registry
	provider Provider
	cfg      Config
	log      zerolog.Logger

	inFlight    atomic.Int64
	wg          sync.WaitGroup
	refreshOnce sync.Once

	// slotFreed is signaled once whenever a handler finishes, so
	// waitForSlot can wake up immediately instead of polling on a timer
	// alone.
	slotFreed chan struct{}
}

// New builds a Runner.
func New(client Poster, registry Registry, provider Provider, cfg Config, log zerolog.Logger) *Runner {
	return &Runner{client: client, registry: registry, provider: provider, cfg: cfg, log: log, slotFreed: make(chan struct{}, 1)}
}

// Run pops and dispatches jobs until ctx is cancelled and the queue has
// fully drained with no in-flight work remaining (spec.md §4.6/§5: "the
// system waits for [in-flight tasks] to finish; new acquisitions stop
// immediately, but already-dispatched work runs to completion").
func (r *Runner) Run(ctx context.Context) {
	for {
		q := r.provider.Queue()

		if ctx.Err() != nil && q.Len() == 0 && r.inFlight.Load() == 0 {
			r.wg.Wait()
			return
		}

		if !r.waitForSlot(ctx, q) {
			r.wg.Wait()
			return
		}

		popCtx, cancel := context.WithTimeout(context.Background(), popPoll)
		job, ok := q.Pop(popCtx)
		cancel()
		if !ok {
			continue
		}

		r.inFlight.Add(1)
		r.wg.Add(1)
		go r.handle(job)
	}
}

// waitForSlot blocks until the in-flight count is below budget. It does
// not return early when ctx ends: in-flight jobs are drained, not
// cancelled, so it keeps waiting for one of them to free a slot. It
// reports false if, while it waits, ctx has ended with the queue empty
// and nothing in flight.
func (r *Runner) waitForSlot(ctx context.Context, q *queue.Queue) bool {
	for r.inFlight.Load() >= int64(r.provider.Budget()) {
		if ctx.Err() != nil && q.Len() == 0 && r.inFlight.Load() == 0 {
			return false
		}
		select {
		case <-r.slotFreed:
		case <-time.After(slotPoll):
		}
	}
	return true
}

// handle runs one job's handler invocation to completion and reports
// its result. It is deliberately not cancelled by the runner's shutdown
// context: an in-flight task always runs to completion (spec.md §5).
func (r *Runner) handle(job models.Job) {
	defer r.wg.Done()
	defer func() {
		r.inFlight.Add(-1)
		select {
		case r.slotFreed <- struct{}{}:
		default:
		}
	}()

	hctx := context.Background()
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, r.cfg.HandlerTimeout)
		defer cancel()
	}

	isStream := r.cfg.Shape == handler.ShapeStreaming || r.cfg.Shape == handler.ShapeCooperativeStreaming

	result := handler.Invoke(hctx, &job, r.cfg.Shape, r.cfg.Handler, func(frag models.StreamFragment) {
		if err := r.client.PostStream(hctx, job.ID, frag); err != nil {
			r.log.Warn().Str("job_id", job.ID).Err(err).Msg("runner: stream fragment post failed")
		}
	}, func(payload json.RawMessage) {
		r.client.Progress(job.ID, payload)
	}, r.cfg.Identity, r.cfg.Options)

	envelope := buildEnvelope(result)
	if err := r.client.PostResult(context.Background(), job.ID, isStream, envelope); err != nil {
		r.log.Warn().Str("job_id", job.ID).Err(err).Msg("runner: result post failed")
	}

	if err := r.registry.Remove(job.ID); err != nil {
		r.log.Error().Str("job_id", job.ID).Err(err).Msg("runner: registry remove failed")
	}

	if result.RefreshWorker && r.cfg.OnRefresh != nil {
		r.refreshOnce.Do(func() {
			r.log.Info().Str("job_id", job.ID).Msg("runner: refresh_worker requested, initiating shutdown")
			go r.cfg.OnRefresh()
		})
	}
}

// buildEnvelope maps a terminal JobResult onto the wire-level
// ResultEnvelope, JSON-encoding the user error message or the runtime
// error object into the envelope's single "error" key.
func buildEnvelope(result models.JobResult) models.ResultEnvelope {
	env := models.ResultEnvelope{RefreshWorker: result.RefreshWorker}
	switch result.Kind {
	case models.KindSuccess:
		env.Output = result.Output
	case models.KindUser:
		if msg, err := json.Marshal(result.Message); err == nil {
			env.Error = msg
		}
	case models.KindRuntime:
		if body, err := json.Marshal(result.RuntimeErr); err == nil {
			env.Error = body
		}
	}
	return env
}
