// Package scaler implements the JobScaler (C7): the orchestrator that
// owns the bounded job queue and the live concurrency budget, runs the
// fetcher and runner on their own goroutines, and drives the worker
// through its startup, steady-state, resize and shutdown lifecycle
// (spec.md §4.7). Grounded on the rezkam-mono coordinator's
// defaulted-Config-plus-state-machine shape and on the teacher's own
// top-level wiring in cmd/worker.
package scaler

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/arthurcrodrigues/worker-runtime/internal/fetcher"
	"github.com/arthurcrodrigues/worker-runtime/internal/fitness"
	"github.com/arthurcrodrigues/worker-runtime/internal/handler"
	"github.com/arthurcrodrigues/worker-runtime/internal/heartbeat"
	"github.com/arthurcrodrigues/worker-runtime/internal/queue"
	"github.com/arthurcrodrigues/worker-runtime/internal/registry"
	"github.com/arthurcrodrigues/worker-runtime/internal/runner"
	"github.com/arthurcrodrigues/worker-runtime/internal/transport"
)

// State names the JobScaler's position in spec.md §4.7's lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateFitness  State = "fitness_ok"
	StateRunning  State = "running"
	StateResizing State = "resizing"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// resizePoll is how often the resize drain wait rechecks queue length.
const resizePoll = time.Second

// Modifier computes the next concurrency budget from the current one.
// A nil Modifier, or one returning the current value, disables resize.
type Modifier func(current int) int

// Config configures a Scaler. Concurrency is the starting (and, absent
// a Modifier, permanent) budget.
type Config struct {
	Concurrency    int
	Modifier       Modifier
	HandlerTimeout time.Duration
	LocalTestMode  bool

	Handler  any
	Shape    handler.Shape
	Identity handler.Identity
	Options  handler.Options

	PingInterval time.Duration
}

// DefaultConfig mirrors the teacher's defaulted-config idiom: it returns
// a Config with a budget of 1 and a 10s ping interval, which callers
// start from and then fill in the remaining fields.
func DefaultConfig() Config {
	return Config{
		Concurrency:  1,
		PingInterval: 10 * time.Second,
	}
}

// Scaler is the worker's top-level orchestrator.
type Scaler struct {
	cfg Config
	log zerolog.Logger

	client  *transport.Client
	reg     *registry.Registry
	fitness *fitness.Registry

	queueMu sync.RWMutex
	q       *queue.Queue
	budget  atomic.Int64

	state atomic.Value // State

	cancel context.CancelFunc
}

// New builds a Scaler. Fitness checks must already be registered on
// checks before Run is called; pass an empty *fitness.Registry to skip
// startup gating entirely.
func New(cfg Config, client *transport.Client, reg *registry.Registry, checks *fitness.Registry, log zerolog.Logger) *Scaler {
	s := &Scaler{
		cfg:     cfg,
		log:     log,
		client:  client,
		reg:     reg,
		fitness: checks,
		q:       queue.New(cfg.Concurrency),
	}
	s.budget.Store(int64(cfg.Concurrency))
	s.setState(StateStarting)
	return s
}

// Queue returns the currently active queue. Satisfies fetcher.Provider
// and runner.Provider.
func (s *Scaler) Queue() *queue.Queue {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	return s.q
}

// Budget returns the current concurrency budget.
func (s *Scaler) Budget() int { return int(s.budget.Load()) }

// State returns the JobScaler's current lifecycle state.
func (s *Scaler) State() State {
	v, _ := s.state.Load().(State)
	return v
}

func (s *Scaler) setState(st State) {
	s.state.Store(st)
	s.log.Debug().Str("state", string(st)).Msg("scaler: state transition")
}

// MaybeResize asks the configured Modifier for a new budget and, if it
// differs, waits for the current queue to fully drain before swapping
// in a freshly sized one (spec.md §4.7: "resize only ever happens
// between cycles... never discards or truncates in-flight work").
// Only the fetcher's single goroutine calls this, so no additional
// synchronization is needed around the read-modify-wait-swap sequence
// beyond queueMu's protection of the pointer swap itself.
func (s *Scaler) MaybeResize(ctx context.Context) error {
	if s.cfg.Modifier == nil {
		return nil
	}
	current := s.Budget()
	next := s.cfg.Modifier(current)
	if next == current || next < 1 {
		return nil
	}

	s.log.Info().Int("from", current).Int("to", next).Msg("scaler: resize requested, draining queue")
	s.setState(StateResizing)
	defer s.setState(StateRunning)

	q := s.Queue()
	for q.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resizePoll):
		}
	}

	s.queueMu.Lock()
	s.q = queue.New(next)
	s.queueMu.Unlock()
	s.budget.Store(int64(next))
	s.log.Info().Int("budget", next).Msg("scaler: resize complete")
	return nil
}

// Run drives the worker through startup, steady state and shutdown. It
// blocks until both the fetcher and runner have exited, which happens
// once a shutdown signal (SIGTERM/SIGINT), an internal cancellation
// (e.g. a refresh_worker result), or ctx itself ends and the queue has
// fully drained.
func (s *Scaler) Run(parent context.Context) error {
	sigCtx, stopSig := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stopSig()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	s.cancel = cancel

	if !s.cfg.LocalTestMode && s.fitness != nil {
		if err := s.fitness.Run(ctx); err != nil {
			return fmt.Errorf("scaler: startup fitness checks failed: %w", err)
		}
	}
	s.setState(StateFitness)

	hb := heartbeat.New(s.client, s.reg, s.cfg.PingInterval, s.log)
	go hb.Run(ctx)

	f := fetcher.New(s.client, s.reg, s, s.log)
	r := runner.New(s.client, s.reg, s, runner.Config{
		Handler:        s.cfg.Handler,
		Shape:          s.cfg.Shape,
		Identity:       s.cfg.Identity,
		Options:        s.cfg.Options,
		HandlerTimeout: s.cfg.HandlerTimeout,
		OnRefresh:      cancel,
	}, s.log)

	s.setState(StateRunning)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); f.Run(ctx) }()
	go func() { defer wg.Done(); s.runAndDrain(ctx, r) }()
	wg.Wait()

	s.setState(StateStopped)
	return nil
}

// runAndDrain runs the runner and, once ctx ends, reports the
// transition into the draining state for observability before the
// runner's own drain-to-empty logic completes.
func (s *Scaler) runAndDrain(ctx context.Context, r *runner.Runner) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		s.setState(StateDraining)
	case <-done:
		return
	}
	<-done
}

// Shutdown triggers the same graceful shutdown path a SIGTERM would,
// for callers that need to stop the scaler programmatically. Calling
// Shutdown before Run has no effect.
func (s *Scaler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}
