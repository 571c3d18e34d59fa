// Package heartbeat implements the worker's liveness ping (C4): a
// periodic GET carrying the registry's current in-progress identifiers,
// run on its own goroutine so a stalled handler on the main loop can
// never starve it (spec.md §4.4/§5).
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arthurcrodrigues/worker-runtime/internal/registry"
)

// Pinger issues the heartbeat GET; satisfied by *transport.Client.
// Declared narrowly here so this package doesn't need to import the
// whole transport surface.
type Pinger interface {
	Ping(ctx context.Context, jobIDs []string, interval time.Duration, retryPrevFailed bool) error
}

// Registry is the read-only view heartbeat needs from the in-progress
// registry; satisfied by *registry.Registry.
type Registry interface {
	Snapshot() ([]string, error)
}

var _ Registry = (*registry.Registry)(nil)

// Service runs the heartbeat loop.
type Service struct {
	pinger   Pinger
	reg      Registry
	interval time.Duration
	log      zerolog.Logger
}

// New builds a heartbeat Service. interval is the configured ping period
// (spec.md §6's RUNPOD_PING_INTERVAL, default 10s).
func New(pinger Pinger, reg Registry, interval time.Duration, log zerolog.Logger) *Service {
	return &Service{pinger: pinger, reg: reg, interval: interval, log: log}
}

// Run ticks every interval until ctx is cancelled, at which point C7's
// shutdown has propagated and the heartbeat stops (spec.md §4.4's stop
// lifecycle). Run is meant to be launched on its own goroutine by the
// caller before the main fetch/run loop starts.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	retryPrevFailed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retryPrevFailed = s.tick(ctx, retryPrevFailed)
		}
	}
}

// tick performs one heartbeat and returns whether the NEXT tick should
// carry retry_ping=1.
func (s *Service) tick(ctx context.Context, prevFailed bool) (failed bool) {
	ids, err := s.reg.Snapshot()
	if err != nil {
		s.log.Warn().Err(err).Msg("heartbeat: snapshot failed")
		return true
	}

	if err := s.pinger.Ping(ctx, ids, s.interval, prevFailed); err != nil {
		s.log.Warn().Err(err).Int("in_progress", len(ids)).Msg("heartbeat: ping failed")
		return true
	}

	s.log.Debug().Int("in_progress", len(ids)).Msg("heartbeat: ping ok")
	return false
}
